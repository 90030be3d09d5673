package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"reportd/internal/cronspec"
	"reportd/internal/report"
	"reportd/internal/scheduler"
	"reportd/internal/storage"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// Error codes returned in ErrorDetail.Code.
const (
	CodeInvalidJSON  = "invalid_json"
	CodeValidation   = "validation_failed"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal_error"
)

// APIError is an error with an HTTP status and a client-safe message.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

type errorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal_error","message":"failed to marshal response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps err to a status. Unknown errors become a 500 without
// leaking their text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	writeJSON(w, ae.Status, errorBody{Error: ErrorDetail{
		Code:      ae.Code,
		Message:   ae.Message,
		Details:   ae.Details,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func classify(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	var ve *cronspec.ValidationError
	switch {
	case report.IsNotFound(err):
		return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "report not found", Err: err}
	case errors.Is(err, storage.ErrDuplicateID):
		return &APIError{Status: http.StatusConflict, Code: CodeConflict, Message: "report id already exists", Err: err}
	case errors.As(err, &ve):
		return &APIError{Status: http.StatusBadRequest, Code: CodeValidation, Message: ve.Error(), Err: err}
	case errors.Is(err, scheduler.ErrStopped):
		return &APIError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "scheduler is not running", Err: err}
	}
	return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "an unexpected error occurred", Err: err}
}

// decodeJSON strictly decodes a single JSON value into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidJSON, Message: "request body must contain a single JSON object"}
	}
	return nil
}

func decodeError(err error) *APIError {
	bad := func(msg string, details map[string]any) *APIError {
		return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidJSON, Message: msg, Details: details, Err: err}
	}
	var maxErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &maxErr):
		return bad("request body must not exceed 1MB", nil)
	case errors.As(err, &syntaxErr):
		return bad("malformed JSON in request body", nil)
	case errors.As(err, &typeErr):
		return bad("invalid value for field", map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return bad("unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), nil)
	case errors.Is(err, io.EOF):
		return bad("request body must not be empty", nil)
	}
	return bad("invalid request body", nil)
}
