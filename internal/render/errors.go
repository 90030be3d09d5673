package render

import (
	"errors"
	"fmt"
)

// Stage names a step of the render pipeline.
type Stage string

const (
	StageLaunch   Stage = "launch"
	StageNavigate Stage = "navigate"
	StageReady    Stage = "ready"
	StageSettle   Stage = "settle"
	StageExport   Stage = "export"
	StageExtract  Stage = "extract"
	StagePersist  Stage = "persist"
)

var (
	// ErrBreakerOpen is the cause when renders are being short-circuited
	// after repeated failures.
	ErrBreakerOpen = errors.New("render circuit open")
	// ErrEmptyPayload means the page exposed no PDF payload.
	ErrEmptyPayload = errors.New("empty pdf payload")
)

// RenderError reports which stage of a render failed.
type RenderError struct {
	Stage Stage
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Stage, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var re *RenderError
	if errors.As(err, &re) {
		return err
	}
	return &RenderError{Stage: stage, Cause: err}
}

// StageOf returns the failing stage, or "" when err is not a RenderError.
func StageOf(err error) Stage {
	var re *RenderError
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}
