package report

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("report not found")

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore returns nil for nil errors and passes ErrNotFound through
// unwrapped-comparable (errors.Is still matches).
func WrapStore(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, ID: id, Err: err}
}

// IsNotFound reports whether err means the report does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
