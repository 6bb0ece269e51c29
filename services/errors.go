package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks missing or malformed input rejected at the request boundary.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a meal (or analysis) that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a duplicate meal id on create.
	ErrConflict = errors.New("conflict")
)

// invalidArgument wraps ErrInvalidArgument with a client-facing message.
func invalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}

// AnalyzerError means the vision call failed or returned unusable output.
// Reason is safe to show to the user.
type AnalyzerError struct {
	Reason string
	Err    error
}

func (e *AnalyzerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analyzer: %s: %v", e.Reason, e.Err)
	}
	return "analyzer: " + e.Reason
}

func (e *AnalyzerError) Unwrap() error { return e.Err }

// StoreError means persistence was unavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
