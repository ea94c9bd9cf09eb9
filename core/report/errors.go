package report

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField            = errors.New("missing field")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrRunAlreadyFinalized     = errors.New("run already finalized")
	ErrMissingEvidence         = errors.New("missing evidence")

	// ErrPointerNotFound is returned by resolvers for pointers with no stored artifact
	ErrPointerNotFound = errors.New("evidence pointer not found")
)

// ValidationError wraps one of the sentinel errors with the offending detail.
// Callers match the kind with errors.Is.
type ValidationError struct {
	Kind   error
	RunID  string
	Detail string
	Cause  error
}

func (e *ValidationError) Error() string {
	msg := e.Kind.Error()
	if e.RunID != "" {
		msg = fmt.Sprintf("run %s: %s", e.RunID, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func newError(kind error, runID, detail string) *ValidationError {
	return &ValidationError{Kind: kind, RunID: runID, Detail: detail}
}
