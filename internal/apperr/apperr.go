// Package apperr defines the error kinds shared across the query lifecycle
// engine, so callers can branch on failure class without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure. The HTTP layer maps a subset of these to
// status codes; the lifecycle engine recovers the rest into row state.
type Kind string

const (
	NotFound           Kind = "NOT_FOUND"
	Unauthorized       Kind = "UNAUTHORIZED"
	Unprocessable      Kind = "UNPROCESSABLE"
	SQLExecutionError  Kind = "SQL_EXECUTION_ERROR"
	Cancelled          Kind = "CANCELLED"
	NotRunning         Kind = "NOT_RUNNING"
	UnknownDestination Kind = "UNKNOWN_DESTINATION"
	ReservedColumnName Kind = "RESERVED_COLUMN_NAME"
	MaterializerError  Kind = "MATERIALIZER_ERROR"
	PublishError       Kind = "PUBLISH_ERROR"
	Internal           Kind = "INTERNAL"
)

// Error is a domain error tagged with a Kind. Description is short and
// operator-readable; it must never contain secrets or raw SQL text.
type Error struct {
	Kind        Kind
	Description string
	Cause       error
}

func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, apperr.ErrNotRunning) work against a *Error of the
// same Kind even when wrapped with extra context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons at call sites, mirroring the
// store.ErrNotFound idiom used throughout the teacher services.
var (
	ErrNotFound       = New(NotFound, "not found")
	ErrUnauthorized   = New(Unauthorized, "unauthorized")
	ErrUnprocessable  = New(Unprocessable, "unprocessable")
	ErrCancelled      = New(Cancelled, "cancelled")
	ErrNotRunning     = New(NotRunning, "not running")
	ErrReservedColumn = New(ReservedColumnName, "reserved column name")
)

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
