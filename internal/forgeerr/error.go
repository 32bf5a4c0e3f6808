// Package forgeerr implements the error taxonomy of spec §7: a small set
// of semantic kinds that every adapter (HTTP, CLI) maps from the same
// place, instead of each call site inventing its own status code.
package forgeerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a semantic error category, not a Go type.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// Error is the single error type every service and repository in this
// module returns for expected failure modes. Code is a stable
// machine-readable string surfaced to clients (e.g. LLAMA_SERVER_NOT_INSTALLED);
// Metadata carries structured detail for the HTTP error body.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Metadata map[string]any
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps Kind to the status code spec §7 names.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithMetadata returns a copy of e carrying the given metadata.
func (e *Error) WithMetadata(md map[string]any) *Error {
	cp := *e
	cp.Metadata = md
	return &cp
}

func Validation(code, message string) *Error  { return New(KindValidation, code, message) }
func NotFound(code, message string) *Error    { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error    { return New(KindConflict, code, message) }
func Unavailable(code, message string) *Error { return New(KindUnavailable, code, message) }
func Internal(code, message string) *Error    { return New(KindInternal, code, message) }

// ErrCancelled is the sentinel for cooperative cancellation: never
// surfaced as a failure to the requester of the cancel, but reported on
// the event bus.
var ErrCancelled = New(KindCancelled, "CANCELLED", "operation was cancelled")

// As is a thin wrapper around errors.As for *Error, used by adapters.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
