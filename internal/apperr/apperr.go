// Package apperr defines the typed error kinds used across the core (§7)
// and the HTTP status codes the transport collaborator should map them to.
package apperr

import "fmt"

// Kind is a coarse error classification, independent of any transport.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	Unauthenticated    Kind = "unauthenticated"
	PermissionDenied   Kind = "permission_denied"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	ServiceUnavailable Kind = "service_unavailable"
	Internal           Kind = "internal"
)

// httpStatus maps each Kind to the HTTP status the transport should use.
var httpStatus = map[Kind]int{
	InvalidArgument:    400,
	Unauthenticated:    401,
	PermissionDenied:   403,
	NotFound:           404,
	Conflict:           409,
	ServiceUnavailable: 503,
	Internal:           500,
}

// Error is the typed error returned by core operations.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus returns the HTTP status code this error's Kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New constructs an Error of the given kind with a human-readable message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind, wrapping an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
