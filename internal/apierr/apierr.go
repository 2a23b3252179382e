// Package apierr defines the error taxonomy that crosses the event
// dispatcher boundary. Every handler returns one of these kinds (or a plain
// error, which the dispatcher's error-guard maps to Internal) instead of
// writing directly to the connection.
package apierr

import "fmt"

// Kind classifies an error for the dispatcher's error-guard middleware.
type Kind int

const (
	Internal Kind = iota
	Validation
	Auth
	Authorization
	Conflict
)

// Error is a client-facing failure with a fixed message, matching the
// strings events.py returns to callers verbatim.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Msg: fmt.Sprintf(format, args...)}
}

func Malformed() *Error { return &Error{Kind: Validation, Msg: "Malformed data."} }

func AuthErr(msg string) *Error { return &Error{Kind: Auth, Msg: msg} }

func Forbidden(msg string) *Error { return &Error{Kind: Authorization, Msg: msg} }

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: Conflict, Msg: fmt.Sprintf(format, args...)}
}

// InternalServerError is the fixed string the error-guard substitutes for
// any error that isn't an *Error, or that is an *Error of Kind Internal.
const InternalServerError = "Internal server error."
