// Package apierr defines the gateway's error taxonomy. Components return
// *Error (or a wrapped stdlib error) rather than inventing ad hoc sentinels
// per package, so httpapi can map every failure to a status code in one
// place.
package apierr

import "fmt"

// Kind classifies an error for transport-layer mapping.
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream     Kind = "upstream_error"
	KindCanceled     Kind = "canceled"
	KindInternal     Kind = "internal"
)

// Error is the gateway's wrapped error type. Code is a short machine-
// readable slug distinct from Kind (e.g. "model_not_found" under
// KindBadRequest); Message is safe to return to callers. Cause is kept for
// logging/span recording and is never rendered verbatim to the client.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error without a wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error around an existing cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Well-known sentinels shared across packages.
var (
	ErrProviderRequired   = New(KindBadRequest, "provider_required", "a provider must be configured")
	ErrModelRequired      = New(KindBadRequest, "model_required", "a model must be specified")
	ErrStreamUnsupported  = New(KindBadRequest, "stream_unsupported", "the selected provider does not support streaming")
	ErrBreakpointNotFound = New(KindBadRequest, "breakpoint_not_found", "no breakpoint matches the given handle")
)
