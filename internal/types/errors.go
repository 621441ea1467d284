package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed error taxonomy every fallible operation draws from.
// Boundaries map kinds to HTTP statuses; internal callers branch on kind to
// decide retry behavior.
type ErrorKind string

const (
	// ErrValidation: malformed input. Never retried.
	ErrValidation ErrorKind = "validation"

	// ErrNotFound: missing asset, job, pipeline, group or alert.
	ErrNotFound ErrorKind = "not_found"

	// ErrConflict: policy violation, maintenance gate, duplicate
	// registration, queue full. Never retried automatically.
	ErrConflict ErrorKind = "conflict"

	// ErrTransport: the adapter could not reach the asset. Retried with
	// backoff inside the adapter; surfaced only on exhaustion.
	ErrTransport ErrorKind = "transport"

	// ErrRemote: the remote side executed but failed (non-zero exit, boot
	// never asserted, verify mismatch). Never retried by the adapter.
	ErrRemote ErrorKind = "remote"

	// ErrExhausted: no candidate or capacity right now. Carries a wait
	// estimate; not an error to the scheduler.
	ErrExhausted ErrorKind = "exhausted"

	// ErrCancelled: explicit user cancellation. Always terminal.
	ErrCancelled ErrorKind = "cancelled"
)

// Error is the typed error all subsystems return for domain failures.
type Error struct {
	Kind    ErrorKind
	Message string

	// Err is the wrapped cause, if any.
	Err error

	// WaitEstimate accompanies ErrExhausted: how long until a candidate
	// could become eligible.
	WaitEstimate time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a validation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict / policy-violation error.
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// TransportErrf wraps a cause as a transport error.
func TransportErrf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrTransport, Message: fmt.Sprintf(format, args...), Err: err}
}

// Remotef builds a remote-failure error.
func Remotef(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrRemote, Message: fmt.Sprintf(format, args...)}
}

// Exhaustedf builds a resource-exhaustion error carrying a wait estimate.
func Exhaustedf(wait time.Duration, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrExhausted, Message: fmt.Sprintf(format, args...), WaitEstimate: wait}
}

// Cancelledf builds a cancellation error.
func Cancelledf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrCancelled, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind from any error in the chain.
// Plain context cancellation maps to ErrCancelled; everything untyped maps
// to ErrTransport as the conservative default for infrastructure failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return ErrTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// WaitEstimateOf extracts the wait estimate from an exhaustion error.
func WaitEstimateOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) && te.Kind == ErrExhausted {
		return te.WaitEstimate
	}
	return 0
}
