package shared

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for the RPC boundary. Kinds, not types:
// every domain error carries exactly one kind, and the gateway maps the
// kind to a wire code without inspecting the underlying cause.
type Kind string

const (
	KindUnauthenticated       Kind = "Unauthenticated"
	KindForbidden             Kind = "Forbidden"
	KindNotFound              Kind = "NotFound"
	KindConflict              Kind = "Conflict"
	KindSchemaInvalid         Kind = "SchemaInvalid"
	KindRateLimited           Kind = "RateLimited"
	KindOverloaded            Kind = "Overloaded"
	KindCancelled             Kind = "Cancelled"
	KindTimeout               Kind = "Timeout"
	KindTransient             Kind = "Transient"
	KindPermanent             Kind = "Permanent"
	KindQuotaExceeded         Kind = "QuotaExceeded"
	KindArchived              Kind = "Archived"
	KindStreamStalled         Kind = "StreamStalled"
	KindSlowConsumer          Kind = "SlowConsumer"
	KindDependencyUnavailable Kind = "DependencyUnavailable"
	KindInternal              Kind = "Internal"
)

// Error is a kinded domain error. Data carries structured detail that is
// safe to serialise to the caller (e.g. retry_after_ms).
type Error struct {
	Kind Kind
	Msg  string
	Data map[string]any
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef constructs a kinded error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving the chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithData returns a copy of the error carrying extra wire-safe detail.
func (e *Error) WithData(key string, value any) *Error {
	out := *e
	out.Data = make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		out.Data[k] = v
	}
	out.Data[key] = value
	return &out
}

// AsError extracts the kinded error from a chain.
func AsError(err error, target **Error) bool {
	return errors.As(err, target)
}

// KindOf reports the kind of err. Context cancellation and deadline errors
// map to Cancelled/Timeout even when unkinded; anything else unkinded is
// Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the delivery loop should retry after err.
// Transient, Timeout and DependencyUnavailable are retryable; everything
// else is terminal for the message.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout, KindDependencyUnavailable:
		return true
	default:
		return false
	}
}
