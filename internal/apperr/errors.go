// Package apperr defines the error taxonomy surfaced at protocol boundaries.
//
// Handlers return plain Go errors; the boundary converts them with From so
// that every failure reaches the client as one of a fixed set of kinds.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindValidation     Kind = "validation"
	KindDelivery       Kind = "delivery"
	KindStore          Kind = "store"
	KindInternal       Kind = "internal"
)

// Error is a classified error. Message is safe to show to clients; Err is the
// cause and is only logged.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Auth reports a rejected credential. code names the specific reason.
func Auth(code, msg string, cause error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: msg, Err: cause}
}

// RateLimited reports a throttled operation with a suggested retry delay.
func RateLimited(code string, retryAfter time.Duration) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{Kind: KindRateLimit, Code: code, Message: "too many requests, slow down", RetryAfter: retryAfter}
}

// Invalid reports bad client input. The connection stays open.
func Invalid(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Delivery marks a queue-internal delivery failure.
func Delivery(cause error) *Error {
	return &Error{Kind: KindDelivery, Code: "delivery_failed", Message: "delivery failed", Err: cause}
}

// Store wraps a persistence failure behind a generic message.
func Store(cause error) *Error {
	return &Error{Kind: KindStore, Code: "server_error", Message: "internal server error", Err: cause}
}

// Internal wraps anything unclassified, including recovered panics.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "server_error", Message: "internal server error", Err: cause}
}

// From classifies err. Already classified errors pass through; anything else
// becomes an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// RetryAfterOf returns the suggested retry delay carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter, true
	}
	return 0, false
}

// Recovered turns a recovered panic value into an internal error.
func Recovered(p any) *Error {
	if err, ok := p.(error); ok {
		return Internal(fmt.Errorf("panic: %w", err))
	}
	return Internal(fmt.Errorf("panic: %v", p))
}
