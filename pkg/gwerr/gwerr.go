// Package gwerr defines the gateway's unified error taxonomy. Provider
// errors, routing failures, and admission rejections are all mapped to
// these kinds; retry and circuit-breaker decisions key off the kind,
// never off raw provider codes.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request"
	KindUnauthorized     Kind = "unauthorized"
	KindRateLimited      Kind = "rate_limited"
	KindBudgetExhausted  Kind = "budget_exhausted"
	KindNoCandidate      Kind = "no_candidate"
	KindCircuitOpen      Kind = "circuit_open"
	KindProviderTransient Kind = "provider_transient"
	KindProviderPermanent Kind = "provider_permanent"
	KindProviderAuth     Kind = "provider_auth"
	KindContentFiltered  Kind = "content_filtered"
	KindTimeout          Kind = "timeout"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindOverloaded       Kind = "overloaded"
	KindSafetyBlocked    Kind = "safety_blocked"
	KindCacheError       Kind = "cache_error"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// Error is the gateway's standard error value. Provider and Region are
// set for provider-attributed failures; Level names the exhausted
// budget level; Categories carry safety matches. Secrets never appear
// in the message.
type Error struct {
	Kind       Kind          `json:"kind"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	Region     string        `json:"region,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Stage      string        `json:"stage,omitempty"`
	Level      string        `json:"level,omitempty"`
	Categories []string      `json:"categories,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s)", e.Kind, e.Message, e.Provider)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same kind, so callers can write
// errors.Is(err, &gwerr.Error{Kind: gwerr.KindRateLimited}).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// WithRequestID attaches the request ID and returns the error.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithCause attaches the underlying error and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// HTTPStatus maps the kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized, KindProviderAuth:
		return http.StatusUnauthorized
	case KindRateLimited, KindBudgetExhausted:
		return http.StatusTooManyRequests
	case KindNoCandidate:
		return http.StatusNotFound
	case KindCircuitOpen, KindOverloaded, KindProviderTransient:
		return http.StatusServiceUnavailable
	case KindTimeout, KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindSafetyBlocked, KindContentFiltered:
		return http.StatusUnprocessableEntity
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidRequest creates a schema/validation error.
func InvalidRequest(format string, args ...any) *Error {
	return New(KindInvalidRequest, format, args...)
}

// Unauthorized creates an authentication/authorization error.
func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}

// RateLimited creates a rate-limit rejection with an optional hint for
// when the caller may retry.
func RateLimited(provider string, retryAfter time.Duration) *Error {
	e := New(KindRateLimited, "rate limit exceeded")
	e.Provider = provider
	e.RetryAfter = retryAfter
	return e
}

// BudgetExhausted names the budget level that denied the request.
func BudgetExhausted(level string) *Error {
	e := New(KindBudgetExhausted, "budget exhausted at %s level", level)
	e.Level = level
	return e
}

// NoCandidate indicates the routing filters produced an empty set.
func NoCandidate(reason string) *Error {
	return New(KindNoCandidate, "no candidate model: %s", reason)
}

// CircuitOpen indicates the (provider, region) circuit rejects calls.
func CircuitOpen(provider, region string) *Error {
	e := New(KindCircuitOpen, "circuit open")
	e.Provider = provider
	e.Region = region
	return e
}

// ProviderTransient wraps a retryable provider failure.
func ProviderTransient(provider, message string) *Error {
	e := New(KindProviderTransient, "%s", message)
	e.Provider = provider
	return e
}

// ProviderPermanent wraps a non-retryable provider failure.
func ProviderPermanent(provider, message string) *Error {
	e := New(KindProviderPermanent, "%s", message)
	e.Provider = provider
	return e
}

// ProviderAuth indicates rejected gateway credentials at the provider.
func ProviderAuth(provider, message string) *Error {
	e := New(KindProviderAuth, "%s", message)
	e.Provider = provider
	return e
}

// ContentFiltered indicates the provider's own moderation refused.
func ContentFiltered(provider, message string) *Error {
	e := New(KindContentFiltered, "%s", message)
	e.Provider = provider
	return e
}

// Timeout marks a stage exceeding its soft budget.
func Timeout(stage string) *Error {
	e := New(KindTimeout, "timeout in stage %s", stage)
	e.Stage = stage
	return e
}

// DeadlineExceeded marks the caller's absolute deadline elapsing.
func DeadlineExceeded() *Error {
	return New(KindDeadlineExceeded, "request deadline exceeded")
}

// Overloaded marks queue backpressure rejection.
func Overloaded() *Error {
	return New(KindOverloaded, "gateway overloaded")
}

// SafetyBlocked names the filter and matched categories.
func SafetyBlocked(filter string, categories []string) *Error {
	e := New(KindSafetyBlocked, "blocked by %s filter", filter)
	e.Categories = categories
	return e
}

// CacheError is soft: it is logged and swallowed, never surfaced.
func CacheError(cause error) *Error {
	e := New(KindCacheError, "cache operation failed")
	e.cause = cause
	return e
}

// Cancelled marks explicit caller cancellation.
func Cancelled() *Error {
	return New(KindCancelled, "request cancelled")
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	e := New(KindInternal, "internal error")
	e.cause = cause
	return e
}

// KindOf extracts the kind from any error. Context errors map to
// deadline/cancel kinds; everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, contextDeadline) {
		return KindDeadlineExceeded
	}
	if errors.Is(err, contextCancelled) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether the pipeline may retry or fall back on this
// error. Permanent, validation, safety, and filter errors surface
// immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindProviderTransient, KindTimeout, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// Monitored reports whether the error class feeds circuit-breaker
// failure counting.
func Monitored(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindProviderTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// AsError converts any error into an *Error, wrapping unknown values as
// internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, contextDeadline) {
		return DeadlineExceeded().WithCause(err)
	}
	if errors.Is(err, contextCancelled) {
		return Cancelled().WithCause(err)
	}
	return Internal(err)
}
