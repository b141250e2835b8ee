// Package ratelimit enforces per-(principal, model) token buckets with
// an adaptive per-(provider, region) degradation factor, plus an
// independent limiter for authentication failures. Buckets track both
// requests per minute and tokens per minute; acquire debits both
// atomically.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limits are the effective bucket parameters for one acquire.
type Limits struct {
	RPM             int     `yaml:"requests_per_minute"`
	TPM             int     `yaml:"tokens_per_minute"`
	BurstMultiplier float64 `yaml:"burst_multiplier"`
}

// Capacity returns the request bucket ceiling.
func (l Limits) Capacity() float64 {
	burst := l.BurstMultiplier
	if burst < 1 {
		burst = 1
	}
	return float64(l.RPM) * burst
}

// TokenCapacity returns the token bucket ceiling.
func (l Limits) TokenCapacity() float64 {
	burst := l.BurstMultiplier
	if burst < 1 {
		burst = 1
	}
	return float64(l.TPM) * burst
}

// Scale returns the limits multiplied by the adaptive factor.
func (l Limits) Scale(factor float64) Limits {
	if factor <= 0 || factor >= 1 {
		return l
	}
	scaled := l
	scaled.RPM = int(float64(l.RPM) * factor)
	if scaled.RPM < 1 {
		scaled.RPM = 1
	}
	scaled.TPM = int(float64(l.TPM) * factor)
	if scaled.TPM < 1 && l.TPM > 0 {
		scaled.TPM = 1
	}
	return scaled
}

// Result is the outcome of an acquire.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64 // request tokens left after the acquire
}

// Store is a bucket backend. Acquire atomically refills the bucket for
// the elapsed time and debits one request plus estimatedTokens; on
// insufficient balance nothing is debited and RetryAfter reports when
// the deficit refills.
type Store interface {
	Acquire(ctx context.Context, key string, limits Limits, estimatedTokens int, now time.Time) (Result, error)
	Close() error
}

// Key builds the bucket key for a principal and model.
func Key(principal, modelID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", principal, modelID)
}

// retryAfter computes how long until deficit tokens refill at perMinute.
func retryAfter(deficit, perMinute float64) time.Duration {
	if perMinute <= 0 {
		return time.Minute
	}
	seconds := deficit / (perMinute / 60.0)
	return time.Duration(seconds * float64(time.Second))
}
