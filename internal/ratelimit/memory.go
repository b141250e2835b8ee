package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucketState is one key's live balance.
type bucketState struct {
	mu         sync.Mutex
	requests   float64
	tokens     float64
	lastRefill time.Time
}

// MemoryStore is a process-local bucket backend, suitable for
// single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
}

// NewMemoryStore creates an empty memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucketState)}
}

func (s *MemoryStore) bucket(key string, limits Limits, now time.Time) *bucketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucketState{
			requests:   limits.Capacity(),
			tokens:     limits.TokenCapacity(),
			lastRefill: now,
		}
		s.buckets[key] = b
	}
	return b
}

// Acquire refills then debits under the bucket's own lock.
func (s *MemoryStore) Acquire(_ context.Context, key string, limits Limits, estimatedTokens int, now time.Time) (Result, error) {
	b := s.bucket(key, limits, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.requests = min(limits.Capacity(), b.requests+elapsed*float64(limits.RPM)/60.0)
		b.tokens = min(limits.TokenCapacity(), b.tokens+elapsed*float64(limits.TPM)/60.0)
		b.lastRefill = now
	}

	needTokens := float64(estimatedTokens)
	if b.requests < 1 {
		return Result{RetryAfter: retryAfter(1-b.requests, float64(limits.RPM)), Remaining: b.requests}, nil
	}
	if limits.TPM > 0 && b.tokens < needTokens {
		return Result{RetryAfter: retryAfter(needTokens-b.tokens, float64(limits.TPM)), Remaining: b.requests}, nil
	}

	b.requests--
	if limits.TPM > 0 {
		b.tokens -= needTokens
	}
	return Result{Allowed: true, Remaining: b.requests}, nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }
