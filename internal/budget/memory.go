package budget

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	mu    sync.Mutex
	state State
}

// rollover resets the bucket when the window has elapsed.
func (b *bucket) rollover(window time.Duration, now time.Time) {
	if b.state.WindowStart.IsZero() || now.Sub(b.state.WindowStart) >= window {
		b.state = State{WindowStart: now}
	}
}

// MemoryStore keeps budget buckets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) bucket(key string) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	return b
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key string, amount, limit float64, window time.Duration, now time.Time) (bool, State, error) {
	b := s.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(window, now)
	if b.state.SpentCents+b.state.ReservedCents+amount > limit {
		return false, b.state, nil
	}
	b.state.ReservedCents += amount
	return true, b.state, nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, key string, reserved, actual float64, window time.Duration, now time.Time) (State, error) {
	b := s.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(window, now)
	b.state.ReservedCents = max(0, b.state.ReservedCents-reserved)
	b.state.SpentCents += actual
	return b.state, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string, reserved float64, window time.Duration, now time.Time) error {
	b := s.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(window, now)
	b.state.ReservedCents = max(0, b.state.ReservedCents-reserved)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
