package cache

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// expiryHeap orders keys by expiry time for cheap eviction sweeps.
type expiryItem struct {
	key      string
	expireAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryConfig holds in-process store settings.
type MemoryConfig struct {
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: time.Minute,
	}
}

// MemoryStore is a process-local exact-layer backend with TTL eviction
// driven by an expiry heap plus a periodic janitor.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	expiry  expiryHeap
	max     int

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a memory store and starts its janitor.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMemoryConfig().MaxEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultMemoryConfig().CleanupInterval
	}

	s := &MemoryStore{
		entries: make(map[string]*Entry),
		max:     cfg.MaxEntries,
		stopCh:  make(chan struct{}),
	}
	go s.janitor(cfg.CleanupInterval)
	return s
}

// Get returns the entry for a key, or nil on miss. Hit counts update
// under the write lock so concurrent hits are not lost.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	now := time.Now()

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || entry.Expired(now) {
		s.misses.Add(1)
		return nil, nil
	}

	s.mu.Lock()
	if current, ok := s.entries[key]; ok {
		current.HitCount++
		entry = current
	}
	s.mu.Unlock()

	s.hits.Add(1)
	copied := *entry
	return &copied, nil
}

// Set stores an entry. The same key written twice keeps the newer
// CreatedAt, so concurrent writers converge on last-writer-wins.
func (s *MemoryStore) Set(_ context.Context, entry *Entry) error {
	copied := *entry

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[entry.Key]; ok && existing.CreatedAt.After(copied.CreatedAt) {
		return nil
	}
	if len(s.entries) >= s.max {
		s.evictOldestLocked()
	}
	s.entries[entry.Key] = &copied
	heap.Push(&s.expiry, expiryItem{key: entry.Key, expireAt: copied.ExpiresAt})
	s.sets.Add(1)
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// DeleteByPrefix removes every entry whose key starts with prefix and
// returns the count.
func (s *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the live entry count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns hit/miss counters.
func (s *MemoryStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{Hits: hits, Misses: misses, Sets: s.sets.Load(), HitRate: rate}
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep drops expired entries from the heap head. Heap items for keys
// that were overwritten with a later expiry are skipped when the live
// entry disagrees.
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.expiry) > 0 && s.expiry[0].expireAt.Before(now) {
		item := heap.Pop(&s.expiry).(expiryItem)
		if entry, ok := s.entries[item.key]; ok && entry.Expired(now) {
			delete(s.entries, item.key)
		}
	}
}

func (s *MemoryStore) evictOldestLocked() {
	for len(s.expiry) > 0 {
		item := heap.Pop(&s.expiry).(expiryItem)
		if _, ok := s.entries[item.key]; ok {
			delete(s.entries, item.key)
			return
		}
	}
}
