package semantic

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryVectorStore is a process-local brute-force cosine store.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	max     int
}

// NewMemoryVectorStore creates a memory-backed vector store.
func NewMemoryVectorStore(maxEntries int) *MemoryVectorStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryVectorStore{
		records: make(map[string]*Record),
		max:     maxEntries,
	}
}

// Upsert stores a record, keeping the newer CreatedAt on conflict.
func (s *MemoryVectorStore) Upsert(_ context.Context, record *Record) error {
	copied := *record
	copied.Vector = append([]float32(nil), record.Vector...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.Key]; ok && existing.CreatedAt.After(copied.CreatedAt) {
		return nil
	}
	if len(s.records) >= s.max {
		s.evictOldestLocked()
	}
	s.records[record.Key] = &copied
	return nil
}

// Search scans all live records in the category.
func (s *MemoryVectorStore) Search(_ context.Context, vector []float32, category string, minSimilarity float64, limit int) ([]Match, error) {
	now := time.Now()

	s.mu.RLock()
	var matches []Match
	for _, record := range s.records {
		if record.Expired(now) {
			continue
		}
		if category != "" && record.Category != category {
			continue
		}
		if sim := Cosine(vector, record.Vector); sim >= minSimilarity {
			matches = append(matches, Match{Record: record, Similarity: sim})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.CreatedAt.After(matches[j].Record.CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Delete removes a record by its source key.
func (s *MemoryVectorStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len returns the live record count.
func (s *MemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op for the memory store.
func (s *MemoryVectorStore) Close() error { return nil }

func (s *MemoryVectorStore) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, record := range s.records {
		if oldestKey == "" || record.CreatedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = record.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(s.records, oldestKey)
	}
}
