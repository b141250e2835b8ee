package semantic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// RedisVectorStore shares embeddings across gateway replicas. Records
// live as JSON values under the namespace and search is a SCAN plus
// client-side cosine, which holds up at the cache sizes the TTL keeps
// us at; a dedicated vector index is the upgrade path beyond that.
type RedisVectorStore struct {
	client    goredis.UniversalClient
	namespace string
}

// NewRedisVectorStore wraps a client.
func NewRedisVectorStore(client goredis.UniversalClient, namespace string) *RedisVectorStore {
	if namespace == "" {
		namespace = "modelgate:semantic"
	}
	return &RedisVectorStore{client: client, namespace: namespace}
}

func (s *RedisVectorStore) prefixed(key string) string {
	return s.namespace + ":" + key
}

// Upsert stores a record with its remaining TTL.
func (s *RedisVectorStore) Upsert(ctx context.Context, record *Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefixed(record.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Search scans all records and ranks matches client-side.
func (s *RedisVectorStore) Search(ctx context.Context, vector []float32, category string, minSimilarity float64, limit int) ([]Match, error) {
	now := time.Now()
	var matches []Match

	iter := s.client.Scan(ctx, 0, s.namespace+":*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // evicted between scan and get
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if record.Expired(now) {
			continue
		}
		if category != "" && record.Category != category {
			continue
		}
		if sim := Cosine(vector, record.Vector); sim >= minSimilarity {
			rec := record
			matches = append(matches, Match{Record: &rec, Similarity: sim})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

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
func (s *RedisVectorStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixed(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the backend connection.
func (s *RedisVectorStore) Close() error {
	return s.client.Close()
}
