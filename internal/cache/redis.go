package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig holds the shared-store backend settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "modelgate:cache",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisStore is the exact-layer backend shared across gateway replicas.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
}

// NewRedisStore connects and verifies the backend.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.Namespace), nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client goredis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = DefaultRedisConfig().Namespace
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) prefixed(key string) string {
	return s.namespace + ":" + key
}

// Get returns the entry for a key, or nil on miss. Hit counts ride in
// a side counter so the serialized entry stays immutable.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.prefixed(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	if entry.Expired(time.Now()) {
		return nil, nil
	}

	if n, err := s.client.Incr(ctx, s.prefixed(key)+":hits").Result(); err == nil {
		entry.HitCount = n
	}
	return &entry, nil
}

// Set stores an entry with its remaining TTL.
func (s *RedisStore) Set(ctx context.Context, entry *Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefixed(entry.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a key and its hit counter.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixed(key), s.prefixed(key)+":hits").Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteByPrefix scans and removes every key under the prefix.
func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := s.prefixed(prefix) + "*"
	removed := 0

	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	return removed, nil
}

// Close closes the backend connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
