// Package cache implements the gateway's dual-layer response cache:
// an exact layer keyed by the SHA-256 of the canonical prompt and a
// semantic layer searched by embedding similarity. Writes are
// best-effort; a cache failure is logged and never fails the request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

// DefaultTTL is the entry lifetime when the category configures none.
const DefaultTTL = 24 * time.Hour

// Entry is a stored response with its cache metadata.
type Entry struct {
	Key       string                   `json:"key"`
	Category  string                   `json:"category,omitempty"`
	Response  *types.InferenceResponse `json:"response"`
	CreatedAt time.Time                `json:"created_at"`
	ExpiresAt time.Time                `json:"expires_at"`
	HitCount  int64                    `json:"hit_count"`
}

// Expired reports whether the entry's lifetime has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is the exact-layer backend. Get returns (nil, nil) on miss;
// backends never surface expired entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Stats holds cache hit/miss counters.
type Stats struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Sets   int64   `json:"sets"`
	Errors int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// ExactKey derives the exact-layer key: hex SHA-256 over the canonical
// prompt serialization (system + ordered messages + sorted tool names +
// output schema). Identical logical prompts always produce the same
// key.
func ExactKey(prompt *types.LogicalPrompt) string {
	sum := sha256.Sum256(prompt.Canonical())
	return hex.EncodeToString(sum[:])
}
