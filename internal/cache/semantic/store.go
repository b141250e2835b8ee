package semantic

import (
	"context"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Record is one stored prompt embedding with its response.
type Record struct {
	Key       string                   `json:"key"` // exact cache key of the source prompt
	Category  string                   `json:"category,omitempty"`
	Vector    []float32                `json:"vector"`
	Response  *types.InferenceResponse `json:"response"`
	CreatedAt time.Time                `json:"created_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

// Expired reports whether the record's lifetime has elapsed.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Match is a search result with its similarity score.
type Match struct {
	Record     *Record
	Similarity float64
}

// VectorStore is the semantic-layer backend. Search returns matches
// with similarity ≥ minSimilarity ordered by similarity descending,
// ties by newest CreatedAt first.
type VectorStore interface {
	Upsert(ctx context.Context, record *Record) error
	Search(ctx context.Context, vector []float32, category string, minSimilarity float64, limit int) ([]Match, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
