package semantic

import (
	"context"
	"log/slog"
	"time"

	"github.com/blueberrycongee/modelgate/internal/tokenizer"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Config holds semantic-layer settings.
type Config struct {
	DefaultThreshold   float64            `yaml:"default_similarity_threshold"`
	CategoryThresholds map[string]float64 `yaml:"category_thresholds"`
	TTL                time.Duration      `yaml:"ttl"`
	MaxEmbedTokens     int                `yaml:"max_embed_tokens"`
	LastUserMessages   int                `yaml:"last_user_messages"`
	MinResponseBytes   int                `yaml:"min_response_bytes"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultThreshold: 0.85,
		CategoryThresholds: map[string]float64{
			"factual_qa":       0.92,
			"code_generation":  0.88,
			"summarization":    0.85,
			"creative_writing": 0.75,
		},
		TTL:              24 * time.Hour,
		MaxEmbedTokens:   8000,
		LastUserMessages: 3,
		MinResponseBytes: 16,
	}
}

// Layer is the semantic cache: lookups embed the prompt and search by
// cosine similarity against the category threshold; writes are gated
// by a minimum response size so one-word replies do not churn storage.
type Layer struct {
	embedder Embedder
	store    VectorStore
	cfg      Config
	logger   *slog.Logger
}

// NewLayer creates a semantic layer.
func NewLayer(embedder Embedder, store VectorStore, cfg Config, logger *slog.Logger) *Layer {
	defaults := DefaultConfig()
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = defaults.DefaultThreshold
	}
	if cfg.CategoryThresholds == nil {
		cfg.CategoryThresholds = defaults.CategoryThresholds
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.MaxEmbedTokens <= 0 {
		cfg.MaxEmbedTokens = defaults.MaxEmbedTokens
	}
	if cfg.LastUserMessages <= 0 {
		cfg.LastUserMessages = defaults.LastUserMessages
	}
	if cfg.MinResponseBytes <= 0 {
		cfg.MinResponseBytes = defaults.MinResponseBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{embedder: embedder, store: store, cfg: cfg, logger: logger}
}

// Threshold returns the similarity threshold for a category.
func (l *Layer) Threshold(category string) float64 {
	if t, ok := l.cfg.CategoryThresholds[category]; ok {
		return t
	}
	return l.cfg.DefaultThreshold
}

// embedText builds the embedding input: system message plus the last N
// user messages, truncated to the embed token budget.
func (l *Layer) embedText(prompt *types.LogicalPrompt) string {
	text := prompt.SemanticText(l.cfg.LastUserMessages)
	return tokenizer.Truncate(l.embedder.Model(), text, l.cfg.MaxEmbedTokens)
}

// Lookup searches for a semantically equivalent cached response.
// Returns (response, similarity, true) on a hit.
func (l *Layer) Lookup(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, float64, bool) {
	vector, err := l.embedder.Embed(ctx, l.embedText(&req.Prompt))
	if err != nil {
		l.logger.Warn("semantic embed failed", "request_id", req.RequestID, "error", err)
		return nil, 0, false
	}

	matches, err := l.store.Search(ctx, vector, req.Category, l.Threshold(req.Category), 1)
	if err != nil {
		l.logger.Warn("semantic search failed", "request_id", req.RequestID, "error", err)
		return nil, 0, false
	}
	if len(matches) == 0 {
		return nil, 0, false
	}

	best := matches[0]
	resp := best.Record.Response.Clone()
	return resp, best.Similarity, true
}

// Write stores the response's embedding, keyed by the prompt's exact
// cache key. Short responses are skipped.
func (l *Layer) Write(ctx context.Context, key string, req *types.InferenceRequest, resp *types.InferenceResponse) {
	if len(resp.Content) < l.cfg.MinResponseBytes {
		return
	}

	vector, err := l.embedder.Embed(ctx, l.embedText(&req.Prompt))
	if err != nil {
		l.logger.Warn("semantic embed failed on write", "request_id", req.RequestID, "error", err)
		return
	}

	now := time.Now()
	record := &Record{
		Key:       key,
		Category:  req.Category,
		Vector:    vector,
		Response:  resp.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.cfg.TTL),
	}
	if err := l.store.Upsert(ctx, record); err != nil {
		l.logger.Warn("semantic write failed", "request_id", req.RequestID, "error", err)
	}
}

// Invalidate removes the record for an exact key.
func (l *Layer) Invalidate(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}
