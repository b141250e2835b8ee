package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/modelgate/internal/cache/semantic"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Layer names reported in cache metadata.
const (
	LayerExact    = "exact"
	LayerSemantic = "semantic"
)

// DualConfig holds cross-layer settings.
type DualConfig struct {
	DefaultTTL   time.Duration            `yaml:"default_ttl"`
	CategoryTTLs map[string]time.Duration `yaml:"category_ttls"`
}

// Dual combines the exact and semantic layers with single-flight miss
// coordination. The semantic layer is optional; without it the cache
// degrades to exact-only.
type Dual struct {
	exact    Store
	semantic *semantic.Layer
	flight   *Flight
	cfg      DualConfig
	logger   *slog.Logger

	// Exact keys are content hashes, so a key prefix cannot express
	// "every entry for model X". The scope index maps invalidation
	// scopes (model, provider, principal, category) onto member keys.
	// It is process-local; entries written by other gateway instances
	// age out by TTL instead.
	mu     sync.Mutex
	scopes map[string]map[string]struct{}
}

// NewDual creates the dual cache.
func NewDual(exact Store, sem *semantic.Layer, cfg DualConfig, logger *slog.Logger) *Dual {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dual{
		exact:    exact,
		semantic: sem,
		flight:   NewFlight(),
		cfg:      cfg,
		logger:   logger,
		scopes:   make(map[string]map[string]struct{}),
	}
}

// TTL returns the entry lifetime for a category.
func (d *Dual) TTL(category string) time.Duration {
	if ttl, ok := d.cfg.CategoryTTLs[category]; ok && ttl > 0 {
		return ttl
	}
	return d.cfg.DefaultTTL
}

// Lookup checks the exact layer, then the semantic layer. The returned
// response carries cache metadata; callers get a private copy.
func (d *Dual) Lookup(ctx context.Context, key string, req *types.InferenceRequest) (*types.InferenceResponse, bool) {
	entry, err := d.exact.Get(ctx, key)
	if err != nil {
		d.logger.Warn("exact cache lookup failed", "request_id", req.RequestID, "error", err)
	} else if entry != nil {
		resp := entry.Response.Clone()
		resp.RequestID = req.RequestID
		resp.CacheHit = true
		resp.CacheLayer = LayerExact
		return resp, true
	}

	if d.semantic == nil {
		return nil, false
	}
	resp, similarity, ok := d.semantic.Lookup(ctx, req)
	if !ok {
		return nil, false
	}
	resp.RequestID = req.RequestID
	resp.CacheHit = true
	resp.CacheLayer = LayerSemantic
	resp.Similarity = similarity
	return resp, true
}

// Write populates both layers. Failures are logged and swallowed.
// Eligibility (cache_enabled hint, complete response, no safety block)
// is the caller's responsibility.
func (d *Dual) Write(ctx context.Context, key string, req *types.InferenceRequest, resp *types.InferenceResponse) {
	now := time.Now()
	stored := resp.Clone()
	stored.CacheHit = false
	stored.CacheLayer = ""
	stored.Similarity = 0

	entry := &Entry{
		Key:       key,
		Category:  req.Category,
		Response:  stored,
		CreatedAt: now,
		ExpiresAt: now.Add(d.TTL(req.Category)),
	}
	if err := d.exact.Set(ctx, entry); err != nil {
		d.logger.Warn("exact cache write failed", "request_id", req.RequestID, "error", err)
	} else {
		tags := entryScopes(entry)
		if req.Principal != "" {
			tags = append(tags, "principal:"+req.Principal)
		}
		d.index(key, tags)
	}

	if d.semantic != nil {
		d.semantic.Write(ctx, key, req, stored)
	}
}

// entryScopes lists the scopes derivable from the entry itself.
func entryScopes(entry *Entry) []string {
	tags := make([]string, 0, 4)
	if entry.Response.Model != "" {
		tags = append(tags, "model:"+entry.Response.Model)
	}
	if entry.Response.Provider != "" {
		tags = append(tags, "provider:"+entry.Response.Provider)
	}
	if entry.Category != "" {
		tags = append(tags, "category:"+entry.Category)
	}
	return tags
}

func (d *Dual) index(key string, tags []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tag := range tags {
		set := d.scopes[tag]
		if set == nil {
			set = make(map[string]struct{})
			d.scopes[tag] = set
		}
		set[key] = struct{}{}
	}
}

// Do runs fn under single-flight for the key. Concurrent callers with
// the same exact key share one computation.
func (d *Dual) Do(ctx context.Context, key string, fn func() (*types.InferenceResponse, error)) (*types.InferenceResponse, bool, error) {
	return d.flight.Do(ctx, key, fn)
}

// InvalidateKey removes one entry from both layers.
func (d *Dual) InvalidateKey(ctx context.Context, key string) error {
	if err := d.exact.Delete(ctx, key); err != nil {
		return err
	}
	if d.semantic != nil {
		return d.semantic.Invalidate(ctx, key)
	}
	return nil
}

// InvalidatePrefix removes every exact entry under a key prefix and
// returns the count.
func (d *Dual) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	return d.exact.DeleteByPrefix(ctx, prefix)
}

// InvalidateScope removes every locally indexed entry under a scope tag
// such as "model:gpt-4o", "provider:openai", "principal:agent-7", or
// "category:factual", returning the count. Keys already expired or
// removed by key count as invalidated; both layers drop the entry.
func (d *Dual) InvalidateScope(ctx context.Context, scope string) (int, error) {
	d.mu.Lock()
	keys := d.scopes[scope]
	delete(d.scopes, scope)
	d.mu.Unlock()

	removed := 0
	for key := range keys {
		if err := d.InvalidateKey(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Seed inserts a prepared entry, used by warming and tests. Seeded
// entries join the scope index like pipeline writes, minus the
// principal scope the request would carry.
func (d *Dual) Seed(ctx context.Context, entry *Entry) error {
	if err := d.exact.Set(ctx, entry); err != nil {
		return err
	}
	d.index(entry.Key, entryScopes(entry))
	return nil
}
