// Package config loads and validates the gateway configuration file
// and hot-reloads it on change. Consumers receive immutable snapshots;
// an invalid reload keeps the current snapshot and logs a warning.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/modelgate/internal/budget"
	"github.com/blueberrycongee/modelgate/internal/circuit"
	"github.com/blueberrycongee/modelgate/internal/queue"
	"github.com/blueberrycongee/modelgate/internal/ratelimit"
	"github.com/blueberrycongee/modelgate/internal/router"
	"github.com/blueberrycongee/modelgate/internal/safety"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// CacheConfig holds both cache layers.
type CacheConfig struct {
	Enabled      bool                     `yaml:"enabled"`
	TTL          time.Duration            `yaml:"ttl"`
	CategoryTTLs map[string]time.Duration `yaml:"category_ttls"`
	MaxEntries   int                      `yaml:"max_entries"`
	Semantic     SemanticCacheConfig      `yaml:"semantic_cache"`
}

// SemanticCacheConfig mirrors the semantic layer options.
type SemanticCacheConfig struct {
	Enabled            bool               `yaml:"enabled"`
	EmbeddingModel     string             `yaml:"embedding_model"`
	DefaultThreshold   float64            `yaml:"default_similarity_threshold"`
	CategoryThresholds map[string]float64 `yaml:"category_thresholds"`
	TTL                time.Duration      `yaml:"ttl"`
	MaxEntries         int                `yaml:"max_entries"`
	MinResponseBytes   int                `yaml:"min_response_bytes"`
}

// RateLimitConfig groups the limiter, adaptive factor, and auth-failure
// settings.
type RateLimitConfig struct {
	Tiers    map[string]ratelimit.Limits `yaml:"tiers"`
	Adaptive ratelimit.AdaptiveConfig    `yaml:"adaptive_limiting"`
	AuthFail ratelimit.AuthFailConfig    `yaml:"auth_failures"`
}

// CircuitConfig is the breaker defaults plus per-provider overrides.
type CircuitConfig struct {
	circuit.Config `yaml:",inline"`
	PerProvider    map[string]circuit.Config `yaml:"per_provider"`
	Prober         circuit.ProberConfig      `yaml:"prober"`
}

// SafetyConfig holds both filter directions.
type SafetyConfig struct {
	Prompt   safety.Config `yaml:"prompt"`
	Response safety.Config `yaml:"response"`
	// StreamMode is "end_of_stream" or "passthrough".
	StreamMode string `yaml:"stream_mode"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
}

// RedisConfig selects the shared Redis backend. An empty addr keeps
// rate limiting, budgets, and the cache on in-process stores.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CredentialRef binds a provider to its secret reference.
type CredentialRef struct {
	Provider string            `yaml:"provider"`
	KeyRef   string            `yaml:"key_ref"`
	Extra    map[string]string `yaml:"extra"`
}

// File is the root configuration document.
type File struct {
	Server      ServerConfig            `yaml:"server"`
	Redis       RedisConfig             `yaml:"redis"`
	Models      []types.ModelDefinition `yaml:"models"`
	Credentials []CredentialRef         `yaml:"credentials"`
	Routing     router.Config           `yaml:"routing"`
	Cache       CacheConfig             `yaml:"cache"`
	RateLimit   RateLimitConfig         `yaml:"rate_limits"`
	Circuit     CircuitConfig           `yaml:"circuit_breaker"`
	Safety      SafetyConfig            `yaml:"safety"`
	Budget      budget.Config           `yaml:"budget"`
	Queue       queue.Config            `yaml:"queue"`
}

// Default returns a runnable baseline configuration.
func Default() *File {
	return &File{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Routing: router.DefaultConfig(),
		Cache: CacheConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Tiers:    ratelimit.DefaultConfig().Tiers,
			Adaptive: ratelimit.DefaultAdaptiveConfig(),
			AuthFail: ratelimit.DefaultAuthFailConfig(),
		},
		Circuit: CircuitConfig{
			Config: circuit.DefaultConfig(),
			Prober: circuit.DefaultProberConfig(),
		},
		Safety: SafetyConfig{
			Prompt:     safety.Config{Rules: safety.DefaultPromptRules()},
			StreamMode: "end_of_stream",
		},
		Budget: budget.DefaultConfig(),
		Queue:  queue.DefaultConfig(),
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates configuration bytes over the defaults.
func Parse(raw []byte) (*File, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural and range invariants.
func (f *File) Validate() error {
	seen := make(map[string]struct{}, len(f.Models))
	for i, m := range f.Models {
		if m.ModelID == "" || m.ProviderID == "" {
			return fmt.Errorf("models[%d]: model_id and provider_id are required", i)
		}
		if _, dup := seen[m.ModelID]; dup {
			return fmt.Errorf("models[%d]: duplicate model_id %q", i, m.ModelID)
		}
		seen[m.ModelID] = struct{}{}
		if m.ContextWindow <= 0 {
			return fmt.Errorf("model %q: context_window must be positive", m.ModelID)
		}
		if len(m.Regions) == 0 {
			return fmt.Errorf("model %q: at least one region is required", m.ModelID)
		}
		if m.InputPricePerM < 0 || m.OutputPricePerM < 0 {
			return fmt.Errorf("model %q: prices must be non-negative", m.ModelID)
		}
		for task, score := range m.QualityScores {
			if score < 0 || score > 1 {
				return fmt.Errorf("model %q: quality score for %q out of [0,1]", m.ModelID, task)
			}
		}
	}

	switch f.Routing.Strategy {
	case "", router.StrategyCapabilityFirst, router.StrategyCostOptimized,
		router.StrategyLatencyOptimized, router.StrategyQualityOptimized, router.StrategyProviderPinned:
	default:
		return fmt.Errorf("routing: unknown strategy %q", f.Routing.Strategy)
	}

	for tier, limits := range f.RateLimit.Tiers {
		if limits.RPM <= 0 {
			return fmt.Errorf("rate_limits: tier %q rpm must be positive", tier)
		}
		if limits.TPM < 0 {
			return fmt.Errorf("rate_limits: tier %q tpm must be non-negative", tier)
		}
	}
	if a := f.RateLimit.Adaptive; a.Enabled {
		if a.MinimumFactor < 0 || a.MinimumFactor > 1 {
			return fmt.Errorf("adaptive_limiting: minimum_factor out of [0,1]")
		}
		if a.ReductionFactor < 0 || a.ReductionFactor > 1 {
			return fmt.Errorf("adaptive_limiting: reduction_factor out of [0,1]")
		}
	}

	if f.Cache.Semantic.Enabled {
		if f.Cache.Semantic.DefaultThreshold < 0 || f.Cache.Semantic.DefaultThreshold > 1 {
			return fmt.Errorf("semantic_cache: default_similarity_threshold out of [0,1]")
		}
		for cat, th := range f.Cache.Semantic.CategoryThresholds {
			if th < 0 || th > 1 {
				return fmt.Errorf("semantic_cache: threshold for %q out of [0,1]", cat)
			}
		}
	}

	switch f.Safety.StreamMode {
	case "", "end_of_stream", "passthrough":
	default:
		return fmt.Errorf("safety: unknown stream_mode %q", f.Safety.StreamMode)
	}
	// Compiling the filters catches bad rule patterns at load time.
	if _, err := safety.NewFilter(f.Safety.Prompt, nil, nil); err != nil {
		return fmt.Errorf("safety.prompt: %w", err)
	}
	if _, err := safety.NewFilter(f.Safety.Response, nil, nil); err != nil {
		return fmt.Errorf("safety.response: %w", err)
	}

	if q := f.Queue; q.SoftThreshold > 0 && q.HardThreshold > 0 && q.HardThreshold < q.SoftThreshold {
		return fmt.Errorf("queue: hard_threshold below soft_threshold")
	}
	return nil
}

// ModelPointers adapts the model list to the registry's input shape.
func (f *File) ModelPointers() []*types.ModelDefinition {
	out := make([]*types.ModelDefinition, len(f.Models))
	for i := range f.Models {
		out[i] = &f.Models[i]
	}
	return out
}
