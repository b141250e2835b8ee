package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// TierName identifies a rate-limit tier.
const (
	TierFree      = "free"
	TierStandard  = "standard"
	TierPremium   = "premium"
	TierUnlimited = "unlimited"
)

// Config holds per-tier limits.
type Config struct {
	Tiers map[string]Limits `yaml:"tiers"`
}

// DefaultConfig returns the standard tier table.
func DefaultConfig() Config {
	return Config{
		Tiers: map[string]Limits{
			TierFree:     {RPM: 20, TPM: 40000, BurstMultiplier: 1.0},
			TierStandard: {RPM: 300, TPM: 600000, BurstMultiplier: 1.5},
			TierPremium:  {RPM: 2000, TPM: 4000000, BurstMultiplier: 2.0},
		},
	}
}

// Limiter applies tiered token buckets scaled by the adaptive factor.
type Limiter struct {
	store    Store
	adaptive *Adaptive
	cfg      Config
	logger   *slog.Logger
}

// NewLimiter creates a limiter over a backend.
func NewLimiter(store Store, adaptive *Adaptive, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Tiers == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, adaptive: adaptive, cfg: cfg, logger: logger}
}

// Acquire debits one request and estimatedTokens from the principal's
// bucket for the model. The effective limit is the tier base scaled by
// the (provider, region) adaptive factor. The unlimited tier bypasses.
func (l *Limiter) Acquire(ctx context.Context, principal, modelID, tier, provider, region string, estimatedTokens int) (Result, error) {
	if tier == TierUnlimited {
		return Result{Allowed: true}, nil
	}

	limits, ok := l.cfg.Tiers[tier]
	if !ok {
		limits = l.cfg.Tiers[TierStandard]
	}
	if l.adaptive != nil && provider != "" {
		limits = limits.Scale(l.adaptive.Factor(provider, region))
	}

	result, err := l.store.Acquire(ctx, Key(principal, modelID), limits, estimatedTokens, time.Now())
	if err != nil {
		// Backend loss degrades open: the provider-side limits still
		// bound damage, and failing closed would turn a store outage
		// into a full gateway outage.
		l.logger.Warn("rate limit backend unavailable, admitting",
			"principal", principal, "model", modelID, "error", err)
		return Result{Allowed: true}, nil
	}
	return result, nil
}

// RecordProviderRateLimited feeds a provider 429 into the adaptive
// factor and returns the new factor.
func (l *Limiter) RecordProviderRateLimited(provider, region string) float64 {
	if l.adaptive == nil {
		return 1.0
	}
	return l.adaptive.RecordRateLimited(provider, region)
}

// Close releases the backend.
func (l *Limiter) Close() error {
	return l.store.Close()
}
