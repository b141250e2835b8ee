package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AdaptiveConfig tunes the degradation factor.
type AdaptiveConfig struct {
	Enabled               bool    `yaml:"enabled"`
	ReductionFactor       float64 `yaml:"reduction_factor"`
	RecoveryRatePerMinute float64 `yaml:"recovery_rate_per_minute"`
	MinimumFactor         float64 `yaml:"minimum_factor"`
}

// DefaultAdaptiveConfig returns the standard parameters.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:               true,
		ReductionFactor:       0.5,
		RecoveryRatePerMinute: 0.05,
		MinimumFactor:         0.1,
	}
}

type adaptiveState struct {
	factor    float64
	last429At time.Time
}

// Adaptive tracks a degradation factor per (provider, region). A 429
// from the provider halves the factor; a background loop recovers it
// while the provider stays quiet. Keying by region keeps one
// overloaded region from throttling traffic to healthy ones.
type Adaptive struct {
	mu     sync.Mutex
	states map[string]*adaptiveState
	cfg    AdaptiveConfig
	logger *slog.Logger
}

// NewAdaptive creates the factor tracker.
func NewAdaptive(cfg AdaptiveConfig, logger *slog.Logger) *Adaptive {
	defaults := DefaultAdaptiveConfig()
	if cfg.ReductionFactor <= 0 || cfg.ReductionFactor >= 1 {
		cfg.ReductionFactor = defaults.ReductionFactor
	}
	if cfg.RecoveryRatePerMinute <= 0 {
		cfg.RecoveryRatePerMinute = defaults.RecoveryRatePerMinute
	}
	if cfg.MinimumFactor <= 0 || cfg.MinimumFactor > 1 {
		cfg.MinimumFactor = defaults.MinimumFactor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adaptive{
		states: make(map[string]*adaptiveState),
		cfg:    cfg,
		logger: logger,
	}
}

func adaptiveKey(provider, region string) string {
	return provider + "/" + region
}

// Factor returns the current factor for a (provider, region), 1.0 when
// untouched or disabled.
func (a *Adaptive) Factor(provider, region string) float64 {
	if !a.cfg.Enabled {
		return 1.0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[adaptiveKey(provider, region)]; ok {
		return s.factor
	}
	return 1.0
}

// RecordRateLimited reacts to a provider 429 and returns the new factor.
func (a *Adaptive) RecordRateLimited(provider, region string) float64 {
	if !a.cfg.Enabled {
		return 1.0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := adaptiveKey(provider, region)
	s, ok := a.states[key]
	if !ok {
		s = &adaptiveState{factor: 1.0}
		a.states[key] = s
	}
	s.factor = max(a.cfg.MinimumFactor, s.factor*a.cfg.ReductionFactor)
	s.last429At = time.Now()
	a.logger.Warn("adaptive factor reduced",
		"provider", provider, "region", region, "factor", s.factor)
	return s.factor
}

// Run advances recovery once per minute until ctx is done.
func (a *Adaptive) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.recover(now)
		}
	}
}

// recover raises factors that saw no 429 in the last minute.
func (a *Adaptive) recover(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, s := range a.states {
		if s.factor >= 1.0 {
			delete(a.states, key)
			continue
		}
		if now.Sub(s.last429At) >= time.Minute {
			s.factor = min(1.0, s.factor+a.cfg.RecoveryRatePerMinute)
		}
	}
}
