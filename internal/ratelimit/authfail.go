package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// AuthFailConfig tunes the auth-failure limiter.
type AuthFailConfig struct {
	PrincipalPerMinute int           `yaml:"principal_per_minute"`
	PrincipalFreeze    time.Duration `yaml:"principal_freeze"`
	SourcePerMinute    int           `yaml:"source_per_minute"`
	SourceBlock        time.Duration `yaml:"source_block"`
}

// DefaultAuthFailConfig returns the standard thresholds.
func DefaultAuthFailConfig() AuthFailConfig {
	return AuthFailConfig{
		PrincipalPerMinute: 10,
		PrincipalFreeze:    5 * time.Minute,
		SourcePerMinute:    100,
		SourceBlock:        15 * time.Minute,
	}
}

// AuthFailLimiter rate-limits authentication failures independently of
// model traffic: a noisy principal gets a short freeze, a noisy source
// address a longer block. Freezes are enforced before dispatch.
type AuthFailLimiter struct {
	cfg AuthFailConfig

	mu         sync.Mutex
	principals map[string]*rate.Limiter
	sources    map[string]*rate.Limiter

	frozen *gocache.Cache // principal or "src:"+source -> struct{}
	logger *slog.Logger
}

// NewAuthFailLimiter creates the limiter.
func NewAuthFailLimiter(cfg AuthFailConfig, logger *slog.Logger) *AuthFailLimiter {
	defaults := DefaultAuthFailConfig()
	if cfg.PrincipalPerMinute <= 0 {
		cfg.PrincipalPerMinute = defaults.PrincipalPerMinute
	}
	if cfg.PrincipalFreeze <= 0 {
		cfg.PrincipalFreeze = defaults.PrincipalFreeze
	}
	if cfg.SourcePerMinute <= 0 {
		cfg.SourcePerMinute = defaults.SourcePerMinute
	}
	if cfg.SourceBlock <= 0 {
		cfg.SourceBlock = defaults.SourceBlock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthFailLimiter{
		cfg:        cfg,
		principals: make(map[string]*rate.Limiter),
		sources:    make(map[string]*rate.Limiter),
		frozen:     gocache.New(cfg.SourceBlock, time.Minute),
		logger:     logger,
	}
}

func (l *AuthFailLimiter) principalLimiter(principal string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.principals[principal]
	if !ok {
		perMin := l.cfg.PrincipalPerMinute
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		l.principals[principal] = lim
	}
	return lim
}

func (l *AuthFailLimiter) sourceLimiter(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.sources[source]
	if !ok {
		perMin := l.cfg.SourcePerMinute
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		l.sources[source] = lim
	}
	return lim
}

// RecordFailure registers one auth failure for a principal and source.
// Exceeding the per-minute budget starts the freeze window.
func (l *AuthFailLimiter) RecordFailure(principal, source string) {
	if principal != "" && !l.principalLimiter(principal).Allow() {
		l.frozen.Set(principal, struct{}{}, l.cfg.PrincipalFreeze)
		l.logger.Warn("principal frozen after repeated auth failures",
			"principal", principal, "freeze", l.cfg.PrincipalFreeze)
	}
	if source != "" && !l.sourceLimiter(source).Allow() {
		l.frozen.Set("src:"+source, struct{}{}, l.cfg.SourceBlock)
		l.logger.Warn("source blocked after repeated auth failures",
			"source", source, "block", l.cfg.SourceBlock)
	}
}

// Blocked reports whether the principal or source is currently frozen.
func (l *AuthFailLimiter) Blocked(principal, source string) bool {
	if principal != "" {
		if _, frozen := l.frozen.Get(principal); frozen {
			return true
		}
	}
	if source != "" {
		if _, blocked := l.frozen.Get("src:" + source); blocked {
			return true
		}
	}
	return false
}
