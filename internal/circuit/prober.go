package circuit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/registry"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// ProberConfig tunes the recovery probe loop.
type ProberConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultProberConfig probes every 30 seconds.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

// Prober sends minimal health-check completions through non-closed
// circuits so recovery is detected without waiting for caller traffic.
// Probe outcomes feed the breakers exactly like caller outcomes; probe
// cost is never charged to any budget.
type Prober struct {
	circuits *Registry
	models   *registry.Registry
	adapters *provider.Registry
	creds    secret.Resolver
	cfg      ProberConfig
	logger   *slog.Logger
}

// NewProber creates the probe loop.
func NewProber(circuits *Registry, models *registry.Registry, adapters *provider.Registry, creds secret.Resolver, cfg ProberConfig, logger *slog.Logger) *Prober {
	defaults := DefaultProberConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		circuits: circuits,
		models:   models,
		adapters: adapters,
		creds:    creds,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes every breaker that is not closed.
func (p *Prober) Sweep(ctx context.Context) {
	for pair, state := range p.circuits.Snapshot() {
		if state == StateClosed {
			continue
		}
		providerID, region, ok := strings.Cut(pair, "/")
		if !ok {
			continue
		}
		p.probe(ctx, providerID, region)
	}
}

func (p *Prober) probe(ctx context.Context, providerID, region string) {
	model := p.pickModel(providerID, region)
	if model == nil {
		return
	}
	adapter, ok := p.adapters.Get(providerID)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	// Credentials resolve before the breaker is consulted. A resolution
	// failure says nothing about provider health, so it must not occupy a
	// half-open slot or count toward the success threshold.
	cred, err := p.creds.Resolve(probeCtx, providerID)
	if err != nil {
		p.logger.Warn("probe credential resolution failed",
			"provider", providerID, "region", region, "error", err)
		return
	}

	// The probe goes through Allow so it occupies a half-open test slot
	// like any caller would.
	if err := p.circuits.Allow(providerID, region); err != nil {
		return
	}

	err = adapter.HealthCheck(probeCtx, model, region, cred)
	p.circuits.Record(providerID, region, err)
	if err != nil {
		p.logger.Info("health probe failed",
			"provider", providerID, "region", region, "model", model.ModelID, "error", err)
	}
}

// pickModel finds an active model served by the pair.
func (p *Prober) pickModel(providerID, region string) *types.ModelDefinition {
	for _, def := range p.models.All() {
		if def.ProviderID == providerID && def.Status == types.ModelActive && def.ServesRegion(region) {
			return def
		}
	}
	return nil
}
