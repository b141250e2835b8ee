// Package router turns a normalized request into an ordered candidate
// chain. Selection is a pure function of the registry snapshot, the
// circuit states, and the request; it holds no per-request state.
package router

import (
	"log/slog"
	"sort"

	"github.com/blueberrycongee/modelgate/internal/circuit"
	"github.com/blueberrycongee/modelgate/internal/registry"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Strategy names a candidate ordering policy.
type Strategy string

const (
	StrategyCapabilityFirst  Strategy = "capability_first"
	StrategyCostOptimized    Strategy = "cost_optimized"
	StrategyLatencyOptimized Strategy = "latency_optimized"
	StrategyQualityOptimized Strategy = "quality_optimized"
	StrategyProviderPinned   Strategy = "provider_pinned"
)

// Latency ceilings in milliseconds applied to the model's observed p99.
const (
	realtimeP99CeilingMs    = 2000
	interactiveP99CeilingMs = 5000
)

// Config holds router settings.
type Config struct {
	Strategy     Strategy `yaml:"strategy"`
	MaxFallbacks int      `yaml:"max_fallbacks"`
}

// DefaultConfig routes capability-first with three fallbacks.
func DefaultConfig() Config {
	return Config{Strategy: StrategyCapabilityFirst, MaxFallbacks: 3}
}

// CircuitView is the subset of the breaker registry the router needs.
type CircuitView interface {
	IsOpen(provider, region string) bool
	State(provider, region string) circuit.State
}

// Router selects models for requests.
type Router struct {
	models   *registry.Registry
	circuits CircuitView
	cfg      Config
	logger   *slog.Logger
}

// New creates a router over a model registry and circuit view.
func New(models *registry.Registry, circuits CircuitView, cfg Config, logger *slog.Logger) *Router {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyCapabilityFirst
	}
	if cfg.MaxFallbacks <= 0 {
		cfg.MaxFallbacks = DefaultConfig().MaxFallbacks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{models: models, circuits: circuits, cfg: cfg, logger: logger}
}

// candidate pairs a model with its usable regions, in the model's
// preference order.
type candidate struct {
	def     *types.ModelDefinition
	regions []string
}

// Select filters and orders models for the request. estimatedInput is
// the token estimate for the prompt under a conservative tokenizer.
func (r *Router) Select(req *types.InferenceRequest, estimatedInput int) (*types.RoutingDecision, error) {
	// Capability, context window, and residency filters.
	defs := r.models.Find(registry.FindFilter{
		Capabilities:     req.Capabilities,
		MinContext:       estimatedInput + req.Budget.MaxOutput,
		AllowedRegions:   req.Residency.AllowedRegions,
		ExcludeProviders: req.Residency.ExcludedProviders,
	})
	if len(defs) == 0 {
		return nil, gwerr.NoCandidate("no model satisfies capability, context, and residency filters")
	}
	evaluated := len(defs)

	// Drop (provider, region) pairs with open circuits. A model stays
	// alive while at least one of its usable regions admits traffic.
	candidates := make([]candidate, 0, len(defs))
	for _, def := range defs {
		regions := r.usableRegions(def, req.Residency.AllowedRegions)
		if len(regions) > 0 {
			candidates = append(candidates, candidate{def: def, regions: regions})
		}
	}
	if len(candidates) == 0 {
		return nil, gwerr.New(gwerr.KindCircuitOpen, "all candidate provider regions have open circuits")
	}

	// Latency-class ceiling on observed p99.
	candidates = filterLatency(candidates, req.Latency)
	if len(candidates) == 0 {
		return nil, gwerr.NoCandidate("no candidate meets the latency class ceiling")
	}

	strategy := r.strategyFor(req)
	if strategy == StrategyProviderPinned {
		pinned := candidates[:0]
		for _, c := range candidates {
			if c.def.ProviderID == req.Hints.PreferredProvider {
				pinned = append(pinned, c)
			}
		}
		if len(pinned) == 0 {
			return nil, gwerr.NoCandidate("preferred provider has no eligible model")
		}
		candidates = pinned
	}
	sortCandidates(candidates, strategy, req.TaskType)

	chain := make([]types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		chain = append(chain, types.Candidate{
			ModelID:    c.def.ModelID,
			ProviderID: c.def.ProviderID,
			Region:     r.pickRegion(c.def.ProviderID, c.regions),
		})
	}

	tail := chain[1:]
	if !req.Hints.FallbackAllowed() {
		tail = nil
	} else if len(tail) > r.cfg.MaxFallbacks {
		tail = tail[:r.cfg.MaxFallbacks]
	}

	return &types.RoutingDecision{
		Selected:            chain[0],
		Fallbacks:           tail,
		Reason:              reasonFor(strategy),
		CandidatesEvaluated: evaluated,
	}, nil
}

// strategyFor resolves the effective strategy: an explicit provider pin
// on the request overrides the configured strategy, and the low-cost
// hint upgrades to cost-optimized ordering.
func (r *Router) strategyFor(req *types.InferenceRequest) Strategy {
	if req.Hints.PreferredProvider != "" {
		return StrategyProviderPinned
	}
	if req.Hints.CostPreference == "low" && r.cfg.Strategy == StrategyCapabilityFirst {
		return StrategyCostOptimized
	}
	return r.cfg.Strategy
}

// usableRegions intersects the model's regions with the allowed set and
// drops regions whose circuit is open, preserving preference order.
func (r *Router) usableRegions(def *types.ModelDefinition, allowed []string) []string {
	var out []string
	for _, region := range def.Regions {
		if len(allowed) > 0 && !contains(allowed, region) {
			continue
		}
		if r.circuits != nil && r.circuits.IsOpen(def.ProviderID, region) {
			continue
		}
		out = append(out, region)
	}
	return out
}

// pickRegion prefers the first region with a closed circuit; when only
// half-open regions remain the first of those carries the test traffic.
func (r *Router) pickRegion(providerID string, regions []string) string {
	if r.circuits != nil {
		for _, region := range regions {
			if r.circuits.State(providerID, region) == circuit.StateClosed {
				return region
			}
		}
	}
	return regions[0]
}

func filterLatency(candidates []candidate, class types.LatencyClass) []candidate {
	var ceiling int
	switch class {
	case types.LatencyRealtime:
		ceiling = realtimeP99CeilingMs
	case types.LatencyInteractive:
		ceiling = interactiveP99CeilingMs
	default:
		return candidates
	}

	out := candidates[:0]
	for _, c := range candidates {
		if c.def.Latency.P99Ms < ceiling {
			out = append(out, c)
		}
	}
	return out
}

// effectiveCost is the marginal per-million price used for ordering.
func effectiveCost(def *types.ModelDefinition) float64 {
	return def.EffectiveInputPrice() + def.EffectiveOutputPrice()
}

// sortCandidates orders by the strategy, breaking every tie on
// model_id ascending so selection is deterministic.
func sortCandidates(candidates []candidate, strategy Strategy, taskType string) {
	less := func(a, b *types.ModelDefinition) int {
		switch strategy {
		case StrategyCostOptimized:
			if c := compareFloat(effectiveCost(a), effectiveCost(b)); c != 0 {
				return c
			}
			return a.Latency.P99Ms - b.Latency.P99Ms
		case StrategyLatencyOptimized:
			if c := a.Latency.P50Ms - b.Latency.P50Ms; c != 0 {
				return c
			}
			return compareFloat(effectiveCost(a), effectiveCost(b))
		case StrategyQualityOptimized:
			if c := compareFloat(b.QualityScore(taskType), a.QualityScore(taskType)); c != 0 {
				return c
			}
			return compareFloat(effectiveCost(a), effectiveCost(b))
		default: // capability_first and provider_pinned
			if a.Provisioned.Enabled != b.Provisioned.Enabled {
				if a.Provisioned.Enabled {
					return -1
				}
				return 1
			}
			return compareFloat(effectiveCost(a), effectiveCost(b))
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if c := less(candidates[i].def, candidates[j].def); c != 0 {
			return c < 0
		}
		return candidates[i].def.ModelID < candidates[j].def.ModelID
	})
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func reasonFor(strategy Strategy) types.DecisionReason {
	switch strategy {
	case StrategyCostOptimized:
		return types.ReasonCostOptimized
	case StrategyLatencyOptimized:
		return types.ReasonLatencyOptimized
	case StrategyQualityOptimized:
		return types.ReasonQualityOptimized
	case StrategyProviderPinned:
		return types.ReasonProviderPinned
	default:
		return types.ReasonCapabilityMatch
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
