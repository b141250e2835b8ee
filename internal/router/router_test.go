package router

import (
	"testing"

	"github.com/blueberrycongee/modelgate/internal/circuit"
	"github.com/blueberrycongee/modelgate/internal/registry"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// stubCircuits reports the states it was given and closed otherwise.
type stubCircuits struct {
	states map[string]circuit.State
}

func (s *stubCircuits) State(provider, region string) circuit.State {
	if st, ok := s.states[provider+"/"+region]; ok {
		return st
	}
	return circuit.StateClosed
}

func (s *stubCircuits) IsOpen(provider, region string) bool {
	return s.State(provider, region) == circuit.StateOpen
}

func routerModels() []types.ModelDefinition {
	return []types.ModelDefinition{
		{
			ModelID:         "claude-sonnet-4",
			ProviderID:      "anthropic",
			Capabilities:    []types.Capability{types.CapabilityText, types.CapabilityToolUse, types.CapabilityVision},
			ContextWindow:   200000,
			MaxOutputTokens: 8192,
			InputPricePerM:  3.0,
			OutputPricePerM: 15.0,
			Latency:         types.LatencyEstimate{P50Ms: 800, P99Ms: 2500},
			Status:          types.ModelActive,
			Regions:         []string{"us-east-1", "eu-west-1"},
			QualityScores:   map[string]float64{"code_generation": 0.95},
		},
		{
			ModelID:         "gpt-4o",
			ProviderID:      "openai",
			Capabilities:    []types.Capability{types.CapabilityText, types.CapabilityToolUse},
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			InputPricePerM:  2.5,
			OutputPricePerM: 10.0,
			Latency:         types.LatencyEstimate{P50Ms: 600, P99Ms: 1800},
			Status:          types.ModelActive,
			Regions:         []string{"us-east-1"},
			QualityScores:   map[string]float64{"code_generation": 0.90},
		},
		{
			ModelID:         "llama-3-70b",
			ProviderID:      "selfhosted",
			Capabilities:    []types.Capability{types.CapabilityText},
			ContextWindow:   32000,
			MaxOutputTokens: 4096,
			InputPricePerM:  0.5,
			OutputPricePerM: 0.8,
			Latency:         types.LatencyEstimate{P50Ms: 1500, P99Ms: 6000},
			Status:          types.ModelActive,
			Regions:         []string{"us-east-1"},
			Provisioned:     types.ProvisionedThroughput{Enabled: true},
		},
	}
}

func newTestRouter(t *testing.T, cfg Config, circuits CircuitView) *Router {
	t.Helper()
	models := routerModels()
	defs := make([]*types.ModelDefinition, len(models))
	for i := range models {
		defs[i] = &models[i]
	}
	return New(registry.New(defs, nil), circuits, cfg, nil)
}

func baseRequest() *types.InferenceRequest {
	return &types.InferenceRequest{
		RequestID: "r1",
		Principal: "user-1",
		Latency:   types.LatencyBatch,
		Budget:    types.TokenBudget{MaxOutput: 1000},
	}
}

func TestSelectCapabilityFirstPrefersProvisioned(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	dec, err := r.Select(baseRequest(), 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dec.Selected.ModelID != "llama-3-70b" {
		t.Errorf("selected = %s, want provisioned llama-3-70b", dec.Selected.ModelID)
	}
	if dec.Reason != types.ReasonCapabilityMatch {
		t.Errorf("reason = %s", dec.Reason)
	}
	if len(dec.Fallbacks) != 2 {
		t.Errorf("fallbacks = %+v, want 2", dec.Fallbacks)
	}
}

func TestSelectCapabilityFilter(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	req := baseRequest()
	req.Capabilities = []types.Capability{types.CapabilityVision}
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dec.Selected.ModelID != "claude-sonnet-4" {
		t.Errorf("selected = %s", dec.Selected.ModelID)
	}
	if len(dec.Fallbacks) != 0 {
		t.Errorf("fallbacks = %+v, want none", dec.Fallbacks)
	}
}

func TestSelectContextWindowFilter(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	req := baseRequest()
	req.Budget.MaxOutput = 8000
	dec, err := r.Select(req, 150000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// Only the 200k-context model fits 158k tokens.
	if dec.Selected.ModelID != "claude-sonnet-4" {
		t.Errorf("selected = %s", dec.Selected.ModelID)
	}
}

func TestSelectLatencyClassCeiling(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	req := baseRequest()
	req.Latency = types.LatencyRealtime
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// Only gpt-4o has p99 under 2000ms.
	if dec.Selected.ModelID != "gpt-4o" {
		t.Errorf("selected = %s", dec.Selected.ModelID)
	}
	if len(dec.Fallbacks) != 0 {
		t.Errorf("fallbacks = %+v", dec.Fallbacks)
	}
}

func TestSelectResidency(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	req := baseRequest()
	req.Residency = types.Residency{
		AllowedRegions:    []string{"eu-west-1"},
		ExcludedProviders: []string{"openai"},
	}
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dec.Selected.ModelID != "claude-sonnet-4" || dec.Selected.Region != "eu-west-1" {
		t.Errorf("selected = %+v", dec.Selected)
	}
}

func TestSelectSkipsOpenCircuitRegion(t *testing.T) {
	circuits := &stubCircuits{states: map[string]circuit.State{
		"anthropic/us-east-1": circuit.StateOpen,
	}}
	r := newTestRouter(t, DefaultConfig(), circuits)

	req := baseRequest()
	req.Capabilities = []types.Capability{types.CapabilityVision}
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// The model survives on its other region.
	if dec.Selected.Region != "eu-west-1" {
		t.Errorf("region = %s, want eu-west-1", dec.Selected.Region)
	}
}

func TestSelectAllCircuitsOpen(t *testing.T) {
	circuits := &stubCircuits{states: map[string]circuit.State{
		"anthropic/us-east-1": circuit.StateOpen,
		"anthropic/eu-west-1": circuit.StateOpen,
	}}
	r := newTestRouter(t, DefaultConfig(), circuits)

	req := baseRequest()
	req.Capabilities = []types.Capability{types.CapabilityVision}
	_, err := r.Select(req, 1000)
	if gwerr.KindOf(err) != gwerr.KindCircuitOpen {
		t.Fatalf("err = %v, want circuit_open", err)
	}
}

func TestSelectPrefersClosedRegionOverHalfOpen(t *testing.T) {
	circuits := &stubCircuits{states: map[string]circuit.State{
		"anthropic/us-east-1": circuit.StateHalfOpen,
	}}
	r := newTestRouter(t, DefaultConfig(), circuits)

	req := baseRequest()
	req.Capabilities = []types.Capability{types.CapabilityVision}
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dec.Selected.Region != "eu-west-1" {
		t.Errorf("region = %s, want closed eu-west-1 over half-open us-east-1", dec.Selected.Region)
	}
}

func TestSelectCostOptimized(t *testing.T) {
	r := newTestRouter(t, Config{Strategy: StrategyCostOptimized, MaxFallbacks: 3}, &stubCircuits{})

	dec, err := r.Select(baseRequest(), 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// Provisioned capacity counts as zero marginal cost.
	if dec.Selected.ModelID != "llama-3-70b" {
		t.Errorf("selected = %s", dec.Selected.ModelID)
	}
	if dec.Fallbacks[0].ModelID != "gpt-4o" {
		t.Errorf("first fallback = %s, want cheaper gpt-4o", dec.Fallbacks[0].ModelID)
	}
	if dec.Reason != types.ReasonCostOptimized {
		t.Errorf("reason = %s", dec.Reason)
	}
}

func TestSelectLatencyOptimized(t *testing.T) {
	r := newTestRouter(t, Config{Strategy: StrategyLatencyOptimized, MaxFallbacks: 3}, &stubCircuits{})

	dec, err := r.Select(baseRequest(), 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dec.Selected.ModelID != "gpt-4o" {
		t.Errorf("selected = %s, want lowest-p50 gpt-4o", dec.Selected.ModelID)
	}
}

func TestSelectQualityOptimized(t *testing.T) {
	r := newTestRouter(t, Config{Strategy: StrategyQualityOptimized, MaxFallbacks: 3}, &stubCircuits{})

	req := baseRequest()
	req.TaskType = "code_generation"
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dec.Selected.ModelID != "claude-sonnet-4" {
		t.Errorf("selected = %s, want highest-quality claude-sonnet-4", dec.Selected.ModelID)
	}
}

func TestSelectProviderPinnedByHint(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	req := baseRequest()
	req.Hints.PreferredProvider = "openai"
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if dec.Selected.ProviderID != "openai" {
		t.Errorf("selected provider = %s", dec.Selected.ProviderID)
	}
	if dec.Reason != types.ReasonProviderPinned {
		t.Errorf("reason = %s", dec.Reason)
	}

	req.Hints.PreferredProvider = "unknown"
	if _, err := r.Select(req, 1000); gwerr.KindOf(err) != gwerr.KindNoCandidate {
		t.Errorf("err = %v, want no_candidate", err)
	}
}

func TestSelectFallbackDisabled(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	no := false
	req := baseRequest()
	req.Hints.AllowFallback = &no
	dec, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(dec.Fallbacks) != 0 {
		t.Errorf("fallbacks = %+v, want none", dec.Fallbacks)
	}
}

func TestSelectDeterministicTieBreak(t *testing.T) {
	r := newTestRouter(t, DefaultConfig(), &stubCircuits{})

	req := baseRequest()
	first, err := r.Select(req, 1000)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 5; i++ {
		dec, err := r.Select(req, 1000)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if dec.Selected != first.Selected {
			t.Fatalf("selection not deterministic: %+v vs %+v", dec.Selected, first.Selected)
		}
	}
}
