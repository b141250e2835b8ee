package types

// DecisionReason tags why the router picked the selected model.
type DecisionReason string

const (
	ReasonCapabilityMatch  DecisionReason = "capability_match"
	ReasonCostOptimized    DecisionReason = "cost_optimized"
	ReasonLatencyOptimized DecisionReason = "latency_optimized"
	ReasonQualityOptimized DecisionReason = "quality_optimized"
	ReasonProviderPinned   DecisionReason = "provider_pinned"
	ReasonFallback         DecisionReason = "fallback"
)

// Candidate is a (model, provider, region) tuple produced by routing.
type Candidate struct {
	ModelID    string `json:"model_id"`
	ProviderID string `json:"provider_id"`
	Region     string `json:"region"`
}

// RoutingDecision is the router's output: the selected candidate plus
// an ordered fallback tail. It lives only for the duration of the
// request and the resulting routed event.
type RoutingDecision struct {
	Selected            Candidate      `json:"selected"`
	Fallbacks           []Candidate    `json:"fallbacks,omitempty"`
	Reason              DecisionReason `json:"reason"`
	CandidatesEvaluated int            `json:"candidates_evaluated"`
}

// Chain returns the selected candidate followed by the fallbacks, in
// dispatch order.
func (d *RoutingDecision) Chain() []Candidate {
	chain := make([]Candidate, 0, 1+len(d.Fallbacks))
	chain = append(chain, d.Selected)
	chain = append(chain, d.Fallbacks...)
	return chain
}
