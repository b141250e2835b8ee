package types

import "time"

// Tier governs rate limits and budgets for a model.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// ModelStatus is the lifecycle state of a registry entry.
type ModelStatus string

const (
	ModelActive     ModelStatus = "active"
	ModelDeprecated ModelStatus = "deprecated"
	ModelDisabled   ModelStatus = "disabled"
)

// ProvisionedThroughput marks dedicated capacity. A model with
// provisioned capacity has zero marginal cost for routing purposes.
type ProvisionedThroughput struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Units      int     `json:"units,omitempty" yaml:"units"`
	HourlyCost float64 `json:"hourly_cost,omitempty" yaml:"hourly_cost"`
}

// LatencyEstimate holds observed latency percentiles in milliseconds.
type LatencyEstimate struct {
	P50Ms int `json:"p50_ms" yaml:"p50_ms"`
	P99Ms int `json:"p99_ms" yaml:"p99_ms"`
}

// RateLimits are the provider-side request/token ceilings per minute.
type RateLimits struct {
	RPM int `json:"rpm" yaml:"rpm"`
	TPM int `json:"tpm" yaml:"tpm"`
}

// ModelDefinition is a registry entry. Prices are USD per million
// tokens. Regions are ordered by preference.
type ModelDefinition struct {
	ModelID            string                `json:"model_id" yaml:"model_id"`
	ProviderID         string                `json:"provider_id" yaml:"provider_id"`
	Capabilities       []Capability          `json:"capabilities" yaml:"capabilities"`
	ContextWindow      int                   `json:"context_window" yaml:"context_window"`
	MaxOutputTokens    int                   `json:"max_output_tokens" yaml:"max_output_tokens"`
	InputPricePerM     float64               `json:"input_price_per_m" yaml:"input_price_per_m"`
	OutputPricePerM    float64               `json:"output_price_per_m" yaml:"output_price_per_m"`
	CachedInputPerM    float64               `json:"cached_input_price_per_m,omitempty" yaml:"cached_input_price_per_m"`
	Limits             RateLimits            `json:"rate_limits" yaml:"rate_limits"`
	Latency            LatencyEstimate       `json:"latency" yaml:"latency"`
	Tier               Tier                  `json:"tier" yaml:"tier"`
	Status             ModelStatus           `json:"status" yaml:"status"`
	Regions            []string              `json:"regions" yaml:"regions"`
	Provisioned        ProvisionedThroughput `json:"provisioned_throughput,omitempty" yaml:"provisioned_throughput"`
	QualityScores      map[string]float64    `json:"quality_scores,omitempty" yaml:"quality_scores"`
	PricingLastUpdated time.Time             `json:"pricing_last_updated,omitempty" yaml:"pricing_last_updated"`
}

// HasCapabilities reports whether the model supports every capability
// in the required set.
func (m *ModelDefinition) HasCapabilities(required []Capability) bool {
	for _, want := range required {
		found := false
		for _, have := range m.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ServesRegion reports whether the model is deployed in the region.
func (m *ModelDefinition) ServesRegion(region string) bool {
	for _, r := range m.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// EffectiveInputPrice is the marginal per-million input price used for
// routing. Provisioned capacity is already paid for, so it counts as 0.
func (m *ModelDefinition) EffectiveInputPrice() float64 {
	if m.Provisioned.Enabled {
		return 0
	}
	return m.InputPricePerM
}

// EffectiveOutputPrice is the marginal per-million output price.
func (m *ModelDefinition) EffectiveOutputPrice() float64 {
	if m.Provisioned.Enabled {
		return 0
	}
	return m.OutputPricePerM
}

// CostCents returns the actual cost in cents for the given token usage.
// Unlike the effective prices, provisioned capacity still reports its
// list price here so accounting stays honest.
func (m *ModelDefinition) CostCents(inputTokens, outputTokens int) float64 {
	inputUSD := float64(inputTokens) / 1e6 * m.InputPricePerM
	outputUSD := float64(outputTokens) / 1e6 * m.OutputPricePerM
	return (inputUSD + outputUSD) * 100
}

// EstimateCostCents estimates cost from the request budget, used for
// budget reservation before the provider call.
func (m *ModelDefinition) EstimateCostCents(estimatedInput, maxOutput int) float64 {
	return m.CostCents(estimatedInput, maxOutput)
}

// QualityScore returns the quality score for a task type, defaulting to
// 0.5 when unknown.
func (m *ModelDefinition) QualityScore(taskType string) float64 {
	if score, ok := m.QualityScores[taskType]; ok {
		return score
	}
	return 0.5
}
