package types

import (
	"fmt"
	"time"
)

// Capability is a discrete ability a model supports.
type Capability string

const (
	CapabilityText        Capability = "text"
	CapabilityVision      Capability = "vision"
	CapabilityToolUse     Capability = "tool_use"
	CapabilityStreaming   Capability = "streaming"
	CapabilityJSONMode    Capability = "json_mode"
	CapabilityLongContext Capability = "long_context"
)

// LatencyClass is the caller's latency expectation. It constrains which
// models pass routing and decides queue priority.
type LatencyClass string

const (
	LatencyRealtime    LatencyClass = "REALTIME"
	LatencyInteractive LatencyClass = "INTERACTIVE"
	LatencyBatch       LatencyClass = "BATCH"
)

// Valid reports whether the latency class is recognized.
func (c LatencyClass) Valid() bool {
	switch c {
	case LatencyRealtime, LatencyInteractive, LatencyBatch:
		return true
	default:
		return false
	}
}

// QueuePriority maps the latency class onto the queue's 1..3 priorities.
func (c LatencyClass) QueuePriority() int {
	switch c {
	case LatencyRealtime:
		return 1
	case LatencyInteractive:
		return 2
	default:
		return 3
	}
}

// TokenBudget bounds the token and cost footprint of a request.
type TokenBudget struct {
	MaxInput     int     `json:"max_input"`
	MaxOutput    int     `json:"max_output"`
	MaxCostCents float64 `json:"max_cost_cents,omitempty"`
}

// RoutingHints are optional caller preferences consumed by the router
// and cache. Nil pointer fields mean "use the configured default".
type RoutingHints struct {
	PreferredProvider string `json:"preferred_provider,omitempty"`
	AllowFallback     *bool  `json:"allow_fallback,omitempty"`
	CacheEnabled      *bool  `json:"cache_enabled,omitempty"`
	AllowCompression  bool   `json:"allow_compression,omitempty"`
	CostPreference    string `json:"cost_preference,omitempty"`
}

// FallbackAllowed resolves the allow_fallback hint (default true).
func (h RoutingHints) FallbackAllowed() bool {
	return h.AllowFallback == nil || *h.AllowFallback
}

// CachingEnabled resolves the cache_enabled hint (default true).
func (h RoutingHints) CachingEnabled() bool {
	return h.CacheEnabled == nil || *h.CacheEnabled
}

// Residency holds data-residency constraints.
type Residency struct {
	AllowedRegions    []string `json:"allowed_regions,omitempty"`
	ExcludedProviders []string `json:"excluded_providers,omitempty"`
}

// InferenceRequest is the normalized input contract of the pipeline.
// RequestID doubles as the idempotency key: concurrent resubmissions of
// the same ID collapse onto one in-flight computation.
type InferenceRequest struct {
	RequestID    string            `json:"request_id"`
	Principal    string            `json:"principal"`
	Organization string            `json:"organization,omitempty"`
	Project      string            `json:"project,omitempty"`
	Prompt       LogicalPrompt     `json:"prompt"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Latency      LatencyClass      `json:"latency_class"`
	Budget       TokenBudget       `json:"token_budget"`
	Hints        RoutingHints      `json:"hints,omitempty"`
	Residency    Residency         `json:"residency,omitempty"`
	Deadline     time.Time         `json:"deadline,omitempty"`
	Category     string            `json:"category,omitempty"` // cache category (factual_qa, code_generation, ...)
	TaskType     string            `json:"task_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the input contract. It does not consult the registry;
// per-model constraints (context window fit) are enforced by routing.
func (r *InferenceRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if r.Principal == "" {
		return fmt.Errorf("principal is required")
	}
	if r.Latency == "" {
		r.Latency = LatencyInteractive
	}
	if !r.Latency.Valid() {
		return fmt.Errorf("invalid latency_class %q", r.Latency)
	}
	if r.Budget.MaxOutput <= 0 {
		return fmt.Errorf("token_budget.max_output must be positive")
	}
	if r.Budget.MaxInput < 0 || r.Budget.MaxCostCents < 0 {
		return fmt.Errorf("token_budget fields must be non-negative")
	}
	return r.Prompt.Validate()
}

// RemainingDeadline returns the time left until the request deadline,
// or the fallback when no deadline is set.
func (r *InferenceRequest) RemainingDeadline(fallback time.Duration) time.Duration {
	if r.Deadline.IsZero() {
		return fallback
	}
	remaining := time.Until(r.Deadline)
	if remaining < 0 {
		return 0
	}
	if fallback > 0 && remaining > fallback {
		return fallback
	}
	return remaining
}
