package types

import "github.com/goccy/go-json"

// Usage holds token accounting for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record (streaming chunks).
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// InferenceResponse is the normalized reply returned to callers.
type InferenceResponse struct {
	RequestID    string          `json:"request_id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Region       string          `json:"region,omitempty"`
	Content      string          `json:"content"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        Usage           `json:"usage"`
	CostCents    float64         `json:"cost_cents"`

	// RoutingReason surfaces why this model served the request.
	RoutingReason string `json:"routing_reason,omitempty"`

	// Cache metadata.
	CacheHit   bool    `json:"cache_hit"`
	CacheLayer string  `json:"cache_layer,omitempty"` // "exact" or "semantic"
	Similarity float64 `json:"similarity,omitempty"`

	// Safety annotations from flag-action rules.
	SafetyFlags []string `json:"safety_flags,omitempty"`
}

// Clone returns a deep copy safe to hand to another caller.
func (r *InferenceResponse) Clone() *InferenceResponse {
	if r == nil {
		return nil
	}
	out := *r
	if r.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(r.ToolCalls))
		copy(out.ToolCalls, r.ToolCalls)
	}
	if r.Structured != nil {
		out.Structured = append(json.RawMessage(nil), r.Structured...)
	}
	if r.SafetyFlags != nil {
		out.SafetyFlags = append([]string(nil), r.SafetyFlags...)
	}
	return &out
}
