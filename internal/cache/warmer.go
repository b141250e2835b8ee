package cache

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

// WarmPrincipal is the system identity warming requests run under, so
// rate limits and safety filters apply to warming like any caller.
const WarmPrincipal = "system:cache-warmer"

// InferFunc executes a request through the normal pipeline.
type InferFunc func(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error)

// WarmResult summarizes a warming run.
type WarmResult struct {
	Submitted int `json:"submitted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Warmer populates the cache by executing prompts through the normal
// pipeline; the regular write path stores the results. It never
// bypasses safety filters or rate limits.
type Warmer struct {
	infer  InferFunc
	logger *slog.Logger
}

// NewWarmer creates a warmer.
func NewWarmer(infer InferFunc, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{infer: infer, logger: logger}
}

// Warm executes each prompt sequentially, stopping early on context
// cancellation.
func (w *Warmer) Warm(ctx context.Context, prompts []types.LogicalPrompt, category string, maxOutput int) WarmResult {
	result := WarmResult{Submitted: len(prompts)}
	if maxOutput <= 0 {
		maxOutput = 1024
	}

	for _, prompt := range prompts {
		if ctx.Err() != nil {
			result.Failed += result.Submitted - result.Succeeded - result.Failed
			break
		}

		req := &types.InferenceRequest{
			RequestID: uuid.NewString(),
			Principal: WarmPrincipal,
			Prompt:    prompt,
			Latency:   types.LatencyBatch,
			Budget:    types.TokenBudget{MaxOutput: maxOutput},
			Category:  category,
		}
		if _, err := w.infer(ctx, req); err != nil {
			result.Failed++
			w.logger.Warn("cache warm request failed", "request_id", req.RequestID, "error", err)
			continue
		}
		result.Succeeded++
	}
	return result
}
