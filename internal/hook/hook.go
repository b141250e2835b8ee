// Package hook runs caller-registered extension points at fixed
// pipeline stages. Hooks are ordered by integer priority (lower runs
// first); a hook returning a non-nil value replaces the threaded value,
// and a hook exceeding its time budget is skipped with a warning.
package hook

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

// DefaultBudget bounds a single hook invocation.
const DefaultBudget = 50 * time.Millisecond

// Hook is one registered extension. Fn receives the threaded value and
// returns a replacement or nil for pass-through.
type Hook[T any] struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context, v T) T
}

// Chain is an ordered hook list for one extension point.
type Chain[T any] struct {
	mu     sync.RWMutex
	hooks  []Hook[T]
	budget time.Duration
	logger *slog.Logger
}

// NewChain creates a chain with the given per-hook budget.
func NewChain[T any](budget time.Duration, logger *slog.Logger) *Chain[T] {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain[T]{budget: budget, logger: logger}
}

// Register adds a hook, keeping the chain sorted by priority.
func (c *Chain[T]) Register(h Hook[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
	sort.SliceStable(c.hooks, func(i, j int) bool {
		return c.hooks[i].Priority < c.hooks[j].Priority
	})
}

// Run threads v through the chain. A hook that misses its budget is
// passed through; its eventual result is dropped.
func (c *Chain[T]) Run(ctx context.Context, v T) T {
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()

	for _, h := range hooks {
		if replaced, ok := c.invoke(ctx, h, v); ok {
			v = replaced
		}
	}
	return v
}

func (c *Chain[T]) invoke(ctx context.Context, h Hook[T], v T) (T, bool) {
	hookCtx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	done := make(chan T, 1)
	go func() {
		done <- h.Fn(hookCtx, v)
	}()

	select {
	case out := <-done:
		if isNil(out) {
			return v, false
		}
		return out, true
	case <-hookCtx.Done():
		c.logger.Warn("hook exceeded budget, passing through",
			"hook", h.Name, "budget", c.budget)
		return v, false
	}
}

// isNil reports whether a pointer-shaped hook result is nil.
func isNil[T any](v T) bool {
	switch any(v).(type) {
	case *types.InferenceRequest:
		return any(v).(*types.InferenceRequest) == nil
	case *types.RoutingDecision:
		return any(v).(*types.RoutingDecision) == nil
	case *types.InferenceResponse:
		return any(v).(*types.InferenceResponse) == nil
	default:
		return any(v) == nil
	}
}

// Hooks groups the four pipeline extension points.
type Hooks struct {
	OnRequestReceived  *Chain[*types.InferenceRequest]
	OnRoutingDecision  *Chain[*types.RoutingDecision]
	OnProviderResponse *Chain[*types.InferenceResponse]
	OnRequestCompleted *Chain[*types.InferenceResponse]
}

// New creates empty chains sharing one budget.
func New(budget time.Duration, logger *slog.Logger) *Hooks {
	return &Hooks{
		OnRequestReceived:  NewChain[*types.InferenceRequest](budget, logger),
		OnRoutingDecision:  NewChain[*types.RoutingDecision](budget, logger),
		OnProviderResponse: NewChain[*types.InferenceResponse](budget, logger),
		OnRequestCompleted: NewChain[*types.InferenceResponse](budget, logger),
	}
}
