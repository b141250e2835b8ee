package modelgate_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelgate"
	"github.com/blueberrycongee/modelgate/internal/circuit"
	"github.com/blueberrycongee/modelgate/internal/config"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// fakeAdapter is a deterministic in-process provider.
type fakeAdapter struct {
	name  string
	calls atomic.Int64
	fail  atomic.Int64 // number of upcoming calls to fail transiently
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (*types.InferenceResponse, error) {
	f.calls.Add(1)
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return nil, gwerr.ProviderTransient(f.name, "injected failure")
	}
	return &types.InferenceResponse{
		Provider:     f.name,
		Model:        model.ModelID,
		Content:      "fake completion for testing purposes",
		FinishReason: "stop",
		Usage:        types.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19},
	}, nil
}

func (f *fakeAdapter) InvokeStream(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (<-chan types.StreamFrame, error) {
	f.calls.Add(1)
	out := make(chan types.StreamFrame, types.StreamFrameBuffer)
	go func() {
		defer close(out)
		out <- types.StreamFrame{Delta: "fake ", Provider: f.name, Model: model.ModelID}
		out <- types.StreamFrame{Delta: "stream", Provider: f.name, Model: model.ModelID}
		out <- types.StreamFrame{
			Final:        true,
			FinishReason: "stop",
			Usage:        &types.Usage{PromptTokens: 12, CompletionTokens: 2, TotalTokens: 14},
			Provider:     f.name,
			Model:        model.ModelID,
		}
	}()
	return out, nil
}

func (f *fakeAdapter) CountTokens(model, text string) int { return len(text) / 4 }

func (f *fakeAdapter) HealthCheck(ctx context.Context, model *types.ModelDefinition, region string, cred secret.Credential) error {
	return nil
}

func testConfig() *config.File {
	cfg := config.Default()
	cfg.Models = []types.ModelDefinition{
		{
			ModelID:         "fake-model",
			ProviderID:      "fake",
			Capabilities:    []types.Capability{types.CapabilityText},
			ContextWindow:   128000,
			MaxOutputTokens: 4096,
			InputPricePerM:  1.0,
			OutputPricePerM: 5.0,
			Status:          types.ModelActive,
			Regions:         []string{"us-east-1"},
		},
	}
	cfg.Credentials = []config.CredentialRef{{Provider: "fake", KeyRef: "test-api-key"}}
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.File) (*modelgate.Gateway, *fakeAdapter) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	fake := &fakeAdapter{name: "fake"}
	gw, err := modelgate.New(cfg,
		modelgate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		modelgate.WithMetricsRegisterer(prometheus.NewRegistry()),
		modelgate.WithAdapter(fake),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw, fake
}

func testRequest(id, text string) *types.InferenceRequest {
	return &types.InferenceRequest{
		RequestID:    id,
		Principal:    "user-1",
		Organization: "acme",
		Project:      "search",
		Prompt: types.LogicalPrompt{
			Messages: []types.Message{{Role: "user", Content: text}},
		},
		Latency: types.LatencyInteractive,
		Budget:  types.TokenBudget{MaxOutput: 256},
	}
}

func TestGatewayInferAndCacheRoundTrip(t *testing.T) {
	gw, fake := newTestGateway(t, nil)

	resp, err := gw.Infer(context.Background(), testRequest("req-1", "what is a goroutine?"))
	require.NoError(t, err)
	assert.Equal(t, "fake", resp.Provider)
	assert.Equal(t, "fake-model", resp.Model)
	assert.False(t, resp.CacheHit)
	assert.Greater(t, resp.CostCents, 0.0)

	again, err := gw.Infer(context.Background(), testRequest("req-2", "what is a goroutine?"))
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, "req-2", again.RequestID)
	assert.EqualValues(t, 1, fake.calls.Load())
}

func TestGatewayInferStream(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	frames, err := gw.InferStream(context.Background(), testRequest("req-s", "stream me"))
	require.NoError(t, err)

	var content string
	var final *types.StreamFrame
	for frame := range frames {
		require.NoError(t, frame.Err)
		content += frame.Delta
		if frame.Final {
			f := frame
			final = &f
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, "fake stream", content)
	assert.Equal(t, "stop", final.FinishReason)
}

func TestGatewayRetriesTransientFailures(t *testing.T) {
	gw, fake := newTestGateway(t, nil)
	fake.fail.Store(2)

	resp, err := gw.Infer(context.Background(), testRequest("req-r", "retry please"))
	require.NoError(t, err)
	assert.Equal(t, "fake-model", resp.Model)
	assert.EqualValues(t, 3, fake.calls.Load())
}

func TestGatewayBatchLifecycle(t *testing.T) {
	gw, fake := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)

	reqs := []*types.InferenceRequest{
		testRequest("", "batch item alpha"),
		testRequest("", "batch item beta"),
		testRequest("", "batch item gamma"),
	}
	batchID, err := gw.BatchInfer(ctx, reqs)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)

	require.Eventually(t, func() bool {
		status, err := gw.BatchStatus(batchID)
		return err == nil && status.Done
	}, 5*time.Second, 10*time.Millisecond)

	status, err := gw.BatchStatus(batchID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 3, status.Completed)
	assert.Zero(t, status.Failed)
	for _, r := range status.Results {
		require.NotNil(t, r.Response, "item %d", r.Index)
		assert.NotEmpty(t, r.RequestID)
	}
	assert.GreaterOrEqual(t, fake.calls.Load(), int64(1))
}

func TestGatewayBatchStatusUnknownID(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	_, err := gw.BatchStatus("no-such-batch")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidRequest, gwerr.KindOf(err))
}

func TestGatewayModelAdministration(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	require.NoError(t, gw.RegisterModel(&types.ModelDefinition{
		ModelID:         "second-model",
		ProviderID:      "fake",
		Capabilities:    []types.Capability{types.CapabilityText},
		ContextWindow:   64000,
		MaxOutputTokens: 2048,
		Status:          types.ModelActive,
		Regions:         []string{"us-east-1"},
	}))
	assert.Len(t, gw.ListModels(), 2)

	def, err := gw.GetModel("second-model")
	require.NoError(t, err)
	assert.Equal(t, "fake", def.ProviderID)

	require.NoError(t, gw.UpdateModelPricing("second-model", 2.0, 8.0))
	def, err = gw.GetModel("second-model")
	require.NoError(t, err)
	assert.Equal(t, 2.0, def.InputPricePerM)

	// Disabling every model leaves the router with no candidate.
	require.NoError(t, gw.UpdateModelStatus("fake-model", types.ModelDisabled))
	require.NoError(t, gw.UpdateModelStatus("second-model", types.ModelDisabled))
	_, err = gw.Infer(context.Background(), testRequest("req-d", "anyone home?"))
	require.Error(t, err)
	assert.Equal(t, gwerr.KindNoCandidate, gwerr.KindOf(err))
}

func TestGatewayCacheInvalidation(t *testing.T) {
	gw, fake := newTestGateway(t, nil)
	ctx := context.Background()

	_, err := gw.Infer(ctx, testRequest("req-1", "cache me"))
	require.NoError(t, err)

	n, err := gw.InvalidateCachePrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp, err := gw.Infer(ctx, testRequest("req-2", "cache me"))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.EqualValues(t, 2, fake.calls.Load())
}

func TestGatewayCacheScopeInvalidation(t *testing.T) {
	gw, fake := newTestGateway(t, nil)
	ctx := context.Background()

	_, err := gw.Infer(ctx, testRequest("req-1", "cache me by model"))
	require.NoError(t, err)

	// The model name is not a key prefix; scope invalidation is the
	// admin handle for "drop everything served by this model".
	n, err := gw.InvalidateCachePrefix(ctx, "fake-model")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = gw.InvalidateCacheScope(ctx, "model:fake-model")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp, err := gw.Infer(ctx, testRequest("req-2", "cache me by model"))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.EqualValues(t, 2, fake.calls.Load())
}

func TestGatewayWarmCache(t *testing.T) {
	gw, fake := newTestGateway(t, nil)
	ctx := context.Background()

	prompts := []types.LogicalPrompt{
		{Messages: []types.Message{{Role: "user", Content: "warm question one"}}},
		{Messages: []types.Message{{Role: "user", Content: "warm question two"}}},
	}
	result := gw.WarmCache(ctx, prompts, "", 128)
	assert.Equal(t, 2, result.Submitted)
	assert.Equal(t, 2, result.Succeeded)

	// Warmed entries serve live traffic without a provider call.
	before := fake.calls.Load()
	resp, err := gw.Infer(ctx, testRequest("req-w", "warm question one"))
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, before, fake.calls.Load())
}

func TestGatewayProviderHealth(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	_, err := gw.Infer(context.Background(), testRequest("req-h", "health probe"))
	require.NoError(t, err)

	health := gw.ProviderHealth()
	assert.Equal(t, circuit.StateClosed, health["fake/us-east-1"])
}

func TestGatewayQueueDepthsStartEmpty(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	assert.Equal(t, [3]int{}, gw.QueueDepths())
}
