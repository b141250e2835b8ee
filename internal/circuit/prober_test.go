package circuit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/registry"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// checkAdapter counts health checks and never serves real traffic.
type checkAdapter struct {
	name string

	mu     sync.Mutex
	checks int
	err    error
}

func (c *checkAdapter) Name() string { return c.name }

func (c *checkAdapter) Invoke(context.Context, *types.InferenceRequest, *types.ModelDefinition, string, secret.Credential) (*types.InferenceResponse, error) {
	return nil, errors.New("not used")
}

func (c *checkAdapter) InvokeStream(context.Context, *types.InferenceRequest, *types.ModelDefinition, string, secret.Credential) (<-chan types.StreamFrame, error) {
	return nil, errors.New("not used")
}

func (c *checkAdapter) CountTokens(_, text string) int { return len(text) / 4 }

func (c *checkAdapter) HealthCheck(context.Context, *types.ModelDefinition, string, secret.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return c.err
}

func (c *checkAdapter) checkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks
}

type unresolvableCreds struct{}

func (unresolvableCreds) Resolve(context.Context, string) (secret.Credential, error) {
	return secret.Credential{}, errors.New("no binding for provider")
}

type workingCreds struct{}

func (workingCreds) Resolve(context.Context, string) (secret.Credential, error) {
	return secret.Credential{APIKey: "sk-probe"}, nil
}

func proberFixture(t *testing.T, creds secret.Resolver, adapter *checkAdapter) (*Prober, *Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	circuits := NewRegistry(Config{
		FailureThreshold:    1,
		FailureWindow:       time.Minute,
		Cooldown:            time.Millisecond,
		SuccessThreshold:    2,
		HalfOpenMaxInFlight: 1,
	}, nil, logger)
	models := registry.New([]*types.ModelDefinition{{
		ModelID: "probe-model", ProviderID: adapter.name,
		Capabilities:  []types.Capability{types.CapabilityText},
		ContextWindow: 8192, MaxOutputTokens: 256,
		Status: types.ModelActive, Regions: []string{"us-east-1"},
	}}, logger)
	adapters := provider.NewRegistry()
	adapters.Register(adapter)
	prober := NewProber(circuits, models, adapters, creds, ProberConfig{
		Interval: time.Hour,
		Timeout:  time.Second,
	}, logger)
	return prober, circuits
}

func TestSweepCredentialFailureLeavesCircuitOpen(t *testing.T) {
	adapter := &checkAdapter{name: "anthropic"}
	prober, circuits := proberFixture(t, unresolvableCreds{}, adapter)

	circuits.Record("anthropic", "us-east-1", gwerr.ProviderTransient("anthropic", "503"))
	if !circuits.IsOpen("anthropic", "us-east-1") {
		t.Fatal("breaker did not open")
	}
	time.Sleep(5 * time.Millisecond)

	// Success threshold is 2; two sweeps that cannot resolve credentials
	// must not close the circuit without contacting the provider.
	ctx := context.Background()
	prober.Sweep(ctx)
	prober.Sweep(ctx)

	if got := adapter.checkCount(); got != 0 {
		t.Errorf("health checks = %d, want 0", got)
	}
	if state := circuits.State("anthropic", "us-east-1"); state == StateClosed {
		t.Fatal("circuit closed after credential failures with zero health checks")
	}

	// Repaired credentials recover through the normal half-open path.
	prober.creds = workingCreds{}
	prober.Sweep(ctx)
	prober.Sweep(ctx)

	if got := adapter.checkCount(); got != 2 {
		t.Errorf("health checks after repair = %d, want 2", got)
	}
	if state := circuits.State("anthropic", "us-east-1"); state != StateClosed {
		t.Errorf("state after recovery = %s, want closed", state)
	}
}

func TestSweepClosesCircuitAfterHealthyChecks(t *testing.T) {
	adapter := &checkAdapter{name: "openai"}
	prober, circuits := proberFixture(t, workingCreds{}, adapter)

	circuits.Record("openai", "us-east-1", gwerr.ProviderTransient("openai", "overloaded"))
	time.Sleep(5 * time.Millisecond)

	ctx := context.Background()
	prober.Sweep(ctx)
	prober.Sweep(ctx)

	if got := adapter.checkCount(); got != 2 {
		t.Errorf("health checks = %d, want 2", got)
	}
	if state := circuits.State("openai", "us-east-1"); state != StateClosed {
		t.Errorf("state = %s, want closed after success threshold", state)
	}
}
