// Package provider defines the adapter abstraction between the
// gateway's normalized requests and each provider family's wire
// format. Adapters own translation, streaming frame assembly, error
// mapping, and token counting; they never retry internally — retries
// and fallback are the pipeline's job, driven by error kinds.
package provider

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Adapter is the capability set every provider family implements.
//
// Contract: InvokeStream emits a strictly ordered frame sequence
// terminated by exactly one frame with Final set (carrying usage) or
// one frame with Err set; cancellation is honored at frame boundaries.
// Invoke returns either a complete response with usage or a typed
// error from pkg/gwerr.
type Adapter interface {
	// Name returns the provider identifier ("anthropic", "openai", ...).
	Name() string

	// Invoke performs a synchronous completion.
	Invoke(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (*types.InferenceResponse, error)

	// InvokeStream performs a streaming completion over a bounded
	// frame channel. The channel is closed after the terminal frame.
	InvokeStream(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (<-chan types.StreamFrame, error)

	// CountTokens estimates tokens for text under this family's
	// tokenizer.
	CountTokens(model, text string) int

	// HealthCheck issues a minimal completion against the endpoint.
	HealthCheck(ctx context.Context, model *types.ModelDefinition, region string, cred secret.Credential) error
}

// Config holds shared adapter construction settings.
type Config struct {
	BaseURL string        // override; empty uses the family default
	Timeout time.Duration // per-call HTTP timeout (default 30s)
}

// NewHTTPClient builds the adapter HTTP client. TLS 1.3 is required
// for provider traffic and certificate validation is always on.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS13,
			},
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Registry maps provider IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider ID.
func (r *Registry) Get(providerID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[providerID]
	return a, ok
}

// Names returns the registered provider IDs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
