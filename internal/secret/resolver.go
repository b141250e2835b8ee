// Package secret resolves provider credentials on demand. The gateway
// never caches credential material; resolution happens per request with
// a short timeout and the bytes are handed straight to the adapter.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Credential is opaque credential material for a provider call.
type Credential struct {
	APIKey string
	Extra  map[string]string // provider-specific (e.g. azure resource, vertex project)
}

// Provider reads secret material from one backend (env, vault, static).
type Provider interface {
	Get(ctx context.Context, path string) (string, error)
	Close() error
}

// Resolver yields credentials for a provider ID.
type Resolver interface {
	Resolve(ctx context.Context, providerID string) (Credential, error)
}

// Manager routes credential references to registered scheme providers.
// A reference is "scheme://path"; a reference without a scheme is a
// static value.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	refs      map[string]Ref
}

// Ref binds a provider ID to its credential reference and extras.
type Ref struct {
	KeyRef string            // e.g. "env://ANTHROPIC_API_KEY", "vault://llm/anthropic#api_key"
	Extra  map[string]string // static extras passed through to the adapter
}

// NewManager creates an empty credential resolver.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		refs:      make(map[string]Ref),
	}
}

// Register registers a backend for a scheme ("env", "vault").
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Bind associates a provider ID with its credential reference.
func (m *Manager) Bind(providerID string, ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[providerID] = ref
}

// Resolve fetches the credential for a provider ID. No caching: every
// call goes to the backing store.
func (m *Manager) Resolve(ctx context.Context, providerID string) (Credential, error) {
	m.mu.RLock()
	ref, ok := m.refs[providerID]
	m.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("no credential bound for provider %q", providerID)
	}

	value, err := m.get(ctx, ref.KeyRef)
	if err != nil {
		return Credential{}, fmt.Errorf("resolve credential for %q: %w", providerID, err)
	}
	return Credential{APIKey: value, Extra: ref.Extra}, nil
}

func (m *Manager) get(ctx context.Context, path string) (string, error) {
	parts := strings.SplitN(path, "://", 2)
	if len(parts) != 2 {
		// No scheme: static value.
		return path, nil
	}

	m.mu.RLock()
	provider, ok := m.providers[parts[0]]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme %q", parts[0])
	}
	return provider.Get(ctx, parts[1])
}

// Close closes all registered backends.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
