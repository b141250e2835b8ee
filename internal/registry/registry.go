// Package registry holds the in-memory model catalog. Readers consult
// an immutable snapshot behind an atomic pointer; every mutation
// (config reload, pricing refresh, admin register) builds a fresh
// snapshot and swaps it, so in-flight requests keep the view they
// started with.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// snapshot is an immutable catalog view with lookup indexes.
type snapshot struct {
	models       map[string]*types.ModelDefinition
	byCapability map[types.Capability]map[string]struct{}
	byRegion     map[string]map[string]struct{}
}

func buildSnapshot(defs []*types.ModelDefinition) *snapshot {
	s := &snapshot{
		models:       make(map[string]*types.ModelDefinition, len(defs)),
		byCapability: make(map[types.Capability]map[string]struct{}),
		byRegion:     make(map[string]map[string]struct{}),
	}
	for _, def := range defs {
		copied := *def
		s.models[def.ModelID] = &copied
		for _, cap := range def.Capabilities {
			if s.byCapability[cap] == nil {
				s.byCapability[cap] = make(map[string]struct{})
			}
			s.byCapability[cap][def.ModelID] = struct{}{}
		}
		for _, region := range def.Regions {
			if s.byRegion[region] == nil {
				s.byRegion[region] = make(map[string]struct{})
			}
			s.byRegion[region][def.ModelID] = struct{}{}
		}
	}
	return s
}

// Registry is the shared model catalog.
type Registry struct {
	current atomic.Pointer[snapshot]
	logger  *slog.Logger

	// Mutations serialize so concurrent Register calls cannot lose
	// each other's writes between load and swap.
	mu sync.Mutex
}

// New creates a registry seeded with the given definitions.
func New(defs []*types.ModelDefinition, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(buildSnapshot(defs))
	return r
}

// Get returns the model definition for an ID.
func (r *Registry) Get(modelID string) (*types.ModelDefinition, error) {
	snap := r.current.Load()
	def, ok := snap.models[modelID]
	if !ok {
		return nil, gwerr.NoCandidate(fmt.Sprintf("unknown model %q", modelID))
	}
	return def, nil
}

// FindFilter narrows candidate models.
type FindFilter struct {
	Capabilities     []types.Capability
	MinContext       int
	AllowedRegions   []string
	ExcludeProviders []string
	TierCap          types.Tier
}

// tierRank orders tiers for TierCap comparison.
func tierRank(t types.Tier) int {
	switch t {
	case types.TierFree:
		return 0
	case types.TierStandard:
		return 1
	case types.TierPremium:
		return 2
	default:
		return 1
	}
}

// Find returns active models matching every filter field. Candidate
// narrowing uses the capability index; remaining filters scan the
// intersection.
func (r *Registry) Find(f FindFilter) []*types.ModelDefinition {
	snap := r.current.Load()

	// Start from the smallest capability set, or all models when no
	// capability is required.
	var candidates map[string]struct{}
	for _, cap := range f.Capabilities {
		ids, ok := snap.byCapability[cap]
		if !ok {
			return nil
		}
		if candidates == nil || len(ids) < len(candidates) {
			candidates = ids
		}
	}

	var out []*types.ModelDefinition
	consider := func(def *types.ModelDefinition) {
		if def.Status != types.ModelActive {
			return
		}
		if !def.HasCapabilities(f.Capabilities) {
			return
		}
		if f.MinContext > 0 && def.ContextWindow < f.MinContext {
			return
		}
		if len(f.AllowedRegions) > 0 {
			served := false
			for _, region := range f.AllowedRegions {
				if def.ServesRegion(region) {
					served = true
					break
				}
			}
			if !served {
				return
			}
		}
		for _, excluded := range f.ExcludeProviders {
			if def.ProviderID == excluded {
				return
			}
		}
		if f.TierCap != "" && tierRank(def.Tier) > tierRank(f.TierCap) {
			return
		}
		out = append(out, def)
	}

	if candidates != nil {
		for id := range candidates {
			consider(snap.models[id])
		}
	} else {
		for _, def := range snap.models {
			consider(def)
		}
	}
	return out
}

// QueryByCapability returns active models supporting every capability.
func (r *Registry) QueryByCapability(caps []types.Capability) []*types.ModelDefinition {
	return r.Find(FindFilter{Capabilities: caps})
}

// All returns every model in the current snapshot.
func (r *Registry) All() []*types.ModelDefinition {
	snap := r.current.Load()
	out := make([]*types.ModelDefinition, 0, len(snap.models))
	for _, def := range snap.models {
		out = append(out, def)
	}
	return out
}

// Register adds or replaces a model definition.
func (r *Registry) Register(def *types.ModelDefinition) error {
	if def.ModelID == "" || def.ProviderID == "" {
		return gwerr.InvalidRequest("model definition requires model_id and provider_id")
	}
	r.mutate(func(models map[string]*types.ModelDefinition) {
		copied := *def
		models[def.ModelID] = &copied
	})
	r.logger.Info("model registered", "model", def.ModelID, "provider", def.ProviderID)
	return nil
}

// SetStatus updates a model's lifecycle status.
func (r *Registry) SetStatus(modelID string, status types.ModelStatus) error {
	var found bool
	r.mutate(func(models map[string]*types.ModelDefinition) {
		def, ok := models[modelID]
		if !ok {
			return
		}
		found = true
		updated := *def
		updated.Status = status
		models[modelID] = &updated
	})
	if !found {
		return gwerr.NoCandidate(fmt.Sprintf("unknown model %q", modelID))
	}
	r.logger.Info("model status changed", "model", modelID, "status", string(status))
	return nil
}

// ReplaceAll swaps in a complete new catalog, used by config reload.
func (r *Registry) ReplaceAll(defs []*types.ModelDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Store(buildSnapshot(defs))
	r.logger.Info("model catalog replaced", "models", len(defs))
}

// UpdatePricing refreshes per-token prices for a model without
// touching the rest of its definition.
func (r *Registry) UpdatePricing(modelID string, inputPerM, outputPerM float64, at time.Time) error {
	var found bool
	r.mutate(func(models map[string]*types.ModelDefinition) {
		def, ok := models[modelID]
		if !ok {
			return
		}
		found = true
		updated := *def
		updated.InputPricePerM = inputPerM
		updated.OutputPricePerM = outputPerM
		updated.PricingLastUpdated = at
		models[modelID] = &updated
	})
	if !found {
		return gwerr.NoCandidate(fmt.Sprintf("unknown model %q", modelID))
	}
	return nil
}

// mutate rebuilds the snapshot with fn applied to a copy of the model
// map and swaps it in.
func (r *Registry) mutate(fn func(models map[string]*types.ModelDefinition)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	models := make(map[string]*types.ModelDefinition, len(snap.models)+1)
	for id, def := range snap.models {
		models[id] = def
	}
	fn(models)

	defs := make([]*types.ModelDefinition, 0, len(models))
	for _, def := range models {
		defs = append(defs, def)
	}
	r.current.Store(buildSnapshot(defs))
}
