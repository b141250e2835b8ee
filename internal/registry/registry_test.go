package registry

import (
	"testing"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

func seedModels() []*types.ModelDefinition {
	return []*types.ModelDefinition{
		{
			ModelID:       "claude-sonnet-4",
			ProviderID:    "anthropic",
			Capabilities:  []types.Capability{types.CapabilityText, types.CapabilityToolUse, types.CapabilityStreaming},
			ContextWindow: 200000,
			Status:        types.ModelActive,
			Tier:          types.TierPremium,
			Regions:       []string{"us-east-1", "eu-west-1"},
		},
		{
			ModelID:       "gpt-4o",
			ProviderID:    "openai",
			Capabilities:  []types.Capability{types.CapabilityText, types.CapabilityVision, types.CapabilityStreaming},
			ContextWindow: 128000,
			Status:        types.ModelActive,
			Tier:          types.TierStandard,
			Regions:       []string{"us-east-1"},
		},
		{
			ModelID:       "old-model",
			ProviderID:    "openai",
			Capabilities:  []types.Capability{types.CapabilityText},
			ContextWindow: 8192,
			Status:        types.ModelDeprecated,
			Regions:       []string{"us-east-1"},
		},
	}
}

func TestGet(t *testing.T) {
	r := New(seedModels(), nil)

	def, err := r.Get("gpt-4o")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.ProviderID != "openai" {
		t.Errorf("ProviderID = %s", def.ProviderID)
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestFindFilters(t *testing.T) {
	r := New(seedModels(), nil)

	tests := []struct {
		name   string
		filter FindFilter
		want   []string
	}{
		{
			name:   "by capability",
			filter: FindFilter{Capabilities: []types.Capability{types.CapabilityVision}},
			want:   []string{"gpt-4o"},
		},
		{
			name:   "by context window",
			filter: FindFilter{MinContext: 150000},
			want:   []string{"claude-sonnet-4"},
		},
		{
			name:   "by region",
			filter: FindFilter{AllowedRegions: []string{"eu-west-1"}},
			want:   []string{"claude-sonnet-4"},
		},
		{
			name:   "exclude provider",
			filter: FindFilter{ExcludeProviders: []string{"anthropic"}},
			want:   []string{"gpt-4o"},
		},
		{
			name:   "tier cap",
			filter: FindFilter{TierCap: types.TierStandard},
			want:   []string{"gpt-4o"},
		},
		{
			name:   "deprecated excluded",
			filter: FindFilter{},
			want:   []string{"claude-sonnet-4", "gpt-4o"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Find(tt.filter)
			ids := make(map[string]bool, len(got))
			for _, def := range got {
				ids[def.ModelID] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d models %v, want %v", len(got), ids, tt.want)
			}
			for _, id := range tt.want {
				if !ids[id] {
					t.Errorf("missing %s in %v", id, ids)
				}
			}
		})
	}
}

func TestRegisterAndSetStatus(t *testing.T) {
	r := New(nil, nil)

	err := r.Register(&types.ModelDefinition{
		ModelID:      "new-model",
		ProviderID:   "selfhosted",
		Capabilities: []types.Capability{types.CapabilityText},
		Status:       types.ModelActive,
		Regions:      []string{"us-east-1"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Get("new-model"); err != nil {
		t.Fatalf("Get after Register: %v", err)
	}

	if err := r.SetStatus("new-model", types.ModelDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	def, _ := r.Get("new-model")
	if def.Status != types.ModelDisabled {
		t.Errorf("Status = %s, want disabled", def.Status)
	}

	if err := r.SetStatus("missing", types.ModelActive); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New(seedModels(), nil)

	before, _ := r.Get("gpt-4o")
	if err := r.UpdatePricing("gpt-4o", 5.0, 15.0, time.Now()); err != nil {
		t.Fatalf("UpdatePricing: %v", err)
	}

	// The definition captured before the swap is unchanged.
	if before.InputPricePerM == 5.0 {
		t.Error("pricing update mutated the captured snapshot")
	}

	after, _ := r.Get("gpt-4o")
	if after.InputPricePerM != 5.0 || after.OutputPricePerM != 15.0 {
		t.Errorf("pricing not applied: %+v", after)
	}
}

func TestReplaceAll(t *testing.T) {
	r := New(seedModels(), nil)
	r.ReplaceAll([]*types.ModelDefinition{
		{ModelID: "only", ProviderID: "p", Status: types.ModelActive},
	})

	if _, err := r.Get("gpt-4o"); err == nil {
		t.Error("old model survived ReplaceAll")
	}
	if _, err := r.Get("only"); err != nil {
		t.Errorf("new model missing: %v", err)
	}
}
