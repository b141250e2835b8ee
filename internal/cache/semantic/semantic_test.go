package semantic

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	fallback []float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return s.fallback, nil
}

func (s *stubEmbedder) Model() string { return "stub-embedder" }

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"dim mismatch", []float32{1, 0}, []float32{1}, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Cosine = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestThresholds(t *testing.T) {
	layer := NewLayer(&stubEmbedder{}, NewMemoryVectorStore(0), Config{}, nil)

	tests := []struct {
		category string
		want     float64
	}{
		{"factual_qa", 0.92},
		{"code_generation", 0.88},
		{"summarization", 0.85},
		{"creative_writing", 0.75},
		{"unknown", 0.85},
		{"", 0.85},
	}
	for _, tt := range tests {
		if got := layer.Threshold(tt.category); got != tt.want {
			t.Errorf("Threshold(%q) = %f, want %f", tt.category, got, tt.want)
		}
	}
}

func TestLookupParaphraseHit(t *testing.T) {
	// E1 and E2 with cos ~ 0.95 in 2D.
	e1 := []float32{1, 0}
	e2 := []float32{0.95, 0.3122499}

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"What's France's capital?": e2,
	}}
	store := NewMemoryVectorStore(0)
	layer := NewLayer(embedder, store, Config{}, nil)
	ctx := context.Background()

	now := time.Now()
	store.Upsert(ctx, &Record{
		Key:      "k1",
		Category: "factual_qa",
		Vector:   e1,
		Response: &types.InferenceResponse{Content: "Paris"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})

	req := &types.InferenceRequest{
		RequestID: "r1",
		Category:  "factual_qa",
		Prompt: types.LogicalPrompt{
			Messages: []types.Message{{Role: types.RoleUser, Content: "What's France's capital?"}},
		},
	}
	resp, similarity, ok := layer.Lookup(ctx, req)
	if !ok {
		t.Fatal("expected semantic hit")
	}
	if resp.Content != "Paris" {
		t.Errorf("Content = %q", resp.Content)
	}
	if similarity < 0.92 {
		t.Errorf("similarity = %f, want >= threshold 0.92", similarity)
	}
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	e1 := []float32{1, 0}
	e2 := []float32{0.5, 0.8660254} // cos = 0.5

	embedder := &stubEmbedder{fallback: e2}
	store := NewMemoryVectorStore(0)
	layer := NewLayer(embedder, store, Config{}, nil)
	ctx := context.Background()

	now := time.Now()
	store.Upsert(ctx, &Record{
		Key: "k1", Category: "factual_qa", Vector: e1,
		Response:  &types.InferenceResponse{Content: "Paris"},
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})

	req := &types.InferenceRequest{
		Category: "factual_qa",
		Prompt: types.LogicalPrompt{
			Messages: []types.Message{{Role: types.RoleUser, Content: "unrelated"}},
		},
	}
	if _, _, ok := layer.Lookup(ctx, req); ok {
		t.Error("similarity below threshold must miss")
	}
}

func TestSearchTiesResolveByNewest(t *testing.T) {
	store := NewMemoryVectorStore(0)
	ctx := context.Background()
	vec := []float32{1, 0}

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	store.Upsert(ctx, &Record{
		Key: "old", Vector: vec,
		Response:  &types.InferenceResponse{Content: "old"},
		CreatedAt: older, ExpiresAt: newer.Add(time.Hour),
	})
	store.Upsert(ctx, &Record{
		Key: "new", Vector: vec,
		Response:  &types.InferenceResponse{Content: "new"},
		CreatedAt: newer, ExpiresAt: newer.Add(time.Hour),
	})

	matches, err := store.Search(ctx, vec, "", 0.9, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.Key != "new" {
		t.Errorf("tie broke to %v, want newest", matches)
	}
}

func TestWriteSkipsShortResponses(t *testing.T) {
	store := NewMemoryVectorStore(0)
	layer := NewLayer(&stubEmbedder{fallback: []float32{1, 0}}, store, Config{}, nil)
	ctx := context.Background()

	req := &types.InferenceRequest{
		RequestID: "r1",
		Prompt: types.LogicalPrompt{
			Messages: []types.Message{{Role: types.RoleUser, Content: "q"}},
		},
	}

	layer.Write(ctx, "k1", req, &types.InferenceResponse{Content: "4"})
	if store.Len() != 0 {
		t.Error("short response was stored")
	}

	layer.Write(ctx, "k2", req, &types.InferenceResponse{Content: "a response long enough to store"})
	if store.Len() != 1 {
		t.Error("qualifying response was not stored")
	}
}

func TestRedisVectorStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewRedisVectorStore(client, "sem-test")
	ctx := context.Background()

	now := time.Now()
	err := store.Upsert(ctx, &Record{
		Key: "k1", Category: "factual_qa", Vector: []float32{1, 0},
		Response:  &types.InferenceResponse{Content: "Paris"},
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := store.Search(ctx, []float32{1, 0}, "factual_qa", 0.9, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.Response.Content != "Paris" {
		t.Fatalf("matches = %+v", matches)
	}

	// Category filter excludes.
	matches, _ = store.Search(ctx, []float32{1, 0}, "code_generation", 0.9, 5)
	if len(matches) != 0 {
		t.Errorf("category filter failed: %+v", matches)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	matches, _ = store.Search(ctx, []float32{1, 0}, "factual_qa", 0.9, 5)
	if len(matches) != 0 {
		t.Error("record survived delete")
	}
}
