package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

func samplePrompt() types.LogicalPrompt {
	return types.LogicalPrompt{
		System: "You are helpful.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "What is 2+2?"},
		},
	}
}

func sampleEntry(key string, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Key: key,
		Response: &types.InferenceResponse{
			Content:  "4",
			Provider: "anthropic",
			Model:    "claude-haiku-3-5",
			Usage:    types.Usage{PromptTokens: 10, CompletionTokens: 1, TotalTokens: 11},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestExactKeyDeterministic(t *testing.T) {
	p1 := samplePrompt()
	p2 := samplePrompt()
	if ExactKey(&p1) != ExactKey(&p2) {
		t.Error("identical prompts produced different keys")
	}

	p2.Messages[0].Content = "What is 3+3?"
	if ExactKey(&p1) == ExactKey(&p2) {
		t.Error("different prompts produced the same key")
	}
}

func TestExactKeyToolOrderInsensitive(t *testing.T) {
	p1 := samplePrompt()
	p1.Tools = []types.ToolDescriptor{{Name: "b"}, {Name: "a"}}
	p2 := samplePrompt()
	p2.Tools = []types.ToolDescriptor{{Name: "a"}, {Name: "b"}}

	if ExactKey(&p1) != ExactKey(&p2) {
		t.Error("tool declaration order changed the key")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(DefaultMemoryConfig())
	defer store.Close()
	ctx := context.Background()

	entry := sampleEntry("k1", time.Hour)
	if err := store.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Response.Content != "4" {
		t.Fatalf("got = %+v", got)
	}
	if got.HitCount != 1 {
		t.Errorf("HitCount = %d, want 1", got.HitCount)
	}

	if miss, _ := store.Get(ctx, "absent"); miss != nil {
		t.Error("expected miss for absent key")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(DefaultMemoryConfig())
	defer store.Close()
	ctx := context.Background()

	entry := sampleEntry("k1", 10*time.Millisecond)
	store.Set(ctx, entry)

	time.Sleep(20 * time.Millisecond)
	if got, _ := store.Get(ctx, "k1"); got != nil {
		t.Error("expired entry served")
	}
}

func TestMemoryStoreDeleteByPrefix(t *testing.T) {
	store := NewMemoryStore(DefaultMemoryConfig())
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, sampleEntry("model-a:1", time.Hour))
	store.Set(ctx, sampleEntry("model-a:2", time.Hour))
	store.Set(ctx, sampleEntry("model-b:1", time.Hour))

	removed, err := store.DeleteByPrefix(ctx, "model-a:")
	if err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got, _ := store.Get(ctx, "model-b:1"); got == nil {
		t.Error("unrelated entry removed")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{MaxEntries: 2, CleanupInterval: time.Hour})
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, sampleEntry("k1", time.Minute))
	store.Set(ctx, sampleEntry("k2", time.Hour))
	store.Set(ctx, sampleEntry("k3", time.Hour))

	if store.Len() > 2 {
		t.Errorf("Len = %d, want <= 2", store.Len())
	}
	// The nearest-expiry entry goes first.
	if got, _ := store.Get(ctx, "k1"); got != nil {
		t.Error("expected k1 evicted")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test")
	ctx := context.Background()

	if err := store.Set(ctx, sampleEntry("k1", time.Hour)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Response.Content != "4" {
		t.Fatalf("got = %+v", got)
	}

	if miss, _ := store.Get(ctx, "absent"); miss != nil {
		t.Error("expected miss")
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.Get(ctx, "k1"); got != nil {
		t.Error("entry survived delete")
	}
}

func TestRedisStoreDeleteByPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test")
	ctx := context.Background()

	store.Set(ctx, sampleEntry("m1:a", time.Hour))
	store.Set(ctx, sampleEntry("m1:b", time.Hour))
	store.Set(ctx, sampleEntry("m2:a", time.Hour))

	removed, err := store.DeleteByPrefix(ctx, "m1:")
	if err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}

func TestFlightCollapsesConcurrentMisses(t *testing.T) {
	flight := NewFlight()
	var calls atomic.Int64
	release := make(chan struct{})

	fn := func() (*types.InferenceResponse, error) {
		calls.Add(1)
		<-release
		return &types.InferenceResponse{Content: "computed"}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*types.InferenceResponse, workers)
	started := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			resp, _, err := flight.Do(context.Background(), "key", fn)
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}

	for i := 0; i < workers; i++ {
		<-started
	}
	time.Sleep(10 * time.Millisecond) // let followers subscribe
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("computation ran %d times, want 1", calls.Load())
	}
	for i, resp := range results {
		if resp == nil || resp.Content != "computed" {
			t.Errorf("worker %d result = %+v", i, resp)
		}
	}
}

func TestFlightSubscriberDeadline(t *testing.T) {
	flight := NewFlight()
	release := make(chan struct{})
	defer close(release)

	go flight.Do(context.Background(), "key", func() (*types.InferenceResponse, error) {
		<-release
		return &types.InferenceResponse{}, nil
	})

	for !flight.InFlight("key") {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, shared, err := flight.Do(ctx, "key", func() (*types.InferenceResponse, error) {
		t.Error("follower must not run the computation")
		return nil, nil
	})
	if !shared || err == nil {
		t.Errorf("expected deadline error on subscription, got shared=%v err=%v", shared, err)
	}
}

func TestDualExactHit(t *testing.T) {
	store := NewMemoryStore(DefaultMemoryConfig())
	defer store.Close()
	dual := NewDual(store, nil, DualConfig{}, nil)
	ctx := context.Background()

	prompt := samplePrompt()
	key := ExactKey(&prompt)
	req := &types.InferenceRequest{RequestID: "r1", Principal: "p", Prompt: prompt}
	dual.Write(ctx, key, req, &types.InferenceResponse{
		Content: "4", Provider: "anthropic", Model: "claude-haiku-3-5",
	})

	req2 := &types.InferenceRequest{RequestID: "r2", Principal: "p", Prompt: prompt}
	resp, hit := dual.Lookup(ctx, key, req2)
	if !hit {
		t.Fatal("expected exact hit")
	}
	if !resp.CacheHit || resp.CacheLayer != LayerExact {
		t.Errorf("cache metadata = hit=%v layer=%s", resp.CacheHit, resp.CacheLayer)
	}
	if resp.RequestID != "r2" {
		t.Errorf("RequestID = %s, want caller's r2", resp.RequestID)
	}
	if resp.Content != "4" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestDualInvalidate(t *testing.T) {
	store := NewMemoryStore(DefaultMemoryConfig())
	defer store.Close()
	dual := NewDual(store, nil, DualConfig{}, nil)
	ctx := context.Background()

	prompt := samplePrompt()
	key := ExactKey(&prompt)
	req := &types.InferenceRequest{RequestID: "r1", Prompt: prompt}
	dual.Write(ctx, key, req, &types.InferenceResponse{Content: "4"})

	if err := dual.InvalidateKey(ctx, key); err != nil {
		t.Fatalf("InvalidateKey: %v", err)
	}
	if _, hit := dual.Lookup(ctx, key, req); hit {
		t.Error("entry survived invalidation")
	}
}

func TestDualInvalidateScope(t *testing.T) {
	store := NewMemoryStore(DefaultMemoryConfig())
	defer store.Close()
	dual := NewDual(store, nil, DualConfig{}, nil)
	ctx := context.Background()

	write := func(id, text, principal, model string) (string, *types.InferenceRequest) {
		prompt := types.LogicalPrompt{Messages: []types.Message{{Role: types.RoleUser, Content: text}}}
		key := ExactKey(&prompt)
		req := &types.InferenceRequest{RequestID: id, Principal: principal, Prompt: prompt}
		dual.Write(ctx, key, req, &types.InferenceResponse{
			Content: "answer for " + text, Provider: "openai", Model: model,
		})
		return key, req
	}
	bigKey, bigReq := write("r1", "first question", "agent-7", "gpt-4o")
	miniKey, miniReq := write("r2", "second question", "agent-8", "gpt-4o-mini")

	// Exact keys are content hashes, so a model name can never be a key
	// prefix; the scope index is the handle for this invalidation.
	if n, err := dual.InvalidatePrefix(ctx, "gpt-4o"); err != nil || n != 0 {
		t.Fatalf("InvalidatePrefix(model name) = %d, %v; want 0 matches", n, err)
	}

	n, err := dual.InvalidateScope(ctx, "model:gpt-4o")
	if err != nil {
		t.Fatalf("InvalidateScope: %v", err)
	}
	if n != 1 {
		t.Errorf("invalidated = %d, want 1", n)
	}
	if _, hit := dual.Lookup(ctx, bigKey, bigReq); hit {
		t.Error("gpt-4o entry survived its model scope invalidation")
	}
	if _, hit := dual.Lookup(ctx, miniKey, miniReq); !hit {
		t.Error("gpt-4o-mini entry was swept by another model's scope")
	}

	if n, err := dual.InvalidateScope(ctx, "principal:agent-8"); err != nil || n != 1 {
		t.Fatalf("InvalidateScope(principal) = %d, %v; want 1", n, err)
	}
	if _, hit := dual.Lookup(ctx, miniKey, miniReq); hit {
		t.Error("entry survived its principal scope invalidation")
	}

	if n, err := dual.InvalidateScope(ctx, "model:unknown"); err != nil || n != 0 {
		t.Errorf("InvalidateScope(unknown) = %d, %v; want 0", n, err)
	}
}
