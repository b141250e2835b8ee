package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestMemoryAcquireExhaustsRequests(t *testing.T) {
	store := NewMemoryStore()
	limits := Limits{RPM: 3, TPM: 100000, BurstMultiplier: 1.0}
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := store.Acquire(ctx, "k", limits, 10, now)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("Acquire %d denied", i)
		}
	}

	res, _ := store.Acquire(ctx, "k", limits, 10, now)
	if res.Allowed {
		t.Fatal("4th acquire should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", res.RetryAfter)
	}
}

func TestMemoryAcquireRefills(t *testing.T) {
	store := NewMemoryStore()
	limits := Limits{RPM: 60, BurstMultiplier: 1.0} // 1 req/sec refill
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 60; i++ {
		store.Acquire(ctx, "k", limits, 0, now)
	}
	if res, _ := store.Acquire(ctx, "k", limits, 0, now); res.Allowed {
		t.Fatal("bucket should be empty")
	}

	// Two seconds later, two tokens are back.
	later := now.Add(2 * time.Second)
	res, _ := store.Acquire(ctx, "k", limits, 0, later)
	if !res.Allowed {
		t.Fatal("refill did not admit")
	}
}

func TestMemoryTokenBucketDenies(t *testing.T) {
	store := NewMemoryStore()
	limits := Limits{RPM: 100, TPM: 1000, BurstMultiplier: 1.0}
	now := time.Now()
	ctx := context.Background()

	res, _ := store.Acquire(ctx, "k", limits, 800, now)
	if !res.Allowed {
		t.Fatal("first acquire should pass")
	}
	res, _ = store.Acquire(ctx, "k", limits, 800, now)
	if res.Allowed {
		t.Fatal("token balance should deny")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v", res.RetryAfter)
	}
}

func TestMemoryDenyDoesNotDebit(t *testing.T) {
	store := NewMemoryStore()
	limits := Limits{RPM: 2, BurstMultiplier: 1.0}
	now := time.Now()
	ctx := context.Background()

	store.Acquire(ctx, "k", limits, 0, now)
	store.Acquire(ctx, "k", limits, 0, now)

	before, _ := store.Acquire(ctx, "k", limits, 0, now)
	after, _ := store.Acquire(ctx, "k", limits, 0, now)
	if before.Allowed || after.Allowed {
		t.Fatal("acquires should be denied")
	}
	if after.Remaining < before.Remaining {
		t.Errorf("denied acquire decreased balance: %f -> %f", before.Remaining, after.Remaining)
	}
}

func TestRedisAcquire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	limits := Limits{RPM: 2, TPM: 1000, BurstMultiplier: 1.0}
	ctx := context.Background()
	now := time.Now()

	res, err := store.Acquire(ctx, Key("p1", "m1"), limits, 100, now)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Allowed {
		t.Fatal("first acquire denied")
	}

	res, _ = store.Acquire(ctx, Key("p1", "m1"), limits, 100, now)
	if !res.Allowed {
		t.Fatal("second acquire denied")
	}

	res, _ = store.Acquire(ctx, Key("p1", "m1"), limits, 100, now)
	if res.Allowed {
		t.Fatal("third acquire should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v", res.RetryAfter)
	}

	// Separate keys have separate buckets.
	res, _ = store.Acquire(ctx, Key("p2", "m1"), limits, 100, now)
	if !res.Allowed {
		t.Fatal("other principal's bucket should admit")
	}
}

func TestAdaptiveFactor(t *testing.T) {
	a := NewAdaptive(DefaultAdaptiveConfig(), nil)

	if f := a.Factor("anthropic", "us-east-1"); f != 1.0 {
		t.Errorf("initial factor = %f", f)
	}

	if f := a.RecordRateLimited("anthropic", "us-east-1"); f != 0.5 {
		t.Errorf("factor after 429 = %f, want 0.5", f)
	}
	if f := a.RecordRateLimited("anthropic", "us-east-1"); f != 0.25 {
		t.Errorf("factor after 2nd 429 = %f, want 0.25", f)
	}

	// Floor at the minimum.
	for i := 0; i < 10; i++ {
		a.RecordRateLimited("anthropic", "us-east-1")
	}
	if f := a.Factor("anthropic", "us-east-1"); f != 0.1 {
		t.Errorf("factor floor = %f, want 0.1", f)
	}

	// Region-scoped: a different region is unaffected.
	if f := a.Factor("anthropic", "eu-west-1"); f != 1.0 {
		t.Errorf("other region factor = %f, want 1.0", f)
	}
}

func TestAdaptiveRecovery(t *testing.T) {
	a := NewAdaptive(DefaultAdaptiveConfig(), nil)
	a.RecordRateLimited("openai", "us-east-1") // 0.5

	// Too soon: no recovery.
	a.recover(time.Now())
	if f := a.Factor("openai", "us-east-1"); f != 0.5 {
		t.Errorf("factor recovered early: %f", f)
	}

	// A minute of quiet recovers one step.
	a.recover(time.Now().Add(2 * time.Minute))
	if f := a.Factor("openai", "us-east-1"); f != 0.55 {
		t.Errorf("factor = %f, want 0.55", f)
	}
}

func TestLimiterScalesByAdaptiveFactor(t *testing.T) {
	store := NewMemoryStore()
	adaptive := NewAdaptive(DefaultAdaptiveConfig(), nil)
	limiter := NewLimiter(store, adaptive, Config{
		Tiers: map[string]Limits{TierStandard: {RPM: 4, BurstMultiplier: 1.0}},
	}, nil)
	ctx := context.Background()

	// Halve the provider's factor: effective RPM drops to 2.
	adaptive.RecordRateLimited("anthropic", "us-east-1")

	allowed := 0
	for i := 0; i < 4; i++ {
		res, err := limiter.Acquire(ctx, "p", "m", TierStandard, "anthropic", "us-east-1", 0)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if res.Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want 2 under halved factor", allowed)
	}
}

func TestLimiterUnlimitedTier(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), nil, DefaultConfig(), nil)
	for i := 0; i < 100; i++ {
		res, _ := limiter.Acquire(context.Background(), "p", "m", TierUnlimited, "", "", 0)
		if !res.Allowed {
			t.Fatal("unlimited tier denied")
		}
	}
}

func TestAuthFailFreeze(t *testing.T) {
	l := NewAuthFailLimiter(DefaultAuthFailConfig(), nil)

	if l.Blocked("p1", "1.2.3.4") {
		t.Fatal("fresh principal blocked")
	}

	// The burst budget is 10 failures; the 11th trips the freeze.
	for i := 0; i < 11; i++ {
		l.RecordFailure("p1", "")
	}
	if !l.Blocked("p1", "") {
		t.Error("principal not frozen after exceeding budget")
	}

	// Other principals are unaffected.
	if l.Blocked("p2", "") {
		t.Error("unrelated principal frozen")
	}
}

func TestAuthFailSourceBlock(t *testing.T) {
	l := NewAuthFailLimiter(DefaultAuthFailConfig(), nil)

	for i := 0; i < 101; i++ {
		l.RecordFailure("", "10.0.0.1")
	}
	if !l.Blocked("", "10.0.0.1") {
		t.Error("source not blocked after exceeding budget")
	}
	if l.Blocked("", "10.0.0.2") {
		t.Error("unrelated source blocked")
	}
}
