package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// acquireScript refills and debits both buckets server-side so the
// read-modify-write is atomic across gateway replicas.
var acquireScript = goredis.NewScript(`
local key = KEYS[1]
local rpm = tonumber(ARGV[1])
local tpm = tonumber(ARGV[2])
local req_cap = tonumber(ARGV[3])
local tok_cap = tonumber(ARGV[4])
local need = tonumber(ARGV[5])
local now_ms = tonumber(ARGV[6])

local state = redis.call('HMGET', key, 'r', 't', 'ts')
local r = tonumber(state[1])
local t = tonumber(state[2])
local ts = tonumber(state[3])
if r == nil then
  r = req_cap
  t = tok_cap
  ts = now_ms
end

local elapsed = (now_ms - ts) / 1000.0
if elapsed > 0 then
  r = math.min(req_cap, r + elapsed * rpm / 60.0)
  t = math.min(tok_cap, t + elapsed * tpm / 60.0)
end

local allowed = 0
local retry_ms = 0
if r < 1 then
  retry_ms = math.ceil((1 - r) / (rpm / 60.0) * 1000)
elseif tpm > 0 and t < need then
  retry_ms = math.ceil((need - t) / (tpm / 60.0) * 1000)
else
  allowed = 1
  r = r - 1
  if tpm > 0 then
    t = t - need
  end
end

redis.call('HMSET', key, 'r', r, 't', t, 'ts', now_ms)
redis.call('EXPIRE', key, 120)
return {allowed, retry_ms, math.floor(r * 1000)}
`)

// RedisStore is the shared bucket backend.
type RedisStore struct {
	client goredis.UniversalClient
}

// NewRedisStore wraps a client.
func NewRedisStore(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire runs the atomic refill-and-debit script.
func (s *RedisStore) Acquire(ctx context.Context, key string, limits Limits, estimatedTokens int, now time.Time) (Result, error) {
	raw, err := acquireScript.Run(ctx, s.client, []string{key},
		limits.RPM,
		limits.TPM,
		limits.Capacity(),
		limits.TokenCapacity(),
		estimatedTokens,
		now.UnixMilli(),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("ratelimit script returned %T", raw)
	}
	allowed, _ := values[0].(int64)
	retryMs, _ := values[1].(int64)
	remainingMilli, _ := values[2].(int64)

	return Result{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		Remaining:  float64(remainingMilli) / 1000.0,
	}, nil
}

// Close closes the backend connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
