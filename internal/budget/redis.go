package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Balances travel through Lua as integer millicents to avoid float
// formatting drift between Redis and Go.

// reserveScript: KEYS[1] bucket hash.
// ARGV: amount_mc, limit_mc, window_ms, now_ms.
// Returns {allowed, spent_mc, reserved_mc, window_start_ms}.
var reserveScript = redis.NewScript(`
local spent = tonumber(redis.call('HGET', KEYS[1], 's')) or 0
local reserved = tonumber(redis.call('HGET', KEYS[1], 'r')) or 0
local ws = tonumber(redis.call('HGET', KEYS[1], 'w')) or 0

local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

if ws == 0 or now - ws >= window then
  spent = 0
  reserved = 0
  ws = now
end

local allowed = 0
if spent + reserved + amount <= limit then
  allowed = 1
  reserved = reserved + amount
end

redis.call('HSET', KEYS[1], 's', spent, 'r', reserved, 'w', ws)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {allowed, spent, reserved, ws}
`)

// commitScript moves a reservation to spend at the actual cost.
// ARGV: reserved_mc, actual_mc, window_ms, now_ms.
var commitScript = redis.NewScript(`
local spent = tonumber(redis.call('HGET', KEYS[1], 's')) or 0
local reserved = tonumber(redis.call('HGET', KEYS[1], 'r')) or 0
local ws = tonumber(redis.call('HGET', KEYS[1], 'w')) or 0

local amount = tonumber(ARGV[1])
local actual = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

if ws == 0 or now - ws >= window then
  spent = 0
  reserved = 0
  ws = now
end

reserved = reserved - amount
if reserved < 0 then reserved = 0 end
spent = spent + actual

redis.call('HSET', KEYS[1], 's', spent, 'r', reserved, 'w', ws)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {spent, reserved, ws}
`)

// releaseScript drops a reservation without spend.
// ARGV: reserved_mc, window_ms, now_ms.
var releaseScript = redis.NewScript(`
local reserved = tonumber(redis.call('HGET', KEYS[1], 'r')) or 0
local ws = tonumber(redis.call('HGET', KEYS[1], 'w')) or 0
local now = tonumber(ARGV[3])
if ws == 0 or now - ws >= tonumber(ARGV[2]) then
  return 0
end
reserved = reserved - tonumber(ARGV[1])
if reserved < 0 then reserved = 0 end
redis.call('HSET', KEYS[1], 'r', reserved)
return reserved
`)

// RedisStore shares budget buckets across gateway instances.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, namespace: "modelgate"}
}

func (s *RedisStore) key(key string) string {
	return s.namespace + ":" + key
}

func millicents(cents float64) int64 {
	return int64(cents * 1000)
}

func cents(mc int64) float64 {
	return float64(mc) / 1000
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key string, amount, limit float64, window time.Duration, now time.Time) (bool, State, error) {
	raw, err := reserveScript.Run(ctx, s.client, []string{s.key(key)},
		millicents(amount), millicents(limit), window.Milliseconds(), now.UnixMilli()).Result()
	if err != nil {
		return false, State{}, fmt.Errorf("budget reserve script: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return false, State{}, fmt.Errorf("budget reserve script: unexpected reply %v", raw)
	}

	allowed := vals[0].(int64) == 1
	state := State{
		SpentCents:    cents(vals[1].(int64)),
		ReservedCents: cents(vals[2].(int64)),
		WindowStart:   time.UnixMilli(vals[3].(int64)),
	}
	return allowed, state, nil
}

// Commit implements Store.
func (s *RedisStore) Commit(ctx context.Context, key string, reserved, actual float64, window time.Duration, now time.Time) (State, error) {
	raw, err := commitScript.Run(ctx, s.client, []string{s.key(key)},
		millicents(reserved), millicents(actual), window.Milliseconds(), now.UnixMilli()).Result()
	if err != nil {
		return State{}, fmt.Errorf("budget commit script: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return State{}, fmt.Errorf("budget commit script: unexpected reply %v", raw)
	}
	return State{
		SpentCents:    cents(vals[0].(int64)),
		ReservedCents: cents(vals[1].(int64)),
		WindowStart:   time.UnixMilli(vals[2].(int64)),
	}, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string, reserved float64, window time.Duration, now time.Time) error {
	err := releaseScript.Run(ctx, s.client, []string{s.key(key)},
		millicents(reserved), window.Milliseconds(), now.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("budget release script: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
