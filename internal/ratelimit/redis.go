// Redis-backed ledger for multi-replica deployments.
// Deployments that run several engine replicas point the limiter at Redis so
// the sliding window is shared; the whole check-and-increment runs as one
// server-side Lua script.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// checkScript performs the atomic sliding-window check on the server.
// Returns {allowed, remaining, resetAtMs}. A rejected call never writes.
var checkScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local ws = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
if (not ws) or (ws < now - window) then
	redis.call('HSET', KEYS[1], 'window_start', now)
	redis.call('HSET', KEYS[1], 'count', 1)
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, limit - 1, now + window}
end

local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if count + 1 > limit then
	return {0, 0, ws + window}
end
redis.call('HSET', KEYS[1], 'count', count + 1)
return {1, limit - count - 1, ws + window}
`)

// RedisLedger implements Ledger on a Redis instance.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger connects to Redis at the given URL
// (e.g. "redis://localhost:6379/0").
func NewRedisLedger(url string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLedger{client: redis.NewClient(opts)}, nil
}

// NewRedisLedgerFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisLedgerFromClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// CheckAndIncrement runs the sliding-window script for (key, kind).
func (r *RedisLedger) CheckAndIncrement(ctx context.Context, key string, kind models.ActorKind, limit int, window time.Duration) (store.Decision, error) {
	redisKey := "ratelimit:" + string(kind) + ":" + key
	now := time.Now().UTC()

	res, err := checkScript.Run(ctx, r.client, []string{redisKey},
		now.UnixMilli(), limit, window.Milliseconds()).Slice()
	if err != nil {
		return store.Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return store.Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	resetMs, _ := res[2].(int64)

	return store.Decision{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(resetMs).UTC(),
	}, nil
}

// Ping checks connectivity.
func (r *RedisLedger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisLedger) Close() error {
	return r.client.Close()
}
