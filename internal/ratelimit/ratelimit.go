// Package ratelimit bounds job creation per target. A runaway caller
// hammering one server with new jobs would otherwise crowd out every other
// tenant's work on that agent.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-dispatch/internal/models"
)

// TargetLimiter is a distributed token bucket keyed by dispatch target,
// shared across API replicas through Redis.
type TargetLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// New constructs a limiter. capacity bounds the burst; refillPerSecond the
// sustained creation rate per target.
func New(client *redis.Client, capacity int, refillPerSecond float64) *TargetLimiter {
	return &TargetLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      10 * time.Minute,
	}
}

// Allow consumes one token for the target. Returns whether the creation may
// proceed and the remaining token count.
func (l *TargetLimiter) Allow(ctx context.Context, target models.Target) (bool, float64, error) {
	key := "dispatch:ratelimit:" + target.String()
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
