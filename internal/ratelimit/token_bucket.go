package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-reconciler/internal/telemetry"
)

const webhookPrefix = "ratelimit:webhook:"

// TokenBucket implements a distributed token bucket rate limiter using Redis. Buckets are
// keyed per webhook source so one noisy sender cannot starve the others.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithClock overrides the clock passed to the bucket script.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AllowSource consumes a token from the bucket of one webhook source.
func (b *TokenBucket) AllowSource(ctx context.Context, source string) (bool, error) {
	allowed, _, err := b.Allow(ctx, webhookPrefix+source)
	if err != nil {
		return false, err
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
	}
	return allowed, nil
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply from bucket script: %v", res)
	}
	flag, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return flag == 1, tokens, nil
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
