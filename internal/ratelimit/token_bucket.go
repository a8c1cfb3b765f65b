package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take call.
type Decision struct {
	Allowed bool
	// Remaining is the fractional token count left in the bucket.
	Remaining float64
	// RetryAfter is how long until the next token is available. Zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a token bucket kept in a Redis hash, shared by every worker
// process that talks to the same publishing target.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// BucketOption configures a TokenBucket.
type BucketOption func(*TokenBucket)

// WithBucketClock replaces the clock whose readings are passed to the script.
func WithBucketClock(now func() time.Time) BucketOption {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket constructs a bucket holding at most capacity tokens.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration, opts ...BucketOption) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Take consumes one token for key if one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := takeScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply %v", res)
	}
	flag, _ := arr[0].(int64)
	// Lua numbers are truncated to integers in replies, so tokens come back as a string.
	raw, _ := arr[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket reply %q: %w", raw, err)
	}
	d := Decision{Allowed: flag == 1, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = b.wait(remaining)
	}
	return d, nil
}

func (b *TokenBucket) wait(remaining float64) time.Duration {
	if b.refill <= 0 {
		return b.ttl
	}
	secs := (1 - remaining) / b.refill
	return time.Duration(math.Ceil(secs*1000)) * time.Millisecond
}

var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
