package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes from a bucket stored as a hash in one
// atomic step. Redis's own clock is used so replicas with skewed clocks
// agree on refill.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return allowed
`

// RedisLimiter implements Limiter with token buckets kept in Redis so all
// gateway replicas draw from the same bucket.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	prefix string
	rate   float64
	burst  int
	ttl    time.Duration
}

// NewRedisLimiter creates a limiter refilling rate tokens per second up to
// burst. Keys are stored under prefix.
func NewRedisLimiter(client *redis.Client, prefix string, rate float64, burst int) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is nil")
	}
	if rate <= 0 || burst <= 0 {
		return nil, fmt.Errorf("ratelimit: rate and burst must be positive (rate=%v burst=%d)", rate, burst)
	}
	if prefix == "" {
		prefix = "kiban:rl"
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		ttl:    bucketTTL(rate, burst),
	}, nil
}

// Allow takes one token from the bucket for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.script.Run(ctx, l.client, []string{l.prefix + ":" + key},
		l.rate, l.burst, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis token bucket: %w", err)
	}
	return n == 1, nil
}

// Close is a no-op; the client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }

// bucketTTL keeps an idle bucket long enough to refill twice.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
