// Package ratelimit enforces a per-tenant token bucket on public HTTP
// endpoints, backed by a Redis Lua script so concurrent gateway instances
// share one set of buckets atomically.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limits is the default policy from spec: 100 requests/minute, burst 100.
type Limits struct {
	RatePerMinute int
	Burst         int
}

// DefaultLimits matches the gateway's documented default.
var DefaultLimits = Limits{RatePerMinute: 100, Burst: 100}

// tokenBucketScript implements a standard token-bucket refill: tokens accrue
// continuously at rate/60 per second, capped at burst, and a request
// consumes one token if available.
const tokenBucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate_per_sec = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "updated_at")
local tokens = tonumber(bucket[1])
local updatedAt = tonumber(bucket[2])

if tokens == nil then
	tokens = burst
	updatedAt = now
end

local elapsed = now - updatedAt
if elapsed > 0 then
	tokens = math.min(burst, tokens + elapsed * rate_per_sec)
	updatedAt = now
end

local allowed = 0
if tokens >= 1 then
	allowed = 1
	tokens = tokens - 1
end

redis.call("HMSET", key, "tokens", tokens, "updated_at", updatedAt)
redis.call("EXPIRE", key, ttl)

return {allowed, tokens}
`

// Limiter is a per-tenant-key token bucket rate limiter.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	limits Limits
}

// NewLimiter builds a Limiter over an existing Redis client. Zero-value
// limits fall back to DefaultLimits.
func NewLimiter(client *redis.Client, limits Limits) *Limiter {
	if limits.RatePerMinute <= 0 {
		limits = DefaultLimits
	}
	return &Limiter{
		redis:  client,
		script: redis.NewScript(tokenBucketScript),
		limits: limits,
	}
}

// Allow consumes one token for tenantKey (an authenticated user id or, for
// unauthenticated routes, the remote IP). Returns whether the request is
// allowed and, when denied, a Retry-After duration.
func (l *Limiter) Allow(ctx context.Context, tenantKey string) (allowed bool, retryAfter time.Duration, err error) {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantKey)
	ratePerSec := float64(l.limits.RatePerMinute) / 60.0

	result, err := l.script.Run(ctx, l.redis,
		[]string{key},
		float64(time.Now().UnixNano())/1e9,
		ratePerSec,
		l.limits.Burst,
		120,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: script execution failed: %w", err)
	}

	allowedInt, _ := result[0].(int64)
	allowed = allowedInt == 1
	if !allowed {
		retryAfter = time.Duration(1.0/ratePerSec*1000) * time.Millisecond
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
	}

	return allowed, retryAfter, nil
}
