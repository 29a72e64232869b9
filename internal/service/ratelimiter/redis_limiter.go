package ratelimiter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
)

// BucketConfig is the atomic-path admission config for one provider.
type BucketConfig struct {
	RPM        int
	Burst      int
	WindowSize time.Duration
}

// RedisLimiter is the atomic admission path. A single Lua script evaluates
// sliding-window cleanup, the window count, and the token-bucket consume,
// and appends only when both admit, eliminating TOCTOU races across
// replicas.
type RedisLimiter struct {
	redis   *redis.Client
	buckets map[string]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
}

// NewRedisLimiter builds the atomic limiter. Returns nil when rdb is nil so
// callers can treat the limiter as absent.
func NewRedisLimiter(rdb *redis.Client, buckets map[string]BucketConfig) *RedisLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &RedisLimiter{
		redis:   rdb,
		buckets: buckets,
		script:  redis.NewScript(luaCombinedLimitScript),
	}
}

// The script keeps two keys per provider: a sorted set of request
// timestamps (sliding window) and a hash with tokens/last_refill (bucket).
// Both admit or neither does.
const luaCombinedLimitScript = `
local window_key = KEYS[1]
local bucket_key = KEYS[2]
local rpm = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local window_size = tonumber(ARGV[5])

local cutoff = now - window_size
redis.call("ZREMRANGEBYSCORE", window_key, "-inf", cutoff)
local count = redis.call("ZCARD", window_key)

if count >= rpm then
  return { 0, count, -1, 0 }
end

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", bucket_key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
  redis.call("ZADD", window_key, now, tostring(now))
else
  local shortage = 1 - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  end
end

redis.call("HMSET", bucket_key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", window_key, math.ceil(window_size) * 2)
redis.call("EXPIRE", bucket_key, math.ceil(window_size) * 2)

return { allowed, count, tokens, retry_after }
`

// Allow runs the combined admission script for the provider key. It fails
// open on Redis errors to avoid hard outages; upstream 429 handling still
// applies separately.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok || cfg.RPM <= 0 || cfg.Burst <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9
	refillRate := float64(cfg.RPM) / 60.0
	windowSec := cfg.WindowSize.Seconds()
	if windowSec <= 0 {
		windowSec = 60
	}

	windowKey := "rate:window:" + key
	bucketKey := "rate:bucket:" + key
	res, err := l.script.Run(ctx, l.redis, []string{windowKey, bucketKey},
		cfg.RPM, cfg.Burst, refillRate, nowSec, windowSec).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed = toInt64(vals[0]) == 1
	retryAfterSec := toFloat64(vals[3])
	if !math.IsNaN(retryAfterSec) {
		retryAfter = time.Duration(retryAfterSec * float64(time.Second))
	}
	return allowed, retryAfter, nil
}

// WindowCount reports the current sliding-window occupancy for gauges.
func (l *RedisLimiter) WindowCount(ctx context.Context, key string) (int64, error) {
	if l == nil || l.redis == nil {
		return 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no bucket config for %q", key)
	}
	cutoff := float64(time.Now().Add(-cfg.WindowSize).UnixNano()) / 1e9
	return l.redis.ZCount(ctx, "rate:window:"+key, fmt.Sprintf("%f", cutoff), "+inf").Result()
}

// SetBucketConfig updates or creates the admission config for a key. Safe
// for concurrent use; the auto-throttle uses it to push effective RPM.
func (l *RedisLimiter) SetBucketConfig(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[string]BucketConfig{}
	}
	l.buckets[key] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%f", &f); err == nil {
			return f
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}
