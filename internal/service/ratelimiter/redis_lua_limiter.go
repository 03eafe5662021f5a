// Package ratelimiter budgets outbound LLM calls with a Redis token bucket.
// Bucket state mirrors into the rate_limit_buckets table so a restart with a
// cold Redis resumes from the last persisted fill.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Limiter is consulted before each upstream call. A denial carries the wait
// until the bucket refills enough for the cost.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig is one bucket's capacity and refill rate (tokens/second).
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerMinute maps a requests-per-minute budget onto a
// bucket. Non-positive budgets produce a zero config, which Allow treats as
// unlimited.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// RedisLuaLimiter runs the take-or-report decision atomically in a Lua
// script, one bucket per logical key ("llm:generate", "llm:judge"). The
// bucket set is fixed at construction.
type RedisLuaLimiter struct {
	redis   *redis.Client
	pool    *pgxpool.Pool
	buckets map[string]BucketConfig
	script  *redis.Script
}

// NewRedisLuaLimiter builds the limiter. A nil rdb returns nil (no limiting);
// a nil pool disables the Postgres mirror.
func NewRedisLuaLimiter(rdb *redis.Client, pool *pgxpool.Pool, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		pool:    pool,
		buckets: buckets,
		script:  redis.NewScript(tokenBucketScript),
	}
}

// tokenBucketScript refills by elapsed time, then takes cost tokens or
// reports how long until it could. State is a Redis hash per bucket.
const tokenBucketScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local filled_at = now
local state = redis.call("HMGET", KEYS[1], "tokens", "last_refill")
if state[1] then tokens = tonumber(state[1]) end
if state[2] then filled_at = tonumber(state[2]) end

local elapsed = now - filled_at
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif rate > 0 then
  wait = (cost - tokens) / rate
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "last_refill", now)
return { allowed, tokens, wait }
`

// Allow takes cost tokens from the key's bucket. Unknown or unlimited keys
// pass; Redis trouble fails open so the LLM path never hard-depends on the
// limiter.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	cfg, ok := l.buckets[key]
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.redis, []string{"rate:" + key},
		cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		return true, 0, fmt.Errorf("op=ratelimiter.allow: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("rate limiter script returned unexpected shape", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := asFloat(vals[0]) == 1
	tokens := asFloat(vals[1])
	retryAfter := time.Duration(asFloat(vals[2]) * float64(time.Second))

	l.persistBucket(ctx, key, cfg, tokens, nowSec)
	return allowed, retryAfter, nil
}

// persistBucket mirrors the bucket into rate_limit_buckets. Best effort:
// the Redis state is authoritative while the process runs.
func (l *RedisLuaLimiter) persistBucket(ctx context.Context, key string, cfg BucketConfig, tokens, refilledSec float64) {
	if l.pool == nil {
		return
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
		 VALUES ($1, $2, $3, $4, to_timestamp($5))
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_rate = EXCLUDED.refill_rate,
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill`,
		key, cfg.Capacity, cfg.RefillRate, tokens, refilledSec,
	)
	if err != nil {
		slog.Error("rate limit bucket mirror failed", slog.String("key", key), slog.Any("error", err))
	}
}

// WarmFromPostgres seeds Redis from the mirrored rows, so a Redis restart
// does not reset spent budgets to full.
func (l *RedisLuaLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	rows, err := l.pool.Query(ctx,
		`SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM rate_limit_buckets`)
	if err != nil {
		return fmt.Errorf("op=ratelimiter.warm: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens, refilledSec float64
		if err := rows.Scan(&key, &tokens, &refilledSec); err != nil {
			return fmt.Errorf("op=ratelimiter.warm: %w", err)
		}
		err := l.redis.HMSet(ctx, "rate:"+key, "tokens", tokens, "last_refill", refilledSec).Err()
		if err != nil {
			slog.Error("bucket warm failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=ratelimiter.warm: %w", err)
	}
	return nil
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%g", &f)
		return f
	default:
		return 0
	}
}
