package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	// MaxAttempts is the number of consecutive failures tolerated before
	// backoff kicks in.
	MaxAttempts int
	// BaseBackoff is the first rejection window after the budget is
	// spent; it doubles with every further failure.
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration
	// RecoveryFactor controls full forgiveness: an identifier idle for
	// RecoveryFactor times its current window is reset outright.
	RecoveryFactor int
}

// Decision is the verdict of one pre-comparison check.
type Decision struct {
	Allowed bool
	// Remaining is the attempt budget left before backoff starts. Zero
	// with Allowed set means this is the single probe of the current
	// window.
	Remaining int
	// RetryAfter is how long the caller must wait when not allowed.
	RetryAfter time.Duration
}

// Limiter enforces per-identifier attempt budgets with widening backoff,
// backed by Redis so every instance sees the same record.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

const (
	checkAllowed = 0
	checkDenied  = 1
	checkProbe   = 2
)

// checkScript decides whether one verification attempt may proceed.
// Reading and the recovery reset happen in one step so two concurrent
// checks cannot both observe a stale record and disagree about the
// window.
var checkScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local base = tonumber(ARGV[3])
local cap = tonumber(ARGV[4])
local recovery = tonumber(ARGV[5])

local f = redis.call("HMGET", key, "failures", "last_attempt_at")
if not f[1] then
	return {0, max}
end
local failures = tonumber(f[1]) or 0
local last = tonumber(f[2]) or 0

if failures < max then
	return {0, max - failures}
end

local window = base * 2 ^ (failures - max)
if window > cap then
	window = cap
end

local idle = now - last
if idle >= window * recovery then
	redis.call("DEL", key)
	return {0, max}
end
if idle < window then
	return {1, window - idle}
end

return {2, 0}
`)

// failScript records one failed comparison. The record's TTL tracks the
// recovery horizon so abandoned identifiers clean themselves up.
var failScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local base = tonumber(ARGV[3])
local cap = tonumber(ARGV[4])
local recovery = tonumber(ARGV[5])

local failures = redis.call("HINCRBY", key, "failures", 1)
redis.call("HSET", key, "last_attempt_at", now)

local window = base
if failures > max then
	window = base * 2 ^ (failures - max)
end
if window > cap then
	window = cap
end
redis.call("EXPIRE", key, math.ceil(window * recovery))

return {failures}
`)

// Check reports whether a verification attempt for the identifier may
// proceed right now. It never touches the failure count; callers report
// the comparison outcome through Fail or Reset.
func (l *Limiter) Check(ctx context.Context, identifier string, now time.Time) (Decision, error) {
	raw, err := checkScript.Run(ctx, l.redis, []string{attemptKey(identifier)},
		now.Unix(),
		l.config.MaxAttempts,
		int64(l.config.BaseBackoff/time.Second),
		int64(l.config.MaxBackoff/time.Second),
		l.config.RecoveryFactor,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, code, err := decodeReply(raw)
	if err != nil {
		return Decision{}, err
	}

	switch code {
	case checkAllowed:
		return Decision{Allowed: true, Remaining: int(parts[1])}, nil
	case checkDenied:
		return Decision{RetryAfter: time.Duration(parts[1]) * time.Second}, nil
	case checkProbe:
		return Decision{Allowed: true}, nil
	default:
		return Decision{}, fmt.Errorf("%w: check status %d", ErrRedisUnavailable, code)
	}
}

// Fail records one failed comparison and returns the consecutive failure
// count, for telemetry.
func (l *Limiter) Fail(ctx context.Context, identifier string, now time.Time) (int, error) {
	raw, err := failScript.Run(ctx, l.redis, []string{attemptKey(identifier)},
		now.Unix(),
		l.config.MaxAttempts,
		int64(l.config.BaseBackoff/time.Second),
		int64(l.config.MaxBackoff/time.Second),
		l.config.RecoveryFactor,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, code, err := decodeReply(raw)
	if err != nil {
		return 0, err
	}
	return int(code), nil
}

// Reset forgets the identifier entirely. Called after every successful
// comparison.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, attemptKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Failures returns the current consecutive failure count. Missing records
// return zero and do not reveal identifier existence.
func (l *Limiter) Failures(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.HGet(ctx, attemptKey(identifier), "failures").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

func attemptKey(identifier string) string {
	return "arl:" + identifier
}

func decodeReply(raw interface{}) ([]int64, int64, error) {
	parts, ok := raw.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, 0, fmt.Errorf("%w: invalid script response", ErrRedisUnavailable)
	}
	out := make([]int64, len(parts))
	for i, p := range parts {
		n, ok := p.(int64)
		if !ok {
			return nil, 0, fmt.Errorf("%w: invalid script response element %d", ErrRedisUnavailable, i)
		}
		out[i] = n
	}
	return out, out[0], nil
}
