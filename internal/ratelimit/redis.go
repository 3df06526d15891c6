package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/habitgate/habitgate/internal/redis"
)

// fixedWindowLua is the Lua source for atomic fixed-window counting.
//
// Uses HMGET for deterministic field ordering.
// Returns {limited (0|1), retry_after_millis}.
//
// Fixed-window semantics:
//   - First request for a key (or elapsed > window): count=1, window_start=now.
//   - Otherwise increment count; limited once count exceeds max_requests.
//
// The key expires at 2x the window so idle keys disappear on their own while
// an active window is never cut short.
//
// Keys: KEYS[1] = counter key.
// Args: ARGV[1] = window (ms), ARGV[2] = max requests, ARGV[3] = now (ms).
const fixedWindowLua = `
local key          = KEYS[1]
local window_ms    = tonumber(ARGV[1])
local max_requests = tonumber(ARGV[2])
local now_ms       = tonumber(ARGV[3])

local vals = redis.call('hmget', key, 'count', 'window_start')
local count        = tonumber(vals[1]) or 0
local window_start = tonumber(vals[2]) or 0

if count == 0 or (now_ms - window_start) > window_ms then
  redis.call('hset', key, 'count', 1, 'window_start', now_ms)
  redis.call('pexpire', key, window_ms * 2)
  return {0, 0}
end

count = count + 1
redis.call('hset', key, 'count', count)

if count > max_requests then
  return {1, window_start + window_ms - now_ms}
end
return {0, 0}
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis expects
// for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// redisLimiter runs the fixed-window algorithm against a shared Redis store,
// giving globally consistent counters across all instances.
type redisLimiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	keyPrefix string
}

func newRedisLimiter(client redis.Client, prefix string, logger *slog.Logger) *redisLimiter {
	return &redisLimiter{
		client:    client,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		keyPrefix: prefix,
	}
}

// check executes one fixed-window step atomically on Redis.
func (l *redisLimiter) check(ctx context.Context, key string, windowDur time.Duration, maxRequests int64, now time.Time) (Decision, error) {
	fullKey := l.keyPrefix + key

	cmd, err := l.evalScript(ctx, []string{fullKey},
		windowDur.Milliseconds(), maxRequests, now.UnixMilli())
	if err != nil {
		return Decision{}, err
	}

	return parseScriptResult(cmd)
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the Lua source on every request.
func (l *redisLimiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

func (l *redisLimiter) close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// parseScriptResult parses the Lua {limited, retry_after_millis} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (Decision, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 2 {
		return Decision{}, fmt.Errorf("script returned %d elements, want 2", len(arr))
	}

	limited, err := toInt64(arr[0])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing limited: %w", err)
	}

	retryMillis, err := toInt64(arr[1])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing retry_after: %w", err)
	}

	if limited != 1 {
		return Decision{}, nil
	}

	secs := (retryMillis + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return Decision{Limited: true, RetryAfter: time.Duration(secs) * time.Second}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
