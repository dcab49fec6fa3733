// Package ratelimit throttles calls to enrichment providers, locally and across processes.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second     // 1 second fixed window
	DefaultKeyTTL     = 2 * time.Second // TTL for Redis keys (window + buffer)

	// KeyPrefixBudget prefixes the per-source request counters
	KeyPrefixBudget = "rl:budget:"
)

// consumeScript atomically checks and increments a window counter
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local n = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + n > budget then
		return {0, used}
	end

	redis.call('INCRBY', key, n)
	redis.call('EXPIRE', key, ttl)
	return {1, used + n}
`)

// SharedBudget coordinates provider requests across processes using Redis.
// Every process sharing a Redis instance draws from the same per-source budget,
// so concurrent stats runs and imports together stay under a provider's quota.
type SharedBudget struct {
	redis      redis.Cmdable
	budget     int
	windowSize time.Duration
	keyTTL     time.Duration
}

// SharedBudgetConfig holds configuration for the shared budget.
type SharedBudgetConfig struct {
	// Redis is the client used for cross-process coordination. Required.
	Redis redis.Cmdable

	// Budget is the number of requests per window per source. Required.
	Budget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration
}

// NewSharedBudget creates a new shared budget.
func NewSharedBudget(cfg *SharedBudgetConfig) (*SharedBudget, error) {
	if cfg == nil || cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", cfg.Budget)
	}

	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := 2 * windowSize
	if keyTTL < DefaultKeyTTL {
		keyTTL = DefaultKeyTTL
	}

	return &SharedBudget{
		redis:      cfg.Redis,
		budget:     cfg.Budget,
		windowSize: windowSize,
		keyTTL:     keyTTL,
	}, nil
}

// windowStart returns the current window aligned to the window size.
func (b *SharedBudget) windowStart(now time.Time) time.Time {
	return now.Truncate(b.windowSize)
}

func (b *SharedBudget) key(source string, window time.Time) string {
	return KeyPrefixBudget + source + ":" + strconv.FormatInt(window.UnixMilli(), 10)
}

// TryConsume attempts to take n requests from a source's budget.
//
// Returns:
//   - allowed: true if the requests fit in the current window
//   - waitTime: suggested wait before retrying if not allowed
//   - err: Redis failures; callers decide whether to fail open
func (b *SharedBudget) TryConsume(ctx context.Context, source string, n int) (bool, time.Duration, error) {
	if n <= 0 {
		return true, 0, nil
	}

	window := b.windowStart(time.Now())
	ttlSeconds := int(b.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{b.key(source, window)}, n, b.budget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, b.waitTime(window), fmt.Errorf("failed to consume budget for %s: %w", source, err)
	}

	if result[0] != 1 {
		return false, b.waitTime(window), nil
	}
	return true, 0, nil
}

// Used returns the requests consumed by a source in the current window.
func (b *SharedBudget) Used(ctx context.Context, source string) (int, error) {
	val, err := b.redis.Get(ctx, b.key(source, b.windowStart(time.Now()))).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// waitTime returns the time until the next window starts.
func (b *SharedBudget) waitTime(window time.Time) time.Duration {
	wait := time.Until(window.Add(b.windowSize))
	if wait < 0 {
		wait = 0
	}
	// Small buffer to land in the new window
	return wait + time.Millisecond
}
