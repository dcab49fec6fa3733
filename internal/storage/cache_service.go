package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// CacheService provides high-level Redis caching operations
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyStat is for payloads served by the API
	CacheKeyStat CacheKeyType = "stat"
	// CacheKeyLatest points at the newest cache key of a stat type and period kind
	CacheKeyLatest CacheKeyType = "latest"
	// CacheKeyEnrichment marks provider responses that are still fresh
	CacheKeyEnrichment CacheKeyType = "enrich"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := append([]string{string(keyType)}, params...)
	return strings.Join(parts, ":")
}

// GenerateStatKey generates the Redis key of a cached payload
// Format: stat:<cache_key>
func (c *CacheService) GenerateStatKey(cacheKey string) string {
	return c.GenerateCacheKey(CacheKeyStat, cacheKey)
}

// GenerateLatestKey generates the Redis key pointing at the newest window
// Format: latest:<stat_type>:<period_kind>:<scope>
func (c *CacheService) GenerateLatestKey(statType, kind, scope string) string {
	return c.GenerateCacheKey(CacheKeyLatest, statType, kind, scope)
}

// GenerateEnrichmentKey generates the freshness marker of a provider lookup.
// Entity names are lowercased so case variants share a marker.
// Format: enrich:<source>:<scope>:<entity>
func (c *CacheService) GenerateEnrichmentKey(source, scope, entity string) string {
	return c.GenerateCacheKey(CacheKeyEnrichment, source, scope, strings.ToLower(entity))
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.redis.Set(ctx, key, data, ttl)
}

// SetRaw stores bytes as-is with the configured TTL
func (c *CacheService) SetRaw(ctx context.Context, key string, data []byte) error {
	return c.redis.Set(ctx, key, data, c.ttl)
}

// Get retrieves a value from cache and deserializes it
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, found, err := c.GetRaw(ctx, key)
	if err != nil || !found {
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return true, nil
}

// GetRaw retrieves stored bytes; a missing key is a miss, not an error
func (c *CacheService) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}
	return data, true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// InvalidatePattern removes all keys matching a pattern
// Pattern examples: "stat:period:weekly:*", "latest:*"
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) error {
	keys, err := c.redis.Keys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to find keys matching pattern: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	return c.redis.Del(ctx, keys...)
}

// Exists checks if a key exists in cache
func (c *CacheService) Exists(ctx context.Context, key string) (bool, error) {
	return c.redis.Exists(ctx, key)
}

// Refresh updates the TTL on an existing key
func (c *CacheService) Refresh(ctx context.Context, key string) error {
	return c.redis.Expire(ctx, key, c.ttl)
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}
