package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// StatSource is the durable store behind the payload cache
type StatSource interface {
	Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error)
	Latest(ctx context.Context, statType types.StatType, kind types.PeriodKind, scope string) (*models.CachedStat, error)
}

// cachedEnvelope is the Redis representation of a CachedStat; the payload bytes ride along untouched
type cachedEnvelope struct {
	Stat    *models.CachedStat `json:"stat"`
	Payload json.RawMessage    `json:"payload"`
}

// PayloadCache is a read-through Redis cache in front of cached_stats.
// Concurrent misses for the same key share one database read.
type PayloadCache struct {
	cache  *CacheService
	source StatSource

	hits   atomic.Int64
	misses atomic.Int64

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	stat *models.CachedStat
	err  error
}

// NewPayloadCache creates a new payload cache
func NewPayloadCache(cache *CacheService, source StatSource) *PayloadCache {
	return &PayloadCache{
		cache:    cache,
		source:   source,
		inflight: make(map[string]*inflightCall),
	}
}

// Get returns the stat stored under key, or nil when it was never computed
func (pc *PayloadCache) Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error) {
	redisKey := pc.cache.GenerateStatKey(key.String())
	if stat, ok := pc.lookup(ctx, redisKey); ok {
		return stat, nil
	}

	return pc.load(ctx, redisKey, func(ctx context.Context) (*models.CachedStat, error) {
		return pc.source.Get(ctx, key)
	})
}

// Latest returns the newest window of a stat type and period kind, or nil when none exists
func (pc *PayloadCache) Latest(ctx context.Context, statType types.StatType, kind types.PeriodKind, scope string) (*models.CachedStat, error) {
	pointerKey := pc.cache.GenerateLatestKey(string(statType), string(kind), scope)

	var cacheKey string
	found, err := pc.cache.Get(ctx, pointerKey, &cacheKey)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Latest pointer lookup failed, reading through")
	}
	if found {
		if stat, ok := pc.lookup(ctx, pc.cache.GenerateStatKey(cacheKey)); ok {
			return stat, nil
		}
	}

	stat, err := pc.load(ctx, pointerKey, func(ctx context.Context) (*models.CachedStat, error) {
		return pc.source.Latest(ctx, statType, kind, scope)
	})
	if err != nil || stat == nil {
		return stat, err
	}

	if err := pc.cache.Set(ctx, pointerKey, stat.CacheKey); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to cache latest pointer")
	}
	pc.store(ctx, pc.cache.GenerateStatKey(stat.CacheKey), stat)
	return stat, nil
}

// Invalidate drops cached copies of the given cache keys and every latest pointer
func (pc *PayloadCache) Invalidate(ctx context.Context, cacheKeys ...string) error {
	redisKeys := make([]string, len(cacheKeys))
	for i, k := range cacheKeys {
		redisKeys[i] = pc.cache.GenerateStatKey(k)
	}
	if err := pc.cache.Invalidate(ctx, redisKeys...); err != nil {
		return fmt.Errorf("failed to invalidate payloads: %w", err)
	}
	return pc.cache.InvalidatePattern(ctx, string(CacheKeyLatest)+":*")
}

// Stats returns hit and miss counters
func (pc *PayloadCache) Stats() (hits, misses int64) {
	return pc.hits.Load(), pc.misses.Load()
}

func (pc *PayloadCache) lookup(ctx context.Context, redisKey string) (*models.CachedStat, bool) {
	var env cachedEnvelope
	found, err := pc.cache.Get(ctx, redisKey, &env)
	if err != nil {
		// unreadable entries are treated as absent
		logging.FromContext(ctx).WithError(err).WithField("key", redisKey).Warn("Discarding unreadable cache entry")
		return nil, false
	}
	if !found || env.Stat == nil {
		return nil, false
	}
	pc.hits.Add(1)
	env.Stat.Payload = []byte(env.Payload)
	return env.Stat, true
}

func (pc *PayloadCache) store(ctx context.Context, redisKey string, stat *models.CachedStat) {
	env := cachedEnvelope{Stat: stat, Payload: json.RawMessage(stat.Payload)}
	if err := pc.cache.Set(ctx, redisKey, env); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", redisKey).Warn("Failed to populate payload cache")
	}
}

func (pc *PayloadCache) load(ctx context.Context, redisKey string, fetch func(context.Context) (*models.CachedStat, error)) (*models.CachedStat, error) {
	pc.misses.Add(1)

	pc.inflightMu.Lock()
	if call, ok := pc.inflight[redisKey]; ok {
		pc.inflightMu.Unlock()
		select {
		case <-call.done:
			return call.stat, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	pc.inflight[redisKey] = call
	pc.inflightMu.Unlock()

	call.stat, call.err = fetch(ctx)
	if call.err == nil && call.stat != nil && redisKey == pc.cache.GenerateStatKey(call.stat.CacheKey) {
		pc.store(ctx, redisKey, call.stat)
	}

	pc.inflightMu.Lock()
	delete(pc.inflight, redisKey)
	pc.inflightMu.Unlock()
	close(call.done)

	return call.stat, call.err
}
