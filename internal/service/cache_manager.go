package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
)

// StatStore is the durable home of computed payloads
type StatStore interface {
	Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error)
	CommitRun(ctx context.Context, rows []*models.CachedStat, staleKeys []string) error
}

// PayloadInvalidator drops read-side copies of committed payloads
type PayloadInvalidator interface {
	Invalidate(ctx context.Context, cacheKeys ...string) error
}

// Decision is the cache manager's verdict on one key
type Decision struct {
	Reuse    bool
	Reason   string
	Existing *models.CachedStat
}

// CacheManager decides whether a window must be recomputed and commits what a run produced.
//
// Closed windows are reused whenever a readable row exists. Open windows are reused only
// while the stored watermark still covers the window's events.
type CacheManager struct {
	store       StatStore
	invalidator PayloadInvalidator
	metrics     *metrics.Manager
}

// NewCacheManager creates a cache manager; invalidator may be nil
func NewCacheManager(store StatStore, invalidator PayloadInvalidator, m *metrics.Manager) *CacheManager {
	return &CacheManager{
		store:       store,
		invalidator: invalidator,
		metrics:     m,
	}
}

// Decide inspects the stored row of key against the window's current watermark
func (cm *CacheManager) Decide(ctx context.Context, key models.CacheKey, w period.Window, now time.Time, current models.Watermark, force bool) (Decision, error) {
	d, err := cm.decide(ctx, key, w, now, current, force)
	if err != nil {
		return d, err
	}
	cm.metrics.RecordCacheDecision(string(key.StatType), d.Reason)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"cache_key": key.String(),
		"decision":  d.Reason,
	}).Debug("Cache decision")
	return d, nil
}

func (cm *CacheManager) decide(ctx context.Context, key models.CacheKey, w period.Window, now time.Time, current models.Watermark, force bool) (Decision, error) {
	if force {
		return Decision{Reason: metrics.DecisionForced}, nil
	}

	existing, err := cm.store.Get(ctx, key)
	if err != nil {
		return Decision{}, apperrors.NewDatabaseError("read cached stat", err)
	}
	if existing == nil {
		return Decision{Reason: metrics.DecisionMiss}, nil
	}

	if err := checkReadable(key, existing); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Ignoring unreadable cached stat")
		return Decision{Reason: metrics.DecisionUnreadable}, nil
	}

	if existing.Stale {
		return Decision{Reason: metrics.DecisionOutdated, Existing: existing}, nil
	}
	if w.Closed(now) {
		return Decision{Reuse: true, Reason: metrics.DecisionReuse, Existing: existing}, nil
	}
	if existing.Covers(current) {
		return Decision{Reuse: true, Reason: metrics.DecisionReuse, Existing: existing}, nil
	}
	return Decision{Reason: metrics.DecisionOutdated, Existing: existing}, nil
}

// checkReadable rejects rows whose payload no longer decodes into the key's variant
func checkReadable(key models.CacheKey, row *models.CachedStat) error {
	payload, err := models.DecodePayload(row.Payload)
	if err != nil {
		return apperrors.NewSchemaMismatchError(key.String(), err.Error())
	}
	if payload.StatType != key.StatType {
		return apperrors.NewSchemaMismatchError(key.String(), fmt.Sprintf("stat type %s", payload.StatType))
	}
	return nil
}

// Begin starts staging the writes of one run
func (cm *CacheManager) Begin() *Stage {
	return &Stage{
		manager: cm,
		rows:    make(map[string]*models.CachedStat),
		stale:   make(map[string]struct{}),
	}
}

// Stage collects a run's rows until Commit writes them in one transaction
type Stage struct {
	manager *CacheManager

	mu    sync.Mutex
	rows  map[string]*models.CachedStat
	stale map[string]struct{}
}

// CommitResult summarizes a commit
type CommitResult struct {
	Written int
	Stale   int
}

// Put stages a computed row, replacing any row staged under the same key
func (s *Stage) Put(stat *models.CachedStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[stat.CacheKey] = stat
	delete(s.stale, stat.CacheKey)
}

// MarkStale flags key's previous row, unless this run also wrote the key
func (s *Stage) MarkStale(key models.CacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[key.String()]; ok {
		return
	}
	s.stale[key.String()] = struct{}{}
}

// Commit writes every staged row and stale flag atomically, then invalidates read-side copies
func (s *Stage) Commit(ctx context.Context) (CommitResult, error) {
	s.mu.Lock()
	rows := make([]*models.CachedStat, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	staleKeys := make([]string, 0, len(s.stale))
	for key := range s.stale {
		staleKeys = append(staleKeys, key)
	}
	s.mu.Unlock()

	// concurrent commits must lock rows in the same order
	sort.Slice(rows, func(i, j int) bool { return rows[i].CacheKey < rows[j].CacheKey })
	sort.Strings(staleKeys)

	if err := s.manager.store.CommitRun(ctx, rows, staleKeys); err != nil {
		return CommitResult{}, apperrors.NewDatabaseError("commit run", err)
	}

	if s.manager.invalidator != nil && (len(rows) > 0 || len(staleKeys) > 0) {
		keys := make([]string, 0, len(rows)+len(staleKeys))
		for _, row := range rows {
			keys = append(keys, row.CacheKey)
		}
		keys = append(keys, staleKeys...)
		if err := s.manager.invalidator.Invalidate(ctx, keys...); err != nil {
			// entries still expire by TTL
			logging.FromContext(ctx).WithError(err).Warn("Failed to invalidate payload cache")
		}
	}

	return CommitResult{Written: len(rows), Stale: len(staleKeys)}, nil
}
