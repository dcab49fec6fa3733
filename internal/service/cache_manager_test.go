package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
	"github.com/scrobble-stats/internal/types"
)

func periodPayload(t *testing.T) []byte {
	t.Helper()
	data, err := models.EncodePayload(models.NewPeriodPayload(&models.PeriodStats{Kind: types.PeriodWeekly}))
	require.NoError(t, err)
	return data
}

func TestCacheManagerDecide(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	latest := now.Add(-time.Hour)
	newer := now.Add(-time.Minute)

	open := period.Window{Kind: types.PeriodWeekly, Start: now.Add(-7 * 24 * time.Hour), End: now.Add(time.Hour)}
	closed := period.Window{Kind: types.PeriodWeekly, Start: now.Add(-14 * 24 * time.Hour), End: now.Add(-7 * 24 * time.Hour)}

	tests := []struct {
		name       string
		window     period.Window
		stored     func(key models.CacheKey) *models.CachedStat
		current    models.Watermark
		force      bool
		wantReuse  bool
		wantReason string
	}{
		{
			name:       "miss",
			window:     open,
			wantReason: metrics.DecisionMiss,
		},
		{
			name:   "forced",
			window: closed,
			stored: func(key models.CacheKey) *models.CachedStat {
				return models.NewCachedStat(key, periodPayload(t), now, models.Watermark{})
			},
			force:      true,
			wantReason: metrics.DecisionForced,
		},
		{
			name:   "closed window reused even when newer events exist",
			window: closed,
			stored: func(key models.CacheKey) *models.CachedStat {
				return models.NewCachedStat(key, periodPayload(t), now, models.Watermark{Latest: &latest, Count: 1})
			},
			current:    models.Watermark{Latest: &newer, Count: 2},
			wantReuse:  true,
			wantReason: metrics.DecisionReuse,
		},
		{
			name:   "open window covered",
			window: open,
			stored: func(key models.CacheKey) *models.CachedStat {
				return models.NewCachedStat(key, periodPayload(t), now, models.Watermark{Latest: &latest, Count: 5})
			},
			current:    models.Watermark{Latest: &latest, Count: 5},
			wantReuse:  true,
			wantReason: metrics.DecisionReuse,
		},
		{
			name:   "open window behind newest event",
			window: open,
			stored: func(key models.CacheKey) *models.CachedStat {
				return models.NewCachedStat(key, periodPayload(t), now, models.Watermark{Latest: &latest, Count: 5})
			},
			current:    models.Watermark{Latest: &newer, Count: 6},
			wantReason: metrics.DecisionOutdated,
		},
		{
			name:   "open window with backfilled event",
			window: open,
			stored: func(key models.CacheKey) *models.CachedStat {
				return models.NewCachedStat(key, periodPayload(t), now, models.Watermark{Latest: &latest, Count: 5})
			},
			current:    models.Watermark{Latest: &latest, Count: 6},
			wantReason: metrics.DecisionOutdated,
		},
		{
			name:   "stale row",
			window: closed,
			stored: func(key models.CacheKey) *models.CachedStat {
				row := models.NewCachedStat(key, periodPayload(t), now, models.Watermark{})
				row.Stale = true
				return row
			},
			wantReason: metrics.DecisionOutdated,
		},
		{
			name:   "unreadable payload",
			window: closed,
			stored: func(key models.CacheKey) *models.CachedStat {
				return models.NewCachedStat(key, []byte(`{"statType":"period","schemaVersion":99}`), now, models.Watermark{})
			},
			wantReason: metrics.DecisionUnreadable,
		},
		{
			name:   "payload of another stat type",
			window: closed,
			stored: func(key models.CacheKey) *models.CachedStat {
				data, err := models.EncodePayload(models.NewDecadePayload(&models.DecadeStats{}))
				require.NoError(t, err)
				return models.NewCachedStat(key, data, now, models.Watermark{})
			},
			wantReason: metrics.DecisionUnreadable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStatStore()
			key := cacheKey(types.StatPeriod, tt.window)
			if tt.stored != nil {
				row := tt.stored(key)
				store.rows[row.CacheKey] = row
			}

			cm := NewCacheManager(store, nil, metrics.NewManager())
			d, err := cm.Decide(ctx, key, tt.window, now, tt.current, tt.force)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReuse, d.Reuse)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestCacheManagerDecideStoreError(t *testing.T) {
	store := newMockStatStore()
	store.getErr = errors.New("connection refused")

	cm := NewCacheManager(store, nil, metrics.NewManager())
	w := period.Window{Kind: types.PeriodWeekly, Start: time.Unix(0, 0), End: time.Unix(100, 0)}
	_, err := cm.Decide(context.Background(), cacheKey(types.StatPeriod, w), w, time.Unix(200, 0), models.Watermark{}, false)
	assert.Error(t, err)
}

func TestStageCommit(t *testing.T) {
	ctx := context.Background()
	store := newMockStatStore()
	inv := &mockInvalidator{}
	cm := NewCacheManager(store, inv, metrics.NewManager())

	w1 := period.Window{Kind: types.PeriodMonthly, Start: time.Unix(0, 0), End: time.Unix(100, 0)}
	w2 := period.Window{Kind: types.PeriodMonthly, Start: time.Unix(100, 0), End: time.Unix(200, 0)}
	k1 := cacheKey(types.StatPeriod, w1)
	k2 := cacheKey(types.StatPeriod, w2)

	old := models.NewCachedStat(k2, periodPayload(t), time.Unix(50, 0), models.Watermark{})
	store.rows[old.CacheKey] = old

	stage := cm.Begin()
	stage.Put(models.NewCachedStat(k1, periodPayload(t), time.Unix(300, 0), models.Watermark{}))
	stage.MarkStale(k1) // ignored: the run wrote k1
	stage.MarkStale(k2)

	result, err := stage.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, CommitResult{Written: 1, Stale: 1}, result)
	assert.Equal(t, 1, store.commits)

	assert.False(t, store.row(k1.String()).Stale)
	assert.True(t, store.row(k2.String()).Stale)
	assert.ElementsMatch(t, []string{k1.String(), k2.String()}, inv.keys)
}

func TestStageCommitFailureLeavesStoreUntouched(t *testing.T) {
	store := newMockStatStore()
	store.failNext = errors.New("serialization failure")
	inv := &mockInvalidator{}
	cm := NewCacheManager(store, inv, metrics.NewManager())

	w := period.Window{Kind: types.PeriodMonthly, Start: time.Unix(0, 0), End: time.Unix(100, 0)}
	stage := cm.Begin()
	stage.Put(models.NewCachedStat(cacheKey(types.StatPeriod, w), periodPayload(t), time.Unix(300, 0), models.Watermark{}))

	_, err := stage.Commit(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.rows)
	assert.Empty(t, inv.keys)
}
