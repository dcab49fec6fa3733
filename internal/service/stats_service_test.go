package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrobble-stats/internal/adapter"
	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/retry"
	"github.com/scrobble-stats/internal/types"
)

type statsFixture struct {
	events *mockEventStore
	tags   *mockTagStore
	store  *mockStatStore
	svc    *StatsService
}

func newStatsFixture(t *testing.T, enricher *EnrichmentService) *statsFixture {
	t.Helper()
	f := &statsFixture{
		events: &mockEventStore{},
		tags:   newMockTagStore(),
		store:  newMockStatStore(),
	}
	m := metrics.NewManager()
	deps := StatsDeps{
		Events:      f.events,
		FirstListen: f.events,
		Tags:        f.tags,
		Cache:       NewCacheManager(f.store, &mockInvalidator{}, m),
		Metrics:     m,
		Location:    time.UTC,
	}
	if enricher != nil {
		deps.Enricher = enricher
	}
	f.svc = NewStatsService(deps, StatsOptions{
		TopN:          10,
		CoincidenceN:  10,
		MinUsers:      2,
		Workers:       2,
		DecadeAxis:    types.AxisEventTime,
		EvidenceLimit: 10,
	})
	return f
}

func (f *statsFixture) payload(t *testing.T, key string) *models.StatPayload {
	t.Helper()
	row := f.store.row(key)
	require.NotNil(t, row, "no row for %s", key)
	p, err := models.DecodePayload(row.Payload)
	require.NoError(t, err)
	return p
}

var (
	midJune = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	may10   = time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC)
)

func TestRunSharedArtistCoincidence(t *testing.T) {
	f := newStatsFixture(t, nil)
	f.events.add(scrobbles("user1", "A", "Song", may10, 30)...)
	f.events.add(scrobbles("user2", "A", "Song", may10.Add(48*time.Hour), 45)...)
	f.events.add(scrobbles("user1", "B", "Solo", may10.Add(24*time.Hour), 3)...)

	report, err := f.svc.Run(context.Background(), RunRequest{
		Kinds:  []types.PeriodKind{types.PeriodMonthly},
		Offset: 1,
		Now:    midJune,
	})
	require.NoError(t, err)
	require.Len(t, report.Periods, 1)

	result := report.Periods[0]
	assert.Equal(t, types.StatusComputed, result.Status)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), result.Window.Start)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), result.Window.End)
	assert.Equal(t, 2, report.Written, "period and decades payloads")

	p := f.payload(t, result.CacheKey)
	require.Equal(t, types.StatPeriod, p.StatType)
	assert.Equal(t, []string{"user1", "user2"}, p.Period.Users)

	artists := p.Period.Coincidences["artist"]
	require.Len(t, artists, 1, "B was played by one user only")
	assert.Equal(t, models.Coincidence{
		Entity: "A",
		Users:  map[string]int{"user1": 30, "user2": 45},
		Total:  75,
	}, artists[0])

	require.Len(t, p.Period.TopLists["user1"].Artists, 2)
	assert.Equal(t, "A", p.Period.TopLists["user1"].Artists[0].Entity)
	assert.Contains(t, p.Period.Recommendations.Matrix["user1"], "user2")
	assert.Equal(t, p.Period.Recommendations.Matrix["user1"]["user2"], p.Period.Recommendations.Matrix["user2"]["user1"])
}

func TestRunReusesClosedWindowByteForByte(t *testing.T) {
	f := newStatsFixture(t, nil)
	f.events.add(scrobbles("user1", "A", "Song", may10, 10)...)
	f.events.add(scrobbles("user2", "A", "Song", may10, 12)...)

	req := RunRequest{Kinds: []types.PeriodKind{types.PeriodMonthly}, Offset: 1, Now: midJune}
	first, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	key := first.Periods[0].CacheKey
	before := *f.store.row(key)

	// a late arrival inside the closed window does not reopen it
	f.events.add(scrobbles("user2", "A", "Song", may10.Add(time.Hour), 5)...)

	req.Now = midJune.Add(72 * time.Hour)
	second, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReused, second.Periods[0].Status)
	assert.Equal(t, key, second.Periods[0].CacheKey)
	assert.Equal(t, 0, second.Written)

	after := f.store.row(key)
	assert.Equal(t, before.Payload, after.Payload)
	assert.Equal(t, before.ComputedAt, after.ComputedAt)

	forced, err := f.svc.Run(context.Background(), RunRequest{Kinds: req.Kinds, Offset: 1, Now: req.Now, Force: true})
	require.NoError(t, err)
	assert.Equal(t, types.StatusComputed, forced.Periods[0].Status)
	assert.Equal(t, 17, f.payload(t, key).Period.Coincidences["artist"][0].Users["user2"])
}

func TestRunRecomputesOpenWindowOnNewEvents(t *testing.T) {
	f := newStatsFixture(t, nil)
	f.events.add(scrobbles("user1", "A", "Song", midJune.Add(-48*time.Hour), 4)...)
	f.events.add(scrobbles("user2", "A", "Song", midJune.Add(-24*time.Hour), 4)...)

	req := RunRequest{Kinds: []types.PeriodKind{types.PeriodWeekly}, Now: midJune}
	first, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComputed, first.Periods[0].Status)

	again, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReused, again.Periods[0].Status)

	f.events.add(scrobbles("user1", "A", "Song", midJune.Add(-time.Hour), 1)...)
	third, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComputed, third.Periods[0].Status)
	assert.Equal(t, 5, f.payload(t, third.Periods[0].CacheKey).Period.Coincidences["artist"][0].Users["user1"])
}

func TestRunSkipsIneligiblePeriods(t *testing.T) {
	f := newStatsFixture(t, nil)
	f.events.add(scrobbles("user1", "A", "Song", midJune.Add(-time.Hour), 1)...)

	report, err := f.svc.Run(context.Background(), RunRequest{
		Kinds: []types.PeriodKind{types.PeriodMonthly, types.PeriodAnnual, types.PeriodWeekly},
		Now:   midJune,
	})
	require.NoError(t, err)
	require.Len(t, report.Periods, 3)
	assert.Equal(t, types.StatusNoop, report.Periods[0].Status)
	assert.Equal(t, types.StatusNoop, report.Periods[1].Status)
	assert.Equal(t, types.StatusComputed, report.Periods[2].Status)

	first := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	report, err = f.svc.Run(context.Background(), RunRequest{Kinds: []types.PeriodKind{types.PeriodMonthly}, Now: first})
	require.NoError(t, err)
	assert.Equal(t, types.StatusComputed, report.Periods[0].Status)
}

func TestRunMarksFailedPeriodStale(t *testing.T) {
	f := newStatsFixture(t, nil)
	f.events.add(scrobbles("user1", "A", "Song", may10, 3)...)
	f.events.add(scrobbles("user2", "A", "Song", may10, 3)...)
	f.events.add(scrobbles("user1", "A", "Song", midJune.AddDate(0, 0, -10), 3)...)

	req := RunRequest{Kinds: []types.PeriodKind{types.PeriodMonthly, types.PeriodWeekly}, Offset: 1, Now: midJune}
	first, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	monthlyKey := first.Periods[0].CacheKey

	mayStart := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f.events.failWatermark = func(start, end time.Time) error {
		if start.Equal(mayStart) {
			return errors.New("clickhouse: connection reset")
		}
		return nil
	}

	req.Force = true
	second, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err, "a failed period does not fail the run")
	assert.Equal(t, types.StatusStale, second.Periods[0].Status)
	assert.NotEmpty(t, second.Periods[0].Error)
	assert.Equal(t, types.StatusComputed, second.Periods[1].Status)
	assert.Equal(t, 2, second.Stale)

	assert.True(t, f.store.row(monthlyKey).Stale)
	assert.False(t, f.store.row(second.Periods[1].CacheKey).Stale)

	// a stale row is recomputed once the source recovers
	f.events.failWatermark = nil
	req.Force = false
	third, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComputed, third.Periods[0].Status)
	assert.False(t, f.store.row(monthlyKey).Stale)
}

func TestRunKeepsGenreSourcesApart(t *testing.T) {
	f := newStatsFixture(t, nil)
	f.events.add(scrobbles("user1", "A", "Song", may10, 4)...)
	f.events.add(scrobbles("user2", "A", "Song", may10, 6)...)
	ctx := context.Background()
	require.NoError(t, f.tags.ReplaceArtistTags(ctx, "A", "lastfm", []models.TagAssociation{
		{Scope: types.ScopeArtist, Artist: "A", Source: "lastfm", Tag: "rock", Weight: 1},
	}))
	require.NoError(t, f.tags.ReplaceArtistTags(ctx, "A", "discogs", []models.TagAssociation{
		{Scope: types.ScopeArtist, Artist: "A", Source: "discogs", Tag: "rock", Weight: 0.5},
	}))

	report, err := f.svc.Run(ctx, RunRequest{Kinds: []types.PeriodKind{types.PeriodMonthly}, Offset: 1, Now: midJune})
	require.NoError(t, err)

	p := f.payload(t, report.Periods[0].CacheKey).Period
	require.Len(t, p.Coincidences["genre:lastfm"], 1)
	require.Len(t, p.Coincidences["genre:discogs"], 1)

	genres := p.TopLists["user1"].Genres
	require.Len(t, genres["lastfm"], 1)
	require.Len(t, genres["discogs"], 1)
	assert.InDelta(t, 4.0, genres["lastfm"][0].Weight, 1e-9)
	assert.InDelta(t, 2.0, genres["discogs"][0].Weight, 1e-9)
}

func TestRunDegradesWhenEnrichmentFails(t *testing.T) {
	provider := &mockProvider{source: "lastfm", err: apperrors.NewEnrichmentError("lastfm", errors.New("HTTP 503"))}
	enricher := NewEnrichmentService(
		[]adapter.TagProvider{provider},
		newMockTagStore(),
		nil,
		nil,
		nil,
		metrics.NewManager(),
		EnrichmentConfig{Retry: &retry.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}},
	)
	f := newStatsFixture(t, enricher)
	f.events.add(scrobbles("user1", "A", "Song", may10, 2)...)
	f.events.add(scrobbles("user2", "A", "Song", may10, 2)...)

	report, err := f.svc.Run(context.Background(), RunRequest{Kinds: []types.PeriodKind{types.PeriodMonthly}, Offset: 1, Now: midJune})
	require.NoError(t, err)
	assert.Equal(t, types.StatusComputed, report.Periods[0].Status)
	assert.Positive(t, report.Enrichment.Failed)
	assert.True(t, f.payload(t, report.Periods[0].CacheKey).Period.EnrichmentDegraded)
}

func TestRunRefreshesDegradedClosedWindow(t *testing.T) {
	provider := &mockProvider{source: "lastfm", err: apperrors.NewEnrichmentError("lastfm", errors.New("HTTP 503"))}
	enricher := NewEnrichmentService(
		[]adapter.TagProvider{provider},
		newMockTagStore(),
		nil,
		nil,
		nil,
		metrics.NewManager(),
		EnrichmentConfig{
			Retry:      &retry.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
			BreakerMax: 100,
		},
	)
	f := newStatsFixture(t, enricher)
	f.events.add(scrobbles("user1", "A", "Song", may10, 2)...)
	f.events.add(scrobbles("user2", "A", "Song", may10, 2)...)
	req := RunRequest{Kinds: []types.PeriodKind{types.PeriodMonthly}, Offset: 1, Now: midJune}

	first, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, types.StatusComputed, first.Periods[0].Status)
	assert.True(t, first.Periods[0].Degraded)
	key := first.Periods[0].CacheKey
	w := first.Periods[0].Window
	assert.True(t, f.store.row(key).Stale, "degraded payload is committed stale")
	assert.True(t, f.store.row(cacheKey(types.StatDecades, w).String()).Stale)

	provider.mu.Lock()
	provider.err = nil
	provider.artist = map[string][]adapter.Tag{"A": {{Name: "shoegaze", Weight: 1}}}
	provider.mu.Unlock()

	second, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComputed, second.Periods[0].Status, "closed window is recomputed once enrichment recovers")
	assert.False(t, second.Periods[0].Degraded)
	assert.False(t, f.store.row(key).Stale)
	assert.False(t, f.payload(t, key).Period.EnrichmentDegraded)

	third, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReused, third.Periods[0].Status)
}

func TestRunWritesDecadeBreakdown(t *testing.T) {
	f := newStatsFixture(t, nil)
	f.events.add(scrobbles("user1", "A", "Song", may10, 2)...)
	f.events.add(scrobbles("user2", "B", "Other", may10, 3)...)

	report, err := f.svc.Run(context.Background(), RunRequest{Kinds: []types.PeriodKind{types.PeriodMonthly}, Offset: 1, Now: midJune})
	require.NoError(t, err)

	w := report.Periods[0].Window
	p := f.payload(t, cacheKey(types.StatDecades, w).String())
	require.Equal(t, types.StatDecades, p.StatType)
	assert.Equal(t, types.AxisEventTime, p.Decades.Axis)
	require.Len(t, p.Decades.Coincidences, 1)
	assert.Equal(t, "2020s+", p.Decades.Coincidences[0].Entity)
	assert.Equal(t, map[string]int{"user1": 2, "user2": 3}, p.Decades.Coincidences[0].Users)
}
