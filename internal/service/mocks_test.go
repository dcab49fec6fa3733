package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scrobble-stats/internal/adapter"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/storage"
	"github.com/scrobble-stats/internal/types"
)

// Mock repositories for testing

type mockStatStore struct {
	mu       sync.Mutex
	rows     map[string]*models.CachedStat
	commits  int
	getErr   error
	failNext error
}

func newMockStatStore() *mockStatStore {
	return &mockStatStore{rows: make(map[string]*models.CachedStat)}
}

func (m *mockStatStore) Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	row, ok := m.rows[key.String()]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *mockStatStore) CommitRun(ctx context.Context, rows []*models.CachedStat, staleKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.commits++
	for _, r := range rows {
		cp := *r
		m.rows[r.CacheKey] = &cp
	}
	for _, k := range staleKeys {
		if row, ok := m.rows[k]; ok {
			row.Stale = true
		}
	}
	return nil
}

func (m *mockStatStore) row(key string) *models.CachedStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key]
}

type mockInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (m *mockInvalidator) Invalidate(ctx context.Context, cacheKeys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, cacheKeys...)
	return nil
}

// mockEventStore serves scrobbles from memory and records writes
type mockEventStore struct {
	mu     sync.Mutex
	events []*models.ListeningEvent
	// failWatermark, when set, decides whether a window's watermark read fails
	failWatermark func(start, end time.Time) error
}

func (m *mockEventStore) add(events ...*models.ListeningEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

func (m *mockEventStore) BatchInsert(ctx context.Context, events []*models.ListeningEvent) error {
	m.add(events...)
	return nil
}

func (m *mockEventStore) EventsInWindow(ctx context.Context, user string, start, end time.Time) ([]*models.ListeningEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ListeningEvent
	for _, e := range m.events {
		if e.User == user && !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *mockEventStore) Watermark(ctx context.Context, users []string, start, end time.Time) (models.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWatermark != nil {
		if err := m.failWatermark(start, end); err != nil {
			return models.Watermark{}, err
		}
	}
	include := make(map[string]bool, len(users))
	for _, u := range users {
		include[u] = true
	}
	var wm models.Watermark
	for _, e := range m.events {
		if !include[e.User] || e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		wm.Count++
		if wm.Latest == nil || e.Timestamp.After(*wm.Latest) {
			ts := e.Timestamp
			wm.Latest = &ts
		}
	}
	return wm, nil
}

func (m *mockEventStore) LifetimeArtistCounts(ctx context.Context, user string, before time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, e := range m.events {
		if e.User == user && e.Timestamp.Before(before) {
			out[e.Artist]++
		}
	}
	return out, nil
}

func (m *mockEventStore) Users(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var users []string
	for _, e := range m.events {
		if !seen[e.User] {
			seen[e.User] = true
			users = append(users, e.User)
		}
	}
	return users, nil
}

// FirstListensBetween derives marks from the stored events
func (m *mockEventStore) FirstListensBetween(ctx context.Context, user string, kind types.EntityKind, start, end time.Time) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := make(map[string]time.Time)
	for _, e := range m.events {
		if e.User != user {
			continue
		}
		if ts, ok := first[e.Artist]; !ok || e.Timestamp.Before(ts) {
			first[e.Artist] = e.Timestamp
		}
	}
	out := make(map[string]time.Time)
	for artist, ts := range first {
		if !ts.Before(start) && ts.Before(end) {
			out[artist] = ts
		}
	}
	return out, nil
}

// mockMarkStore applies the same monotonic upsert as first_listen_marks
type mockMarkStore struct {
	mu      sync.Mutex
	marks   map[models.MarkKey]models.FirstListenMark
	batches int
}

func newMockMarkStore() *mockMarkStore {
	return &mockMarkStore{marks: make(map[models.MarkKey]models.FirstListenMark)}
}

func (m *mockMarkStore) UpsertMarks(ctx context.Context, marks []models.FirstListenMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	for _, mark := range marks {
		if existing, ok := m.marks[mark.Key()]; ok {
			mark = existing.Merge(mark.FirstTimestamp)
		}
		m.marks[mark.Key()] = mark
	}
	return nil
}

type mockImportErrors struct {
	mu      sync.Mutex
	records []*models.ImportErrorRecord
}

func (m *mockImportErrors) InsertBatch(ctx context.Context, records []*models.ImportErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// mockTagStore implements both genre.Store and TagWriter over maps
type mockTagStore struct {
	mu       sync.Mutex
	artist   map[string][]models.TagAssociation
	album    map[models.AlbumRef][]models.TagAssociation
	labels   map[models.AlbumRef][]models.LabelAssociation
	releases map[models.AlbumRef][]models.AlbumRelease
}

func newMockTagStore() *mockTagStore {
	return &mockTagStore{
		artist:   make(map[string][]models.TagAssociation),
		album:    make(map[models.AlbumRef][]models.TagAssociation),
		labels:   make(map[models.AlbumRef][]models.LabelAssociation),
		releases: make(map[models.AlbumRef][]models.AlbumRelease),
	}
}

func (m *mockTagStore) ReplaceArtistTags(ctx context.Context, artist, source string, tags []models.TagAssociation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.artist[artist][:0:0]
	for _, t := range m.artist[artist] {
		if t.Source != source {
			kept = append(kept, t)
		}
	}
	m.artist[artist] = append(kept, tags...)
	return nil
}

func (m *mockTagStore) ReplaceAlbumTags(ctx context.Context, album models.AlbumRef, source string, tags []models.TagAssociation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.album[album][:0:0]
	for _, t := range m.album[album] {
		if t.Source != source {
			kept = append(kept, t)
		}
	}
	m.album[album] = append(kept, tags...)
	return nil
}

func (m *mockTagStore) ReplaceAlbumLabels(ctx context.Context, album models.AlbumRef, source string, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.labels[album][:0:0]
	for _, l := range m.labels[album] {
		if l.Source != source {
			kept = append(kept, l)
		}
	}
	for _, l := range labels {
		kept = append(kept, models.LabelAssociation{Artist: album.Artist, Album: album.Album, Source: source, Label: l})
	}
	m.labels[album] = kept
	return nil
}

func (m *mockTagStore) UpsertAlbumRelease(ctx context.Context, album models.AlbumRef, source string, year int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases[album] = append(m.releases[album], models.AlbumRelease{Artist: album.Artist, Album: album.Album, Source: source, ReleaseYear: year})
	return nil
}

func (m *mockTagStore) GetArtistTags(ctx context.Context, artists []string) (map[string][]models.TagAssociation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]models.TagAssociation)
	for _, a := range artists {
		if tags, ok := m.artist[a]; ok {
			out[a] = append([]models.TagAssociation(nil), tags...)
		}
	}
	return out, nil
}

func (m *mockTagStore) GetAlbumTags(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.TagAssociation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.AlbumRef][]models.TagAssociation)
	for _, a := range albums {
		if tags, ok := m.album[a]; ok {
			out[a] = append([]models.TagAssociation(nil), tags...)
		}
	}
	return out, nil
}

func (m *mockTagStore) GetAlbumLabels(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.LabelAssociation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.AlbumRef][]models.LabelAssociation)
	for _, a := range albums {
		if labels, ok := m.labels[a]; ok {
			out[a] = append([]models.LabelAssociation(nil), labels...)
		}
	}
	return out, nil
}

func (m *mockTagStore) GetAlbumReleases(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.AlbumRelease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.AlbumRef][]models.AlbumRelease)
	for _, a := range albums {
		if rows, ok := m.releases[a]; ok {
			out[a] = append([]models.AlbumRelease(nil), rows...)
		}
	}
	return out, nil
}

// mockProvider answers from fixed maps and counts calls
type mockProvider struct {
	mu     sync.Mutex
	source string
	artist map[string][]adapter.Tag
	albums map[models.AlbumRef]*adapter.AlbumInfo
	err    error
	calls  int
}

func (m *mockProvider) Source() string { return m.source }

func (m *mockProvider) ArtistTags(ctx context.Context, artist string) ([]adapter.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	tags, ok := m.artist[artist]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return tags, nil
}

func (m *mockProvider) AlbumInfo(ctx context.Context, artist, album string) (*adapter.AlbumInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.albums[models.AlbumRef{Artist: artist, Album: album}]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return info, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// setupTestCache starts a miniredis-backed cache service
func setupTestCache(t *testing.T) (*storage.CacheService, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := storage.NewRedisCacheFromClient(client)
	t.Cleanup(func() { _ = rc.Close() })

	return storage.NewCacheService(rc, time.Minute), mr
}

// scrobbles builds n plays of one track at one-minute spacing
func scrobbles(user, artist, track string, start time.Time, n int) []*models.ListeningEvent {
	out := make([]*models.ListeningEvent, n)
	for i := 0; i < n; i++ {
		out[i] = &models.ListeningEvent{
			User:      user,
			Artist:    artist,
			Track:     track,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}
