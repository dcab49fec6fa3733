// Package genre resolves multi-source tag, label and release-year data for scrobbled entities.
//
// Tags are always keyed by (source, tag). Two providers that both report "rock"
// for an artist produce two distinct keys, and rollups never merge them.
package genre

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/scrobble-stats/internal/aggregate"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
	"github.com/scrobble-stats/internal/types"
)

// Store reads persisted associations
type Store interface {
	GetArtistTags(ctx context.Context, artists []string) (map[string][]models.TagAssociation, error)
	GetAlbumTags(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.TagAssociation, error)
	GetAlbumLabels(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.LabelAssociation, error)
	GetAlbumReleases(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.AlbumRelease, error)
}

// Enricher refreshes stored associations from metadata providers.
// A returned error means some entities could not be refreshed; stored rows remain usable.
type Enricher interface {
	EnrichArtists(ctx context.Context, artists []string) error
	EnrichAlbums(ctx context.Context, albums []models.AlbumRef) error
}

// Resolver loads tag data for one run
type Resolver struct {
	store    Store
	enricher Enricher
	degraded atomic.Bool
}

// NewResolver creates a resolver; enricher may be nil to use stored rows only
func NewResolver(store Store, enricher Enricher) *Resolver {
	return &Resolver{store: store, enricher: enricher}
}

// Degraded reports whether any enrichment fell back to stored rows
func (r *Resolver) Degraded() bool {
	return r.degraded.Load()
}

// ArtistTags returns the (source, tag, weight) rows of one artist
func (r *Resolver) ArtistTags(ctx context.Context, artist string) ([]models.TagAssociation, error) {
	r.enrichArtists(ctx, []string{artist})
	tags, err := r.store.GetArtistTags(ctx, []string{artist})
	if err != nil {
		return nil, fmt.Errorf("failed to load tags for %s: %w", artist, err)
	}
	return tags[artist], nil
}

// AlbumLabels returns the label rows of one album
func (r *Resolver) AlbumLabels(ctx context.Context, album models.AlbumRef) ([]models.LabelAssociation, error) {
	r.enrichAlbums(ctx, []models.AlbumRef{album})
	labels, err := r.store.GetAlbumLabels(ctx, []models.AlbumRef{album})
	if err != nil {
		return nil, fmt.Errorf("failed to load labels for %s - %s: %w", album.Artist, album.Album, err)
	}
	return labels[album], nil
}

// AlbumReleaseYear returns the earliest release year any source reports, or 0
func (r *Resolver) AlbumReleaseYear(ctx context.Context, album models.AlbumRef) (int, error) {
	r.enrichAlbums(ctx, []models.AlbumRef{album})
	releases, err := r.store.GetAlbumReleases(ctx, []models.AlbumRef{album})
	if err != nil {
		return 0, fmt.Errorf("failed to load release year for %s - %s: %w", album.Artist, album.Album, err)
	}
	return earliestYear(releases[album]), nil
}

// Load enriches and reads every artist and album referenced by events
func (r *Resolver) Load(ctx context.Context, events []*models.ListeningEvent) (*TagSet, error) {
	artistSet := make(map[string]struct{})
	albumSet := make(map[models.AlbumRef]struct{})
	for _, e := range events {
		artistSet[e.Artist] = struct{}{}
		if album := e.AlbumName(); album != "" {
			albumSet[models.AlbumRef{Artist: e.Artist, Album: album}] = struct{}{}
		}
	}

	artists := make([]string, 0, len(artistSet))
	for a := range artistSet {
		artists = append(artists, a)
	}
	sort.Strings(artists)
	albums := make([]models.AlbumRef, 0, len(albumSet))
	for a := range albumSet {
		albums = append(albums, a)
	}
	sort.Slice(albums, func(i, j int) bool {
		if albums[i].Artist != albums[j].Artist {
			return albums[i].Artist < albums[j].Artist
		}
		return albums[i].Album < albums[j].Album
	})

	r.enrichArtists(ctx, artists)
	r.enrichAlbums(ctx, albums)

	set := &TagSet{}
	var err error
	if set.Artist, err = r.store.GetArtistTags(ctx, artists); err != nil {
		return nil, fmt.Errorf("failed to load artist tags: %w", err)
	}
	if set.Album, err = r.store.GetAlbumTags(ctx, albums); err != nil {
		return nil, fmt.Errorf("failed to load album tags: %w", err)
	}
	if set.Labels, err = r.store.GetAlbumLabels(ctx, albums); err != nil {
		return nil, fmt.Errorf("failed to load album labels: %w", err)
	}
	releases, err := r.store.GetAlbumReleases(ctx, albums)
	if err != nil {
		return nil, fmt.Errorf("failed to load album releases: %w", err)
	}
	set.Years = make(map[models.AlbumRef]int, len(releases))
	for ref, rows := range releases {
		if y := earliestYear(rows); y > 0 {
			set.Years[ref] = y
		}
	}
	set.Degraded = r.Degraded()
	return set, nil
}

func (r *Resolver) enrichArtists(ctx context.Context, artists []string) {
	if r.enricher == nil || len(artists) == 0 {
		return
	}
	if err := r.enricher.EnrichArtists(ctx, artists); err != nil {
		r.degraded.Store(true)
		logging.FromContext(ctx).WithError(err).WithField("artists", len(artists)).
			Warn("Artist enrichment incomplete, using stored tags")
	}
}

func (r *Resolver) enrichAlbums(ctx context.Context, albums []models.AlbumRef) {
	if r.enricher == nil || len(albums) == 0 {
		return
	}
	if err := r.enricher.EnrichAlbums(ctx, albums); err != nil {
		r.degraded.Store(true)
		logging.FromContext(ctx).WithError(err).WithField("albums", len(albums)).
			Warn("Album enrichment incomplete, using stored labels and tags")
	}
}

func earliestYear(rows []models.AlbumRelease) int {
	year := 0
	for _, row := range rows {
		if row.ReleaseYear > 0 && (year == 0 || row.ReleaseYear < year) {
			year = row.ReleaseYear
		}
	}
	return year
}

// TagSet is the resolved enrichment data of a run
type TagSet struct {
	Artist   map[string][]models.TagAssociation
	Album    map[models.AlbumRef][]models.TagAssociation
	Labels   map[models.AlbumRef][]models.LabelAssociation
	Years    map[models.AlbumRef]int
	Degraded bool
}

// Sources lists every source with at least one artist tag, sorted
func (s *TagSet) Sources() []string {
	seen := make(map[string]struct{})
	for _, rows := range s.Artist {
		for _, row := range rows {
			seen[row.Source] = struct{}{}
		}
	}
	sources := make([]string, 0, len(seen))
	for src := range seen {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return sources
}

func (s *TagSet) tagsFor(e *models.ListeningEvent, scope types.TagScope) []models.TagAssociation {
	if scope == types.ScopeAlbum {
		album := e.AlbumName()
		if album == "" {
			return nil
		}
		return s.Album[models.AlbumRef{Artist: e.Artist, Album: album}]
	}
	return s.Artist[e.Artist]
}

// GenreKeyer keys events by the artist tags one source reports
func (s *TagSet) GenreKeyer(source string) aggregate.Keyer {
	return func(e *models.ListeningEvent) []string {
		var keys []string
		for _, t := range s.Artist[e.Artist] {
			if t.Source == source {
				keys = append(keys, t.Tag)
			}
		}
		return keys
	}
}

// LabelKeyer keys events by the distinct labels of their album across sources
func (s *TagSet) LabelKeyer() aggregate.Keyer {
	return func(e *models.ListeningEvent) []string {
		album := e.AlbumName()
		if album == "" {
			return nil
		}
		var keys []string
		seen := make(map[string]struct{})
		for _, l := range s.Labels[models.AlbumRef{Artist: e.Artist, Album: album}] {
			if _, ok := seen[l.Label]; ok {
				continue
			}
			seen[l.Label] = struct{}{}
			keys = append(keys, l.Label)
		}
		return keys
	}
}

// ReleaseYearKeyer keys events by their album's release year
func (s *TagSet) ReleaseYearKeyer() aggregate.Keyer {
	return func(e *models.ListeningEvent) []string {
		if y := s.ReleaseYear(e); y > 0 {
			return []string{strconv.Itoa(y)}
		}
		return nil
	}
}

// DecadeKeyer keys events by decade label on the given axis
func (s *TagSet) DecadeKeyer(axis types.DecadeAxis) aggregate.Keyer {
	return func(e *models.ListeningEvent) []string {
		year := e.Timestamp.Year()
		if axis == types.AxisReleaseYear {
			year = s.ReleaseYear(e)
		}
		return []string{period.DecadeLabel(year)}
	}
}

// ReleaseYear returns the release year of an event's album, or 0
func (s *TagSet) ReleaseYear(e *models.ListeningEvent) int {
	album := e.AlbumName()
	if album == "" || s == nil {
		return 0
	}
	return s.Years[models.AlbumRef{Artist: e.Artist, Album: album}]
}

// RollupBySource weighs the tags of in-window events for the given users.
// weight(source, tag) = sum over matching scrobbles of the tag weight.
// The result is keyed by source and each list is ordered by weight, then tag.
func RollupBySource(events []*models.ListeningEvent, w period.Window, users []string, tags *TagSet, scope types.TagScope, limit int) map[string][]models.TagWeight {
	include := make(map[string]struct{}, len(users))
	for _, u := range users {
		include[u] = struct{}{}
	}

	weights := make(map[models.TagKey]float64)
	for _, e := range events {
		if !w.Contains(e.Timestamp) {
			continue
		}
		if _, ok := include[e.User]; !ok {
			continue
		}
		for _, t := range tags.tagsFor(e, scope) {
			weights[t.Key()] += t.EffectiveWeight()
		}
	}

	bySource := make(map[string][]models.TagWeight)
	for key, weight := range weights {
		bySource[key.Source] = append(bySource[key.Source], models.TagWeight{Source: key.Source, Tag: key.Tag, Weight: weight})
	}
	for source, list := range bySource {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Weight != list[j].Weight {
				return list[i].Weight > list[j].Weight
			}
			return list[i].Tag < list[j].Tag
		})
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		bySource[source] = list
	}
	return bySource
}
