package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// TagRepository handles provider-reported tags, labels and release years.
// Rows are keyed by source; nothing here merges sources together.
type TagRepository struct {
	db *PostgresDB
}

// NewTagRepository creates a new tag repository
func NewTagRepository(db *PostgresDB) *TagRepository {
	return &TagRepository{db: db}
}

// ReplaceArtistTags replaces the tag set one source reports for an artist
func (r *TagRepository) ReplaceArtistTags(ctx context.Context, artist, source string, tags []models.TagAssociation) error {
	return r.replaceTags(ctx, types.ScopeArtist, artist, "", source, tags)
}

// ReplaceAlbumTags replaces the tag set one source reports for an album
func (r *TagRepository) ReplaceAlbumTags(ctx context.Context, album models.AlbumRef, source string, tags []models.TagAssociation) error {
	return r.replaceTags(ctx, types.ScopeAlbum, album.Artist, album.Album, source, tags)
}

func (r *TagRepository) replaceTags(ctx context.Context, scope types.TagScope, artist, album, source string, tags []models.TagAssociation) error {
	now := time.Now().UTC()
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM tag_associations WHERE scope = $1 AND artist = $2 AND album = $3 AND source = $4`,
			string(scope), artist, album, source)
		if err != nil {
			return fmt.Errorf("failed to clear %s tags for %s: %w", source, artist, err)
		}

		for _, t := range tags {
			_, err := tx.Exec(ctx, `
				INSERT INTO tag_associations (scope, artist, album, source, tag, weight, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (scope, artist, album, source, tag) DO UPDATE
				SET weight = EXCLUDED.weight, updated_at = EXCLUDED.updated_at
			`, string(scope), artist, album, source, t.Tag, t.EffectiveWeight(), now)
			if err != nil {
				return fmt.Errorf("failed to insert tag %s:%s: %w", source, t.Tag, err)
			}
		}
		return nil
	})
}

// ReplaceAlbumLabels replaces the labels one source reports for an album
func (r *TagRepository) ReplaceAlbumLabels(ctx context.Context, album models.AlbumRef, source string, labels []string) error {
	now := time.Now().UTC()
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM label_associations WHERE artist = $1 AND album = $2 AND source = $3`,
			album.Artist, album.Album, source)
		if err != nil {
			return fmt.Errorf("failed to clear %s labels: %w", source, err)
		}

		for _, label := range labels {
			_, err := tx.Exec(ctx, `
				INSERT INTO label_associations (artist, album, source, label, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (artist, album, source, label) DO UPDATE SET updated_at = EXCLUDED.updated_at
			`, album.Artist, album.Album, source, label, now)
			if err != nil {
				return fmt.Errorf("failed to insert label %s: %w", label, err)
			}
		}
		return nil
	})
}

// UpsertAlbumRelease records the release year one source reports for an album
func (r *TagRepository) UpsertAlbumRelease(ctx context.Context, album models.AlbumRef, source string, year int) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO album_releases (artist, album, source, release_year, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (artist, album, source) DO UPDATE
		SET release_year = EXCLUDED.release_year, updated_at = EXCLUDED.updated_at
	`, album.Artist, album.Album, source, year, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert release year: %w", err)
	}
	return nil
}

// GetArtistTags returns every source's tags for the given artists
func (r *TagRepository) GetArtistTags(ctx context.Context, artists []string) (map[string][]models.TagAssociation, error) {
	out := make(map[string][]models.TagAssociation)
	if len(artists) == 0 {
		return out, nil
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT scope, artist, album, source, tag, weight, updated_at
		FROM tag_associations
		WHERE scope = 'artist' AND artist = ANY($1)
		ORDER BY artist, source, weight DESC, tag
	`, artists)
	if err != nil {
		return nil, fmt.Errorf("failed to query artist tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		out[t.Artist] = append(out[t.Artist], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artist tags: %w", err)
	}
	return out, nil
}

// GetAlbumTags returns every source's tags for the given albums
func (r *TagRepository) GetAlbumTags(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.TagAssociation, error) {
	out := make(map[models.AlbumRef][]models.TagAssociation)
	if len(albums) == 0 {
		return out, nil
	}

	artists, titles := splitAlbumRefs(albums)
	rows, err := r.db.Pool().Query(ctx, `
		SELECT t.scope, t.artist, t.album, t.source, t.tag, t.weight, t.updated_at
		FROM tag_associations t
		JOIN UNNEST($1::text[], $2::text[]) AS a(artist, album)
		  ON t.artist = a.artist AND t.album = a.album
		WHERE t.scope = 'album'
		ORDER BY t.artist, t.album, t.source, t.weight DESC, t.tag
	`, artists, titles)
	if err != nil {
		return nil, fmt.Errorf("failed to query album tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		ref := models.AlbumRef{Artist: t.Artist, Album: t.Album}
		out[ref] = append(out[ref], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating album tags: %w", err)
	}
	return out, nil
}

// GetAlbumLabels returns every source's labels for the given albums
func (r *TagRepository) GetAlbumLabels(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.LabelAssociation, error) {
	out := make(map[models.AlbumRef][]models.LabelAssociation)
	if len(albums) == 0 {
		return out, nil
	}

	artists, titles := splitAlbumRefs(albums)
	rows, err := r.db.Pool().Query(ctx, `
		SELECT l.artist, l.album, l.source, l.label, l.updated_at
		FROM label_associations l
		JOIN UNNEST($1::text[], $2::text[]) AS a(artist, album)
		  ON l.artist = a.artist AND l.album = a.album
		ORDER BY l.artist, l.album, l.source, l.label
	`, artists, titles)
	if err != nil {
		return nil, fmt.Errorf("failed to query album labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l models.LabelAssociation
		if err := rows.Scan(&l.Artist, &l.Album, &l.Source, &l.Label, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		ref := models.AlbumRef{Artist: l.Artist, Album: l.Album}
		out[ref] = append(out[ref], l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating album labels: %w", err)
	}
	return out, nil
}

// GetAlbumReleases returns every source's release year for the given albums
func (r *TagRepository) GetAlbumReleases(ctx context.Context, albums []models.AlbumRef) (map[models.AlbumRef][]models.AlbumRelease, error) {
	out := make(map[models.AlbumRef][]models.AlbumRelease)
	if len(albums) == 0 {
		return out, nil
	}

	artists, titles := splitAlbumRefs(albums)
	rows, err := r.db.Pool().Query(ctx, `
		SELECT r.artist, r.album, r.source, r.release_year, r.updated_at
		FROM album_releases r
		JOIN UNNEST($1::text[], $2::text[]) AS a(artist, album)
		  ON r.artist = a.artist AND r.album = a.album
		ORDER BY r.artist, r.album, r.source
	`, artists, titles)
	if err != nil {
		return nil, fmt.Errorf("failed to query album releases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rel models.AlbumRelease
		if err := rows.Scan(&rel.Artist, &rel.Album, &rel.Source, &rel.ReleaseYear, &rel.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		ref := models.AlbumRef{Artist: rel.Artist, Album: rel.Album}
		out[ref] = append(out[ref], rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating album releases: %w", err)
	}
	return out, nil
}

func scanTag(rows pgx.Rows) (models.TagAssociation, error) {
	var (
		t     models.TagAssociation
		scope string
	)
	if err := rows.Scan(&scope, &t.Artist, &t.Album, &t.Source, &t.Tag, &t.Weight, &t.UpdatedAt); err != nil {
		return t, fmt.Errorf("failed to scan tag: %w", err)
	}
	t.Scope = types.TagScope(scope)
	return t, nil
}

func splitAlbumRefs(albums []models.AlbumRef) (artists, titles []string) {
	artists = make([]string, len(albums))
	titles = make([]string, len(albums))
	for i, a := range albums {
		artists[i] = a.Artist
		titles[i] = a.Album
	}
	return artists, titles
}
