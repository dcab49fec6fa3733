package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/scrobble-stats/internal/models"
)

// ScrobbleRepository handles the append-only scrobble log in ClickHouse
type ScrobbleRepository struct {
	db *ClickHouseDB
}

// NewScrobbleRepository creates a new scrobble repository
func NewScrobbleRepository(db *ClickHouseDB) *ScrobbleRepository {
	return &ScrobbleRepository{db: db}
}

const scrobbleColumns = `user, artist, track, album, timestamp, artist_id, album_id, track_id, import_source, ingested_at`

// BatchInsert appends events in a single batch
func (r *ScrobbleRepository) BatchInsert(ctx context.Context, events []*models.ListeningEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `INSERT INTO scrobbles (`+scrobbleColumns+`)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.User,
			e.Artist,
			e.Track,
			e.Album,
			e.Timestamp.UTC(),
			e.ArtistID,
			e.AlbumID,
			e.TrackID,
			e.ImportSource,
			e.IngestedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append scrobble %s@%s to batch: %w", e.User, e.Timestamp.Format(time.RFC3339), err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}

// EventsInWindow returns a user's scrobbles in [start, end) ordered by timestamp
func (r *ScrobbleRepository) EventsInWindow(ctx context.Context, user string, start, end time.Time) ([]*models.ListeningEvent, error) {
	query := `
		SELECT ` + scrobbleColumns + `
		FROM scrobbles FINAL
		WHERE user = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`

	var rows []models.ListeningEvent
	if err := r.db.Conn().Select(ctx, &rows, query, user, start.UTC(), end.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query scrobbles for %s: %w", user, err)
	}

	events := make([]*models.ListeningEvent, len(rows))
	for i := range rows {
		events[i] = &rows[i]
	}
	return events, nil
}

// Watermark returns the latest timestamp and event count of users' scrobbles in [start, end)
func (r *ScrobbleRepository) Watermark(ctx context.Context, users []string, start, end time.Time) (models.Watermark, error) {
	query := `
		SELECT count(), max(timestamp)
		FROM scrobbles FINAL
		WHERE user IN (?) AND timestamp >= ? AND timestamp < ?
	`

	var (
		count  uint64
		latest time.Time
	)
	if err := r.db.Conn().QueryRow(ctx, query, users, start.UTC(), end.UTC()).Scan(&count, &latest); err != nil {
		return models.Watermark{}, fmt.Errorf("failed to query window watermark: %w", err)
	}

	wm := models.Watermark{Count: int64(count)} // #nosec G115 - row counts fit in int64
	if count > 0 {
		latest = latest.UTC()
		wm.Latest = &latest
	}
	return wm, nil
}

// LifetimeArtistCounts returns a user's per-artist scrobble counts before the given instant
func (r *ScrobbleRepository) LifetimeArtistCounts(ctx context.Context, user string, before time.Time) (map[string]int, error) {
	query := `
		SELECT artist, count() AS plays
		FROM scrobbles FINAL
		WHERE user = ? AND timestamp < ?
		GROUP BY artist
	`

	rows, err := r.db.Conn().Query(ctx, query, user, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query lifetime counts for %s: %w", user, err)
	}
	defer func() {
		_ = rows.Close() // nolint:errcheck // cleanup in defer
	}()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			artist string
			plays  uint64
		)
		if err := rows.Scan(&artist, &plays); err != nil {
			return nil, fmt.Errorf("failed to scan lifetime count: %w", err)
		}
		counts[artist] = int(plays) // #nosec G115 - per-artist counts fit in int
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lifetime counts: %w", err)
	}

	return counts, nil
}

// Users returns every user present in the log
func (r *ScrobbleRepository) Users(ctx context.Context) ([]string, error) {
	rows, err := r.db.Conn().Query(ctx, `SELECT DISTINCT user FROM scrobbles ORDER BY user`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() {
		_ = rows.Close() // nolint:errcheck // cleanup in defer
	}()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
