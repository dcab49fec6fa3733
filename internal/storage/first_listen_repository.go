package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// FirstListenRepository handles first-listen marks in Postgres
type FirstListenRepository struct {
	db *PostgresDB
}

// NewFirstListenRepository creates a new first-listen repository
func NewFirstListenRepository(db *PostgresDB) *FirstListenRepository {
	return &FirstListenRepository{db: db}
}

// upsertMarkQuery only ever moves a mark backwards, so replays and out-of-order
// backfill converge on the true minimum.
const upsertMarkQuery = `
	INSERT INTO first_listen_marks (user_name, entity_kind, entity_key, first_timestamp)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_name, entity_kind, entity_key) DO UPDATE
	SET first_timestamp = LEAST(first_listen_marks.first_timestamp, EXCLUDED.first_timestamp)
`

// UpsertMarks writes marks in one batch round trip
func (r *FirstListenRepository) UpsertMarks(ctx context.Context, marks []models.FirstListenMark) error {
	if len(marks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range marks {
		batch.Queue(upsertMarkQuery, m.User, string(m.EntityKind), m.EntityKey, m.FirstTimestamp.UTC())
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer func() {
		_ = results.Close() // nolint:errcheck // cleanup in defer
	}()

	for i := range marks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert first-listen mark %d: %w", i, err)
		}
	}

	return nil
}

// Get retrieves a single mark, or nil when the user never played the entity
func (r *FirstListenRepository) Get(ctx context.Context, user string, kind types.EntityKind, key string) (*models.FirstListenMark, error) {
	query := `
		SELECT user_name, entity_kind, entity_key, first_timestamp
		FROM first_listen_marks
		WHERE user_name = $1 AND entity_kind = $2 AND entity_key = $3
	`

	var m models.FirstListenMark
	var kindStr string
	err := r.db.Pool().QueryRow(ctx, query, user, string(kind), key).Scan(&m.User, &kindStr, &m.EntityKey, &m.FirstTimestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get first-listen mark: %w", err)
	}
	m.EntityKind = types.EntityKind(kindStr)

	return &m, nil
}

// FirstListensBetween returns entity key -> first timestamp for marks of a user whose
// first listen falls in [start, end)
func (r *FirstListenRepository) FirstListensBetween(ctx context.Context, user string, kind types.EntityKind, start, end time.Time) (map[string]time.Time, error) {
	query := `
		SELECT entity_key, first_timestamp
		FROM first_listen_marks
		WHERE user_name = $1 AND entity_kind = $2
		  AND first_timestamp >= $3 AND first_timestamp < $4
	`

	rows, err := r.db.Pool().Query(ctx, query, user, string(kind), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query first listens: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			key string
			ts  time.Time
		)
		if err := rows.Scan(&key, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan first listen: %w", err)
		}
		out[key] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating first listens: %w", err)
	}

	return out, nil
}
