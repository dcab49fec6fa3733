package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/types"
)

// StatRepository persists computed statistics payloads
type StatRepository struct {
	db *PostgresDB
}

// NewStatRepository creates a new stat repository
func NewStatRepository(db *PostgresDB) *StatRepository {
	return &StatRepository{db: db}
}

const statColumns = `cache_key, stat_type, period_kind, window_start, window_end, scope,
	payload, computed_at, source_watermark, source_count, stale`

// Get retrieves a cached stat by key, or nil when absent
func (r *StatRepository) Get(ctx context.Context, key models.CacheKey) (*models.CachedStat, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+statColumns+` FROM cached_stats WHERE cache_key = $1`, key.String())
	stat, err := scanStat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached stat %s: %w", key, err)
	}
	return stat, nil
}

// Latest retrieves the most recent window of a stat type and period kind, or nil when none exists
func (r *StatRepository) Latest(ctx context.Context, statType types.StatType, kind types.PeriodKind, scope string) (*models.CachedStat, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+statColumns+`
		FROM cached_stats
		WHERE stat_type = $1 AND period_kind = $2 AND scope = $3
		ORDER BY window_end DESC, computed_at DESC
		LIMIT 1
	`, string(statType), string(kind), scope)

	stat, err := scanStat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest %s/%s stat: %w", statType, kind, err)
	}
	return stat, nil
}

// CommitRun writes every row staged by a run and flags stale keys in one transaction.
// A row keeps its own Stale value, so payloads built from fallback data can be written stale.
// Conflicting keys are overwritten: the last run to commit wins.
func (r *StatRepository) CommitRun(ctx context.Context, rows []*models.CachedStat, staleKeys []string) error {
	if len(rows) == 0 && len(staleKeys) == 0 {
		return nil
	}

	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		for _, s := range rows {
			_, err := tx.Exec(ctx, `
				INSERT INTO cached_stats (`+statColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (cache_key) DO UPDATE SET
					payload = EXCLUDED.payload,
					computed_at = EXCLUDED.computed_at,
					source_watermark = EXCLUDED.source_watermark,
					source_count = EXCLUDED.source_count,
					stale = EXCLUDED.stale
			`,
				s.CacheKey,
				string(s.StatType),
				string(s.PeriodKind),
				s.WindowStart.UTC(),
				s.WindowEnd.UTC(),
				s.Scope,
				s.Payload,
				s.ComputedAt.UTC(),
				s.SourceWatermark,
				s.SourceCount,
				s.Stale,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert cached stat %s: %w", s.CacheKey, err)
			}
		}

		if len(staleKeys) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE cached_stats SET stale = TRUE WHERE cache_key = ANY($1)`, staleKeys); err != nil {
				return fmt.Errorf("failed to flag stale stats: %w", err)
			}
		}
		return nil
	})
}

func scanStat(row pgx.Row) (*models.CachedStat, error) {
	var (
		s        models.CachedStat
		statType string
		kind     string
	)
	err := row.Scan(
		&s.CacheKey,
		&statType,
		&kind,
		&s.WindowStart,
		&s.WindowEnd,
		&s.Scope,
		&s.Payload,
		&s.ComputedAt,
		&s.SourceWatermark,
		&s.SourceCount,
		&s.Stale,
	)
	if err != nil {
		return nil, err
	}
	s.StatType = types.StatType(statType)
	s.PeriodKind = types.PeriodKind(kind)
	return &s, nil
}
