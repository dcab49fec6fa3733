package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scrobble-stats/internal/models"
)

// ImportErrorRepository persists quarantined ingestion records
type ImportErrorRepository struct {
	db *PostgresDB
}

// NewImportErrorRepository creates a new import error repository
func NewImportErrorRepository(db *PostgresDB) *ImportErrorRepository {
	return &ImportErrorRepository{db: db}
}

// InsertBatch appends quarantined records
func (r *ImportErrorRepository) InsertBatch(ctx context.Context, records []*models.ImportErrorRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO import_errors (source_location, reason, raw_payload, created_at)
			VALUES ($1, $2, $3, $4)
		`, rec.SourceLocation, rec.Reason, rec.RawPayload, rec.CreatedAt.UTC())
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer func() {
		_ = results.Close() // nolint:errcheck // cleanup in defer
	}()

	for _, rec := range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to quarantine record from %s: %w", rec.SourceLocation, err)
		}
	}
	return nil
}

// List returns the newest quarantined records first
func (r *ImportErrorRepository) List(ctx context.Context, limit, offset int) ([]*models.ImportErrorRecord, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, source_location, reason, raw_payload, created_at
		FROM import_errors
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list import errors: %w", err)
	}
	defer rows.Close()

	records := make([]*models.ImportErrorRecord, 0)
	for rows.Next() {
		var rec models.ImportErrorRecord
		if err := rows.Scan(&rec.ID, &rec.SourceLocation, &rec.Reason, &rec.RawPayload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan import error: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating import errors: %w", err)
	}
	return records, nil
}

// Count returns the number of quarantined records
func (r *ImportErrorRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM import_errors`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count import errors: %w", err)
	}
	return count, nil
}
