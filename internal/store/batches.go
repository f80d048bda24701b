package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"media-reconciler/internal/models"
)

const batchColumns = `id, status, target_count, completed_count, failed_count, created_at, completed_at`

func scanBatch(row pgx.Row) (models.DiscoveryBatch, error) {
	var (
		b      models.DiscoveryBatch
		status string
	)
	if err := row.Scan(&b.ID, &status, &b.TargetCount, &b.CompletedCount, &b.FailedCount, &b.CreatedAt, &b.CompletedAt); err != nil {
		return models.DiscoveryBatch{}, err
	}
	b.Status = models.BatchStatus(status)
	return b, nil
}

// CreateBatch inserts a discovery batch.
func (s *Store) CreateBatch(ctx context.Context, b models.DiscoveryBatch) (models.DiscoveryBatch, error) {
	if b.Status == "" {
		b.Status = models.BatchDownloading
	}
	created, err := scanBatch(s.pool.QueryRow(ctx, `
		INSERT INTO discovery_batches (id, status, target_count, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+batchColumns,
		b.ID, string(b.Status), b.TargetCount, b.CreatedAt))
	if err != nil {
		return models.DiscoveryBatch{}, fmt.Errorf("insert batch: %w", err)
	}
	return created, nil
}

// GetBatch reads the authoritative batch row.
func (s *Store) GetBatch(ctx context.Context, id string) (models.DiscoveryBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM discovery_batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DiscoveryBatch{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DiscoveryBatch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// BatchJobCounts counts member jobs per status.
func (s *Store) BatchJobCounts(ctx context.Context, batchID string) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM download_jobs WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count batch jobs: %w", err)
	}
	return collectStatusCounts[models.JobStatus](rows)
}

// CompleteBatch marks a batch completed unless it already is. Only the caller that
// observes applied=true owns the completion side effects.
func (s *Store) CompleteBatch(ctx context.Context, id string, completed, failed int, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE discovery_batches
		SET status = 'completed', completed_count = $2, failed_count = $3, completed_at = $4
		WHERE id = $1 AND status <> 'completed'
	`, id, completed, failed, at)
	if err != nil {
		return false, fmt.Errorf("complete batch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// StaleBatches lists incomplete batches created before cutoff.
func (s *Store) StaleBatches(ctx context.Context, cutoff time.Time) ([]models.DiscoveryBatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+`
		FROM discovery_batches
		WHERE status <> 'completed' AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale batches: %w", err)
	}
	defer rows.Close()
	var out []models.DiscoveryBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
