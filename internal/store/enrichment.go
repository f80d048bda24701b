package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"media-reconciler/internal/models"
)

const taskColumns = `entity_id, stage, status, retry_count, error, started_at, updated_at`

func scanTask(row pgx.Row) (models.EnrichmentTask, error) {
	var (
		t       models.EnrichmentTask
		stage   string
		status  string
		errText pgtype.Text
	)
	if err := row.Scan(&t.EntityID, &stage, &status, &t.RetryCount, &errText, &t.StartedAt, &t.UpdatedAt); err != nil {
		return models.EnrichmentTask{}, err
	}
	t.Stage = models.Stage(stage)
	t.Status = models.TaskStatus(status)
	t.Error = textValue(errText)
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.EnrichmentTask, error) {
	defer rows.Close()
	var out []models.EnrichmentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetEnrichmentState reads the shared control record. A missing row reads as idle.
func (s *Store) GetEnrichmentState(ctx context.Context) (models.EnrichmentState, error) {
	var (
		st     models.EnrichmentState
		status string
		by     pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `SELECT status, updated_by, updated_at FROM enrichment_state WHERE id = 1`).Scan(&status, &by, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EnrichmentState{Status: models.EnrichmentIdle}, nil
	}
	if err != nil {
		return models.EnrichmentState{}, fmt.Errorf("get enrichment state: %w", err)
	}
	st.Status = models.EnrichmentStatus(status)
	st.UpdatedBy = textValue(by)
	return st, nil
}

// SaveEnrichmentState overwrites the shared control record.
func (s *Store) SaveEnrichmentState(ctx context.Context, status models.EnrichmentStatus, updatedBy string) (models.EnrichmentState, error) {
	st := models.EnrichmentState{Status: status, UpdatedBy: updatedBy}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO enrichment_state (id, status, updated_by, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, string(status), emptyToNil(updatedBy)).Scan(&st.UpdatedAt)
	if err != nil {
		return models.EnrichmentState{}, fmt.Errorf("save enrichment state: %w", err)
	}
	return st, nil
}

// EnsureTasks creates pending tasks for entities that do not have one for the stage yet.
func (s *Store) EnsureTasks(ctx context.Context, stage models.Stage, entityIDs []string) (int64, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_tasks (entity_id, stage)
		SELECT id, $1 FROM unnest($2::text[]) AS id
		ON CONFLICT (entity_id, stage) DO NOTHING
	`, string(stage), entityIDs)
	if err != nil {
		return 0, fmt.Errorf("ensure tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, entityID string, stage models.Stage) (models.EnrichmentTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM enrichment_tasks WHERE entity_id = $1 AND stage = $2`, entityID, string(stage)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EnrichmentTask{}, fmt.Errorf("task %s/%s: %w", stage, entityID, ErrNotFound)
	}
	if err != nil {
		return models.EnrichmentTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// PendingTasks lists up to limit pending tasks for a stage.
func (s *Store) PendingTasks(ctx context.Context, stage models.Stage, limit int) ([]models.EnrichmentTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM enrichment_tasks
		WHERE stage = $1 AND status = 'pending'
		ORDER BY updated_at, entity_id
		LIMIT $2
	`, string(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	return collectTasks(rows)
}

// ClaimTask moves a pending task to processing. False means another worker claimed it
// or the task was reset.
func (s *Store) ClaimTask(ctx context.Context, entityID string, stage models.Stage, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_tasks
		SET status = 'processing', started_at = $3, updated_at = $3
		WHERE entity_id = $1 AND stage = $2 AND status = 'pending'
	`, entityID, string(stage), at)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishTask records the outcome of a processing task.
func (s *Store) FinishTask(ctx context.Context, entityID string, stage models.Stage, status models.TaskStatus, errText string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_tasks
		SET status = $3, error = $4, updated_at = NOW()
		WHERE entity_id = $1 AND stage = $2 AND status = 'processing'
	`, entityID, string(stage), string(status), emptyToNil(errText))
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetInFlightTasks returns every processing task to pending, unconditionally. It runs
// once at startup before any dispatch.
func (s *Store) ResetInFlightTasks(ctx context.Context) (map[models.Stage]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE enrichment_tasks
		SET status = 'pending', started_at = NULL, updated_at = NOW()
		WHERE status = 'processing'
		RETURNING stage
	`)
	if err != nil {
		return nil, fmt.Errorf("reset in-flight tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Stage]int64)
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, err
		}
		out[models.Stage(stage)]++
	}
	return out, rows.Err()
}

// StaleTasks lists processing tasks of a stage started before cutoff.
func (s *Store) StaleTasks(ctx context.Context, stage models.Stage, cutoff time.Time) ([]models.EnrichmentTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM enrichment_tasks
		WHERE stage = $1 AND status = 'processing' AND started_at < $2
		ORDER BY started_at, entity_id
	`, string(stage), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	return collectTasks(rows)
}

// ResetTask returns a processing task to pending with the given retry count.
func (s *Store) ResetTask(ctx context.Context, entityID string, stage models.Stage, retryCount int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_tasks
		SET status = 'pending', retry_count = $3, error = NULL, started_at = NULL, updated_at = NOW()
		WHERE entity_id = $1 AND stage = $2 AND status = 'processing'
	`, entityID, string(stage), retryCount)
	if err != nil {
		return false, fmt.Errorf("reset task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetStage puts every settled task of a stage back to pending with a fresh retry budget.
// Tasks currently processing are left to finish.
func (s *Store) ResetStage(ctx context.Context, stage models.Stage) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_tasks
		SET status = 'pending', retry_count = 0, error = NULL, started_at = NULL, updated_at = NOW()
		WHERE stage = $1 AND status <> 'processing'
	`, string(stage))
	if err != nil {
		return 0, fmt.Errorf("reset stage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TaskCounts returns per-stage, per-status task counts.
func (s *Store) TaskCounts(ctx context.Context) (map[models.Stage]map[models.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, status, COUNT(*) FROM enrichment_tasks GROUP BY stage, status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Stage]map[models.TaskStatus]int)
	for rows.Next() {
		var (
			stage, status string
			n             int
		)
		if err := rows.Scan(&stage, &status, &n); err != nil {
			return nil, err
		}
		st := models.Stage(stage)
		if out[st] == nil {
			out[st] = make(map[models.TaskStatus]int)
		}
		out[st][models.TaskStatus(status)] = n
	}
	return out, rows.Err()
}
