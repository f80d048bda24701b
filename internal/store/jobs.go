package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"media-reconciler/internal/models"
)

const jobColumns = `id, status, subject, target_mbid, download_ref, batch_id, metadata, completed_at, created_at, updated_at`

var terminalJobStatuses = []string{string(models.JobCompleted), string(models.JobFailed), string(models.JobCancelled)}

func scanJob(row pgx.Row) (models.DownloadJob, error) {
	var (
		job          models.DownloadJob
		status       string
		target       pgtype.Text
		ref          pgtype.Text
		batch        pgtype.Text
		metadataJSON []byte
	)
	if err := row.Scan(&job.ID, &status, &job.Subject, &target, &ref, &batch, &metadataJSON,
		&job.CompletedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.DownloadJob{}, err
	}
	job.Status = models.JobStatus(status)
	job.TargetMBID = textValue(target)
	job.DownloadRef = textValue(ref)
	job.BatchID = textValue(batch)
	job.Metadata = map[string]any{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return models.DownloadJob{}, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.DownloadJob, error) {
	defer rows.Close()
	var out []models.DownloadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// CreateJob inserts a new job. A second active job for the same target is rejected with
// ErrActiveJobExists.
func (s *Store) CreateJob(ctx context.Context, job models.DownloadJob) (models.DownloadJob, error) {
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return models.DownloadJob{}, fmt.Errorf("marshal metadata: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO download_jobs (id, status, subject, target_mbid, download_ref, batch_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+jobColumns,
		job.ID, string(job.Status), job.Subject, emptyToNil(job.TargetMBID), emptyToNil(job.DownloadRef),
		emptyToNil(job.BatchID), metadataJSON, job.CreatedAt)
	created, err := scanJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.DownloadJob{}, fmt.Errorf("target %s: %w", job.TargetMBID, ErrActiveJobExists)
		}
		return models.DownloadJob{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.DownloadJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DownloadJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DownloadJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindJobByDownloadRef returns the most recent job carrying the acquisition reference.
func (s *Store) FindJobByDownloadRef(ctx context.Context, ref string) (models.DownloadJob, bool, error) {
	if ref == "" {
		return models.DownloadJob{}, false, nil
	}
	return s.findOne(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE download_ref = $1 ORDER BY created_at DESC LIMIT 1`, ref)
}

// FindActiveJobByTarget returns the non-terminal job for a target identifier, if any.
func (s *Store) FindActiveJobByTarget(ctx context.Context, mbid string) (models.DownloadJob, bool, error) {
	if mbid == "" {
		return models.DownloadJob{}, false, nil
	}
	return s.findOne(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE target_mbid = $1 AND status IN ('pending', 'processing') LIMIT 1`, mbid)
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (models.DownloadJob, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DownloadJob{}, false, nil
	}
	if err != nil {
		return models.DownloadJob{}, false, fmt.Errorf("find job: %w", err)
	}
	return job, true, nil
}

// JobsByStatus lists jobs in any of the given statuses, oldest first.
func (s *Store) JobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.DownloadJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status = ANY($1)
		ORDER BY created_at, id
	`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// TransitionJob applies a guarded status change. It reports false when the row was no
// longer in one of the expected statuses.
func (s *Store) TransitionJob(ctx context.Context, tr models.JobTransition) (bool, error) {
	metadataJSON, err := marshalMetadata(tr.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	setRef := tr.DownloadRef != nil
	ref := ""
	if setRef {
		ref = *tr.DownloadRef
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_jobs
		SET status = $2,
		    metadata = COALESCE($3::jsonb, metadata),
		    download_ref = CASE WHEN $4 THEN NULLIF($5, '') ELSE download_ref END,
		    completed_at = COALESCE($6, completed_at),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($7)
	`, tr.JobID, string(tr.To), metadataJSON, setRef, ref, tr.CompletedAt, statusStrings(tr.From))
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("transition job %s: %w", tr.JobID, ErrActiveJobExists)
		}
		return false, fmt.Errorf("transition job %s: %w", tr.JobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJobs moves every listed job that is still processing to completed in one
// statement and returns the rows that changed.
func (s *Store) CompleteJobs(ctx context.Context, ids []string, at time.Time, resolvedBy string) ([]models.DownloadJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE download_jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    metadata = (metadata - 'vanishedAt') || jsonb_build_object('resolvedBy', $3::text)
		WHERE id = ANY($1) AND status = 'processing'
		RETURNING `+jobColumns,
		ids, at, resolvedBy)
	if err != nil {
		return nil, fmt.Errorf("complete jobs: %w", err)
	}
	return collectJobs(rows)
}

// TouchJobs records a progress signal on active jobs and clears any vanished marker.
func (s *Store) TouchJobs(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_jobs
		SET updated_at = $2, metadata = metadata - 'vanishedAt'
		WHERE id = ANY($1) AND status IN ('pending', 'processing')
	`, ids, at)
	if err != nil {
		return 0, fmt.Errorf("touch jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StaleJobs lists jobs in status whose last progress signal is older than cutoff.
func (s *Store) StaleJobs(ctx context.Context, status models.JobStatus, cutoff time.Time) ([]models.DownloadJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, id
	`, string(status), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM download_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return collectStatusCounts[models.JobStatus](rows)
}

// DeleteTerminalJobsBefore removes terminal jobs last updated before cutoff.
func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM download_jobs WHERE status = ANY($1) AND updated_at < $2`, terminalJobStatuses, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectStatusCounts[T ~string](rows pgx.Rows) (map[T]int, error) {
	defer rows.Close()
	out := make(map[T]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[T(status)] = n
	}
	return out, rows.Err()
}
