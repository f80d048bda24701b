// Package jobs owns the download job state machine.
//
//	pending    -> processing | failed | cancelled
//	processing -> processing (in-place retry) | completed | failed | cancelled | pending (sweeper reset)
//
// Terminal statuses have no automatic way out. Every write is guarded on the status the
// caller observed; a guard that no longer holds is reported as not applied, never as an
// error.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"media-reconciler/internal/batches"
	"media-reconciler/internal/models"
	"media-reconciler/internal/telemetry"
)

// ErrInvalidTransition is returned when the state machine has no edge between two statuses.
var ErrInvalidTransition = errors.New("invalid job transition")

var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobPending:    {models.JobProcessing, models.JobFailed, models.JobCancelled},
	models.JobProcessing: {models.JobProcessing, models.JobCompleted, models.JobFailed, models.JobCancelled, models.JobPending},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the statuses that may move to to.
func sourcesOf(to models.JobStatus) []models.JobStatus {
	var out []models.JobStatus
	for _, from := range []models.JobStatus{models.JobPending, models.JobProcessing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Store is the persistence surface the lifecycle needs.
type Store interface {
	CreateJob(ctx context.Context, job models.DownloadJob) (models.DownloadJob, error)
	GetJob(ctx context.Context, id string) (models.DownloadJob, error)
	TransitionJob(ctx context.Context, tr models.JobTransition) (bool, error)
	CompleteJobs(ctx context.Context, ids []string, at time.Time, resolvedBy string) ([]models.DownloadJob, error)
	JobCounts(ctx context.Context) (map[models.JobStatus]int, error)
}

// BatchChecker evaluates batch completion.
type BatchChecker interface {
	Check(ctx context.Context, batchID string) (batches.Result, error)
}

// Lifecycle applies job transitions and their downstream triggers.
type Lifecycle struct {
	store      Store
	batches    BatchChecker
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// New builds a Lifecycle. maxRetries bounds in-place retries before a recoverable
// failure becomes terminal.
func New(st Store, checker BatchChecker, maxRetries int, logger *slog.Logger, opts ...Option) *Lifecycle {
	l := &Lifecycle{store: st, batches: checker, maxRetries: maxRetries, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateRequest describes a new acquisition request.
type CreateRequest struct {
	Subject    string `json:"subject"`
	TargetMBID string `json:"target_mbid"`
	BatchID    string `json:"batch_id"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
}

// Create records a pending job.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (models.DownloadJob, error) {
	if req.Subject == "" {
		if req.Artist == "" && req.Album == "" {
			return models.DownloadJob{}, errors.New("subject or artist/album is required")
		}
		req.Subject = req.Artist + " - " + req.Album
	}
	meta := map[string]any{models.MetaRetryCount: 0}
	if req.Artist != "" {
		meta[models.MetaArtist] = req.Artist
	}
	if req.Album != "" {
		meta[models.MetaAlbum] = req.Album
	}
	return l.store.CreateJob(ctx, models.DownloadJob{
		ID:         uuid.NewString(),
		Status:     models.JobPending,
		Subject:    req.Subject,
		TargetMBID: req.TargetMBID,
		BatchID:    req.BatchID,
		Metadata:   meta,
		CreatedAt:  l.now().UTC(),
	})
}

// Get loads one job.
func (l *Lifecycle) Get(ctx context.Context, id string) (models.DownloadJob, error) {
	return l.store.GetJob(ctx, id)
}

// Grab marks an acknowledged acquisition: pending -> processing with the upstream reference.
// Artist and album names from the notification fill in missing metadata.
func (l *Lifecycle) Grab(ctx context.Context, job models.DownloadJob, downloadRef, artist, album string) (bool, error) {
	meta := job.CloneMetadata()
	if artist != "" && job.Artist() == "" {
		meta[models.MetaArtist] = artist
	}
	if album != "" && job.Album() == "" {
		meta[models.MetaAlbum] = album
	}
	tr := models.JobTransition{JobID: job.ID, From: []models.JobStatus{models.JobPending}, To: models.JobProcessing, Metadata: meta}
	if downloadRef != "" {
		tr.DownloadRef = &downloadRef
	}
	return l.apply(ctx, job, tr, "grab")
}

// Complete moves a processing job to completed.
func (l *Lifecycle) Complete(ctx context.Context, job models.DownloadJob, resolvedBy string) (bool, error) {
	at := l.now().UTC()
	meta := job.CloneMetadata()
	meta[models.MetaResolvedBy] = resolvedBy
	delete(meta, models.MetaVanishedAt)
	return l.apply(ctx, job, models.JobTransition{
		JobID:       job.ID,
		From:        sourcesOf(models.JobCompleted),
		To:          models.JobCompleted,
		Metadata:    meta,
		CompletedAt: &at,
	}, resolvedBy)
}

// CompleteMany completes processing jobs in one batched write and evaluates each affected
// batch once. It returns the jobs that actually changed.
func (l *Lifecycle) CompleteMany(ctx context.Context, ids []string, resolvedBy string) ([]models.DownloadJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	done, err := l.store.CompleteJobs(ctx, ids, l.now().UTC(), resolvedBy)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, job := range done {
		telemetry.JobTransitions.WithLabelValues(string(models.JobCompleted), resolvedBy).Inc()
		l.logger.Info("job completed", "job_id", job.ID, "subject", job.Subject, "resolved_by", resolvedBy)
		if job.BatchID != "" && !seen[job.BatchID] {
			seen[job.BatchID] = true
			l.checkBatch(ctx, job.BatchID)
		}
	}
	return done, nil
}

// Fail moves an active job to failed with a human-readable reason.
func (l *Lifecycle) Fail(ctx context.Context, job models.DownloadJob, reason string) (bool, error) {
	meta := job.CloneMetadata()
	meta[models.MetaLastError] = reason
	return l.apply(ctx, job, models.JobTransition{
		JobID:    job.ID,
		From:     sourcesOf(models.JobFailed),
		To:       models.JobFailed,
		Metadata: meta,
	}, "failed")
}

// Cancel moves an active job to cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, job models.DownloadJob, reason string) (bool, error) {
	meta := job.CloneMetadata()
	meta[models.MetaLastError] = reason
	return l.apply(ctx, job, models.JobTransition{
		JobID:    job.ID,
		From:     sourcesOf(models.JobCancelled),
		To:       models.JobCancelled,
		Metadata: meta,
	}, "cancelled")
}

// MarkRetrying records that a processing job is searching for an alternative release: the
// status stays processing, the retry counter goes up, the last error and the upstream
// reference are cleared.
func (l *Lifecycle) MarkRetrying(ctx context.Context, job models.DownloadJob) (bool, error) {
	meta := job.CloneMetadata()
	meta[models.MetaRetryCount] = job.RetryCount() + 1
	delete(meta, models.MetaLastError)
	delete(meta, models.MetaVanishedAt)
	noRef := ""
	applied, err := l.apply(ctx, job, models.JobTransition{
		JobID:       job.ID,
		From:        []models.JobStatus{models.JobProcessing},
		To:          models.JobProcessing,
		Metadata:    meta,
		DownloadRef: &noRef,
	}, "retry")
	if applied {
		telemetry.JobRetries.Inc()
	}
	return applied, err
}

// ResetToPending returns a stale processing job to pending with its retry counter bumped
// and its upstream reference and last error cleared.
func (l *Lifecycle) ResetToPending(ctx context.Context, job models.DownloadJob) (bool, error) {
	meta := job.CloneMetadata()
	meta[models.MetaRetryCount] = job.RetryCount() + 1
	delete(meta, models.MetaLastError)
	delete(meta, models.MetaVanishedAt)
	noRef := ""
	return l.apply(ctx, job, models.JobTransition{
		JobID:       job.ID,
		From:        []models.JobStatus{models.JobProcessing},
		To:          models.JobPending,
		Metadata:    meta,
		DownloadRef: &noRef,
	}, "stale_reset")
}

// StampVanished records when a processing job was first missing from the upstream queue.
func (l *Lifecycle) StampVanished(ctx context.Context, job models.DownloadJob, at time.Time) (bool, error) {
	meta := job.CloneMetadata()
	meta[models.MetaVanishedAt] = at.UTC().Format(time.RFC3339Nano)
	return l.store.TransitionJob(ctx, models.JobTransition{
		JobID:    job.ID,
		From:     []models.JobStatus{models.JobProcessing},
		To:       models.JobProcessing,
		Metadata: meta,
	})
}

// RecordFailure handles a failure reported for a job. A recoverable failure on a
// processing job under the retry ceiling becomes an in-place retry; anything else fails
// the job. The returned job is reloaded after the write.
func (l *Lifecycle) RecordFailure(ctx context.Context, jobID, reason string, recoverable bool) (models.DownloadJob, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.DownloadJob{}, err
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrInvalidTransition)
	}
	switch {
	case recoverable && job.Status == models.JobProcessing && job.RetryCount() < l.maxRetries:
		_, err = l.MarkRetrying(ctx, job)
	case recoverable && job.Status == models.JobProcessing:
		_, err = l.Fail(ctx, job, fmt.Sprintf("%s (gave up after %d retries)", reason, job.RetryCount()))
	default:
		_, err = l.Fail(ctx, job, reason)
	}
	if err != nil {
		return models.DownloadJob{}, err
	}
	return l.store.GetJob(ctx, jobID)
}

// MaxRetries is the retry ceiling for in-place and stale retries.
func (l *Lifecycle) MaxRetries() int {
	return l.maxRetries
}

// Status returns job counts per status.
func (l *Lifecycle) Status(ctx context.Context) (map[models.JobStatus]int, error) {
	return l.store.JobCounts(ctx)
}

func (l *Lifecycle) apply(ctx context.Context, job models.DownloadJob, tr models.JobTransition, reason string) (bool, error) {
	if !CanTransition(job.Status, tr.To) {
		return false, fmt.Errorf("%s -> %s for job %s: %w", job.Status, tr.To, job.ID, ErrInvalidTransition)
	}
	applied, err := l.store.TransitionJob(ctx, tr)
	if err != nil {
		return false, err
	}
	if !applied {
		l.logger.Debug("job transition lost its guard", "job_id", job.ID, "to", tr.To)
		return false, nil
	}
	telemetry.JobTransitions.WithLabelValues(string(tr.To), reason).Inc()
	l.logger.Info("job transitioned", "job_id", job.ID, "from", job.Status, "to", tr.To, "reason", reason)
	if tr.To.IsTerminal() && job.BatchID != "" {
		l.checkBatch(ctx, job.BatchID)
	}
	return true, nil
}

func (l *Lifecycle) checkBatch(ctx context.Context, batchID string) {
	if l.batches == nil {
		return
	}
	if _, err := l.batches.Check(ctx, batchID); err != nil {
		l.logger.Warn("batch completion check failed", "batch_id", batchID, "error", err)
	}
}
