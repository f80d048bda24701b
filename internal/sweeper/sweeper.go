// Package sweeper forces progress on work that has been non-terminal for too long: stale
// processing jobs, stale enrichment tasks and batches that never closed.
//
// Jobs and tasks follow one policy. Under the retry ceiling they are reset to retryable
// with the counter bumped; at the ceiling they fail with a reason and are never reset again.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"media-reconciler/internal/batches"
	"media-reconciler/internal/jobs"
	"media-reconciler/internal/matching"
	"media-reconciler/internal/models"
	"media-reconciler/internal/scheduler"
	"media-reconciler/internal/telemetry"
)

// Store is the persistence surface the sweeper needs.
type Store interface {
	StaleJobs(ctx context.Context, status models.JobStatus, cutoff time.Time) ([]models.DownloadJob, error)
	CatalogAlbums(ctx context.Context) ([]models.CatalogAlbum, error)
	StaleTasks(ctx context.Context, stage models.Stage, cutoff time.Time) ([]models.EnrichmentTask, error)
	ResetTask(ctx context.Context, entityID string, stage models.Stage, retryCount int) (bool, error)
	FinishTask(ctx context.Context, entityID string, stage models.Stage, status models.TaskStatus, errText string) (bool, error)
	StaleBatches(ctx context.Context, cutoff time.Time) ([]models.DiscoveryBatch, error)
}

// BatchCloser force-completes batches.
type BatchCloser interface {
	ForceComplete(ctx context.Context, batchID, reason string) (batches.Result, error)
}

// Settings holds the cutoff ages and ceilings.
type Settings struct {
	StaleJobAge        time.Duration
	AnalysisStaleAge   time.Duration
	BatchStaleAge      time.Duration
	MaxAnalysisRetries int
	FuzzyThreshold     float64
	StepTimeout        time.Duration
	Stages             []models.Stage
}

// Result counts what one sweep did.
type Result struct {
	JobsReset     int `json:"jobs_reset"`
	JobsFailed    int `json:"jobs_failed"`
	JobsCompleted int `json:"jobs_completed"`
	TasksReset    int `json:"tasks_reset"`
	TasksFailed   int `json:"tasks_failed"`
	BatchesClosed int `json:"batches_closed"`
}

func (r Result) total() int {
	return r.JobsReset + r.JobsFailed + r.JobsCompleted + r.TasksReset + r.TasksFailed + r.BatchesClosed
}

// Sweeper scans for stale work.
type Sweeper struct {
	store     Store
	lifecycle *jobs.Lifecycle
	batches   BatchCloser
	settings  Settings
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New builds a Sweeper.
func New(st Store, lifecycle *jobs.Lifecycle, closer BatchCloser, settings Settings, logger *slog.Logger, opts ...Option) *Sweeper {
	if len(settings.Stages) == 0 {
		settings.Stages = models.AllStages
	}
	s := &Sweeper{
		store:     st,
		lifecycle: lifecycle,
		batches:   closer,
		settings:  settings,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pass adapts Sweep to the scheduler.
func (s *Sweeper) Pass(ctx context.Context) (bool, error) {
	res, err := s.Sweep(ctx)
	return res.total() > 0, err
}

// Sweep runs the job, task and batch scans once each.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	if s.settings.StaleJobAge > 0 {
		if err := s.sweepJobs(ctx, &res); err != nil {
			errs = append(errs, fmt.Errorf("sweep jobs: %w", err))
		}
	}
	if s.settings.AnalysisStaleAge > 0 {
		for _, stage := range s.settings.Stages {
			if ctx.Err() != nil {
				break
			}
			if err := s.sweepTasks(ctx, stage, &res); err != nil {
				errs = append(errs, fmt.Errorf("sweep %s tasks: %w", stage, err))
			}
		}
	}
	if s.settings.BatchStaleAge > 0 && s.batches != nil && ctx.Err() == nil {
		if err := s.sweepBatches(ctx, &res); err != nil {
			errs = append(errs, fmt.Errorf("sweep batches: %w", err))
		}
	}
	if res.total() > 0 {
		s.logger.Info("sweep finished",
			"jobs_reset", res.JobsReset,
			"jobs_failed", res.JobsFailed,
			"jobs_completed", res.JobsCompleted,
			"tasks_reset", res.TasksReset,
			"tasks_failed", res.TasksFailed,
			"batches_closed", res.BatchesClosed,
		)
	}
	return res, errors.Join(errs...)
}

func (s *Sweeper) sweepJobs(ctx context.Context, res *Result) error {
	cutoff := s.now().UTC().Add(-s.settings.StaleJobAge)
	stale, err := s.store.StaleJobs(ctx, models.JobProcessing, cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	var index *matching.Index
	mbids := map[string]bool{}
	if albums, ok := scheduler.WithTimeout(ctx, s.logger, "sweeper_catalog", s.settings.StepTimeout, s.store.CatalogAlbums); ok {
		entries := make([]matching.Entry, 0, len(albums))
		for _, a := range albums {
			if a.MBID != "" {
				mbids[a.MBID] = true
			}
			entries = append(entries, matching.Entry{ID: a.ID, Artist: a.Artist, Title: a.Title})
		}
		index = matching.NewIndex(entries, matching.WithThreshold(s.settings.FuzzyThreshold))
	}

	var errs []error
	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if inCatalog(index, mbids, job) {
			applied, err := s.lifecycle.Complete(ctx, job, "sweeper")
			if err != nil {
				errs = append(errs, err)
			} else if applied {
				res.JobsCompleted++
			}
			continue
		}

		retries := job.RetryCount()
		if retries < s.lifecycle.MaxRetries() {
			applied, err := s.lifecycle.ResetToPending(ctx, job)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if applied {
				res.JobsReset++
				telemetry.SweeperResets.WithLabelValues("job").Inc()
				s.logger.Info("stale job reset", "job_id", job.ID, "retry_count", retries+1, "stale_since", job.UpdatedAt)
			}
			continue
		}
		reason := fmt.Sprintf("no progress for %s after %d retries", s.settings.StaleJobAge, retries)
		applied, err := s.lifecycle.Fail(ctx, job, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			res.JobsFailed++
			telemetry.SweeperFailures.WithLabelValues("job").Inc()
		}
	}
	return errors.Join(errs...)
}

func inCatalog(index *matching.Index, mbids map[string]bool, job models.DownloadJob) bool {
	if job.TargetMBID != "" && mbids[job.TargetMBID] {
		return true
	}
	if index == nil || job.Artist() == "" || job.Album() == "" {
		return false
	}
	_, ok := index.Resolve(job.Artist(), job.Album())
	return ok
}

func (s *Sweeper) sweepTasks(ctx context.Context, stage models.Stage, res *Result) error {
	cutoff := s.now().UTC().Add(-s.settings.AnalysisStaleAge)
	stale, err := s.store.StaleTasks(ctx, stage, cutoff)
	if err != nil {
		return err
	}
	kind := "task_" + string(stage)
	var errs []error
	for _, task := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if task.RetryCount < s.settings.MaxAnalysisRetries {
			applied, err := s.store.ResetTask(ctx, task.EntityID, stage, task.RetryCount+1)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if applied {
				res.TasksReset++
				telemetry.SweeperResets.WithLabelValues(kind).Inc()
				s.logger.Info("stale task reset", "entity_id", task.EntityID, "stage", stage, "retry_count", task.RetryCount+1)
			}
			continue
		}
		reason := fmt.Sprintf("%s stuck processing for over %s after %d retries", stage, s.settings.AnalysisStaleAge, task.RetryCount)
		applied, err := s.store.FinishTask(ctx, task.EntityID, stage, models.TaskFailed, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			res.TasksFailed++
			telemetry.SweeperFailures.WithLabelValues(kind).Inc()
			s.logger.Warn("stale task failed", "entity_id", task.EntityID, "stage", stage, "retry_count", task.RetryCount)
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) sweepBatches(ctx context.Context, res *Result) error {
	cutoff := s.now().UTC().Add(-s.settings.BatchStaleAge)
	stale, err := s.store.StaleBatches(ctx, cutoff)
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := s.batches.ForceComplete(ctx, b.ID, batches.ReasonStale)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.Completed {
			res.BatchesClosed++
			telemetry.SweeperResets.WithLabelValues("batch").Inc()
		}
	}
	return errors.Join(errs...)
}
