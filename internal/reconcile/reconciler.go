// Package reconcile converges the job ledger with the webhook ledger, the acquisition
// queue and the local catalog. One Pass runs four steps in a fixed order:
//
//  1. resolve unprocessed webhook events into job transitions
//  2. compare processing jobs with the acquisition queue snapshot
//  3. complete processing jobs whose album is already in the catalog
//  4. blocklist stalled queue items and retry their jobs
//
// Queue-vanished jobs are cancelled after step 3 so catalog evidence wins over absence.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"media-reconciler/internal/acquisition"
	"media-reconciler/internal/jobs"
	"media-reconciler/internal/matching"
	"media-reconciler/internal/models"
	"media-reconciler/internal/scheduler"
)

// Store is the read surface reconciliation needs beyond the lifecycle.
type Store interface {
	FindJobByDownloadRef(ctx context.Context, ref string) (models.DownloadJob, bool, error)
	FindActiveJobByTarget(ctx context.Context, mbid string) (models.DownloadJob, bool, error)
	JobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.DownloadJob, error)
	TouchJobs(ctx context.Context, ids []string, at time.Time) (int64, error)
	CatalogAlbums(ctx context.Context) ([]models.CatalogAlbum, error)
	JobCounts(ctx context.Context) (map[models.JobStatus]int, error)
}

// Ledger is the webhook event surface.
type Ledger interface {
	Unprocessed(ctx context.Context, source string, maxRetries, limit int) ([]models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID, correlationID string) error
	MarkFailed(ctx context.Context, eventID string, cause error) error
}

// Acquisition is the external queue.
type Acquisition interface {
	Queue(ctx context.Context) ([]acquisition.QueueItem, error)
	RemoveAndBlocklist(ctx context.Context, itemID int) error
}

// Settings tunes a Reconciler.
type Settings struct {
	StepTimeout     time.Duration
	BatchSize       int
	FuzzyThreshold  float64
	VanishGrace     time.Duration
	EventMaxRetries int
	EventPageSize   int
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	store     Store
	ledger    Ledger
	lifecycle *jobs.Lifecycle
	acq       Acquisition
	settings  Settings
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAcquisition enables the queue and stalled-download steps.
func WithAcquisition(a Acquisition) Option {
	return func(r *Reconciler) { r.acq = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a Reconciler.
func New(st Store, ledger Ledger, lifecycle *jobs.Lifecycle, settings Settings, logger *slog.Logger, opts ...Option) *Reconciler {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 100
	}
	if settings.EventPageSize <= 0 {
		settings.EventPageSize = 200
	}
	if settings.EventMaxRetries <= 0 {
		settings.EventMaxRetries = 5
	}
	r := &Reconciler{
		store:     st,
		ledger:    ledger,
		lifecycle: lifecycle,
		settings:  settings,
		logger:    logger.With("component", "reconcile"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PassStats summarizes one pass.
type PassStats struct {
	EventsHandled int
	EventsFailed  int
	InFlight      int
	Waiting       int
	Touched       int64
	Vanished      int
	Cancelled     int
	Completed     int
	Stalled       int
}

// Active reports whether the pass saw anything worth polling for again. A pending job is
// still waiting for its grab, so its webhooks are yet to arrive.
func (s PassStats) Active() bool {
	return s.EventsHandled > 0 || s.EventsFailed > 0 || s.InFlight > 0 || s.Waiting > 0 ||
		s.Completed > 0 || s.Cancelled > 0 || s.Stalled > 0
}

// Pass runs every step once. Step errors are joined and returned after the remaining steps
// had their chance to run.
func (r *Reconciler) Pass(ctx context.Context) (bool, error) {
	stats, err := r.Run(ctx)
	return stats.Active(), err
}

// Run is Pass with the full statistics.
func (r *Reconciler) Run(ctx context.Context) (PassStats, error) {
	var (
		stats PassStats
		errs  []error
	)
	start := r.now()

	handled, failed, err := r.processEvents(ctx)
	stats.EventsHandled, stats.EventsFailed = handled, failed
	if err != nil {
		errs = append(errs, fmt.Errorf("process events: %w", err))
	}
	if ctx.Err() != nil {
		return stats, errors.Join(append(errs, ctx.Err())...)
	}

	inflight, err := r.store.JobsByStatus(ctx, models.JobProcessing)
	if err != nil {
		errs = append(errs, fmt.Errorf("load processing jobs: %w", err))
		return stats, errors.Join(errs...)
	}
	stats.InFlight = len(inflight)

	counts, err := r.store.JobCounts(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("count jobs: %w", err))
	} else {
		stats.Waiting = counts[models.JobPending]
	}

	var (
		snapshot    []acquisition.QueueItem
		haveQueue   bool
		vanishedOut []models.DownloadJob
	)
	if r.acq != nil {
		snapshot, haveQueue = scheduler.WithTimeout(ctx, r.logger, "acquisition_queue", r.settings.StepTimeout, r.acq.Queue)
	}
	if haveQueue {
		touched, vanished, expired, err := r.reconcileQueue(ctx, inflight, snapshot)
		stats.Touched, stats.Vanished = touched, vanished
		vanishedOut = expired
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile queue: %w", err))
		}
	}

	completed, err := r.reconcileCatalog(ctx, inflight)
	stats.Completed = completed
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile catalog: %w", err))
	}

	for _, job := range vanishedOut {
		if ctx.Err() != nil {
			break
		}
		applied, err := r.lifecycle.Cancel(ctx, job, "removed from acquisition queue")
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel vanished job %s: %w", job.ID, err))
			continue
		}
		if applied {
			stats.Cancelled++
		}
	}

	if haveQueue && ctx.Err() == nil {
		stalled, err := r.recoverStalled(ctx, inflight, snapshot)
		stats.Stalled = stalled
		if err != nil {
			errs = append(errs, fmt.Errorf("recover stalled: %w", err))
		}
	}

	r.logger.Debug("reconciliation pass finished",
		"duration", r.now().Sub(start),
		"events", stats.EventsHandled,
		"events_failed", stats.EventsFailed,
		"in_flight", stats.InFlight,
		"waiting", stats.Waiting,
		"completed", stats.Completed,
		"cancelled", stats.Cancelled,
		"stalled", stats.Stalled,
	)
	return stats, errors.Join(errs...)
}

// reconcileQueue bumps jobs still present upstream and stamps the ones that disappeared.
// Jobs gone for longer than the grace period are returned for cancellation.
func (r *Reconciler) reconcileQueue(ctx context.Context, inflight []models.DownloadJob, snapshot []acquisition.QueueItem) (int64, int, []models.DownloadJob, error) {
	present := make(map[string]bool, len(snapshot))
	for _, item := range snapshot {
		if item.DownloadID != "" {
			present[item.DownloadID] = true
		}
	}

	now := r.now().UTC()
	var (
		seen     []string
		vanished int
		expired  []models.DownloadJob
		errs     []error
	)
	for _, job := range inflight {
		if job.DownloadRef == "" {
			continue
		}
		if present[job.DownloadRef] {
			seen = append(seen, job.ID)
			continue
		}
		since, marked := job.VanishedAt()
		if !marked {
			if _, err := r.lifecycle.StampVanished(ctx, job, now); err != nil {
				errs = append(errs, err)
				continue
			}
			vanished++
			r.logger.Info("job missing from acquisition queue", "job_id", job.ID, "download_ref", job.DownloadRef)
			continue
		}
		if now.Sub(since) >= r.settings.VanishGrace {
			expired = append(expired, job)
		}
	}

	var touched int64
	if len(seen) > 0 {
		n, err := r.store.TouchJobs(ctx, seen, now)
		if err != nil {
			errs = append(errs, err)
		}
		touched = n
	}
	return touched, vanished, expired, errors.Join(errs...)
}

// reconcileCatalog loads the catalog once, then completes every processing job it already
// contains in batched writes.
func (r *Reconciler) reconcileCatalog(ctx context.Context, inflight []models.DownloadJob) (int, error) {
	if len(inflight) == 0 {
		return 0, nil
	}
	albums, ok := scheduler.WithTimeout(ctx, r.logger, "catalog_snapshot", r.settings.StepTimeout, r.store.CatalogAlbums)
	if !ok || len(albums) == 0 {
		return 0, nil
	}

	byMBID := make(map[string]bool, len(albums))
	entries := make([]matching.Entry, 0, len(albums))
	for _, a := range albums {
		if a.MBID != "" {
			byMBID[a.MBID] = true
		}
		entries = append(entries, matching.Entry{ID: a.ID, Artist: a.Artist, Title: a.Title})
	}
	index := matching.NewIndex(entries, matching.WithThreshold(r.settings.FuzzyThreshold))

	var ids []string
	for _, job := range inflight {
		if job.TargetMBID != "" && byMBID[job.TargetMBID] {
			ids = append(ids, job.ID)
			continue
		}
		if job.Artist() == "" || job.Album() == "" {
			continue
		}
		if m, ok := index.Resolve(job.Artist(), job.Album()); ok {
			r.logger.Debug("job found in catalog", "job_id", job.ID, "tier", m.Tier.String(), "score", m.Score, "catalog_id", m.Entry.ID)
			ids = append(ids, job.ID)
		}
	}

	completed := 0
	for start := 0; start < len(ids); start += r.settings.BatchSize {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		end := min(start+r.settings.BatchSize, len(ids))
		done, err := r.lifecycle.CompleteMany(ctx, ids[start:end], "catalog")
		if err != nil {
			return completed, err
		}
		completed += len(done)
	}
	if completed > 0 {
		r.logger.Info("jobs completed from catalog", "count", completed, "candidates", len(ids))
	}
	return completed, nil
}

// recoverStalled removes stuck queue items with blocklisting and retries their jobs.
func (r *Reconciler) recoverStalled(ctx context.Context, inflight []models.DownloadJob, snapshot []acquisition.QueueItem) (int, error) {
	var (
		index *matching.Index
		byID  map[string]models.DownloadJob
		count int
		errs  []error
	)
	for _, item := range snapshot {
		item := item
		if !item.Stalled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		_, ok := scheduler.WithTimeout(ctx, r.logger, "acquisition_remove", r.settings.StepTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.acq.RemoveAndBlocklist(ctx, item.ID)
		})
		if !ok {
			continue
		}
		count++
		r.logger.Info("stalled download blocklisted", "queue_id", item.ID, "title", item.Title, "state", item.TrackedDownloadState)

		job, found, err := r.store.FindJobByDownloadRef(ctx, item.DownloadID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !found || job.Status != models.JobProcessing {
			if index == nil {
				index, byID = inflightIndex(inflight, r.settings.FuzzyThreshold)
			}
			artist, album, parsed := matching.ParseLabel(item.Title)
			if !parsed {
				r.logger.Warn("stalled download has no matching job", "queue_id", item.ID, "title", item.Title)
				continue
			}
			m, hit := index.Resolve(artist, album)
			if !hit {
				r.logger.Warn("stalled download has no matching job", "queue_id", item.ID, "artist", artist, "album", album)
				continue
			}
			job = byID[m.Entry.ID]
		}

		reason := "download stalled"
		if item.ErrorMessage != "" {
			reason = "download stalled: " + item.ErrorMessage
		}
		if _, err := r.lifecycle.RecordFailure(ctx, job.ID, reason, true); err != nil && !errors.Is(err, jobs.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("retry job %s: %w", job.ID, err))
		}
	}
	return count, errors.Join(errs...)
}

func inflightIndex(inflight []models.DownloadJob, threshold float64) (*matching.Index, map[string]models.DownloadJob) {
	byID := make(map[string]models.DownloadJob, len(inflight))
	entries := make([]matching.Entry, 0, len(inflight))
	for _, job := range inflight {
		if job.Artist() == "" || job.Album() == "" {
			continue
		}
		byID[job.ID] = job
		entries = append(entries, matching.Entry{ID: job.ID, Artist: job.Artist(), Title: job.Album()})
	}
	return matching.NewIndex(entries, matching.WithThreshold(threshold)), byID
}
