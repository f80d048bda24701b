package reconcile

import (
	"context"
	"errors"
	"fmt"

	"media-reconciler/internal/jobs"
	"media-reconciler/internal/matching"
	"media-reconciler/internal/models"
	"media-reconciler/internal/telemetry"
)

// ErrNoMatchingJob means an event could not be correlated with any active job.
var ErrNoMatchingJob = errors.New("no matching job")

// correlator resolves events to jobs. The active-job index is built on first use and
// reused for the rest of the pass.
type correlator struct {
	r     *Reconciler
	index *matching.Index
	byID  map[string]models.DownloadJob
}

func (c *correlator) resolve(ctx context.Context, p models.WebhookPayload) (models.DownloadJob, bool, error) {
	if p.DownloadID != "" {
		job, found, err := c.r.store.FindJobByDownloadRef(ctx, p.DownloadID)
		if err != nil || found {
			return job, found, err
		}
	}
	if mbid := p.AlbumMBID(); mbid != "" {
		job, found, err := c.r.store.FindActiveJobByTarget(ctx, mbid)
		if err != nil || found {
			return job, found, err
		}
	}

	artist, album := p.ArtistName(), p.AlbumTitle()
	if artist == "" || album == "" {
		return models.DownloadJob{}, false, nil
	}
	if c.index == nil {
		active, err := c.r.store.JobsByStatus(ctx, models.ActiveJobStatuses...)
		if err != nil {
			return models.DownloadJob{}, false, err
		}
		c.index, c.byID = inflightIndex(active, c.r.settings.FuzzyThreshold)
	}
	m, ok := c.index.Resolve(artist, album)
	if !ok {
		return models.DownloadJob{}, false, nil
	}
	c.r.logger.Debug("event matched by name", "job_id", m.Entry.ID, "tier", m.Tier.String(), "score", m.Score)
	return c.byID[m.Entry.ID], true, nil
}

// processEvents resolves one page of unprocessed events, oldest first.
func (r *Reconciler) processEvents(ctx context.Context) (handled, failed int, err error) {
	events, err := r.ledger.Unprocessed(ctx, "", r.settings.EventMaxRetries, r.settings.EventPageSize)
	if err != nil {
		return 0, 0, err
	}
	c := &correlator{r: r}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return handled, failed, err
		}
		jobID, herr := r.handleEvent(ctx, c, ev)
		if herr != nil {
			failed++
			telemetry.EventsFailed.WithLabelValues(ev.EventType).Inc()
			r.logger.Warn("event not resolved", "event_id", ev.ID, "event_type", ev.EventType, "retry_count", ev.RetryCount, "error", herr)
			if err := r.ledger.MarkFailed(ctx, ev.ID, herr); err != nil {
				return handled, failed, fmt.Errorf("mark event %s failed: %w", ev.ID, err)
			}
			continue
		}
		handled++
		telemetry.EventsProcessed.WithLabelValues(ev.EventType).Inc()
		if err := r.ledger.MarkProcessed(ctx, ev.ID, jobID); err != nil {
			return handled, failed, fmt.Errorf("mark event %s processed: %w", ev.ID, err)
		}
	}
	return handled, failed, nil
}

// handleEvent applies one event and returns the correlated job id, if any.
func (r *Reconciler) handleEvent(ctx context.Context, c *correlator, ev models.WebhookEvent) (string, error) {
	switch ev.EventType {
	case models.EventTest:
		return "", nil
	case models.EventGrab, models.EventDownload, models.EventImportFailure, models.EventDownloadFailure:
	default:
		r.logger.Warn("unknown event type ignored", "event_id", ev.ID, "event_type", ev.EventType)
		return "", nil
	}

	payload, err := models.DecodePayload(ev.Payload)
	if err != nil {
		return "", err
	}
	job, found, err := c.resolve(ctx, payload)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNoMatchingJob
	}
	if job.Status.IsTerminal() {
		r.logger.Debug("event for finished job", "event_id", ev.ID, "job_id", job.ID, "status", job.Status)
		return job.ID, nil
	}

	switch ev.EventType {
	case models.EventGrab:
		if job.Status == models.JobPending {
			_, err = r.lifecycle.Grab(ctx, job, payload.DownloadID, payload.ArtistName(), payload.AlbumTitle())
		}
	case models.EventDownload:
		err = r.completeFromEvent(ctx, job, payload)
	case models.EventImportFailure:
		_, err = r.lifecycle.Fail(ctx, job, failureReason("import failed", payload.Message))
	case models.EventDownloadFailure:
		_, err = r.lifecycle.RecordFailure(ctx, job.ID, failureReason("download failed", payload.Message), true)
	}
	if errors.Is(err, jobs.ErrInvalidTransition) {
		r.logger.Info("event superseded by job state", "event_id", ev.ID, "job_id", job.ID, "error", err)
		err = nil
	}
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// completeFromEvent completes a job. A pending job whose grab notification was missed is
// grabbed first.
func (r *Reconciler) completeFromEvent(ctx context.Context, job models.DownloadJob, p models.WebhookPayload) error {
	if job.Status == models.JobPending {
		if _, err := r.lifecycle.Grab(ctx, job, p.DownloadID, p.ArtistName(), p.AlbumTitle()); err != nil {
			return err
		}
		reloaded, err := r.lifecycle.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		job = reloaded
	}
	_, err := r.lifecycle.Complete(ctx, job, "webhook")
	return err
}

func failureReason(prefix, message string) string {
	if message == "" {
		return prefix
	}
	return prefix + ": " + message
}
