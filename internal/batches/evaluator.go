// Package batches decides when a discovery batch is finished.
package batches

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"media-reconciler/internal/models"
	"media-reconciler/internal/telemetry"
)

// Completion reasons recorded in logs and metrics.
const (
	ReasonAllTerminal = "all_terminal"
	ReasonTimeout     = "timeout"
	ReasonStale       = "stale"
)

// Store is the persistence surface the evaluator needs.
type Store interface {
	GetBatch(ctx context.Context, id string) (models.DiscoveryBatch, error)
	BatchJobCounts(ctx context.Context, batchID string) (map[models.JobStatus]int, error)
	CompleteBatch(ctx context.Context, id string, completed, failed int, at time.Time) (bool, error)
}

// Publisher announces completed batches to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// Result describes one evaluation.
type Result struct {
	Batch     models.DiscoveryBatch `json:"batch"`
	Progress  models.BatchProgress  `json:"progress"`
	Completed bool                  `json:"completed"`
	Reason    string                `json:"reason,omitempty"`
}

// Evaluator checks batches against their member jobs.
type Evaluator struct {
	store     Store
	publisher Publisher
	channel   string
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithPublisher announces completions as "batch:<id>" on channel.
func WithPublisher(p Publisher, channel string) Option {
	return func(e *Evaluator) {
		e.publisher = p
		e.channel = channel
	}
}

// WithTimeout completes a batch once it is older than d, even with active members.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// New builds an Evaluator.
func New(st Store, logger *slog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{store: st, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Progress reloads a batch and counts its members.
func (e *Evaluator) Progress(ctx context.Context, batchID string) (models.DiscoveryBatch, models.BatchProgress, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return models.DiscoveryBatch{}, models.BatchProgress{}, err
	}
	counts, err := e.store.BatchJobCounts(ctx, batchID)
	if err != nil {
		return models.DiscoveryBatch{}, models.BatchProgress{}, err
	}
	return batch, models.ProgressFromCounts(counts), nil
}

// Check reloads the batch from the store and completes it when every member is terminal
// or the batch timeout has elapsed. Calling it on a completed batch does nothing.
func (e *Evaluator) Check(ctx context.Context, batchID string) (Result, error) {
	batch, progress, err := e.Progress(ctx, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	res := Result{Batch: batch, Progress: progress}
	if batch.Status == models.BatchCompleted {
		return res, nil
	}

	switch {
	case progress.Total > 0 && progress.Active == 0:
		res.Reason = ReasonAllTerminal
	case e.timeout > 0 && e.now().Sub(batch.CreatedAt) >= e.timeout:
		res.Reason = ReasonTimeout
	default:
		return res, nil
	}
	return e.complete(ctx, res)
}

// ForceComplete completes a batch regardless of its members.
func (e *Evaluator) ForceComplete(ctx context.Context, batchID, reason string) (Result, error) {
	batch, progress, err := e.Progress(ctx, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("force complete batch %s: %w", batchID, err)
	}
	res := Result{Batch: batch, Progress: progress, Reason: reason}
	if batch.Status == models.BatchCompleted {
		return res, nil
	}
	return e.complete(ctx, res)
}

func (e *Evaluator) complete(ctx context.Context, res Result) (Result, error) {
	at := e.now().UTC()
	failed := res.Progress.Failed + res.Progress.Cancelled
	applied, err := e.store.CompleteBatch(ctx, res.Batch.ID, res.Progress.Completed, failed, at)
	if err != nil {
		return res, fmt.Errorf("complete batch %s: %w", res.Batch.ID, err)
	}
	if !applied {
		// Another caller completed it between our read and write.
		return res, nil
	}
	res.Completed = true
	res.Batch.Status = models.BatchCompleted
	res.Batch.CompletedCount = res.Progress.Completed
	res.Batch.FailedCount = failed
	res.Batch.CompletedAt = &at

	telemetry.BatchesCompleted.WithLabelValues(res.Reason).Inc()
	e.logger.Info("batch completed",
		"batch_id", res.Batch.ID,
		"reason", res.Reason,
		"completed", res.Progress.Completed,
		"failed", failed,
		"unresolved", res.Progress.Active,
	)
	if e.publisher != nil && e.channel != "" {
		if err := e.publisher.Publish(ctx, e.channel, "batch:"+res.Batch.ID); err != nil {
			e.logger.Warn("batch completion notification failed", "batch_id", res.Batch.ID, "error", err)
		}
	}
	return res, nil
}
