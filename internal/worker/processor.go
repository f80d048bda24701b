package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"media-reconciler/internal/models"
	"media-reconciler/internal/queue"
	"media-reconciler/internal/telemetry"
)

// Queue is the leased work queue the processor drains.
type Queue interface {
	DequeueWithLease(ctx context.Context, stages []models.Stage) (queue.Item, bool, error)
	ExtendLease(ctx context.Context, item queue.Item, extension time.Duration) error
	Ack(ctx context.Context, item queue.Item) error
	Requeue(ctx context.Context, item queue.Item) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]queue.Item, error)
	DLQPush(ctx context.Context, item queue.Item) error
	Depth(ctx context.Context, stage models.Stage) (int64, error)
}

// Store holds the per-entity task rows. Every write is guarded on the prior status.
type Store interface {
	GetTask(ctx context.Context, entityID string, stage models.Stage) (models.EnrichmentTask, error)
	ClaimTask(ctx context.Context, entityID string, stage models.Stage, at time.Time) (bool, error)
	FinishTask(ctx context.Context, entityID string, stage models.Stage, status models.TaskStatus, errText string) (bool, error)
	ResetTask(ctx context.Context, entityID string, stage models.Stage, retryCount int) (bool, error)
}

// Flags tells the processor which stages may take new work.
type Flags interface {
	Runnable(stage models.Stage) bool
}

// Signaler is notified after each completion of the gated stage.
type Signaler interface {
	Signal()
}

// Handler executes one enrichment task.
type Handler func(ctx context.Context, task models.EnrichmentTask) error

// Settings tunes the processor loop.
type Settings struct {
	Concurrency    int
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Processor drives the enrichment worker loops.
type Processor struct {
	queue     Queue
	store     Store
	flags     Flags
	stages    []models.Stage
	handlers  map[models.Stage]Handler
	gate      Signaler
	gateStage models.Stage
	settings  Settings
	workerID  string
	logger    *slog.Logger
	now       func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	running map[uint64]context.CancelFunc
	seq     uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithGate signals g whenever a task of stage completes.
func WithGate(stage models.Stage, g Signaler) Option {
	return func(p *Processor) {
		p.gateStage = stage
		p.gate = g
	}
}

// WithWorkerID tags log lines with id.
func WithWorkerID(id string) Option {
	return func(p *Processor) { p.workerID = id }
}

// WithClock overrides the clock used for claims.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor builds a processor for stages, taken in the given order.
func NewProcessor(q Queue, st Store, flags Flags, stages []models.Stage, settings Settings, logger *slog.Logger, opts ...Option) *Processor {
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = time.Second
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 3
	}
	p := &Processor{
		queue:    q,
		store:    st,
		flags:    flags,
		stages:   stages,
		handlers: make(map[models.Stage]Handler),
		settings: settings,
		logger:   logger.With("component", "worker"),
		now:      time.Now,
		wake:     make(chan struct{}, settings.Concurrency),
		running:  make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerID != "" {
		p.logger = p.logger.With("worker_id", p.workerID)
	}
	return p
}

// RegisterHandler binds a handler to a stage.
func (p *Processor) RegisterHandler(stage models.Stage, handler Handler) {
	if stage == "" || handler == nil {
		return
	}
	p.handlers[stage] = handler
}

// Run starts the worker loops and the lease reaper, and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		"concurrency", p.settings.Concurrency,
		"stages", p.stages,
		"max_attempts", p.settings.MaxAttempts,
	)
	var wg sync.WaitGroup
	for i := 0; i < p.settings.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// Wake makes idle loops poll immediately.
func (p *Processor) Wake() {
	for i := 0; i < cap(p.wake); i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Interrupt cancels every task currently being handled. The loops keep running and
// consult the flags before taking more work.
func (p *Processor) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.running {
		cancel()
	}
	if n := len(p.running); n > 0 {
		p.logger.Info("interrupted running tasks", "count", n)
	}
}

func (p *Processor) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Warn("task processing error", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.settings.PollInterval):
		}
	}
}

func (p *Processor) reap(ctx context.Context) {
	ticker := time.NewTicker(p.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
		if err != nil {
			p.logger.Warn("requeue expired leases failed", "error", err)
		} else if len(reclaimed) > 0 {
			p.logger.Debug("expired leases requeued", "count", len(reclaimed))
			p.Wake()
		}
		for _, stage := range p.stages {
			if depth, err := p.queue.Depth(ctx, stage); err == nil {
				telemetry.QueueDepthGauge.WithLabelValues(string(stage)).Set(float64(depth))
			}
		}
	}
}

func (p *Processor) runnableStages() []models.Stage {
	out := make([]models.Stage, 0, len(p.stages))
	for _, s := range p.stages {
		if p.flags.Runnable(s) {
			out = append(out, s)
		}
	}
	return out
}

// ProcessOne takes at most one task from a runnable stage and handles it. worked is false
// when there was nothing to take.
func (p *Processor) ProcessOne(ctx context.Context) (worked bool, err error) {
	stages := p.runnableStages()
	if len(stages) == 0 {
		return false, nil
	}
	item, ok, err := p.queue.DequeueWithLease(ctx, stages)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	claimed, err := p.store.ClaimTask(ctx, item.EntityID, item.Stage, p.now())
	if err != nil {
		_ = p.queue.Requeue(ctx, item)
		return true, fmt.Errorf("claim %s/%s: %w", item.Stage, item.EntityID, err)
	}
	if !claimed {
		// Finished, reset or claimed elsewhere since it was queued.
		_ = p.queue.Ack(ctx, item)
		telemetry.WorkerTasks.WithLabelValues(string(item.Stage), "skipped").Inc()
		return true, nil
	}
	task, err := p.store.GetTask(ctx, item.EntityID, item.Stage)
	if err != nil {
		return true, fmt.Errorf("load task %s/%s: %w", item.Stage, item.EntityID, err)
	}

	taskCtx, release := p.track(ctx)
	runErr := p.runTask(taskCtx, task)
	interrupted := taskCtx.Err() != nil
	release()

	switch {
	case runErr == nil:
		p.succeed(ctx, item)
	case interrupted:
		p.abandon(ctx, item, task)
	default:
		p.fail(ctx, item, task, runErr)
	}
	return true, nil
}

func (p *Processor) track(ctx context.Context) (context.Context, func()) {
	taskCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.seq++
	id := p.seq
	p.running[id] = cancel
	p.mu.Unlock()
	return taskCtx, func() {
		p.mu.Lock()
		delete(p.running, id)
		p.mu.Unlock()
		cancel()
	}
}

func (p *Processor) runTask(ctx context.Context, task models.EnrichmentTask) error {
	handler, ok := p.handlers[task.Stage]
	if !ok {
		return fmt.Errorf("no handler registered for stage %q", task.Stage)
	}
	return handler(ctx, task)
}

func (p *Processor) succeed(ctx context.Context, item queue.Item) {
	applied, err := p.store.FinishTask(ctx, item.EntityID, item.Stage, models.TaskCompleted, "")
	if err != nil {
		p.logger.Warn("finish task failed", "stage", item.Stage, "entity_id", item.EntityID, "error", err)
	} else if !applied {
		p.logger.Info("task completion lost guard", "stage", item.Stage, "entity_id", item.EntityID)
	}
	_ = p.queue.Ack(ctx, item)
	telemetry.WorkerTasks.WithLabelValues(string(item.Stage), "succeeded").Inc()
	if p.gate != nil && item.Stage == p.gateStage {
		p.gate.Signal()
	}
}

// abandon hands an interrupted task back as pending. A stop drains the queue separately;
// on shutdown the item goes back on its list for the next process.
func (p *Processor) abandon(ctx context.Context, item queue.Item, task models.EnrichmentTask) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := p.store.ResetTask(cleanup, item.EntityID, item.Stage, task.RetryCount); err != nil {
		p.logger.Warn("reset interrupted task failed", "stage", item.Stage, "entity_id", item.EntityID, "error", err)
	}
	if ctx.Err() != nil {
		_ = p.queue.Requeue(cleanup, item)
	} else {
		_ = p.queue.Ack(cleanup, item)
	}
	telemetry.WorkerTasks.WithLabelValues(string(item.Stage), "interrupted").Inc()
}

func (p *Processor) fail(ctx context.Context, item queue.Item, task models.EnrichmentTask, cause error) {
	attempts := task.RetryCount + 1
	if attempts >= p.settings.MaxAttempts {
		if _, err := p.store.FinishTask(ctx, item.EntityID, item.Stage, models.TaskFailed, cause.Error()); err != nil {
			p.logger.Warn("fail task failed", "stage", item.Stage, "entity_id", item.EntityID, "error", err)
		}
		_ = p.queue.Ack(ctx, item)
		_ = p.queue.DLQPush(ctx, item)
		telemetry.WorkerTasks.WithLabelValues(string(item.Stage), "dead_letter").Inc()
		p.logger.Warn("task failed permanently",
			"stage", item.Stage,
			"entity_id", item.EntityID,
			"attempts", attempts,
			"error", cause,
		)
		return
	}

	if _, err := p.store.ResetTask(ctx, item.EntityID, item.Stage, attempts); err != nil {
		p.logger.Warn("reset task for retry failed", "stage", item.Stage, "entity_id", item.EntityID, "error", err)
	}
	// The lease stays open until the backoff elapses; the reaper then re-queues it.
	backoff := backoffWithJitter(p.settings.BackoffInitial, p.settings.BackoffMax, attempts)
	if err := p.queue.ExtendLease(ctx, item, backoff); err != nil {
		_ = p.queue.Requeue(ctx, item)
	}
	telemetry.WorkerTasks.WithLabelValues(string(item.Stage), "retry").Inc()
	p.logger.Info("task retry scheduled",
		"stage", item.Stage,
		"entity_id", item.EntityID,
		"attempts", attempts,
		"backoff", backoff,
		"error", cause,
	)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
