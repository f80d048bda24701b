// Package enrichment is the run/pause/stop control plane for the enrichment pipelines.
//
// The shared state record is the only source of truth. Every control operation first
// syncs local flags against it, then writes the new state, then broadcasts a control
// message so other processes act without waiting for their next sync, then acts locally.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"media-reconciler/internal/models"
	"media-reconciler/internal/telemetry"
)

// Control channel messages.
const (
	MsgPause  = "pause"
	MsgResume = "resume"
	MsgStop   = "stop"
)

// ErrInvalidState is returned when an operation does not apply to the current state.
var ErrInvalidState = errors.New("invalid enrichment state")

const recoveryLock = "enrichment:recovery"

// Store is the persistence surface of the control plane.
type Store interface {
	GetEnrichmentState(ctx context.Context) (models.EnrichmentState, error)
	SaveEnrichmentState(ctx context.Context, status models.EnrichmentStatus, updatedBy string) (models.EnrichmentState, error)
	ResetInFlightTasks(ctx context.Context) (map[models.Stage]int64, error)
	ResetStage(ctx context.Context, stage models.Stage) (int64, error)
	PendingTasks(ctx context.Context, stage models.Stage, limit int) ([]models.EnrichmentTask, error)
	TaskCounts(ctx context.Context) (map[models.Stage]map[models.TaskStatus]int, error)
}

// Queue receives dispatched tasks.
type Queue interface {
	Enqueue(ctx context.Context, stage models.Stage, entityID string) (bool, error)
	Purge(ctx context.Context, stage models.Stage) (int64, error)
	Depth(ctx context.Context, stage models.Stage) (int64, error)
}

// Publisher broadcasts control messages.
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// Subscriber delivers control messages.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handle func(ctx context.Context, message string)) (func() error, error)
}

// Locker serializes work across processes.
type Locker interface {
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

// Pool is the local worker pool, when this process hosts one.
type Pool interface {
	// Wake makes idle workers poll immediately.
	Wake()
	// Interrupt cancels tasks currently being handled.
	Interrupt()
}

// Controller owns the local flags and steers them toward the shared record.
type Controller struct {
	store     Store
	flags     *Flags
	queue     Queue
	publisher Publisher
	channel   string
	locker    Locker
	pool      Pool
	stages    []models.Stage
	batch     int
	instance  string
	logger    *slog.Logger
	now       func() time.Time

	// stoppingTimeout is how old a stopping record must be before Pass or Start treat
	// it as abandoned.
	stoppingTimeout time.Duration
	awaitBoot       bool
	booted          atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithQueue enables dispatch.
func WithQueue(q Queue) Option {
	return func(c *Controller) { c.queue = q }
}

// WithPublisher broadcasts control messages on channel.
func WithPublisher(p Publisher, channel string) Option {
	return func(c *Controller) {
		c.publisher = p
		c.channel = channel
	}
}

// WithLocker runs crash recovery under a cross-process lock.
func WithLocker(l Locker) Option {
	return func(c *Controller) { c.locker = l }
}

// WithPool attaches the local worker pool.
func WithPool(p Pool) Option {
	return func(c *Controller) { c.pool = p }
}

// WithStages limits dispatch to the given stages.
func WithStages(stages []models.Stage) Option {
	return func(c *Controller) {
		if len(stages) > 0 {
			c.stages = stages
		}
	}
}

// WithDispatchBatch caps how many pending tasks one dispatch enqueues per stage.
func WithDispatchBatch(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.batch = n
		}
	}
}

// WithAwaitBoot holds every dispatch until Boot has finished crash recovery. Processes
// that host workers and listen before booting need it.
func WithAwaitBoot() Option {
	return func(c *Controller) { c.awaitBoot = true }
}

// WithStoppingTimeout sets the age after which a stopping record is resolved to idle.
func WithStoppingTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stoppingTimeout = d
		}
	}
}

// WithClock overrides the clock used to age the shared record.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a Controller. instance identifies this process in the state record.
func New(st Store, flags *Flags, instance string, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:    st,
		flags:    flags,
		stages:   models.AllStages,
		batch:    50,
		instance: instance,
		logger:   logger.With("component", "enrichment"),
		now:      time.Now,

		stoppingTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.booted.Store(!c.awaitBoot)
	return c
}

// Flags exposes the local flags to the worker pool.
func (c *Controller) Flags() *Flags {
	return c.flags
}

// Stages returns the enabled stages in dispatch order.
func (c *Controller) Stages() []models.Stage {
	return c.stages
}

// SyncState reconciles local flags with the shared record and converges the pool when
// they disagree.
func (c *Controller) SyncState(ctx context.Context) (models.EnrichmentState, error) {
	st, err := c.store.GetEnrichmentState(ctx)
	if err != nil {
		return models.EnrichmentState{}, fmt.Errorf("load enrichment state: %w", err)
	}
	local := c.flags.Status()
	if local == st.Status {
		return st, nil
	}
	telemetry.StateCorrections.Inc()
	c.logger.Warn("local enrichment flags out of sync, correcting",
		"local", local,
		"shared", st.Status,
		"updated_by", st.UpdatedBy,
	)
	c.applyLocal(ctx, st.Status)
	return st, nil
}

// Pass adapts SyncState to the scheduler; a running pipeline also gets a dispatch.
func (c *Controller) Pass(ctx context.Context) (bool, error) {
	local := c.flags.Status()
	st, err := c.SyncState(ctx)
	if err != nil {
		return false, err
	}
	if st, err = c.settleStopping(ctx, st, c.stoppingTimeout); err != nil {
		return false, err
	}
	if st.Status != models.EnrichmentRunning {
		return false, nil
	}
	n, err := c.Dispatch(ctx)
	return n > 0 || local != st.Status, err
}

// Start moves idle or paused enrichment to running.
func (c *Controller) Start(ctx context.Context) (models.EnrichmentState, error) {
	st, err := c.SyncState(ctx)
	if err != nil {
		return st, err
	}
	if st, err = c.settleStopping(ctx, st, c.stoppingTimeout); err != nil {
		return st, err
	}
	if st.Status == models.EnrichmentRunning {
		return st, nil
	}
	if st.Status == models.EnrichmentStopping {
		return st, fmt.Errorf("start while stopping: %w", ErrInvalidState)
	}
	return c.transition(ctx, models.EnrichmentRunning, MsgResume)
}

// Pause stops new work everywhere. Tasks in progress finish.
func (c *Controller) Pause(ctx context.Context) (models.EnrichmentState, error) {
	st, err := c.SyncState(ctx)
	if err != nil {
		return st, err
	}
	switch st.Status {
	case models.EnrichmentPaused:
		return st, nil
	case models.EnrichmentRunning:
		return c.transition(ctx, models.EnrichmentPaused, MsgPause)
	default:
		return st, fmt.Errorf("pause while %s: %w", st.Status, ErrInvalidState)
	}
}

// Resume continues paused enrichment.
func (c *Controller) Resume(ctx context.Context) (models.EnrichmentState, error) {
	st, err := c.SyncState(ctx)
	if err != nil {
		return st, err
	}
	switch st.Status {
	case models.EnrichmentRunning:
		return st, nil
	case models.EnrichmentPaused:
		return c.transition(ctx, models.EnrichmentRunning, MsgResume)
	default:
		return st, fmt.Errorf("resume while %s: %w", st.Status, ErrInvalidState)
	}
}

// Stop cancels running work and drains the queues. The state passes through stopping and
// always ends idle.
func (c *Controller) Stop(ctx context.Context) (models.EnrichmentState, error) {
	st, err := c.SyncState(ctx)
	if err != nil {
		return st, err
	}
	if st.Status == models.EnrichmentIdle {
		return st, nil
	}
	if _, err := c.transition(ctx, models.EnrichmentStopping, MsgStop); err != nil {
		return st, err
	}
	if c.queue != nil {
		for _, stage := range c.stages {
			if n, err := c.queue.Purge(ctx, stage); err != nil {
				c.logger.Warn("queue purge failed", "stage", stage, "error", err)
			} else if n > 0 {
				c.logger.Info("queue purged", "stage", stage, "dropped", n)
			}
		}
	}
	// In-flight rows of interrupted tasks go back to pending for the next start.
	if _, err := c.store.ResetInFlightTasks(ctx); err != nil {
		c.logger.Warn("reset in-flight tasks after stop failed", "error", err)
	}
	idle, err := c.store.SaveEnrichmentState(ctx, models.EnrichmentIdle, c.instance)
	if err != nil {
		return st, fmt.Errorf("save enrichment state: %w", err)
	}
	c.flags.set(models.EnrichmentIdle)
	return idle, nil
}

// ReRunStage resets every finished task of one stage to pending and drops its queued
// items, then dispatches when running.
func (c *Controller) ReRunStage(ctx context.Context, stage models.Stage) (int64, error) {
	st, err := c.SyncState(ctx)
	if err != nil {
		return 0, err
	}
	if st.Status == models.EnrichmentStopping {
		return 0, fmt.Errorf("re-run while stopping: %w", ErrInvalidState)
	}
	if c.queue != nil {
		if _, err := c.queue.Purge(ctx, stage); err != nil {
			return 0, fmt.Errorf("purge %s queue: %w", stage, err)
		}
	}
	n, err := c.store.ResetStage(ctx, stage)
	if err != nil {
		return 0, fmt.Errorf("reset %s tasks: %w", stage, err)
	}
	c.logger.Info("stage reset for re-run", "stage", stage, "tasks", n)
	if st.Status == models.EnrichmentRunning {
		if _, err := c.dispatchStage(ctx, stage); err != nil {
			c.logger.Warn("dispatch after re-run failed", "stage", stage, "error", err)
		}
	}
	return n, nil
}

// StatusReport is the externally visible control plane state.
type StatusReport struct {
	State      models.EnrichmentState                     `json:"state"`
	Local      models.EnrichmentStatus                    `json:"local"`
	Held       []models.Stage                             `json:"held,omitempty"`
	Tasks      map[models.Stage]map[models.TaskStatus]int `json:"tasks"`
	QueueDepth map[models.Stage]int64                     `json:"queue_depth,omitempty"`
}

// Status syncs, then reports state and per-stage counts.
func (c *Controller) Status(ctx context.Context) (StatusReport, error) {
	st, err := c.SyncState(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	counts, err := c.store.TaskCounts(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("task counts: %w", err)
	}
	rep := StatusReport{State: st, Local: c.flags.Status(), Tasks: counts}
	for _, stage := range c.stages {
		if c.flags.Held(stage) {
			rep.Held = append(rep.Held, stage)
		}
	}
	if c.queue != nil {
		rep.QueueDepth = make(map[models.Stage]int64, len(c.stages))
		for _, stage := range c.stages {
			d, err := c.queue.Depth(ctx, stage)
			if err != nil {
				c.logger.Warn("queue depth failed", "stage", stage, "error", err)
				continue
			}
			rep.QueueDepth[stage] = d
			telemetry.QueueDepthGauge.WithLabelValues(string(stage)).Set(float64(d))
		}
	}
	return rep, nil
}

// Recover resets every task left processing by a crash. It runs under the recovery lock
// when one is configured; a process that finds the lock taken waits for the holder.
func (c *Controller) Recover(ctx context.Context) error {
	run := func(ctx context.Context) error {
		reset, err := c.store.ResetInFlightTasks(ctx)
		if err != nil {
			return fmt.Errorf("reset in-flight tasks: %w", err)
		}
		for stage, n := range reset {
			if n == 0 {
				continue
			}
			telemetry.RecoveredOnStart.WithLabelValues(string(stage)).Add(float64(n))
			c.logger.Info("recovered tasks left processing", "stage", stage, "count", n)
		}
		return nil
	}
	if c.locker == nil {
		return run(ctx)
	}
	ran, err := c.locker.Do(ctx, recoveryLock, run)
	if err != nil {
		return err
	}
	if !ran {
		c.logger.Info("crash recovery done by another process")
	}
	return nil
}

// Boot recovers crashed tasks, adopts the shared state and dispatches when running. Nothing
// is dispatched before recovery finished. A stopping record found at boot belongs to a stop
// that never finished and is resolved to idle.
func (c *Controller) Boot(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil {
		return err
	}
	st, err := c.SyncState(ctx)
	if err != nil {
		return err
	}
	if st, err = c.settleStopping(ctx, st, 0); err != nil {
		return err
	}
	c.booted.Store(true)
	if st.Status == models.EnrichmentRunning {
		if _, err := c.Dispatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch enqueues pending tasks for every enabled stage. It does nothing unless the
// local flags say running.
func (c *Controller) Dispatch(ctx context.Context) (int, error) {
	if c.queue == nil || c.flags.Status() != models.EnrichmentRunning {
		return 0, nil
	}
	if !c.booted.Load() {
		c.logger.Debug("dispatch held until boot recovery finishes")
		return 0, nil
	}
	total := 0
	var errs []error
	for _, stage := range c.stages {
		n, err := c.dispatchStage(ctx, stage)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if total > 0 && c.pool != nil {
		c.pool.Wake()
	}
	return total, errors.Join(errs...)
}

func (c *Controller) dispatchStage(ctx context.Context, stage models.Stage) (int, error) {
	if c.queue == nil || !c.booted.Load() {
		return 0, nil
	}
	pending, err := c.store.PendingTasks(ctx, stage, c.batch)
	if err != nil {
		return 0, fmt.Errorf("pending %s tasks: %w", stage, err)
	}
	n := 0
	for _, t := range pending {
		added, err := c.queue.Enqueue(ctx, stage, t.EntityID)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("tasks dispatched", "stage", stage, "count", n)
	}
	return n, nil
}

// settleStopping resolves a stopping record at least minAge old to idle. Stop always
// finishes at idle, so an old stopping record was left by a process that died mid-stop.
func (c *Controller) settleStopping(ctx context.Context, st models.EnrichmentState, minAge time.Duration) (models.EnrichmentState, error) {
	if st.Status != models.EnrichmentStopping || c.now().Sub(st.UpdatedAt) < minAge {
		return st, nil
	}
	c.logger.Warn("abandoned stop found, resolving to idle",
		"updated_by", st.UpdatedBy,
		"updated_at", st.UpdatedAt,
	)
	idle, err := c.store.SaveEnrichmentState(ctx, models.EnrichmentIdle, c.instance)
	if err != nil {
		return st, fmt.Errorf("save enrichment state: %w", err)
	}
	c.applyLocal(ctx, models.EnrichmentIdle)
	return idle, nil
}

// HandleMessage applies a control message from another process. The shared record is
// read back afterwards so a message that raced with a newer command cannot win.
func (c *Controller) HandleMessage(ctx context.Context, msg string) {
	telemetry.ControlMessages.WithLabelValues(msg).Inc()
	switch msg {
	case MsgPause:
		c.applyLocal(ctx, models.EnrichmentPaused)
	case MsgResume:
		c.applyLocal(ctx, models.EnrichmentRunning)
	case MsgStop:
		c.applyLocal(ctx, models.EnrichmentStopping)
	default:
		c.logger.Warn("unknown control message", "message", msg)
		return
	}
	if _, err := c.SyncState(ctx); err != nil {
		c.logger.Warn("state sync after control message failed", "message", msg, "error", err)
	}
}

// Listen subscribes to the control channel until ctx is done.
func (c *Controller) Listen(ctx context.Context, sub Subscriber) (func() error, error) {
	return sub.Subscribe(ctx, c.channel, c.HandleMessage)
}

func (c *Controller) transition(ctx context.Context, to models.EnrichmentStatus, msg string) (models.EnrichmentState, error) {
	st, err := c.store.SaveEnrichmentState(ctx, to, c.instance)
	if err != nil {
		return models.EnrichmentState{}, fmt.Errorf("save enrichment state: %w", err)
	}
	c.logger.Info("enrichment state changed", "status", to)
	if c.publisher != nil && c.channel != "" {
		if err := c.publisher.Publish(ctx, c.channel, msg); err != nil {
			c.logger.Warn("control message publish failed", "message", msg, "error", err)
		}
	}
	c.applyLocal(ctx, to)
	return st, nil
}

// applyLocal moves the flags to status and issues the matching pool action.
func (c *Controller) applyLocal(ctx context.Context, status models.EnrichmentStatus) {
	prev := c.flags.Status()
	c.flags.set(status)
	switch status {
	case models.EnrichmentRunning:
		if prev != models.EnrichmentRunning {
			if _, err := c.Dispatch(ctx); err != nil {
				c.logger.Warn("dispatch on resume failed", "error", err)
			}
			if c.pool != nil {
				c.pool.Wake()
			}
		}
	case models.EnrichmentStopping, models.EnrichmentIdle:
		if c.pool != nil && (prev == models.EnrichmentRunning || prev == models.EnrichmentPaused) {
			c.pool.Interrupt()
		}
	}
}
