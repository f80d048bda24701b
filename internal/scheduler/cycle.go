// Package scheduler runs self-rescheduling cycles.
//
// A Cycle never overlaps itself: a trigger that arrives while a run is in flight is
// dropped, and the next run is armed only after the current one returns. Panics and
// errors from a run are logged and the chain continues.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"media-reconciler/internal/telemetry"
)

// RunFunc performs one pass. active reports whether the pass observed any work; a run of
// idle passes can suspend the cycle.
type RunFunc func(ctx context.Context) (active bool, err error)

// Cycle is one guarded timer chain.
type Cycle struct {
	name      string
	interval  time.Duration
	run       RunFunc
	idleLimit int
	logger    *slog.Logger

	inFlight atomic.Bool

	mu        sync.Mutex
	ctx       context.Context
	timer     *time.Timer
	idle      int
	suspended bool
	stopped   bool
}

// Option configures a Cycle.
type Option func(*Cycle)

// WithIdleSuspend suspends the cycle after n consecutive passes without activity. Zero
// disables suspension.
func WithIdleSuspend(n int) Option {
	return func(c *Cycle) { c.idleLimit = n }
}

// NewCycle builds a cycle that waits interval between the end of one run and the start
// of the next.
func NewCycle(name string, interval time.Duration, run RunFunc, logger *slog.Logger, opts ...Option) *Cycle {
	c := &Cycle{name: name, interval: interval, run: run, logger: logger.With("cycle", name)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the cycle name.
func (c *Cycle) Name() string {
	return c.name
}

// Start runs the first pass immediately and keeps the chain going until ctx is done.
func (c *Cycle) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.stopped = false
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	go c.execute(ctx)
}

// Stop disarms the pending timer. A run in flight finishes but does not reschedule.
func (c *Cycle) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Trigger asks for a run now. It resumes a suspended cycle and returns false when a run
// is already in flight, in which case nothing else happens.
func (c *Cycle) Trigger() bool {
	if c.inFlight.Load() {
		telemetry.CycleSkips.WithLabelValues(c.name).Inc()
		return false
	}
	c.mu.Lock()
	ctx := c.ctx
	if c.suspended {
		c.logger.Info("cycle resumed by trigger")
		c.suspended = false
		telemetry.CycleSuspended.WithLabelValues(c.name).Set(0)
	}
	c.idle = 0
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go c.execute(ctx)
	return true
}

// RunOnce runs a pass synchronously. It returns false without running when another pass
// is in flight.
func (c *Cycle) RunOnce(ctx context.Context) bool {
	return c.execute(ctx)
}

// Suspended reports whether the cycle stopped itself after idle passes.
func (c *Cycle) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// InFlight reports whether a pass is running.
func (c *Cycle) InFlight() bool {
	return c.inFlight.Load()
}

func (c *Cycle) execute(ctx context.Context) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		telemetry.CycleSkips.WithLabelValues(c.name).Inc()
		c.logger.Debug("cycle already in flight, run skipped")
		return false
	}
	defer c.inFlight.Store(false)

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	start := time.Now()
	active, err := c.safeRun(ctx)
	telemetry.CycleDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.CycleRuns.WithLabelValues(c.name, "error").Inc()
		c.logger.Error("cycle failed", "error", err, "duration", time.Since(start))
	} else {
		telemetry.CycleRuns.WithLabelValues(c.name, "ok").Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if active {
		c.idle = 0
	} else {
		c.idle++
	}
	if c.idleLimit > 0 && c.idle >= c.idleLimit {
		if !c.suspended {
			c.logger.Info("cycle suspended after idle passes", "idle_passes", c.idle)
			telemetry.CycleSuspended.WithLabelValues(c.name).Set(1)
		}
		c.suspended = true
		return true
	}
	if c.stopped || c.ctx == nil || ctx.Err() != nil {
		return true
	}
	c.timer = time.AfterFunc(c.interval, func() { c.execute(ctx) })
	return true
}

func (c *Cycle) safeRun(ctx context.Context) (active bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cycle %s: %v", c.name, r)
		}
	}()
	return c.run(ctx)
}
