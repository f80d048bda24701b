package enrichment

import (
	"log/slog"
	"sync"
	"time"

	"media-reconciler/internal/models"
)

// Gate keeps two memory-heavy stages from running together. Every completion of the
// leading stage holds the blocked stage and restarts a quiet-period timer; the hold is
// lifted only when the timer fires without another completion in between.
type Gate struct {
	flags   *Flags
	blocked models.Stage
	quiet   time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewGate builds a gate that holds blocked for quiet after each signal.
func NewGate(flags *Flags, blocked models.Stage, quiet time.Duration, logger *slog.Logger) *Gate {
	return &Gate{flags: flags, blocked: blocked, quiet: quiet, logger: logger}
}

// Signal records a completion of the leading stage.
func (g *Gate) Signal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer == nil {
		g.logger.Debug("stage held by gate", "stage", g.blocked, "quiet_period", g.quiet)
	} else {
		g.timer.Stop()
	}
	g.flags.Hold(g.blocked)
	g.gen++
	gen := g.gen
	g.timer = time.AfterFunc(g.quiet, func() { g.lift(gen) })
}

func (g *Gate) lift(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// A later signal re-armed the timer; this firing is stale.
	if gen != g.gen {
		return
	}
	g.timer = nil
	g.flags.Release(g.blocked)
	g.logger.Debug("gate quiet period elapsed", "stage", g.blocked)
}

// Pending reports whether a hold is waiting for its quiet period.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}

// Close cancels a pending resume and lifts the hold.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
	g.flags.Release(g.blocked)
}
