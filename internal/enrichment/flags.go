package enrichment

import (
	"sync"

	"media-reconciler/internal/models"
	"media-reconciler/internal/telemetry"
)

var allStatuses = []string{
	string(models.EnrichmentIdle),
	string(models.EnrichmentRunning),
	string(models.EnrichmentPaused),
	string(models.EnrichmentStopping),
}

// Flags is the process-local cache of the shared enrichment state plus per-stage holds.
// Only the Controller and the Gate write it; workers read it before taking work.
type Flags struct {
	mu     sync.RWMutex
	status models.EnrichmentStatus
	holds  map[models.Stage]bool
}

// NewFlags starts idle with no holds.
func NewFlags() *Flags {
	telemetry.SetEnrichmentState(string(models.EnrichmentIdle), allStatuses)
	return &Flags{status: models.EnrichmentIdle, holds: make(map[models.Stage]bool)}
}

// Status returns the cached run state.
func (f *Flags) Status() models.EnrichmentStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *Flags) set(status models.EnrichmentStatus) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
	telemetry.SetEnrichmentState(string(status), allStatuses)
}

// Hold keeps a stage from taking new work regardless of the run state.
func (f *Flags) Hold(stage models.Stage) {
	f.mu.Lock()
	f.holds[stage] = true
	f.mu.Unlock()
	telemetry.StagePaused.WithLabelValues(string(stage)).Set(1)
}

// Release lifts a hold.
func (f *Flags) Release(stage models.Stage) {
	f.mu.Lock()
	delete(f.holds, stage)
	f.mu.Unlock()
	telemetry.StagePaused.WithLabelValues(string(stage)).Set(0)
}

// Held reports whether the stage is on hold.
func (f *Flags) Held(stage models.Stage) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.holds[stage]
}

// Runnable reports whether a worker may start a task of this stage.
func (f *Flags) Runnable(stage models.Stage) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status == models.EnrichmentRunning && !f.holds[stage]
}
