package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsStored     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ledger_events_stored_total", Help: "Webhook events written to the ledger"}, []string{"source"})
	EventsDuplicate  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ledger_events_duplicate_total", Help: "Webhook events dropped as duplicates"}, []string{"source"})
	EventsProcessed  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ledger_events_processed_total", Help: "Ledger events resolved by reconciliation"}, []string{"event_type"})
	EventsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ledger_events_failed_total", Help: "Ledger events that could not be resolved"}, []string{"event_type"})
	EventsArchived   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_events_archived_total", Help: "Processed events archived before retention cleanup"})
	EventsBacklog    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "ledger_events_backlog", Help: "Unprocessed ledger events"}, []string{"state"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_rate_limit_rejects_total", Help: "Webhook requests rejected by rate limiter"})
	JobTransitions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "download_job_transitions_total", Help: "Applied download job transitions"}, []string{"to", "reason"})
	JobRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "download_job_retries_total", Help: "In-place retries of processing jobs"})
	BatchesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "discovery_batches_completed_total", Help: "Discovery batches completed"}, []string{"reason"})
	CycleRuns        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cycle_runs_total", Help: "Scheduler cycle executions"}, []string{"cycle", "outcome"})
	CycleSkips       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cycle_skips_total", Help: "Triggers dropped because a cycle was in flight"}, []string{"cycle"})
	CycleDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "cycle_duration_seconds", Help: "Scheduler cycle duration", Buckets: prometheus.DefBuckets}, []string{"cycle"})
	CycleSuspended   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "cycle_suspended", Help: "1 when a cycle has suspended itself"}, []string{"cycle"})
	StepTimeouts     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "step_timeouts_total", Help: "Bounded external calls that timed out"}, []string{"step"})
	SweeperResets    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sweeper_resets_total", Help: "Stale entities reset for retry"}, []string{"kind"})
	SweeperFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sweeper_failures_total", Help: "Stale entities failed at the retry ceiling"}, []string{"kind"})
	EnrichmentState  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enrichment_state", Help: "1 for the current enrichment state"}, []string{"status"})
	StagePaused      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enrichment_stage_paused", Help: "1 when a stage is paused locally"}, []string{"stage"})
	WorkerTasks      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_tasks_total", Help: "Enrichment task outcomes"}, []string{"stage", "outcome"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enrichment_queue_depth", Help: "Ready queue depth per stage"}, []string{"stage"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrichment_tasks_inflight", Help: "Tasks currently leased"})
	RecoveredOnStart = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_recovered_on_start_total", Help: "Tasks reset by startup crash recovery"}, []string{"stage"})
	ControlMessages  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_control_messages_total", Help: "Control channel messages handled"}, []string{"message"})
	StateCorrections = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_state_corrections_total", Help: "Local flags corrected from the shared record"})
)

// SetEnrichmentState flips the state gauge so exactly one status reads 1.
func SetEnrichmentState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		EnrichmentState.WithLabelValues(s).Set(v)
	}
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsStored,
			EventsDuplicate,
			EventsProcessed,
			EventsFailed,
			EventsArchived,
			EventsBacklog,
			RateLimitRejects,
			JobTransitions,
			JobRetries,
			BatchesCompleted,
			CycleRuns,
			CycleSkips,
			CycleDuration,
			CycleSuspended,
			StepTimeouts,
			SweeperResets,
			SweeperFailures,
			EnrichmentState,
			StagePaused,
			WorkerTasks,
			QueueDepthGauge,
			InFlightGauge,
			RecoveredOnStart,
			ControlMessages,
			StateCorrections,
		)
	})
	return promhttp.Handler()
}
