package models

import "time"

// EnrichmentStatus is the process-wide run state of the enrichment pipelines.
type EnrichmentStatus string

const (
	EnrichmentIdle     EnrichmentStatus = "idle"
	EnrichmentRunning  EnrichmentStatus = "running"
	EnrichmentPaused   EnrichmentStatus = "paused"
	EnrichmentStopping EnrichmentStatus = "stopping"
)

// EnrichmentState is the single shared control record.
type EnrichmentState struct {
	Status    EnrichmentStatus `json:"status"`
	UpdatedBy string           `json:"updated_by,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Stage names one enrichment pipeline.
type Stage string

const (
	StageArtist Stage = "artist"
	StageAudio  Stage = "audio"
	StageVibe   Stage = "vibe"
)

// AllStages lists stages in dispatch order.
var AllStages = []Stage{StageArtist, StageAudio, StageVibe}

// ParseStage validates a stage name.
func ParseStage(v string) (Stage, bool) {
	for _, s := range AllStages {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// TaskStatus is the per-entity sub-state of one stage.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// EnrichmentTask tracks one entity through one stage.
type EnrichmentTask struct {
	EntityID   string     `json:"entity_id"`
	Stage      Stage      `json:"stage"`
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
