package models

import (
	"strconv"
	"time"
)

// JobStatus enumerates download job lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Metadata keys carried in DownloadJob.Metadata.
const (
	MetaRetryCount = "retryCount"
	MetaLastError  = "lastError"
	MetaArtist     = "artistName"
	MetaAlbum      = "albumTitle"
	MetaVanishedAt = "vanishedAt"
	MetaResolvedBy = "resolvedBy"
)

// ActiveJobStatuses are the non-terminal statuses.
var ActiveJobStatuses = []JobStatus{JobPending, JobProcessing}

// IsTerminal reports whether no automatic transition leaves the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// DownloadJob is one acquisition request tracked through its lifecycle.
type DownloadJob struct {
	ID          string         `json:"id"`
	Status      JobStatus      `json:"status"`
	Subject     string         `json:"subject"`
	TargetMBID  string         `json:"target_mbid,omitempty"`
	DownloadRef string         `json:"download_ref,omitempty"`
	BatchID     string         `json:"batch_id,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RetryCount reads the retry counter from metadata. JSON round trips turn it into float64.
func (j DownloadJob) RetryCount() int {
	switch v := j.Metadata[MetaRetryCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// Artist returns the resolved artist name, if any.
func (j DownloadJob) Artist() string {
	return metaString(j.Metadata, MetaArtist)
}

// Album returns the resolved album title, if any.
func (j DownloadJob) Album() string {
	return metaString(j.Metadata, MetaAlbum)
}

// LastError returns the last recorded failure reason.
func (j DownloadJob) LastError() string {
	return metaString(j.Metadata, MetaLastError)
}

// VanishedAt returns when the job was first seen missing from the acquisition queue.
func (j DownloadJob) VanishedAt() (time.Time, bool) {
	raw := metaString(j.Metadata, MetaVanishedAt)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CloneMetadata returns a shallow copy safe to mutate before persisting.
func (j DownloadJob) CloneMetadata() map[string]any {
	out := make(map[string]any, len(j.Metadata)+2)
	for k, v := range j.Metadata {
		out[k] = v
	}
	return out
}

// JobTransition describes a guarded status change. The update only applies while the row
// is still in one of From.
type JobTransition struct {
	JobID       string
	From        []JobStatus
	To          JobStatus
	Metadata    map[string]any
	DownloadRef *string
	CompletedAt *time.Time
}

func metaString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
