package models

import "time"

// BatchStatus tracks a discovery batch.
type BatchStatus string

const (
	BatchDownloading BatchStatus = "downloading"
	BatchCompleted   BatchStatus = "completed"
)

// DiscoveryBatch groups the download jobs of one discovery playlist run.
type DiscoveryBatch struct {
	ID             string      `json:"id"`
	Status         BatchStatus `json:"status"`
	TargetCount    int         `json:"target_count"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// BatchProgress is a member-job count snapshot for one batch.
type BatchProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Active    int `json:"active"`
}

// ProgressFromCounts folds per-status counts into a BatchProgress.
func ProgressFromCounts(counts map[JobStatus]int) BatchProgress {
	var p BatchProgress
	for status, n := range counts {
		p.Total += n
		switch status {
		case JobCompleted:
			p.Completed += n
		case JobFailed:
			p.Failed += n
		case JobCancelled:
			p.Cancelled += n
		default:
			p.Active += n
		}
	}
	return p
}

// CatalogAlbum is an album already present in the local media catalog.
type CatalogAlbum struct {
	ID     string `json:"id"`
	Artist string `json:"artist"`
	Title  string `json:"title"`
	MBID   string `json:"mbid,omitempty"`
}
