package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceLidarr is the acquisition automation service sending webhooks.
const SourceLidarr = "lidarr"

// Webhook event types understood by the reconciler.
const (
	EventGrab            = "Grab"
	EventDownload        = "Download"
	EventImportFailure   = "ImportFailure"
	EventDownloadFailure = "DownloadFailure"
	EventTest            = "Test"
)

// WebhookEvent is an append-only ledger entry for an inbound notification.
type WebhookEvent struct {
	ID            string         `json:"id"`
	DedupKey      string         `json:"dedup_key"`
	Source        string         `json:"source"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Processed     bool           `json:"processed"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	RetryCount    int            `json:"retry_count"`
	CreatedAt     time.Time      `json:"created_at"`
}

// WebhookPayload is the structured shape of an acquisition-service notification.
type WebhookPayload struct {
	EventType  string     `json:"eventType"`
	DownloadID string     `json:"downloadId,omitempty"`
	Artist     *ArtistRef `json:"artist,omitempty"`
	Album      *AlbumRef  `json:"album,omitempty"`
	Albums     []AlbumRef `json:"albums,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// ArtistRef identifies an artist inside a webhook payload.
type ArtistRef struct {
	Name            string `json:"name"`
	ForeignArtistID string `json:"foreignArtistId,omitempty"`
}

// AlbumRef identifies an album inside a webhook payload.
type AlbumRef struct {
	Title          string `json:"title"`
	ForeignAlbumID string `json:"foreignAlbumId,omitempty"`
}

// DecodePayload converts the opaque ledger payload into its structured form.
func DecodePayload(raw map[string]any) (WebhookPayload, error) {
	var p WebhookPayload
	data, err := json.Marshal(raw)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// AlbumMBID returns the album foreign id, looking at the album list when the single
// album field is absent.
func (p WebhookPayload) AlbumMBID() string {
	if p.Album != nil && p.Album.ForeignAlbumID != "" {
		return p.Album.ForeignAlbumID
	}
	for _, a := range p.Albums {
		if a.ForeignAlbumID != "" {
			return a.ForeignAlbumID
		}
	}
	return ""
}

// AlbumTitle returns the first album title found in the payload.
func (p WebhookPayload) AlbumTitle() string {
	if p.Album != nil && p.Album.Title != "" {
		return p.Album.Title
	}
	for _, a := range p.Albums {
		if a.Title != "" {
			return a.Title
		}
	}
	return ""
}

// ArtistName returns the artist name, if present.
func (p WebhookPayload) ArtistName() string {
	if p.Artist == nil {
		return ""
	}
	return p.Artist.Name
}
