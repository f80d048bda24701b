// Package ledger is the append-only, idempotent store of inbound webhook events.
//
// Storage never checks before inserting: every event carries a dedup key and the insert
// itself resolves collisions by returning the row that already owns the key.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"media-reconciler/internal/models"
	"media-reconciler/internal/telemetry"
)

// ErrEmptySource is returned when an event is stored without a source.
var ErrEmptySource = errors.New("event source is required")

const defaultPageSize = 500

// Store is the persistence surface the ledger needs.
type Store interface {
	InsertEvent(ctx context.Context, ev models.WebhookEvent) (models.WebhookEvent, bool, error)
	MarkEventProcessed(ctx context.Context, id, correlationID string, at time.Time) error
	MarkEventFailed(ctx context.Context, id, errText string) error
	UnprocessedEvents(ctx context.Context, source string, maxRetries, limit int) ([]models.WebhookEvent, error)
	ProcessedEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookEvent, error)
	DeleteProcessedEvents(ctx context.Context, ids []string) (int64, error)
	EventBacklog(ctx context.Context, maxRetries int) (pending, exhausted int, err error)
}

// Archiver persists processed events before they are deleted.
type Archiver interface {
	ArchiveEvents(ctx context.Context, events []models.WebhookEvent) (string, error)
}

// Ledger wraps the event store.
type Ledger struct {
	store    Store
	logger   *slog.Logger
	archiver Archiver
	now      func() time.Time
	pageSize int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithArchiver archives each page of processed events before cleanup deletes it.
func WithArchiver(a Archiver) Option {
	return func(l *Ledger) { l.archiver = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPageSize sets how many events cleanup handles per round.
func WithPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// New builds a Ledger.
func New(st Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    st,
		logger:   logger,
		now:      time.Now,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StoreEvent records an event. When dedupKey is empty one is derived from the payload.
// A colliding key returns the existing event with created=false.
func (l *Ledger) StoreEvent(ctx context.Context, source, eventType string, payload map[string]any, dedupKey string) (models.WebhookEvent, bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return models.WebhookEvent{}, false, ErrEmptySource
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if eventType == "" {
		eventType, _ = payload["eventType"].(string)
	}
	if dedupKey == "" {
		key, err := DedupKey(source, eventType, payload)
		if err != nil {
			return models.WebhookEvent{}, false, err
		}
		dedupKey = key
	}

	ev, created, err := l.store.InsertEvent(ctx, models.WebhookEvent{
		ID:        uuid.NewString(),
		DedupKey:  dedupKey,
		Source:    source,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return models.WebhookEvent{}, false, fmt.Errorf("store event: %w", err)
	}
	if created {
		telemetry.EventsStored.WithLabelValues(source).Inc()
		l.logger.Debug("event stored", "event_id", ev.ID, "source", source, "event_type", eventType)
	} else {
		telemetry.EventsDuplicate.WithLabelValues(source).Inc()
		l.logger.Info("duplicate event ignored", "event_id", ev.ID, "dedup_key", dedupKey)
	}
	return ev, created, nil
}

// DedupKey derives the idempotency key for an event. The acquisition download id is
// preferred; without one the key is a content hash of the canonical payload.
func DedupKey(source, eventType string, payload map[string]any) (string, error) {
	if id, ok := payload["downloadId"].(string); ok && strings.TrimSpace(id) != "" {
		return fmt.Sprintf("%s:%s:%s", source, eventType, strings.TrimSpace(id)), nil
	}
	// encoding/json sorts map keys, so equal payloads marshal to equal bytes.
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:sha256:%s", source, eventType, hex.EncodeToString(sum[:])), nil
}

// MarkProcessed flags an event as handled and links it to a job when correlationID is set.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, correlationID string) error {
	return l.store.MarkEventProcessed(ctx, eventID, correlationID, l.now().UTC())
}

// MarkFailed records a failed resolution attempt. The event stays unprocessed.
func (l *Ledger) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.store.MarkEventFailed(ctx, eventID, msg)
}

// Unprocessed returns the events still eligible for resolution, oldest first. Events at
// or past maxRetries stay in the ledger for audit but are no longer returned.
func (l *Ledger) Unprocessed(ctx context.Context, source string, maxRetries, limit int) ([]models.WebhookEvent, error) {
	return l.store.UnprocessedEvents(ctx, source, maxRetries, limit)
}

// Backlog reports unprocessed counts and refreshes the backlog gauge.
func (l *Ledger) Backlog(ctx context.Context, maxRetries int) (pending, exhausted int, err error) {
	pending, exhausted, err = l.store.EventBacklog(ctx, maxRetries)
	if err != nil {
		return 0, 0, err
	}
	telemetry.EventsBacklog.WithLabelValues("pending").Set(float64(pending))
	telemetry.EventsBacklog.WithLabelValues("exhausted").Set(float64(exhausted))
	return pending, exhausted, nil
}

// CleanupOldEvents deletes processed events older than retentionDays, archiving each page
// first when an archiver is configured. Unprocessed events are kept regardless of age.
func (l *Ledger) CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := l.now().UTC().AddDate(0, 0, -retentionDays)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := l.store.ProcessedEventsBefore(ctx, cutoff, l.pageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}
		if l.archiver != nil {
			loc, err := l.archiver.ArchiveEvents(ctx, page)
			if err != nil {
				return total, fmt.Errorf("archive events: %w", err)
			}
			telemetry.EventsArchived.Add(float64(len(page)))
			l.logger.Debug("events archived", "count", len(page), "location", loc)
		}
		ids := make([]string, len(page))
		for i, ev := range page {
			ids[i] = ev.ID
		}
		n, err := l.store.DeleteProcessedEvents(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 || len(page) < l.pageSize {
			break
		}
	}
	if total > 0 {
		l.logger.Info("old events cleaned up", "deleted", total, "retention_days", retentionDays)
	}
	return total, nil
}
