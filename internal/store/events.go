package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"media-reconciler/internal/models"
)

const eventColumns = `id, dedup_key, source, event_type, payload, processed, processed_at, correlation_id, error, retry_count, created_at`

func scanEvent(row pgx.Row) (models.WebhookEvent, error) {
	var (
		ev          models.WebhookEvent
		payloadJSON []byte
		correlation pgtype.Text
		errText     pgtype.Text
	)
	if err := row.Scan(&ev.ID, &ev.DedupKey, &ev.Source, &ev.EventType, &payloadJSON, &ev.Processed,
		&ev.ProcessedAt, &correlation, &errText, &ev.RetryCount, &ev.CreatedAt); err != nil {
		return models.WebhookEvent{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return models.WebhookEvent{}, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	ev.CorrelationID = textValue(correlation)
	ev.Error = textValue(errText)
	return ev, nil
}

func collectEvents(rows pgx.Rows) ([]models.WebhookEvent, error) {
	defer rows.Close()
	var out []models.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertEvent stores an event in one statement. When the dedup key already exists the
// insert is skipped and the existing row is returned with inserted=false.
func (s *Store) InsertEvent(ctx context.Context, ev models.WebhookEvent) (models.WebhookEvent, bool, error) {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return models.WebhookEvent{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (id, dedup_key, source, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING `+eventColumns,
		ev.ID, ev.DedupKey, ev.Source, ev.EventType, payloadJSON, ev.CreatedAt)
	stored, err := scanEvent(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, false, fmt.Errorf("insert event: %w", err)
	}
	existing, err := s.GetEventByDedupKey(ctx, ev.DedupKey)
	if err != nil {
		return models.WebhookEvent{}, false, err
	}
	return existing, false, nil
}

// GetEventByDedupKey fetches the ledger row owning a dedup key.
func (s *Store) GetEventByDedupKey(ctx context.Context, key string) (models.WebhookEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE dedup_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, fmt.Errorf("event %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// MarkEventProcessed flags an event as handled, keeping any earlier correlation id when
// none is supplied.
func (s *Store) MarkEventProcessed(ctx context.Context, id, correlationID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $2, correlation_id = COALESCE($3, correlation_id)
		WHERE id = $1
	`, id, at, emptyToNil(correlationID))
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkEventFailed appends an error line and bumps the retry count. The processed flag is
// left untouched.
func (s *Store) MarkEventFailed(ctx context.Context, id, errText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET error = CASE WHEN error IS NULL OR error = '' THEN $2 ELSE error || E'\n' || $2 END,
		    retry_count = retry_count + 1
		WHERE id = $1
	`, id, errText)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

// UnprocessedEvents returns unprocessed events below the retry cap, oldest first. An empty
// source matches every source.
func (s *Store) UnprocessedEvents(ctx context.Context, source string, maxRetries, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE processed = FALSE AND retry_count < $2 AND ($1 = '' OR source = $1)
		ORDER BY created_at, id
		LIMIT $3
	`, source, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	return collectEvents(rows)
}

// ProcessedEventsBefore pages through processed events created before cutoff.
func (s *Store) ProcessedEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE processed = TRUE AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query processed events: %w", err)
	}
	return collectEvents(rows)
}

// DeleteProcessedEvents removes the given events. Unprocessed rows are never deleted even
// when their id is listed.
func (s *Store) DeleteProcessedEvents(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE id = ANY($1) AND processed = TRUE`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EventBacklog counts unprocessed events still eligible for retry and those past the cap.
func (s *Store) EventBacklog(ctx context.Context, maxRetries int) (pending, exhausted int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1)
		FROM webhook_events
		WHERE processed = FALSE
	`, maxRetries).Scan(&pending, &exhausted)
	if err != nil {
		return 0, 0, fmt.Errorf("count event backlog: %w", err)
	}
	return pending, exhausted, nil
}
