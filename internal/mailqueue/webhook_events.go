package mailqueue

import (
	"context"
	"fmt"

	"github.com/rangeops/rangehub/internal/domain"
)

// RecordWebhookEvent appends one provider feedback event. Append-only.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev domain.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_type, email, provider_message_id, reason, occurred_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventType, ev.Email, ev.ProviderMessageID, ev.Reason, ev.OccurredAt, s.now())
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// ListWebhookEvents returns recent events newest first.
func (s *Store) ListWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, email, provider_message_id, reason, occurred_at, received_at
		FROM webhook_events
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Email, &ev.ProviderMessageID,
			&ev.Reason, &ev.OccurredAt, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
