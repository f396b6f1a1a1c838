package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

const (
	EventOrderCreated    = "order.created"
	EventGiftCardDebited = "giftcard.debited"
)

type Event struct {
	ID        uuid.UUID
	Type      string
	Key       string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Appender writes an event in the caller's transaction, so the event is
// published if and only if the surrounding unit of work commits.
type Appender interface {
	Append(ctx context.Context, q db.Querier, eventType, key string, payload any) error
}

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, q db.Querier, eventType, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: failed to marshal %s payload: %w", eventType, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("outbox: failed to generate event id: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, message_key, payload, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, id, eventType, key, data)
	if err != nil {
		return fmt.Errorf("outbox: failed to insert %s event: %w", eventType, err)
	}
	return nil
}

// FetchPending locks up to limit unsent events. Rows locked by another
// publisher are skipped.
func (s *Store) FetchPending(ctx context.Context, q db.Querier, limit int) ([]Event, error) {
	rows, err := q.Query(ctx, `
		SELECT id, event_type, message_key, payload, created_at
		FROM outbox_events
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: failed to query pending events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Key, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: failed to scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: failed iterating pending events: %w", err)
	}
	return events, nil
}

func (s *Store) MarkSent(ctx context.Context, q db.Querier, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `UPDATE outbox_events SET sent_at = now() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("outbox: failed to mark %d events sent: %w", len(ids), err)
	}
	return nil
}
