package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type pendingStore interface {
	FetchPending(ctx context.Context, q db.Querier, limit int) ([]Event, error)
	MarkSent(ctx context.Context, q db.Querier, ids []uuid.UUID) error
}

// NewKafkaWriter returns a writer without a fixed topic; every message
// carries its own.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

type Publisher struct {
	tx       db.Transactor
	store    pendingStore
	writer   MessageWriter
	routes   map[string]string
	interval time.Duration
	batch    int

	published func(eventType string)
}

// NewPublisher routes each event type to a Kafka topic.
func NewPublisher(tx db.Transactor, store pendingStore, writer MessageWriter, routes map[string]string, interval time.Duration, batch int) *Publisher {
	return &Publisher{
		tx:       tx,
		store:    store,
		writer:   writer,
		routes:   routes,
		interval: interval,
		batch:    batch,
	}
}

// OnPublished registers fn to be called once per delivered event.
func (p *Publisher) OnPublished(fn func(eventType string)) *Publisher {
	p.published = fn
	return p
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.interval).Msg("Outbox publisher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox publisher stopped")
			return
		case <-ticker.C:
			if _, err := p.PublishPending(ctx); err != nil {
				log.Error().Err(err).Msg("outbox: publish cycle failed")
			}
		}
	}
}

// PublishPending sends one batch and marks it sent in the same transaction
// that locked it. A failed write leaves the batch pending for the next cycle.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	var sent []string

	err := p.tx.ReadCommitted(ctx, func(ctx context.Context, tx pgx.Tx) error {
		sent = sent[:0]
		events, err := p.store.FetchPending(ctx, tx, p.batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		msgs := make([]kafka.Message, 0, len(events))
		ids := make([]uuid.UUID, 0, len(events))
		for _, e := range events {
			topic, ok := p.routes[e.Type]
			if !ok {
				log.Warn().Stringer("event_id", e.ID).Str("event_type", e.Type).Msg("outbox: no topic configured for event type, leaving pending")
				continue
			}
			msgs = append(msgs, kafka.Message{
				Topic: topic,
				Key:   []byte(e.Key),
				Value: e.Payload,
				Time:  e.CreatedAt,
				Headers: []kafka.Header{
					{Key: "event_id", Value: []byte(e.ID.String())},
					{Key: "event_type", Value: []byte(e.Type)},
				},
			})
			ids = append(ids, e.ID)
		}
		if len(msgs) == 0 {
			return nil
		}

		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("outbox: failed to write %d messages: %w", len(msgs), err)
		}

		if err := p.store.MarkSent(ctx, tx, ids); err != nil {
			return err
		}
		for _, m := range msgs {
			sent = append(sent, eventType(m))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(sent) > 0 {
		log.Debug().Int("count", len(sent)).Msg("outbox: events published")
	}
	if p.published != nil {
		for _, t := range sent {
			p.published(t)
		}
	}
	return len(sent), nil
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}
