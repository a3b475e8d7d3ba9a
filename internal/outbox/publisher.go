package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimUnpublishedOutbox(ctx context.Context, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store    Store
	broker   Broker
	logger   observability.Logger
	interval time.Duration
	batch    int
}

func NewPublisher(store Store, broker Broker, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	return &Publisher{store: store, broker: broker, logger: logger, interval: interval, batch: batch}
}

func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("Outbox publisher started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.WithError(err).Error("outbox flush failed")
			}
		}
	}
}

// Flush claims one batch of unpublished records, publishes them and marks
// them published in the same transaction. Records whose publish fails stay
// NEW and are retried on the next tick; delivery is at-least-once and
// consumers deduplicate on MessageId.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	published := 0
	err := p.store.WithTx(ctx, func(ctx context.Context) error {
		published = 0
		records, err := p.store.ClaimUnpublishedOutbox(ctx, p.batch)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			observability.OutboxLag.Set(0)
			return nil
		}
		observability.OutboxLag.Set(time.Since(records[0].CreatedAt).Seconds())

		for _, rec := range records {
			msg := amqp.Publishing{
				MessageId:   rec.DedupeKey,
				ContentType: "application/json",
				Timestamp:   rec.CreatedAt,
				Type:        rec.EventType,
				Body:        rec.Payload,
			}
			if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
				observability.RabbitPublishRetries.Inc()
				p.logger.WithField("outbox_id", rec.ID).WithError(err).Warn("publish failed, will retry")
				continue
			}
			if err := p.store.MarkPublished(ctx, rec.ID, time.Now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}
