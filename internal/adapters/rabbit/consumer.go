package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

// Handler processes one delivery. A nil error acks it. An error marked with
// a permanent sentinel is dropped, anything else is requeued.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consumer reads a durable queue bound to the events exchange.
type Consumer struct {
	ch        *amqp.Channel
	queue     string
	permanent error
	logger    observability.Logger
}

// NewConsumer declares queue and binds it to Exchange with each routing key
// pattern. Handler errors matching permanent are not requeued.
func NewConsumer(conn *amqp.Connection, queue string, keys []string, permanent error, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare queue %s", queue)
	}
	for _, key := range keys {
		if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
			return nil, errors.Wrapf(err, "bind %s to %s", queue, key)
		}
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, queue: queue, permanent: permanent, logger: logger}, nil
}

// Run hands every delivery to h until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.queue)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Newf("delivery channel for %s closed", c.queue)
			}
			c.handle(ctx, h, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	err := h(ctx, d)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	requeue := c.permanent == nil || !errors.Is(err, c.permanent)
	c.logger.WithError(err).WithFields(map[string]interface{}{
		"routing_key": d.RoutingKey,
		"message_id":  d.MessageId,
		"requeue":     requeue,
	}).Warn("event handling failed")
	_ = d.Nack(false, requeue)
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
