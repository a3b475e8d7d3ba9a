// Package audit periodically verifies that every tour's available counter
// equals its capacity minus the seats held by live reservations. It reports
// drift and never repairs it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/clock"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

const EventCapacityDrift = "capacity.drift"

type Store interface {
	CapacityDrift(ctx context.Context) ([]domain.CapacityDrift, error)
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Checker struct {
	store      Store
	broker     Broker
	logger     observability.Logger
	clock      clock.Clock
	maxRetries int
	backoff    time.Duration
}

type Option func(*Checker)

// WithRetry sets how often a drift event publish is attempted and the base
// backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Checker) {
		c.maxRetries = attempts
		c.backoff = backoff
	}
}

// NewChecker accepts a nil broker, in which case drift is only logged.
func NewChecker(store Store, broker Broker, logger observability.Logger, clk clock.Clock, opts ...Option) *Checker {
	c := &Checker{store: store, broker: broker, logger: logger, clock: clk, maxRetries: 3, backoff: time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DriftEvent is the payload of a capacity.drift message.
type DriftEvent struct {
	TourID     uuid.UUID `json:"tour_id"`
	Capacity   int       `json:"capacity"`
	Available  int       `json:"available"`
	Held       int       `json:"held"`
	Expected   int       `json:"expected"`
	DetectedAt time.Time `json:"detected_at"`
}

func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.logger.WithField("interval", interval.String()).Info("capacity auditor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("capacity audit failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one audit pass and returns the tours that drifted.
func (c *Checker) Check(ctx context.Context) ([]domain.CapacityDrift, error) {
	drift, err := c.store.CapacityDrift(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "query capacity drift")
	}
	observability.CapacityDriftTours.Set(float64(len(drift)))

	now := c.clock.Now()
	for _, d := range drift {
		c.logger.WithFields(map[string]interface{}{
			"tour_id":   d.TourID,
			"capacity":  d.Capacity,
			"available": d.Available,
			"held":      d.Held,
			"expected":  d.Expected(),
		}).Warn("tour capacity drift")

		if c.broker == nil {
			continue
		}
		if err := c.publishWithRetry(ctx, d, now); err != nil {
			c.logger.WithError(err).WithField("tour_id", d.TourID).Error("failed to publish drift event after retries")
		}
	}
	return drift, nil
}

func (c *Checker) publishWithRetry(ctx context.Context, d domain.CapacityDrift, now time.Time) error {
	payload, err := json.Marshal(DriftEvent{
		TourID:     d.TourID,
		Capacity:   d.Capacity,
		Available:  d.Available,
		Held:       d.Held,
		Expected:   d.Expected(),
		DetectedAt: now,
	})
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		MessageId:   EventCapacityDrift + ":" + d.TourID.String() + ":" + now.Format(time.RFC3339),
		ContentType: "application/json",
		Timestamp:   now,
		Type:        EventCapacityDrift,
		Body:        payload,
	}

	for i := 0; i < c.maxRetries; i++ {
		if err = c.broker.Publish(ctx, EventCapacityDrift, msg); err == nil {
			return nil
		}
		observability.RabbitPublishRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff << i):
		}
	}
	return errors.Wrapf(err, "failed after %d retries", c.maxRetries)
}
