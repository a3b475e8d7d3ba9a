package audit

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

// ErrMalformedEvent marks a delivery that can never be processed, so the
// consumer drops it instead of requeueing.
var ErrMalformedEvent = errors.New("malformed event")

// DriftSink stores a drift finding in the audit trail.
type DriftSink interface {
	LogDrift(ctx context.Context, tourID uuid.UUID, data map[string]interface{}) error
}

// Recorder copies capacity.drift events published by the checker into the
// audit trail, so drift shows up next to the reservation history.
type Recorder struct {
	sink   DriftSink
	logger observability.Logger
}

func NewRecorder(sink DriftSink, logger observability.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

func (r *Recorder) Handle(ctx context.Context, d amqp.Delivery) error {
	if d.RoutingKey != EventCapacityDrift {
		r.logger.WithField("routing_key", d.RoutingKey).Debug("ignoring event")
		return nil
	}
	var ev DriftEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return errors.Mark(errors.Wrap(err, "decode drift event"), ErrMalformedEvent)
	}
	if ev.TourID == uuid.Nil {
		return errors.Wrap(ErrMalformedEvent, "drift event without tour_id")
	}
	return r.sink.LogDrift(ctx, ev.TourID, map[string]interface{}{
		"capacity":    ev.Capacity,
		"available":   ev.Available,
		"held":        ev.Held,
		"expected":    ev.Expected,
		"detected_at": ev.DetectedAt,
		"message_id":  d.MessageId,
	})
}
