package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/audit"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type driftSink struct {
	err   error
	tours []uuid.UUID
	data  []map[string]interface{}
}

func (s *driftSink) LogDrift(_ context.Context, tourID uuid.UUID, data map[string]interface{}) error {
	if s.err != nil {
		return s.err
	}
	s.tours = append(s.tours, tourID)
	s.data = append(s.data, data)
	return nil
}

func TestRecorderStoresDriftEvents(t *testing.T) {
	sink := &driftSink{}
	rec := audit.NewRecorder(sink, observability.NewLoggerWithLevel("error"))
	tourID := uuid.New()
	body, err := json.Marshal(audit.DriftEvent{
		TourID:     tourID,
		Capacity:   10,
		Available:  4,
		Held:       5,
		Expected:   5,
		DetectedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	err = rec.Handle(context.Background(), amqp.Delivery{RoutingKey: audit.EventCapacityDrift, MessageId: "m-1", Body: body})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{tourID}, sink.tours)
	assert.Equal(t, 4, sink.data[0]["available"])
	assert.Equal(t, 5, sink.data[0]["expected"])
	assert.Equal(t, "m-1", sink.data[0]["message_id"])
}

func TestRecorderRejectsMalformedEvents(t *testing.T) {
	sink := &driftSink{}
	rec := audit.NewRecorder(sink, observability.NewLoggerWithLevel("error"))

	err := rec.Handle(context.Background(), amqp.Delivery{RoutingKey: audit.EventCapacityDrift, Body: []byte("{")})
	assert.ErrorIs(t, err, audit.ErrMalformedEvent)

	err = rec.Handle(context.Background(), amqp.Delivery{RoutingKey: audit.EventCapacityDrift, Body: []byte(`{"capacity":3}`)})
	assert.ErrorIs(t, err, audit.ErrMalformedEvent)
	assert.Empty(t, sink.tours)
}

func TestRecorderIgnoresOtherEventsAndSurfacesSinkErrors(t *testing.T) {
	sink := &driftSink{}
	rec := audit.NewRecorder(sink, observability.NewLoggerWithLevel("error"))
	require.NoError(t, rec.Handle(context.Background(), amqp.Delivery{RoutingKey: "reservation.created", Body: []byte("{}")}))
	assert.Empty(t, sink.tours)

	sink.err = errors.New("mongo unavailable")
	body, _ := json.Marshal(audit.DriftEvent{TourID: uuid.New()})
	err := rec.Handle(context.Background(), amqp.Delivery{RoutingKey: audit.EventCapacityDrift, Body: body})
	require.Error(t, err)
	assert.False(t, errors.Is(err, audit.ErrMalformedEvent))
}
