package audit_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/audit"
	"github.com/robertarktes/tour-reservations/internal/clock"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broker struct {
	mu       sync.Mutex
	failures int
	msgs     []amqp.Publishing
	keys     []string
}

func (b *broker) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("channel closed")
	}
	b.keys = append(b.keys, key)
	b.msgs = append(b.msgs, msg)
	return nil
}

func newChecker(store audit.Store, b audit.Broker) *audit.Checker {
	return audit.NewChecker(store, b, observability.NewLoggerWithLevel("error"),
		clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), audit.WithRetry(3, time.Millisecond))
}

func TestCheckConsistentStore(t *testing.T) {
	store := testutil.NewMemStore()
	tour := store.NewTour(10, 100)
	store.AddReservation(domain.Reservation{TourID: tour.ID, NumberOfPeople: 2, Status: domain.StatusCancelled})
	b := &broker{}

	drift, err := newChecker(store, b).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drift)
	assert.Empty(t, b.msgs)
}

func TestCheckReportsDrift(t *testing.T) {
	store := testutil.NewMemStore()
	tour := store.AddTour(domain.Tour{Capacity: 10, Available: 9})
	store.AddReservation(domain.Reservation{TourID: tour.ID, NumberOfPeople: 3, Status: domain.StatusConfirmed})
	b := &broker{failures: 1}

	drift, err := newChecker(store, b).Check(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, tour.ID, drift[0].TourID)
	assert.Equal(t, 7, drift[0].Expected())

	require.Len(t, b.msgs, 1)
	assert.Equal(t, audit.EventCapacityDrift, b.keys[0])
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(b.msgs[0].Body, &payload))
	assert.EqualValues(t, 9, payload["available"])
	assert.EqualValues(t, 7, payload["expected"])

	assert.Equal(t, 9, store.Tour(tour.ID).Available)
}

func TestCheckWithoutBroker(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddTour(domain.Tour{Capacity: 4, Available: 1})

	drift, err := newChecker(store, nil).Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, drift, 1)
}

func TestCheckStoreFailure(t *testing.T) {
	store := testutil.NewMemStore()
	store.FailOn("CapacityDrift", errors.New("timeout"))

	_, err := newChecker(store, nil).Check(context.Background())
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := testutil.NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newChecker(store, nil).Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("auditor did not stop")
	}
}
