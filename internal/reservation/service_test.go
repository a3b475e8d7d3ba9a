package reservation_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/tour-reservations/internal/clock"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/ledger"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/reservation"
	"github.com/robertarktes/tour-reservations/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *testutil.MemStore
	cache   *testutil.Invalidator
	auditor *testutil.Auditor
	svc     *reservation.Service
}

func newFixture() fixture {
	store := testutil.NewMemStore()
	logger := observability.NewLoggerWithLevel("error")
	cache := &testutil.Invalidator{Store: store}
	auditor := &testutil.Auditor{}
	svc := reservation.NewService(store, ledger.New(store, logger), cache, clock.NewFixed(now), logger,
		reservation.WithAuditor(auditor))
	return fixture{store: store, cache: cache, auditor: auditor, svc: svc}
}

func input(tourID uuid.UUID, people int) reservation.CreateInput {
	return reservation.CreateInput{
		TourID:         tourID,
		NumberOfPeople: people,
		Customer:       domain.Customer{Name: "Grace Hopper", Email: "grace@example.com", Phone: "+1 555 0100"},
	}
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 75_00)

	a, err := f.svc.Create(context.Background(), input(tour.ID, 4))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, a.Status)
	assert.Equal(t, int64(300_00), a.TotalPriceCents)
	assert.Equal(t, 6, f.store.Tour(tour.ID).Available)

	a, err = f.svc.Confirm(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, a.Status)
	assert.Equal(t, 6, f.store.Tour(tour.ID).Available)

	a, err = f.svc.Cancel(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, a.Status)
	assert.Equal(t, 10, f.store.Tour(tour.ID).Available)

	require.NoError(t, f.store.CheckInvariant())
	assert.Equal(t, 3, f.cache.Calls())
	assert.False(t, f.cache.DuringTx())

	var events []string
	for _, rec := range f.store.Outbox() {
		events = append(events, rec.EventType)
	}
	assert.Equal(t, []string{reservation.EventCreated, reservation.EventConfirmed, reservation.EventCancelled}, events)
	assert.Len(t, f.auditor.Entries(), 3)
}

func TestCreateInsufficientCapacity(t *testing.T) {
	f := newFixture()
	tour := f.store.AddTour(domain.Tour{Capacity: 10, Available: 2, PriceCents: 100})

	_, err := f.svc.Create(context.Background(), input(tour.ID, 3))
	require.ErrorIs(t, err, domain.ErrInsufficientCapacity)

	var capErr *domain.InsufficientCapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 1, capErr.Deficit())

	assert.Equal(t, 2, f.store.Tour(tour.ID).Available)
	assert.Zero(t, f.store.ReservationCount())
	assert.Empty(t, f.store.Outbox())
	assert.Zero(t, f.cache.Calls())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 100)

	in := input(tour.ID, 0)
	in.Customer.Email = "not-an-address"
	_, err := f.svc.Create(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrValidation)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields(), "number_of_people")
	assert.Contains(t, verr.Fields(), "customer.email")
	assert.Zero(t, f.store.Commits())
}

func TestCreateUnknownTour(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), input(uuid.New(), 1))
	require.ErrorIs(t, err, domain.ErrTourNotFound)
	assert.Zero(t, f.store.ReservationCount())
}

func TestCreateRollsBackHoldWhenInsertFails(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(5, 100)
	f.store.FailOn("InsertReservation", errors.New("disk full"))

	_, err := f.svc.Create(context.Background(), input(tour.ID, 2))
	require.Error(t, err)
	assert.Equal(t, 5, f.store.Tour(tour.ID).Available)
	assert.Zero(t, f.store.ReservationCount())
	assert.Zero(t, f.cache.Calls())
}

func TestCreateRollsBackWhenCommitFails(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(5, 100)
	f.store.FailOn("Commit", domain.ErrTransactionFailure)

	_, err := f.svc.Create(context.Background(), input(tour.ID, 2))
	require.ErrorIs(t, err, domain.ErrTransactionFailure)
	assert.Equal(t, 5, f.store.Tour(tour.ID).Available)
	assert.Zero(t, f.cache.Calls())
}

func TestConcurrentCreateNeverOversells(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(5, 100)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), input(tour.ID, 3))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, domain.ErrInsufficientCapacity) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 2, f.store.Tour(tour.ID).Available)
	require.NoError(t, f.store.CheckInvariant())
}

func TestConfirmIsCapacityNeutral(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 100)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 2))
	require.NoError(t, err)
	before := f.store.Tour(tour.ID).Available

	_, err = f.svc.Confirm(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, before, f.store.Tour(tour.ID).Available)
}

func TestConfirmTwiceIsNoop(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 100)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 2))
	require.NoError(t, err)
	_, err = f.svc.Confirm(context.Background(), r.ID)
	require.NoError(t, err)
	calls, events := f.cache.Calls(), len(f.store.Outbox())

	got, err := f.svc.Confirm(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Equal(t, calls, f.cache.Calls())
	assert.Len(t, f.store.Outbox(), events)
}

func TestConfirmCancelledIsInvalid(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 100)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 2))
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), r.ID)
	require.NoError(t, err)

	_, err = f.svc.Confirm(context.Background(), r.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, _ := f.store.Reservation(r.ID)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, 10, f.store.Tour(tour.ID).Available)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 100)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 3))
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), input(tour.ID, 2))
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, f.store.Tour(tour.ID).Available)

	got, err := f.svc.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 8, f.store.Tour(tour.ID).Available)
	require.NoError(t, f.store.CheckInvariant())
}

func TestCancelConfirmedReleasesSeats(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(4, 100)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 4))
	require.NoError(t, err)
	_, err = f.svc.Confirm(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.store.Tour(tour.ID).Available)

	_, err = f.svc.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, f.store.Tour(tour.ID).Available)
}

func TestCancelRollsBackReleaseWhenStatusWriteFails(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 100)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 3))
	require.NoError(t, err)
	f.store.FailOn("UpdateReservationStatus", errors.New("connection reset"))

	_, err = f.svc.Cancel(context.Background(), r.ID)
	require.Error(t, err)
	assert.Equal(t, 7, f.store.Tour(tour.ID).Available)
	stored, _ := f.store.Reservation(r.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestTransitionNotFound(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Cancel(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
	_, err = f.svc.Transition(context.Background(), uuid.New(), domain.StatusPending)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestTransitionToPendingIsInvalid(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 100)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 1))
	require.NoError(t, err)

	_, err = f.svc.Transition(context.Background(), r.ID, domain.StatusPending)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := f.svc.Transition(context.Background(), r.ID, domain.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
}

func TestInvalidationFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture()
	f.cache.Err = errors.New("redis down")
	tour := f.store.NewTour(10, 100)

	r, err := f.svc.Create(context.Background(), input(tour.ID, 2))
	require.NoError(t, err)
	_, ok := f.store.Reservation(r.ID)
	assert.True(t, ok)
}

func TestCreatedEventPayload(t *testing.T) {
	f := newFixture()
	tour := f.store.NewTour(10, 20_00)
	r, err := f.svc.Create(context.Background(), input(tour.ID, 2))
	require.NoError(t, err)

	records := f.store.Outbox()
	require.Len(t, records, 1)
	assert.Equal(t, r.ID, records[0].AggregateID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(records[0].Payload, &payload))
	assert.Equal(t, r.ID.String(), payload["reservation_id"])
	assert.Equal(t, "PENDING", payload["status"])
	assert.EqualValues(t, 40_00, payload["total_price_cents"])
}

func TestSideEffectsSurviveCallerCancellationAfterCommit(t *testing.T) {
	base := testutil.NewMemStore()
	tour := base.NewTour(6, 50_00)
	logger := observability.NewLoggerWithLevel("error")
	cache := &testutil.Invalidator{Store: base}
	auditor := &testutil.Auditor{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := testutil.CancelOnCommit{MemStore: base, Cancel: cancel}
	svc := reservation.NewService(store, ledger.New(base, logger), cache, clock.NewFixed(now), logger,
		reservation.WithAuditor(auditor))

	res, err := svc.Create(ctx, input(tour.ID, 2))
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, 1, cache.Calls())
	require.Len(t, auditor.Entries(), 1)
	assert.Equal(t, []string{res.ID.String()}, auditor.Entries()[0].IDs)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	store.Cancel = cancel
	svc = reservation.NewService(store, ledger.New(base, logger), cache, clock.NewFixed(now), logger)

	_, err = svc.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Calls())
	assert.Equal(t, 6, base.Tour(tour.ID).Available)
}
