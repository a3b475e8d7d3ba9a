package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	redisadapter "github.com/robertarktes/tour-reservations/internal/adapters/redis"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/idempotency"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memIdempStore struct {
	mu    sync.Mutex
	resp  map[string]redisadapter.IdempResponse
	locks map[string]bool
}

func newMemIdempStore() *memIdempStore {
	return &memIdempStore{resp: map[string]redisadapter.IdempResponse{}, locks: map[string]bool{}}
}

func (m *memIdempStore) Get(_ context.Context, key string) (*redisadapter.IdempResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resp[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memIdempStore) Set(ctx context.Context, key string, resp redisadapter.IdempResponse, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resp[key] = resp
	return nil
}

func (m *memIdempStore) Lock(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *memIdempStore) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

type countingReservations struct {
	fakeReservations
	creates int
}

func (c *countingReservations) Create(ctx context.Context, in reservation.CreateInput) (domain.Reservation, error) {
	c.creates++
	return c.fakeReservations.Create(ctx, in)
}

func TestIdempotencyMiddlewareReplays(t *testing.T) {
	store := newMemIdempStore()
	logger := observability.NewLoggerWithLevel("error")
	svc := &countingReservations{fakeReservations: fakeReservations{
		res: domain.Reservation{ID: uuid.New(), Status: domain.StatusPending, NumberOfPeople: 2},
	}}
	h := SetupRouter(NewHandlers(svc, &fakeBulk{}, &fakeListing{}, nil, logger), logger, nil,
		idempotency.NewIdempotency(store, time.Hour))

	tourID := uuid.New()
	body := `{"tour_id":"` + tourID.String() + `","number_of_people":2,"customer":{"name":"Ada","email":"ada@example.com"}}`
	send := func(key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/reservations", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	key := "booking-7f3a9c21-0001"
	first := send(key, body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := send(key, body)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, svc.creates)

	reused := send(key, strings.Replace(body, `"number_of_people":2`, `"number_of_people":3`, 1))
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Equal(t, 1, svc.creates)

	short := send("abc", body)
	assert.Equal(t, http.StatusBadRequest, short.Code)

	store.locks["booking-7f3a9c21-0002"] = true
	busy := send("booking-7f3a9c21-0002", body)
	assert.Equal(t, http.StatusConflict, busy.Code)
	assert.Equal(t, 1, svc.creates)
}

func TestIdempotencyMiddlewareSkipsServerErrors(t *testing.T) {
	store := newMemIdempStore()
	logger := observability.NewLoggerWithLevel("error")
	svc := &countingReservations{fakeReservations: fakeReservations{err: assert.AnError}}
	h := SetupRouter(NewHandlers(svc, &fakeBulk{}, &fakeListing{}, nil, logger), logger, nil,
		idempotency.NewIdempotency(store, time.Hour))

	body := `{"tour_id":"` + uuid.NewString() + `","number_of_people":1,"customer":{"name":"Ada","email":"ada@example.com"}}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/reservations", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "retry-after-failure-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
	assert.Equal(t, 2, svc.creates)
	assert.Empty(t, store.resp)
	assert.Empty(t, store.locks)
}

// hangUpReservations cancels the request context once the reservation is
// created, as a client dropping the connection would.
type hangUpReservations struct {
	countingReservations
	cancel context.CancelFunc
}

func (h *hangUpReservations) Create(ctx context.Context, in reservation.CreateInput) (domain.Reservation, error) {
	defer h.cancel()
	return h.countingReservations.Create(ctx, in)
}

func TestIdempotencyMiddlewareStoresResponseAfterClientHangsUp(t *testing.T) {
	store := newMemIdempStore()
	logger := observability.NewLoggerWithLevel("error")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := &hangUpReservations{
		countingReservations: countingReservations{fakeReservations: fakeReservations{
			res: domain.Reservation{ID: uuid.New(), Status: domain.StatusPending, NumberOfPeople: 1},
		}},
		cancel: cancel,
	}
	h := SetupRouter(NewHandlers(svc, &fakeBulk{}, &fakeListing{}, nil, logger), logger, nil,
		idempotency.NewIdempotency(store, time.Hour))

	body := `{"tour_id":"` + uuid.NewString() + `","number_of_people":1,"customer":{"name":"Ada","email":"ada@example.com"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/reservations", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Idempotency-Key", "hang-up-after-commit-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Error(t, ctx.Err())
	assert.Contains(t, store.resp, "hang-up-after-commit-01")
	assert.Empty(t, store.locks)
}
