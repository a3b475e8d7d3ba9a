package domain

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservation_MoveTo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from    Status
		to      Status
		changed bool
		wantErr bool
	}{
		{StatusPending, StatusConfirmed, true, false},
		{StatusConfirmed, StatusConfirmed, false, false},
		{StatusCancelled, StatusConfirmed, false, true},
		{StatusPending, StatusCancelled, true, false},
		{StatusConfirmed, StatusCancelled, true, false},
		{StatusCancelled, StatusCancelled, false, false},
		{StatusPending, StatusPending, false, true},
		{StatusConfirmed, StatusPending, false, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			r := Reservation{ID: uuid.New(), Status: tc.from}
			changed, err := r.MoveTo(tc.to)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.changed, changed)
		})
	}
}

func TestNewReservation_PricesFromTour(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tour := Tour{ID: uuid.New(), PriceCents: 12_50, Capacity: 10, Available: 10}

	r := NewReservation(tour, 4, Customer{Name: " Ada ", Email: "ada@example.com"}, "", now)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, int64(50_00), r.TotalPriceCents)
	assert.Equal(t, "Ada", r.Customer.Name)
	assert.Equal(t, now, r.CreatedAt)
	assert.Equal(t, tour.ID, r.TourID)
}

func TestValidateRequest(t *testing.T) {
	err := ValidateRequest(uuid.Nil, 0, Customer{Email: "not-an-address"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields(), "tour_id")
	assert.Contains(t, verr.Fields(), "number_of_people")
	assert.Contains(t, verr.Fields(), "customer.name")
	assert.Contains(t, verr.Fields(), "customer.email")

	assert.NoError(t, ValidateRequest(uuid.New(), 2, Customer{Name: "Ada", Email: "ada@example.com"}))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("confirmed")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, st)

	_, err = ParseStatus("ARCHIVED")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestErrorsMatchSentinels(t *testing.T) {
	tourID := uuid.New()
	insufficient := errors.Wrap(&InsufficientCapacityError{TourID: tourID, Requested: 3, Available: 2}, "reserve")
	assert.True(t, errors.Is(insufficient, ErrInsufficientCapacity))

	var ice *InsufficientCapacityError
	require.True(t, errors.As(insufficient, &ice))
	assert.Equal(t, 1, ice.Deficit())

	partial := &PartialCapacityFailureError{TourID: tourID, Cause: &CapacityOverflowError{TourID: tourID}}
	assert.True(t, errors.Is(partial, ErrPartialCapacityFailure))
	assert.Contains(t, partial.Error(), tourID.String())
}
