// Package ledger is the only writer of a tour's available seat counter.
//
// Every operation runs inside a transaction owned by the caller and reads the
// tour row with a row lock before writing it, so concurrent holds on the same
// tour are serialized by the store.
package ledger

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

type Store interface {
	InTx(ctx context.Context) bool
	GetTourForUpdate(ctx context.Context, id uuid.UUID) (domain.Tour, error)
	SetTourAvailable(ctx context.Context, id uuid.UUID, available int) error
}

type Ledger struct {
	store  Store
	logger observability.Logger
}

func New(store Store, logger observability.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Reserve holds count seats on the tour. It fails with an
// *domain.InsufficientCapacityError and leaves the counter untouched when
// fewer than count seats are available.
func (l *Ledger) Reserve(ctx context.Context, tourID uuid.UUID, count int) (domain.Tour, error) {
	tour, err := l.lock(ctx, tourID, count)
	if err != nil {
		return domain.Tour{}, err
	}
	if tour.Available < count {
		return domain.Tour{}, &domain.InsufficientCapacityError{TourID: tourID, Requested: count, Available: tour.Available}
	}
	tour.Available -= count
	if err := l.store.SetTourAvailable(ctx, tourID, tour.Available); err != nil {
		return domain.Tour{}, err
	}
	return tour, nil
}

// Release gives count seats back, never raising available above capacity.
// A clamp means seats were released twice somewhere and is reported.
func (l *Ledger) Release(ctx context.Context, tourID uuid.UUID, count int) (domain.Tour, error) {
	tour, err := l.lock(ctx, tourID, count)
	if err != nil {
		return domain.Tour{}, err
	}
	next := tour.Available + count
	if next > tour.Capacity {
		observability.CapacityClamped.Inc()
		l.logger.WithFields(map[string]interface{}{
			"tour_id":   tourID,
			"capacity":  tour.Capacity,
			"available": tour.Available,
			"released":  count,
		}).Warn("release clamped at capacity")
		next = tour.Capacity
	}
	tour.Available = next
	if err := l.store.SetTourAvailable(ctx, tourID, next); err != nil {
		return domain.Tour{}, err
	}
	return tour, nil
}

// ReleaseExact is Release without the clamp: an overflow is returned as
// *domain.CapacityOverflowError so callers applying many changes at once can
// reject the whole unit.
func (l *Ledger) ReleaseExact(ctx context.Context, tourID uuid.UUID, count int) (domain.Tour, error) {
	tour, err := l.lock(ctx, tourID, count)
	if err != nil {
		return domain.Tour{}, err
	}
	if tour.Available+count > tour.Capacity {
		return domain.Tour{}, &domain.CapacityOverflowError{
			TourID:    tourID,
			Capacity:  tour.Capacity,
			Available: tour.Available,
			Released:  count,
		}
	}
	tour.Available += count
	if err := l.store.SetTourAvailable(ctx, tourID, tour.Available); err != nil {
		return domain.Tour{}, err
	}
	return tour, nil
}

func (l *Ledger) lock(ctx context.Context, tourID uuid.UUID, count int) (domain.Tour, error) {
	if !l.store.InTx(ctx) {
		return domain.Tour{}, domain.ErrNoTransaction
	}
	if count < 1 {
		return domain.Tour{}, domain.NewValidationError().Add("count", "must be at least 1").Err()
	}
	tour, err := l.store.GetTourForUpdate(ctx, tourID)
	if err != nil {
		return domain.Tour{}, errors.WithMessage(err, "ledger")
	}
	return tour, nil
}
