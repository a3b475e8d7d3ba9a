// Package reservation owns the reservation state machine and drives the
// capacity ledger from inside the same transaction as every status write.
package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/tour-reservations/internal/clock"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	EventCreated   = "reservation.created"
	EventConfirmed = "reservation.confirmed"
	EventCancelled = "reservation.cancelled"

	aggregateType = "reservation"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	GetReservationForUpdate(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, status domain.Status, now time.Time) error
	InsertOutbox(ctx context.Context, record outbox.Record) error
}

type Ledger interface {
	Reserve(ctx context.Context, tourID uuid.UUID, count int) (domain.Tour, error)
	Release(ctx context.Context, tourID uuid.UUID, count int) (domain.Tour, error)
}

// Invalidator drops cached read models after a committed write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Auditor interface {
	LogReservation(ctx context.Context, action string, r domain.Reservation) error
}

type CreateInput struct {
	TourID         uuid.UUID
	NumberOfPeople int
	Customer       domain.Customer
	Notes          string
}

type Service struct {
	store   Store
	ledger  Ledger
	cache   Invalidator
	auditor Auditor
	clock   clock.Clock
	logger  observability.Logger
}

type Option func(*Service)

func WithAuditor(a Auditor) Option {
	return func(s *Service) {
		s.auditor = a
	}
}

func NewService(store Store, ledger Ledger, cache Invalidator, clk clock.Clock, logger observability.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ledger: ledger,
		cache:  cache,
		clock:  clk,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type event struct {
	ReservationID   uuid.UUID     `json:"reservation_id"`
	TourID          uuid.UUID     `json:"tour_id"`
	NumberOfPeople  int           `json:"number_of_people"`
	Status          domain.Status `json:"status"`
	TotalPriceCents int64         `json:"total_price_cents"`
	OccurredAt      time.Time     `json:"occurred_at"`
}

// Create holds the seats and stores a PENDING reservation in one
// transaction. Nothing is written when the tour lacks capacity.
func (s *Service) Create(ctx context.Context, in CreateInput) (res domain.Reservation, err error) {
	ctx, span := otel.Tracer("reservation").Start(ctx, "reservation.Create")
	defer func() {
		observability.ReservationOps.WithLabelValues("create", outcome(err)).Inc()
		observability.EndSpan(span, err)
	}()
	span.SetAttributes(attribute.String("tour.id", in.TourID.String()), attribute.Int("reservation.people", in.NumberOfPeople))

	if err := domain.ValidateRequest(in.TourID, in.NumberOfPeople, in.Customer); err != nil {
		return domain.Reservation{}, err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		tour, err := s.ledger.Reserve(ctx, in.TourID, in.NumberOfPeople)
		if err != nil {
			return err
		}
		res = domain.NewReservation(tour, in.NumberOfPeople, in.Customer, in.Notes, s.clock.Now())
		if err := s.store.InsertReservation(ctx, res); err != nil {
			return err
		}
		return s.writeEvent(ctx, EventCreated, res)
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.afterCommit(ctx, EventCreated, res)
	return res, nil
}

// Confirm acknowledges a PENDING reservation. Seats are already held, so
// the ledger is not involved.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return s.transition(ctx, "confirm", id, domain.StatusConfirmed, nil)
}

// Cancel releases the held seats and marks the reservation CANCELLED.
// Cancelling a cancelled reservation returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return s.transition(ctx, "cancel", id, domain.StatusCancelled, func(ctx context.Context, r domain.Reservation) error {
		_, err := s.ledger.Release(ctx, r.TourID, r.NumberOfPeople)
		return err
	})
}

// Transition dispatches a requested target status. PENDING is never a
// valid target.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, target domain.Status) (domain.Reservation, error) {
	switch target {
	case domain.StatusConfirmed:
		return s.Confirm(ctx, id)
	case domain.StatusCancelled:
		return s.Cancel(ctx, id)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	observability.ReservationOps.WithLabelValues("transition", "rejected").Inc()
	return domain.Reservation{}, &domain.TransitionError{ReservationID: id, From: current.Status, To: target}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, target domain.Status, apply func(ctx context.Context, r domain.Reservation) error) (res domain.Reservation, err error) {
	ctx, span := otel.Tracer("reservation").Start(ctx, "reservation."+op)
	defer func() {
		observability.ReservationOps.WithLabelValues(op, outcome(err)).Inc()
		observability.EndSpan(span, err)
	}()
	span.SetAttributes(attribute.String("reservation.id", id.String()))

	changed := false
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		changed = false
		current, err := s.store.GetReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		res = current
		if changed, err = current.MoveTo(target); err != nil || !changed {
			return err
		}
		if apply != nil {
			if err := apply(ctx, current); err != nil {
				return err
			}
		}
		now := s.clock.Now()
		if err := s.store.UpdateReservationStatus(ctx, id, target, now); err != nil {
			return err
		}
		res.Status = target
		res.UpdatedAt = now
		return s.writeEvent(ctx, eventFor(target), res)
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	if changed {
		s.afterCommit(ctx, eventFor(target), res)
	} else {
		s.logger.WithFields(map[string]interface{}{"reservation_id": id, "status": res.Status}).Debug(op + " is a no-op")
	}
	return res, nil
}

func (s *Service) writeEvent(ctx context.Context, eventType string, r domain.Reservation) error {
	rec, err := outbox.NewRecord(aggregateType, r.ID, eventType, event{
		ReservationID:   r.ID,
		TourID:          r.TourID,
		NumberOfPeople:  r.NumberOfPeople,
		Status:          r.Status,
		TotalPriceCents: r.TotalPriceCents,
		OccurredAt:      r.UpdatedAt,
	}, r.UpdatedAt)
	if err != nil {
		return err
	}
	return s.store.InsertOutbox(ctx, rec)
}

// afterCommit runs the post-commit side effects. Both are best effort: the
// write is durable and a failure here must not turn it into an error. They
// run detached from the caller's cancellation so a client that goes away
// after the commit cannot leave a stale listing behind.
func (s *Service) afterCommit(ctx context.Context, action string, r domain.Reservation) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(map[string]interface{}{"reservation_id": r.ID, "tour_id": r.TourID, "action": action})
	if err := s.cache.Invalidate(ctx); err != nil {
		log.WithError(err).Error("listing invalidation failed")
	}
	if s.auditor != nil {
		if err := s.auditor.LogReservation(ctx, action, r); err != nil {
			log.WithError(err).Warn("audit write failed")
		}
	}
	log.Info("reservation updated")
}

func eventFor(status domain.Status) string {
	if status == domain.StatusCancelled {
		return EventCancelled
	}
	return EventConfirmed
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsAny(err, domain.ErrValidation, domain.ErrInsufficientCapacity, domain.ErrInvalidTransition,
		domain.ErrTourNotFound, domain.ErrReservationNotFound):
		return "rejected"
	default:
		return "error"
	}
}
