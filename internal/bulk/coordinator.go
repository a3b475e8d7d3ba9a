// Package bulk applies one status change to many reservations as a single
// all-or-nothing unit.
package bulk

import (
	"context"
	"sort"
	"strconv"
	"strings"
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
	EventBulkUpdated = "reservations.bulk_updated"

	defaultMaxBatch = 500
)

type Action string

const (
	ActionConfirm Action = "CONFIRM"
	ActionCancel  Action = "CANCEL"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionConfirm, ActionCancel:
		return a, nil
	default:
		return "", domain.NewValidationError().Add("action", "must be CONFIRM or CANCEL").Err()
	}
}

// Target is the status every changed reservation ends up in.
func (a Action) Target() domain.Status {
	if a == ActionCancel {
		return domain.StatusCancelled
	}
	return domain.StatusConfirmed
}

type Summary struct {
	Action        Action `json:"action"`
	Requested     int    `json:"requested"`
	Changed       int    `json:"changed"`
	Unchanged     int    `json:"unchanged"`
	ToursAffected int    `json:"tours_affected"`
	SeatsReleased int    `json:"seats_released"`
}

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetReservationsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.Reservation, error)
	UpdateReservationsStatus(ctx context.Context, ids []uuid.UUID, status domain.Status, now time.Time) (int64, error)
	InsertOutbox(ctx context.Context, record outbox.Record) error
}

type Ledger interface {
	ReleaseExact(ctx context.Context, tourID uuid.UUID, count int) (domain.Tour, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Auditor interface {
	LogBulk(ctx context.Context, action string, ids []string, summary map[string]interface{}) error
}

type Coordinator struct {
	store    Store
	ledger   Ledger
	cache    Invalidator
	auditor  Auditor
	clock    clock.Clock
	logger   observability.Logger
	maxBatch int
}

type Option func(*Coordinator)

// WithMaxBatch caps how many distinct reservations one call may target.
func WithMaxBatch(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

func WithAuditor(a Auditor) Option {
	return func(c *Coordinator) {
		c.auditor = a
	}
}

func NewCoordinator(store Store, ledger Ledger, cache Invalidator, clk clock.Clock, logger observability.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		ledger:   ledger,
		cache:    cache,
		clock:    clk,
		logger:   logger,
		maxBatch: defaultMaxBatch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type bulkEvent struct {
	Action         Action      `json:"action"`
	ReservationIDs []uuid.UUID `json:"reservation_ids"`
	TourIDs        []uuid.UUID `json:"tour_ids"`
	SeatsReleased  int         `json:"seats_released"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// Apply moves every listed reservation to the action's target status in one
// transaction. Reservations already in the target status are left alone.
// Any missing reservation, forbidden transition or tour that cannot absorb
// its released seats rejects the whole batch and nothing is written.
func (c *Coordinator) Apply(ctx context.Context, ids []uuid.UUID, action Action) (summary Summary, err error) {
	ctx, span := otel.Tracer("bulk").Start(ctx, "bulk.Apply")
	defer func() {
		observability.ReservationOps.WithLabelValues("bulk_"+strings.ToLower(string(action)), outcome(err)).Inc()
		observability.EndSpan(span, err)
	}()

	ids, err = c.validate(ids, action)
	if err != nil {
		return Summary{}, err
	}
	span.SetAttributes(attribute.String("bulk.action", string(action)), attribute.Int("bulk.size", len(ids)))
	observability.BulkBatchSize.WithLabelValues(string(action)).Observe(float64(len(ids)))

	target := action.Target()
	var changedIDs []uuid.UUID
	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		summary = Summary{Action: action, Requested: len(ids)}
		changedIDs = changedIDs[:0]

		rows, err := c.store.GetReservationsForUpdate(ctx, ids)
		if err != nil {
			return err
		}
		if missing := missingIDs(ids, rows); len(missing) > 0 {
			return errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", missing[0])
		}

		seats := make(map[uuid.UUID]int)
		for _, r := range rows {
			changed, err := r.MoveTo(target)
			if err != nil {
				return err
			}
			if !changed {
				summary.Unchanged++
				continue
			}
			changedIDs = append(changedIDs, r.ID)
			if action == ActionCancel {
				seats[r.TourID] += r.NumberOfPeople
			}
		}

		tours := sortedTours(seats)
		for _, tourID := range tours {
			if _, err := c.ledger.ReleaseExact(ctx, tourID, seats[tourID]); err != nil {
				if errors.IsAny(err, domain.ErrCapacityOverflow, domain.ErrTourNotFound) {
					return &domain.PartialCapacityFailureError{TourID: tourID, Cause: err}
				}
				return err
			}
			summary.SeatsReleased += seats[tourID]
		}
		summary.ToursAffected = len(tours)
		summary.Changed = len(changedIDs)
		if len(changedIDs) == 0 {
			return nil
		}

		now := c.clock.Now()
		n, err := c.store.UpdateReservationsStatus(ctx, changedIDs, target, now)
		if err != nil {
			return err
		}
		if int(n) != len(changedIDs) {
			return errors.Newf("bulk update touched %d of %d reservations", n, len(changedIDs))
		}

		rec, err := outbox.NewRecord("reservation_batch", uuid.New(), EventBulkUpdated, bulkEvent{
			Action:         action,
			ReservationIDs: changedIDs,
			TourIDs:        tours,
			SeatsReleased:  summary.SeatsReleased,
			OccurredAt:     now,
		}, now)
		if err != nil {
			return err
		}
		return c.store.InsertOutbox(ctx, rec)
	})
	if err != nil {
		return Summary{}, err
	}

	log := c.logger.WithFields(map[string]interface{}{
		"action":         action,
		"requested":      summary.Requested,
		"changed":        summary.Changed,
		"seats_released": summary.SeatsReleased,
	})
	if summary.Changed > 0 {
		// The batch is committed; the caller's cancellation must not skip
		// invalidation.
		ctx := context.WithoutCancel(ctx)
		if err := c.cache.Invalidate(ctx); err != nil {
			log.WithError(err).Error("listing invalidation failed")
		}
		if c.auditor != nil {
			if err := c.auditor.LogBulk(ctx, EventBulkUpdated, idStrings(changedIDs), map[string]interface{}{
				"action":         string(action),
				"requested":      summary.Requested,
				"changed":        summary.Changed,
				"tours_affected": summary.ToursAffected,
				"seats_released": summary.SeatsReleased,
			}); err != nil {
				log.WithError(err).Warn("audit write failed")
			}
		}
	}
	log.Info("bulk action applied")
	return summary, nil
}

// validate rejects bad input before a transaction is opened and returns
// the ids with duplicates removed, in request order.
func (c *Coordinator) validate(ids []uuid.UUID, action Action) ([]uuid.UUID, error) {
	verr := domain.NewValidationError()
	if action != ActionConfirm && action != ActionCancel {
		verr.Add("action", "must be CONFIRM or CANCEL")
	}

	seen := make(map[uuid.UUID]struct{}, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			verr.Add("reservation_ids", "must not contain the nil id")
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	switch {
	case len(unique) == 0:
		verr.Add("reservation_ids", "must not be empty")
	case len(unique) > c.maxBatch:
		verr.Add("reservation_ids", "must not exceed "+strconv.Itoa(c.maxBatch)+" reservations")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	return unique, nil
}

func missingIDs(ids []uuid.UUID, rows []domain.Reservation) []uuid.UUID {
	found := make(map[uuid.UUID]struct{}, len(rows))
	for _, r := range rows {
		found[r.ID] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// sortedTours orders tour ids so concurrent batches lock tours in the same
// order.
func sortedTours(seats map[uuid.UUID]int) []uuid.UUID {
	tours := make([]uuid.UUID, 0, len(seats))
	for id := range seats {
		tours = append(tours, id)
	}
	sort.Slice(tours, func(i, j int) bool { return tours[i].String() < tours[j].String() })
	return tours
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsAny(err, domain.ErrValidation, domain.ErrInvalidTransition, domain.ErrReservationNotFound,
		domain.ErrPartialCapacityFailure):
		return "rejected"
	default:
		return "error"
	}
}
