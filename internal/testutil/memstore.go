// Package testutil holds test doubles shared by the service packages and
// helpers that start real dependencies in containers.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/outbox"
)

// MemStore is an in-memory store with the same contract as the CockroachDB
// repository. Transactions are fully serialized and roll back by restoring a
// snapshot, which is a stricter model than row locks but gives the same
// observable guarantees for capacity accounting.
type MemStore struct {
	txMu sync.Mutex

	mu           sync.Mutex
	tours        map[uuid.UUID]domain.Tour
	reservations map[uuid.UUID]domain.Reservation
	outbox       []outbox.Record
	failures     map[string]error
	txOpen       bool
	commits      int
}

type memTxKey struct{}

type memSnapshot struct {
	tours        map[uuid.UUID]domain.Tour
	reservations map[uuid.UUID]domain.Reservation
	outbox       []outbox.Record
}

func NewMemStore() *MemStore {
	return &MemStore{
		tours:        make(map[uuid.UUID]domain.Tour),
		reservations: make(map[uuid.UUID]domain.Reservation),
		failures:     make(map[string]error),
	}
}

// AddTour stores t as is; a zero Available means the tour is sold out.
func (s *MemStore) AddTour(t domain.Tour) domain.Tour {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.tours[t.ID] = t
	return t
}

// NewTour adds a tour with every seat available.
func (s *MemStore) NewTour(capacity int, priceCents int64) domain.Tour {
	return s.AddTour(domain.Tour{
		Title:      fmt.Sprintf("Tour for %d", capacity),
		StartsOn:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		EndsOn:     time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC),
		PriceCents: priceCents,
		Capacity:   capacity,
		Available:  capacity,
	})
}

// AddReservation stores r without touching the tour counter.
func (s *MemStore) AddReservation(r domain.Reservation) domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.reservations[r.ID] = r
	return r
}

func (s *MemStore) DeleteTour(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tours, id)
}

// FailOn makes the next call of op return err. Ops are the method names,
// plus "Commit" for the end of a transaction.
func (s *MemStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *MemStore) Tour(id uuid.UUID) domain.Tour {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tours[id]
}

func (s *MemStore) Reservation(id uuid.UUID) (domain.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	return r, ok
}

func (s *MemStore) ReservationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

func (s *MemStore) Outbox() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Record(nil), s.outbox...)
}

func (s *MemStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// TxOpen reports whether a transaction is in progress.
func (s *MemStore) TxOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txOpen
}

// CheckInvariant verifies 0 <= available <= capacity and
// available = capacity - held seats for every tour.
func (s *MemStore) CheckInvariant() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.driftLocked() {
		return errors.Newf("tour %s: available %d, expected %d", d.TourID, d.Available, d.Expected())
	}
	for id, t := range s.tours {
		if t.Available < 0 || t.Available > t.Capacity {
			return errors.Newf("tour %s: available %d outside [0, %d]", id, t.Available, t.Capacity)
		}
	}
	return nil
}

func (s *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.InTx(ctx) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshotLocked()
	s.txOpen = true
	s.mu.Unlock()

	err := fn(context.WithValue(ctx, memTxKey{}, true))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.txOpen = false
	if err == nil {
		err = s.failLocked("Commit")
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.tours, s.reservations, s.outbox = snap.tours, snap.reservations, snap.outbox
		return err
	}
	s.commits++
	return nil
}

func (s *MemStore) InTx(ctx context.Context) bool {
	v, _ := ctx.Value(memTxKey{}).(bool)
	return v
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) GetTour(_ context.Context, id uuid.UUID) (domain.Tour, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("GetTour"); err != nil {
		return domain.Tour{}, err
	}
	t, ok := s.tours[id]
	if !ok {
		return domain.Tour{}, errors.Wrapf(domain.ErrTourNotFound, "tour %s", id)
	}
	return t, nil
}

func (s *MemStore) GetTourForUpdate(ctx context.Context, id uuid.UUID) (domain.Tour, error) {
	if !s.InTx(ctx) {
		return domain.Tour{}, domain.ErrNoTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("GetTourForUpdate"); err != nil {
		return domain.Tour{}, err
	}
	t, ok := s.tours[id]
	if !ok {
		return domain.Tour{}, errors.Wrapf(domain.ErrTourNotFound, "tour %s", id)
	}
	return t, nil
}

func (s *MemStore) SetTourAvailable(ctx context.Context, id uuid.UUID, available int) error {
	if !s.InTx(ctx) {
		return domain.ErrNoTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("SetTourAvailable"); err != nil {
		return err
	}
	t, ok := s.tours[id]
	if !ok {
		return errors.Wrapf(domain.ErrTourNotFound, "tour %s", id)
	}
	if available < 0 || available > t.Capacity {
		return errors.Newf("check constraint: tour %s available %d", id, available)
	}
	t.Available = available
	s.tours[id] = t
	return nil
}

func (s *MemStore) CapacityDrift(context.Context) ([]domain.CapacityDrift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CapacityDrift"); err != nil {
		return nil, err
	}
	return s.driftLocked(), nil
}

func (s *MemStore) InsertReservation(ctx context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("InsertReservation"); err != nil {
		return err
	}
	if _, ok := s.tours[r.TourID]; !ok {
		return errors.Wrapf(domain.ErrTourNotFound, "tour %s", r.TourID)
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *MemStore) GetReservation(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", id)
	}
	return r, nil
}

func (s *MemStore) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	if !s.InTx(ctx) {
		return domain.Reservation{}, domain.ErrNoTransaction
	}
	return s.GetReservation(ctx, id)
}

func (s *MemStore) GetReservationsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.Reservation, error) {
	if !s.InTx(ctx) {
		return nil, domain.ErrNoTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("GetReservationsForUpdate"); err != nil {
		return nil, err
	}
	out := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.reservations[id]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *MemStore) UpdateReservationStatus(_ context.Context, id uuid.UUID, status domain.Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("UpdateReservationStatus"); err != nil {
		return err
	}
	r, ok := s.reservations[id]
	if !ok {
		return errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", id)
	}
	r.Status = status
	r.UpdatedAt = now
	s.reservations[id] = r
	return nil
}

func (s *MemStore) UpdateReservationsStatus(_ context.Context, ids []uuid.UUID, status domain.Status, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("UpdateReservationsStatus"); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		r, ok := s.reservations[id]
		if !ok {
			continue
		}
		r.Status = status
		r.UpdatedAt = now
		s.reservations[id] = r
		n++
	}
	return n, nil
}

func (s *MemStore) ListReservations(context.Context) ([]domain.ListingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("ListReservations"); err != nil {
		return nil, err
	}
	entries := make([]domain.ListingEntry, 0, len(s.reservations))
	for _, r := range s.reservations {
		t := s.tours[r.TourID]
		entries = append(entries, domain.ListingEntry{
			ReservationID:   r.ID,
			TourID:          r.TourID,
			TourTitle:       t.Title,
			TourImageURL:    t.ImageURL,
			TourStartsOn:    t.StartsOn,
			TourEndsOn:      t.EndsOn,
			NumberOfPeople:  r.NumberOfPeople,
			Status:          r.Status,
			TotalPriceCents: r.TotalPriceCents,
			CustomerName:    r.Customer.Name,
			CustomerEmail:   r.Customer.Email,
			CreatedAt:       r.CreatedAt,
			UpdatedAt:       r.UpdatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ReservationID.String() < entries[j].ReservationID.String()
	})
	return entries, nil
}

func (s *MemStore) InsertOutbox(ctx context.Context, rec outbox.Record) error {
	if !s.InTx(ctx) {
		return domain.ErrNoTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("InsertOutbox"); err != nil {
		return err
	}
	s.outbox = append(s.outbox, rec)
	return nil
}

func (s *MemStore) ClaimUnpublishedOutbox(ctx context.Context, limit int) ([]outbox.Record, error) {
	if !s.InTx(ctx) {
		return nil, domain.ErrNoTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Record
	for _, rec := range s.outbox {
		if rec.Status == outbox.StatusNew && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemStore) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			at := publishedAt
			s.outbox[i].Status = outbox.StatusPublished
			s.outbox[i].PublishedAt = &at
		}
	}
	return nil
}

func (s *MemStore) failLocked(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

func (s *MemStore) snapshotLocked() memSnapshot {
	snap := memSnapshot{
		tours:        make(map[uuid.UUID]domain.Tour, len(s.tours)),
		reservations: make(map[uuid.UUID]domain.Reservation, len(s.reservations)),
		outbox:       append([]outbox.Record(nil), s.outbox...),
	}
	for k, v := range s.tours {
		snap.tours[k] = v
	}
	for k, v := range s.reservations {
		snap.reservations[k] = v
	}
	return snap
}

func (s *MemStore) driftLocked() []domain.CapacityDrift {
	held := make(map[uuid.UUID]int, len(s.tours))
	for _, r := range s.reservations {
		if r.Status.HoldsSeats() {
			held[r.TourID] += r.NumberOfPeople
		}
	}
	var drift []domain.CapacityDrift
	for id, t := range s.tours {
		if t.Available != t.Capacity-held[id] {
			drift = append(drift, domain.CapacityDrift{TourID: id, Capacity: t.Capacity, Available: t.Available, Held: held[id]})
		}
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].TourID.String() < drift[j].TourID.String() })
	return drift
}
