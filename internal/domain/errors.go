package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientCapacity   = errors.New("insufficient capacity")
	ErrCapacityOverflow       = errors.New("release exceeds tour capacity")
	ErrTourNotFound           = errors.New("tour not found")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrPartialCapacityFailure = errors.New("bulk capacity validation failed")
	ErrTransactionFailure     = errors.New("transaction failed")
	ErrSerializationFailure   = errors.New("serialization failure")
	ErrNoTransaction          = errors.New("no transaction in context")
)

// ValidationError collects per-field input problems. It is returned before
// any transaction is opened.
type ValidationError struct {
	fields map[string][]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{fields: make(map[string][]string)}
}

func (e *ValidationError) Add(field, msg string) *ValidationError {
	e.fields[field] = append(e.fields[field], msg)
	return e
}

func (e *ValidationError) Fields() map[string][]string {
	return e.fields
}

// Err returns nil when no field was rejected.
func (e *ValidationError) Err() error {
	if len(e.fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+strings.Join(e.fields[k], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type InsufficientCapacityError struct {
	TourID    uuid.UUID
	Requested int
	Available int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity on tour %s: requested %d, available %d", e.TourID, e.Requested, e.Available)
}

func (e *InsufficientCapacityError) Unwrap() error { return ErrInsufficientCapacity }

// Deficit is how many seats the request is short by.
func (e *InsufficientCapacityError) Deficit() int {
	return e.Requested - e.Available
}

type CapacityOverflowError struct {
	TourID    uuid.UUID
	Capacity  int
	Available int
	Released  int
}

func (e *CapacityOverflowError) Error() string {
	return fmt.Sprintf("releasing %d seats on tour %s would exceed capacity %d (available %d)",
		e.Released, e.TourID, e.Capacity, e.Available)
}

func (e *CapacityOverflowError) Unwrap() error { return ErrCapacityOverflow }

// PartialCapacityFailureError rejects a whole bulk batch because one tour
// could not absorb its capacity change.
type PartialCapacityFailureError struct {
	TourID uuid.UUID
	Cause  error
}

func (e *PartialCapacityFailureError) Error() string {
	return fmt.Sprintf("bulk action rejected at tour %s: %v", e.TourID, e.Cause)
}

func (e *PartialCapacityFailureError) Unwrap() error { return ErrPartialCapacityFailure }

type TransitionError struct {
	ReservationID uuid.UUID
	From          Status
	To            Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("reservation %s cannot move from %s to %s", e.ReservationID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
