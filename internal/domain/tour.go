package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tour is the availability record of one dated tour. Capacity is owned by
// tour management; Available is only ever written by the capacity ledger.
type Tour struct {
	ID         uuid.UUID
	Title      string
	ImageURL   string
	StartsOn   time.Time
	EndsOn     time.Time
	PriceCents int64
	Capacity   int
	Available  int
}

// Held is the number of seats currently held by non-cancelled reservations.
func (t Tour) Held() int {
	return t.Capacity - t.Available
}

// CapacityDrift describes a tour whose available counter disagrees with the
// seats held by its reservations.
type CapacityDrift struct {
	TourID    uuid.UUID
	Capacity  int
	Available int
	Held      int
}

// Expected is the available value implied by the held seats.
func (d CapacityDrift) Expected() int {
	return d.Capacity - d.Held
}
