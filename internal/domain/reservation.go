package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return st, nil
	default:
		return "", NewValidationError().Add("status", "must be one of PENDING, CONFIRMED, CANCELLED").Err()
	}
}

// HoldsSeats reports whether a reservation in this status counts against
// tour capacity.
func (s Status) HoldsSeats() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) String() string {
	return string(s)
}

type Customer struct {
	Name  string
	Email string
	Phone string
}

func (c Customer) validate(verr *ValidationError) {
	if strings.TrimSpace(c.Name) == "" {
		verr.Add("customer.name", "is required")
	}
	if strings.TrimSpace(c.Email) == "" {
		verr.Add("customer.email", "is required")
	} else if _, err := mail.ParseAddress(c.Email); err != nil {
		verr.Add("customer.email", "must be a valid e-mail address")
	}
}

type Reservation struct {
	ID              uuid.UUID
	TourID          uuid.UUID
	NumberOfPeople  int
	Status          Status
	TotalPriceCents int64
	Customer        Customer
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidateRequest checks the customer supplied part of a new reservation.
func ValidateRequest(tourID uuid.UUID, people int, customer Customer) error {
	verr := NewValidationError()
	if tourID == uuid.Nil {
		verr.Add("tour_id", "is required")
	}
	if people < 1 {
		verr.Add("number_of_people", "must be at least 1")
	}
	customer.validate(verr)
	return verr.Err()
}

// NewReservation builds a PENDING reservation priced from the tour at the
// moment of creation. The price is never recomputed afterwards.
func NewReservation(tour Tour, people int, customer Customer, notes string, now time.Time) Reservation {
	return Reservation{
		ID:              uuid.New(),
		TourID:          tour.ID,
		NumberOfPeople:  people,
		Status:          StatusPending,
		TotalPriceCents: tour.PriceCents * int64(people),
		Customer: Customer{
			Name:  strings.TrimSpace(customer.Name),
			Email: strings.TrimSpace(customer.Email),
			Phone: strings.TrimSpace(customer.Phone),
		},
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MoveTo decides whether moving to target changes the reservation. A request
// for the status the reservation already has is a no-op; CANCELLED is
// terminal and nothing returns to PENDING.
func (r Reservation) MoveTo(target Status) (bool, error) {
	switch target {
	case StatusConfirmed:
		switch r.Status {
		case StatusPending:
			return true, nil
		case StatusConfirmed:
			return false, nil
		}
	case StatusCancelled:
		switch r.Status {
		case StatusPending, StatusConfirmed:
			return true, nil
		case StatusCancelled:
			return false, nil
		}
	}
	return false, &TransitionError{ReservationID: r.ID, From: r.Status, To: target}
}

// ListingEntry is one row of the reservation listing, joined with the tour
// summary shown next to it.
type ListingEntry struct {
	ReservationID   uuid.UUID `json:"id"`
	TourID          uuid.UUID `json:"tour_id"`
	TourTitle       string    `json:"tour_title"`
	TourImageURL    string    `json:"tour_image_url"`
	TourStartsOn    time.Time `json:"tour_starts_on"`
	TourEndsOn      time.Time `json:"tour_ends_on"`
	NumberOfPeople  int       `json:"number_of_people"`
	Status          Status    `json:"status"`
	TotalPriceCents int64     `json:"total_price_cents"`
	CustomerName    string    `json:"customer_name"`
	CustomerEmail   string    `json:"customer_email"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
