package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/tour-reservations/internal/bulk"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/listing"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/reservation"
)

const maxBodyBytes = 1 << 20

type Reservations interface {
	Create(ctx context.Context, in reservation.CreateInput) (domain.Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	Transition(ctx context.Context, id uuid.UUID, target domain.Status) (domain.Reservation, error)
}

type BulkApplier interface {
	Apply(ctx context.Context, ids []uuid.UUID, action bulk.Action) (bulk.Summary, error)
}

type ListingReader interface {
	Read(ctx context.Context) (listing.Snapshot, error)
}

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	reservations Reservations
	bulk         BulkApplier
	listing      ListingReader
	checks       map[string]Pinger
	logger       observability.Logger
}

func NewHandlers(reservations Reservations, bulk BulkApplier, listing ListingReader, checks map[string]Pinger, logger observability.Logger) *Handlers {
	return &Handlers{
		reservations: reservations,
		bulk:         bulk,
		listing:      listing,
		checks:       checks,
		logger:       logger,
	}
}

type customerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type createReservationRequest struct {
	TourID         uuid.UUID       `json:"tour_id"`
	NumberOfPeople int             `json:"number_of_people"`
	Customer       customerRequest `json:"customer"`
	Notes          string          `json:"notes"`
}

type updateReservationRequest struct {
	Status string `json:"status"`
}

type bulkRequest struct {
	ReservationIDs []uuid.UUID `json:"reservation_ids"`
	Action         string      `json:"action"`
}

type reservationResponse struct {
	ID              uuid.UUID     `json:"id"`
	TourID          uuid.UUID     `json:"tour_id"`
	NumberOfPeople  int           `json:"number_of_people"`
	Status          domain.Status `json:"status"`
	TotalPriceCents int64         `json:"total_price_cents"`
	Customer        struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone,omitempty"`
	} `json:"customer"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type listingResponse struct {
	Reservations []domain.ListingEntry `json:"reservations"`
	BuiltAt      time.Time             `json:"built_at"`
}

func toResponse(r domain.Reservation) reservationResponse {
	resp := reservationResponse{
		ID:              r.ID,
		TourID:          r.TourID,
		NumberOfPeople:  r.NumberOfPeople,
		Status:          r.Status,
		TotalPriceCents: r.TotalPriceCents,
		Notes:           r.Notes,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	resp.Customer.Name = r.Customer.Name
	resp.Customer.Email = r.Customer.Email
	resp.Customer.Phone = r.Customer.Phone
	return resp
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid reservation id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.reservations.Create(r.Context(), reservation.CreateInput{
		TourID:         req.TourID,
		NumberOfPeople: req.NumberOfPeople,
		Customer: domain.Customer{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		Notes: req.Notes,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/reservations/"+res.ID.String())
	writeJSON(w, http.StatusCreated, toResponse(res))
}

func (h *Handlers) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	res, err := h.reservations.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (h *Handlers) UpdateReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req updateReservationRequest
	if !decode(w, r, &req) {
		return
	}
	target, err := domain.ParseStatus(req.Status)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	res, err := h.reservations.Transition(r.Context(), id, target)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (h *Handlers) BulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := bulk.ParseAction(req.Action)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	summary, err := h.bulk.Apply(r.Context(), req.ReservationIDs, action)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) ListReservations(w http.ResponseWriter, r *http.Request) {
	snap, err := h.listing.Read(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if snap.FromCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	entries := snap.Entries
	if entries == nil {
		entries = []domain.ListingEntry{}
	}
	writeJSON(w, http.StatusOK, listingResponse{Reservations: entries, BuiltAt: snap.BuiltAt})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz reports 503 with the failing dependencies when any check fails.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		loggerFrom(r, h.logger).WithField("failed", failed).Warn("not ready")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
