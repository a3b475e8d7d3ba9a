package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/idempotency"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

const (
	codeInvalidRequestBody     = "invalid_request_body"
	codeInvalidID              = "invalid_id"
	codeValidationFailed       = "validation_failed"
	codeInsufficientCapacity   = "insufficient_capacity"
	codePartialCapacityFailure = "partial_capacity_failure"
	codeInvalidTransition      = "invalid_transition"
	codeTourNotFound           = "tour_not_found"
	codeReservationNotFound    = "reservation_not_found"
	codeTransactionFailed      = "transaction_failed"
	codeIdempotencyInvalid     = "idempotency_key_invalid"
	codeIdempotencyInFlight    = "idempotency_in_flight"
	codeIdempotencyReused      = "idempotency_key_reused"
	codeRateLimited            = "rate_limited"
	codeInternalError          = "internal_error"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	Fields        map[string][]string `json:"fields,omitempty"`
	TourID        string              `json:"tour_id,omitempty"`
	ReservationID string              `json:"reservation_id,omitempty"`
	Requested     int                 `json:"requested,omitempty"`
	Available     *int                `json:"available,omitempty"`
	From          string              `json:"from,omitempty"`
	To            string              `json:"to,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps the error taxonomy onto status codes. Anything it
// does not recognise is logged and reported as a 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	var (
		verr     *domain.ValidationError
		capErr   *domain.InsufficientCapacityError
		partial  *domain.PartialCapacityFailureError
		transErr *domain.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeValidationFailed, Message: verr.Error(), Fields: verr.Fields()})
	case errors.As(err, &capErr):
		available := capErr.Available
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:      codeInsufficientCapacity,
			Message:   capErr.Error(),
			TourID:    capErr.TourID.String(),
			Requested: capErr.Requested,
			Available: &available,
		})
	case errors.As(err, &partial):
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:    codePartialCapacityFailure,
			Message: partial.Error(),
			TourID:  partial.TourID.String(),
		})
	case errors.As(err, &transErr):
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:          codeInvalidTransition,
			Message:       transErr.Error(),
			ReservationID: transErr.ReservationID.String(),
			From:          string(transErr.From),
			To:            string(transErr.To),
		})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, codeValidationFailed, err.Error())
	case errors.Is(err, domain.ErrTourNotFound):
		writeError(w, http.StatusNotFound, codeTourNotFound, "tour not found")
	case errors.Is(err, domain.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, codeReservationNotFound, err.Error())
	case errors.Is(err, idempotency.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, codeIdempotencyInvalid, err.Error())
	case errors.Is(err, idempotency.ErrInFlight):
		writeError(w, http.StatusConflict, codeIdempotencyInFlight, err.Error())
	case errors.Is(err, idempotency.ErrKeyReused):
		writeError(w, http.StatusUnprocessableEntity, codeIdempotencyReused, err.Error())
	case errors.Is(err, domain.ErrTransactionFailure):
		loggerFrom(r, logger).WithError(err).Warn("transaction failed")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, codeTransactionFailed, "transaction failed, retry the request")
	default:
		loggerFrom(r, logger).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
