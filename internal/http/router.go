package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/tour-reservations/internal/idempotency"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/rateLimit"
)

// SetupRouter wires the API. rl and idemp may be nil, which disables rate
// limiting and response replay respectively.
func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		if rl != nil {
			r.Use(RateLimitMiddleware(rl))
		}
		if idemp != nil {
			r.Use(IdempotencyMiddleware(idemp, logger))
		}

		r.Post("/v1/reservations", h.CreateReservation)
		r.Get("/v1/reservations", h.ListReservations)
		r.Get("/v1/reservations/{id}", h.GetReservation)
		r.Put("/v1/reservations/{id}", h.UpdateReservation)
		r.Put("/v1/bulk-reservations", h.BulkUpdate)
	})

	return r
}
