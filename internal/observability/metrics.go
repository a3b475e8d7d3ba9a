package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tro_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_db_tx_retries_total",
			Help: "Transactions retried after a serialization failure",
		},
	)

	ReservationOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_reservations_total",
			Help: "Reservation lifecycle operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	BulkBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tro_bulk_batch_size",
			Help:    "Number of reservations targeted by bulk actions",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"action"},
	)

	ListingCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_listing_cache_total",
			Help: "Listing cache reads and invalidations by result",
		},
		[]string{"result"},
	)

	CapacityClamped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_capacity_clamped_total",
			Help: "Releases clamped at tour capacity",
		},
	)

	CapacityDriftTours = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tro_capacity_drift_tours",
			Help: "Tours whose available counter disagrees with held seats at the last audit",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tro_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
