package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "reservations_total", Help: "Seats successfully reserved"})
	ReleasesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "releases_total", Help: "Seats successfully released"})

	ReservationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "reservation_failures_total", Help: "Reserve/release attempts rejected, by reason"},
		[]string{"reason"},
	)

	LocationWritesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "location_writes_total", Help: "Offer location updates written to the store"})
	LocationThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "location_throttled_total", Help: "Offer location updates dropped by the throttle"})

	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "live_subscribers", Help: "Currently connected live-view subscribers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
