package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Grants tracks issued grants by backend
	Grants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkimport_ratelimit_grants_total",
			Help: "Total number of request grants issued",
		},
		[]string{"backend"}, // "local", "shared"
	)

	// WaitSeconds tracks time spent waiting for a grant
	WaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkimport_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a request grant",
			Buckets: []float64{0, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"backend"},
	)

	// ReservationErrors tracks failed shared slot reservations
	ReservationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkimport_ratelimit_reservation_errors_total",
			Help: "Total number of failed shared rate limit reservations",
		},
	)
)

func observeGrant(backend string, wait time.Duration) {
	Grants.WithLabelValues(backend).Inc()
	WaitSeconds.WithLabelValues(backend).Observe(wait.Seconds())
}
