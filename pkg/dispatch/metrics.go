package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch dispatch.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkimport_requests_total",
		Help: "Total import requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkimport_request_duration_seconds",
		Help:    "Import request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkimport_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"error_kind"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkimport_retry_backoff_seconds",
		Help:    "Backoff duration before a retry",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
	})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkimport_retry_exhausted_total",
		Help: "Total number of batches whose attempts were exhausted by error kind",
	}, []string{"error_kind"})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkimport_batches_total",
		Help: "Total dispatched batches by final status",
	}, []string{"status"})

	embeddedFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkimport_embedded_failures_total",
		Help: "Total records rejected inside successful responses by result code",
	}, []string{"result_code"})

	ambiguousResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkimport_ambiguous_responses_total",
		Help: "Total successful responses that could not be parsed for failures",
	})
)
