// Package metrics provides the Prometheus registry used by the bulk import
// client. All metrics are defined in their respective packages (auth,
// ratelimit, dispatch, artifacts, importer) to keep the packages
// independent.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registerer all metrics are added to via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer serves the registered metrics, e.g. on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Prefix is shared by every metric of the client.
const Prefix = "bulkimport_"

// Metrics Documentation
//
// Auth Metrics (pkg/auth):
//   - bulkimport_auth_refresh_total{result} (Counter): Token exchanges by result (success, auth_failed, auth_service_down)
//   - bulkimport_auth_token_lookups_total{source} (Counter): Tokens served from memory, store or exchange
//   - bulkimport_auth_store_errors_total{operation} (Counter): Shared token store errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - bulkimport_ratelimit_grants_total{backend} (Counter): Request slots granted (local, redis)
//   - bulkimport_ratelimit_wait_seconds{backend} (Histogram): Time spent waiting for a slot
//   - bulkimport_ratelimit_reservation_errors_total (Counter): Failed Redis slot reservations
//
// Request Metrics (pkg/dispatch):
//   - bulkimport_requests_total{status} (Counter): Import requests by HTTP status or transport_error
//   - bulkimport_request_duration_seconds (Histogram): Import request duration
//   - bulkimport_batches_total{status} (Counter): Batches by final status (success, failed, stopped)
//   - bulkimport_embedded_failures_total{result_code} (Counter): Records rejected inside 2xx responses
//   - bulkimport_ambiguous_responses_total (Counter): 2xx responses that could not be parsed
//
// Retry Metrics (pkg/dispatch):
//   - bulkimport_retries_total{error_kind} (Counter): Retry attempts by error kind
//   - bulkimport_retry_backoff_seconds (Histogram): Backoff before a retry
//   - bulkimport_retry_exhausted_total{error_kind} (Counter): Batches that exhausted their attempts
//
// Artifact Metrics (pkg/artifacts):
//   - bulkimport_artifacts_written_total{kind} (Counter): Files written by kind
//   - bulkimport_artifact_errors_total (Counter): Failed artifact writes
//   - bulkimport_artifacts_mirrored_total{result} (Counter): S3 uploads by result
//
// Worker Pool Metrics (pkg/importer):
//   - bulkimport_batches_in_flight (Gauge): Batches loaded and being dispatched
//   - bulkimport_planned_batches_total (Counter): Descriptors submitted to the pool
//   - bulkimport_skipped_batches_total{reason} (Counter): Batches not started (stopped, cancelled)
//   - bulkimport_worker_panics_total (Counter): Recovered worker panics
//   - bulkimport_load_errors_total (Counter): Descriptors that could not be loaded
//   - bulkimport_gc_hints_total (Counter): GC hints issued between batches
//
// Example Prometheus Queries:
//
//   # Partial failure rate
//   sum(rate(bulkimport_embedded_failures_total[5m])) /
//   sum(rate(bulkimport_batches_total{status="success"}[5m]))
//
//   # Token endpoint outages
//   increase(bulkimport_auth_refresh_total{result="auth_service_down"}[15m]) > 0
//
//   # P95 import latency
//   histogram_quantile(0.95, rate(bulkimport_request_duration_seconds_bucket[5m]))
//
//   # Time lost to rate limiting
//   rate(bulkimport_ratelimit_wait_seconds_sum[5m])

// Names returns the names of the gathered metric families that belong to the
// client, in gatherer order.
func Names(g prometheus.Gatherer) ([]string, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), Prefix) {
			names = append(names, mf.GetName())
		}
	}
	return names, nil
}
