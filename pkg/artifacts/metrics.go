package artifacts

import (
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ArtifactsWritten tracks files written by kind
	ArtifactsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkimport_artifacts_written_total",
			Help: "Total number of artifact files written",
		},
		[]string{"kind"},
	)

	// ArtifactErrors tracks failed artifact writes
	ArtifactErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkimport_artifact_errors_total",
			Help: "Total number of failed artifact writes",
		},
	)

	// MirroredObjects tracks uploads to the object store mirror
	MirroredObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkimport_artifacts_mirrored_total",
			Help: "Total number of artifact files uploaded to object storage",
		},
		[]string{"result"}, // "success", "error"
	)
)

// kindOf derives a low-cardinality label from an artifact path.
func kindOf(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	name := filepath.Base(path)
	switch {
	case strings.HasPrefix(name, "run_"):
		return "manifest"
	case strings.HasPrefix(name, "failed_"):
		return "failure_log"
	case strings.HasPrefix(dir, "batches_to_retry"):
		return "batches_to_retry"
	case strings.HasPrefix(dir, "response_nok"):
		return "response_nok"
	case strings.HasPrefix(dir, "auth_service_down"):
		return "auth_service_down"
	case strings.HasPrefix(dir, "resume_work"):
		return "resume_work"
	case strings.HasPrefix(dir, "retry_batches"):
		return "retry_package"
	case strings.HasPrefix(dir, "responses"):
		return "response"
	default:
		return "single_failure"
	}
}
