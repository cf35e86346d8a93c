package importer

import (
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/dispatch"
	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// Run statuses reported in a Summary.
const (
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Summary aggregates a finished run.
type Summary struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`

	TotalRecords      int `json:"totalRecords"`
	TotalBatches      int `json:"totalBatches"`
	SuccessfulBatches int `json:"successfulBatches"`
	FailedBatches     int `json:"failedBatches"`
	StoppedBatches    int `json:"stoppedBatches"`
	SuccessfulRecords int `json:"successfulRecords"`
	FailedRecords     int `json:"failedRecords"`

	// RecordFailures counts records rejected inside success responses.
	RecordFailures int `json:"recordFailures"`

	// SuccessRate is SuccessfulRecords as a percentage of TotalRecords.
	SuccessRate float64 `json:"successRate"`

	RetryPackageDir string `json:"retryPackageDir,omitempty"`
	RemainingFile   string `json:"remainingFile,omitempty"`
	FailureLog      string `json:"failureLog,omitempty"`
	ManifestFile    string `json:"manifestFile,omitempty"`
}

// BatchReport is the manifest entry for one batch that did not fully
// succeed.
type BatchReport struct {
	BatchID      int               `json:"batchId"`
	Descriptor   record.Descriptor `json:"descriptor"`
	Status       record.Status     `json:"status"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	StatusCode   int               `json:"statusCode,omitempty"`
	Attempts     int               `json:"attempts"`
	Failures     int               `json:"failures"`
	Error        string            `json:"error,omitempty"`
	ArtifactPath string            `json:"artifactPath,omitempty"`
	ResponseFile string            `json:"responseFile,omitempty"`
}

// Manifest is the machine-readable description of a run.
type Manifest struct {
	Summary   Summary       `json:"summary"`
	DataKey   string        `json:"dataKey"`
	BatchSize int           `json:"batchSize"`
	Workers   int           `json:"workers"`
	Files     []FileCount   `json:"files,omitempty"`
	Batches   []BatchReport `json:"batches"`
}

// tally folds outcomes into the summary counters.
func (s *Summary) tally(outcomes []dispatch.Outcome) {
	for _, o := range outcomes {
		switch o.Status {
		case record.StatusSuccess:
			s.SuccessfulBatches++
			s.RecordFailures += len(o.Failures)
			s.SuccessfulRecords += o.RecordCount - len(o.Failures)
			s.FailedRecords += len(o.Failures)
		case record.StatusFailed:
			s.FailedBatches++
			s.FailedRecords += o.RecordCount
		case record.StatusStopped:
			s.StoppedBatches++
		}
	}
	if s.TotalRecords > 0 {
		s.SuccessRate = float64(s.SuccessfulRecords) / float64(s.TotalRecords) * 100
	}
}

func reportOf(o dispatch.Outcome) BatchReport {
	r := BatchReport{
		BatchID:      o.BatchID,
		Descriptor:   o.Descriptor,
		Status:       o.Status,
		ErrorKind:    string(o.ErrorKind),
		StatusCode:   o.StatusCode,
		Attempts:     o.Attempts,
		Failures:     len(o.Failures),
		ArtifactPath: o.ArtifactPath,
		ResponseFile: o.ResponseFile,
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}
