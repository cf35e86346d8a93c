package artifacts

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/record"
)

// RetryBatch is one failed batch to include in the retry package.
type RetryBatch struct {
	Batch      *record.Batch
	ErrorKind  string
	StatusCode int
	Error      string
}

// RetrySummaryEntry describes one file in the retry package.
type RetrySummaryEntry struct {
	File        string `json:"file"`
	BatchID     int    `json:"batchId"`
	SourceFile  string `json:"sourceFile"`
	StartIndex  int    `json:"startIndex"`
	EndIndex    int    `json:"endIndex"`
	RecordCount int    `json:"recordCount"`
	ErrorKind   string `json:"errorKind"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RetrySummary is retry_summary.json.
type RetrySummary struct {
	Created      time.Time           `json:"created"`
	DataKey      string              `json:"dataKey"`
	TotalBatches int                 `json:"totalBatches"`
	TotalRecords int                 `json:"totalRecords"`
	Batches      []RetrySummaryEntry `json:"batches"`
}

// RetryPackage is the result of writing a retry package.
type RetryPackage struct {
	Dir     string
	Files   []string
	Records int
}

// RetryDir is retry_batches_<ts>/.
func (s *Store) RetryDir() string {
	return s.stampedDir(s.cfg.BaseDir, "retry_batches")
}

// WriteRetryPackage writes one re-importable file per failed batch plus a
// summary and human-readable instructions.
func (s *Store) WriteRetryPackage(batches []RetryBatch) (RetryPackage, error) {
	var pkg RetryPackage
	if len(batches) == 0 {
		return pkg, nil
	}

	sorted := append([]RetryBatch(nil), batches...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Batch.ID < sorted[j].Batch.ID })

	pkg.Dir = s.RetryDir()
	summary := RetrySummary{Created: time.Now(), DataKey: s.cfg.DataKey}

	for _, rb := range sorted {
		name := fmt.Sprintf("retry_batch_%d_failed.json", rb.Batch.ID)
		path := filepath.Join(pkg.Dir, name)
		if err := s.writePayload(path, rb.Batch.Records); err != nil {
			return pkg, err
		}
		pkg.Files = append(pkg.Files, path)
		pkg.Records += len(rb.Batch.Records)

		d := rb.Batch.Descriptor
		summary.Batches = append(summary.Batches, RetrySummaryEntry{
			File:        name,
			BatchID:     rb.Batch.ID,
			SourceFile:  d.SourceFile,
			StartIndex:  d.StartIndex,
			EndIndex:    d.EndIndex,
			RecordCount: len(rb.Batch.Records),
			ErrorKind:   rb.ErrorKind,
			StatusCode:  rb.StatusCode,
			Error:       rb.Error,
		})
	}
	summary.TotalBatches = len(summary.Batches)
	summary.TotalRecords = pkg.Records

	if err := s.writeJSON(filepath.Join(pkg.Dir, "retry_summary.json"), summary); err != nil {
		return pkg, err
	}
	if err := s.writeFile(filepath.Join(pkg.Dir, "RETRY_INSTRUCTIONS.md"), []byte(retryInstructions(summary))); err != nil {
		return pkg, err
	}

	s.logger.Info().
		Str("directory", pkg.Dir).
		Int("batches", summary.TotalBatches).
		Int("records", pkg.Records).
		Msg("Retry package written")
	return pkg, nil
}

func retryInstructions(sum RetrySummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Retry instructions\n\n")
	fmt.Fprintf(&b, "Created %s. %d batches with %d records failed and can be imported again.\n\n",
		sum.Created.Format(time.RFC3339), sum.TotalBatches, sum.TotalRecords)
	fmt.Fprintf(&b, "Every `retry_batch_<N>_failed.json` file already has the request shape\n")
	fmt.Fprintf(&b, "`{\"%s\": [...]}` and needs no editing.\n\n", sum.DataKey)
	fmt.Fprintf(&b, "## Retry all batches\n\n")
	fmt.Fprintf(&b, "```\nbulk-import -config config.yaml retry_batches_*/retry_batch_*_failed.json\n```\n\n")
	fmt.Fprintf(&b, "## Batches\n\n")
	fmt.Fprintf(&b, "| File | Source | Records | Error |\n|---|---|---|---|\n")
	for _, e := range sum.Batches {
		reason := e.ErrorKind
		if e.StatusCode > 0 {
			reason = fmt.Sprintf("%s (HTTP %d)", e.ErrorKind, e.StatusCode)
		}
		fmt.Fprintf(&b, "| %s | %s [%d:%d] | %d | %s |\n",
			e.File, filepath.Base(e.SourceFile), e.StartIndex, e.EndIndex, e.RecordCount, reason)
	}
	fmt.Fprintf(&b, "\nSee `retry_summary.json` for the full error of each batch.\n")
	return b.String()
}
