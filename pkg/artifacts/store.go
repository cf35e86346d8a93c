// Package artifacts persists everything an operator needs to re-import
// failed data without consulting any other file.
//
// Layout under BaseDir (<ts> is the run stamp):
//
//	failed_<items>/
//	    failed_<items>_<ts>.json                 running list of failure records
//	    single_failures/<CODE>/<id>.json         one re-importable record
//	    single_failures/<CODE>/_SUMMARY_<CODE>.json
//	    batches_to_retry_<ts>/batch_<N>.json     whole batch with embedded failures
//	    response_nok_<ts>/batch_<N>.json         batch that got a non-200 response
//	    auth_service_down_<ts>/batch_<N>.json    batch abandoned on auth outage
//	    resume_work_<ts>/remaining_batches_<reason>.json
//	retry_batches_<ts>/                          end-of-run retry package
//	responses_<ts>/batch_<N>_response.json       full 200 responses
//	run_<ts>_manifest.json
//
// Every re-importable file has the {<dataKey>: [...]} request shape.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/Sternrassler/bulk-import-client/pkg/record"
	"github.com/rs/zerolog"
)

// StampLayout formats run stamps.
const StampLayout = "20060102_150405"

// Config holds store configuration.
type Config struct {
	// BaseDir is the root directory (default: working directory).
	BaseDir string

	// Items names the record kind in directory names, e.g. "customers".
	Items string

	// DataKey wraps records in re-importable files.
	DataKey string

	// Stamp overrides the run stamp (default: start time).
	Stamp string

	Logger *zerolog.Logger
}

// DefaultConfig returns the customer import defaults.
func DefaultConfig() Config {
	return Config{
		BaseDir: ".",
		Items:   "customers",
		DataKey: record.DataKeyCustomers,
	}
}

// Store writes artifacts for one run. It is safe for concurrent use; each
// logical file is written under its own lock.
type Store struct {
	cfg    Config
	stamp  string
	logger zerolog.Logger

	locks sync.Map // path -> *sync.Mutex

	failMu   sync.Mutex
	failures []record.FailureRecord

	singleMu  sync.Mutex
	summaries map[string][]SingleFailureEntry
	taken     map[string]bool
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	}
	if cfg.Items == "" {
		cfg.Items = def.Items
	}
	if cfg.DataKey == "" {
		cfg.DataKey = def.DataKey
	}
	if cfg.DataKey != record.DataKeyCustomers && cfg.DataKey != record.DataKeyHouseholds {
		return nil, fmt.Errorf("unsupported data key %q", cfg.DataKey)
	}
	stamp := cfg.Stamp
	if stamp == "" {
		stamp = time.Now().Format(StampLayout)
	}
	return &Store{
		cfg:       cfg,
		stamp:     stamp,
		logger:    logging.Component(cfg.Logger, "artifacts"),
		summaries: make(map[string][]SingleFailureEntry),
		taken:     make(map[string]bool),
	}, nil
}

// Stamp returns the run stamp used in names.
func (s *Store) Stamp() string { return s.stamp }

// DataKey returns the key wrapping records in artifact files.
func (s *Store) DataKey() string { return s.cfg.DataKey }

// BaseDir returns the artifact root.
func (s *Store) BaseDir() string { return s.cfg.BaseDir }

// FailedDir is failed_<items>/.
func (s *Store) FailedDir() string {
	return filepath.Join(s.cfg.BaseDir, "failed_"+s.cfg.Items)
}

// FailureLogPath is the running failure list.
func (s *Store) FailureLogPath() string {
	return filepath.Join(s.FailedDir(), fmt.Sprintf("failed_%s_%s.json", s.cfg.Items, s.stamp))
}

// SingleFailuresDir holds one folder per result code.
func (s *Store) SingleFailuresDir() string {
	return filepath.Join(s.FailedDir(), "single_failures")
}

func (s *Store) stampedDir(parent, name string) string {
	return filepath.Join(parent, fmt.Sprintf("%s_%s", name, s.stamp))
}

// PartialFailureResult lists files written for embedded failures.
type PartialFailureResult struct {
	FailureLog    string
	SingleFiles   []string
	RetryBatch    string
	Unrecoverable int
}

// RecordFailures persists embedded failures of a successful batch: the
// whole batch for retry, the running failure log and one single-failure
// file per matched record. A failed write does not prevent the others; the
// errors are joined.
func (s *Store) RecordFailures(batch *record.Batch, failures []record.FailureRecord) (PartialFailureResult, error) {
	var res PartialFailureResult
	if len(failures) == 0 {
		return res, nil
	}

	var errs []error
	dir := s.stampedDir(s.FailedDir(), "batches_to_retry")
	retryPath := filepath.Join(dir, fmt.Sprintf("batch_%d.json", batch.ID))
	if err := s.writePayload(retryPath, batch.Records); err != nil {
		errs = append(errs, err)
	} else {
		res.RetryBatch = retryPath
	}

	if path, err := s.appendFailures(failures); err != nil {
		errs = append(errs, err)
	} else {
		res.FailureLog = path
	}

	for _, f := range failures {
		if !f.HasOriginal() {
			res.Unrecoverable++
			continue
		}
		p, err := s.writeSingleFailure(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.SingleFiles = append(res.SingleFiles, p)
	}

	s.logger.Debug().
		Int("batch_id", batch.ID).
		Int("failures", len(failures)).
		Int("single_files", len(res.SingleFiles)).
		Msg("Embedded failures persisted")
	return res, errors.Join(errs...)
}

// LogFailures adds failures of an abandoned batch to the running failure
// log. The batch itself is stored by SaveResponseNOK or SaveAuthServiceDown.
func (s *Store) LogFailures(failures []record.FailureRecord) (string, error) {
	if len(failures) == 0 {
		return "", nil
	}
	return s.appendFailures(failures)
}

// appendFailures adds to the in-memory failure list and rewrites the log.
func (s *Store) appendFailures(failures []record.FailureRecord) (string, error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()

	s.failures = append(s.failures, failures...)
	path := s.FailureLogPath()
	if err := s.writeJSON(path, s.failures); err != nil {
		return "", err
	}
	return path, nil
}

// Failures returns a copy of every failure recorded so far.
func (s *Store) Failures() []record.FailureRecord {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return append([]record.FailureRecord(nil), s.failures...)
}

// SingleFailureEntry is one line of a _SUMMARY_<CODE>.json file.
type SingleFailureEntry struct {
	RecordID     string            `json:"recordId"`
	Label        string            `json:"label,omitempty"`
	File         string            `json:"file"`
	BatchID      int               `json:"batchId"`
	SourceFile   string            `json:"sourceFile,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Provenance   record.Provenance `json:"provenance"`
	Timestamp    time.Time         `json:"timestamp"`
}

type singleSummary struct {
	ResultCode string               `json:"resultCode"`
	Count      int                  `json:"count"`
	Updated    time.Time            `json:"updated"`
	Records    []SingleFailureEntry `json:"records"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func (s *Store) writeSingleFailure(f record.FailureRecord) (string, error) {
	s.singleMu.Lock()
	defer s.singleMu.Unlock()

	if err := s.ensureReadme(); err != nil {
		return "", err
	}

	code := safeName(f.ResultCode)
	if code == "" {
		code = "UNKNOWN"
	}
	dir := filepath.Join(s.SingleFailuresDir(), code)

	base := safeName(f.RecordID)
	if base == "" {
		base = fmt.Sprintf("batch%d_%s", f.BatchID, safeName(f.Label))
	}
	name := base + ".json"
	for n := 2; s.taken[filepath.Join(dir, name)] || fileExists(filepath.Join(dir, name)); n++ {
		name = fmt.Sprintf("%s_%d.json", base, n)
	}
	path := filepath.Join(dir, name)
	s.taken[path] = true

	if err := s.writePayload(path, []record.Record{f.OriginalData}); err != nil {
		return "", err
	}

	s.summaries[code] = append(s.summaries[code], SingleFailureEntry{
		RecordID:     f.RecordID,
		Label:        f.Label,
		File:         name,
		BatchID:      f.BatchID,
		SourceFile:   f.SourceFile,
		ErrorMessage: f.ErrorMessage,
		Provenance:   f.Provenance,
		Timestamp:    f.Timestamp,
	})
	sum := singleSummary{
		ResultCode: code,
		Count:      len(s.summaries[code]),
		Updated:    time.Now(),
		Records:    s.summaries[code],
	}
	if err := s.writeJSON(filepath.Join(dir, "_SUMMARY_"+code+".json"), sum); err != nil {
		return "", err
	}
	return path, nil
}

// ErrorMeta describes why a batch was abandoned.
type ErrorMeta struct {
	BatchID     int               `json:"batchId"`
	Descriptor  record.Descriptor `json:"descriptor"`
	RecordCount int               `json:"recordCount"`
	ErrorKind   string            `json:"errorKind"`
	StatusCode  int               `json:"statusCode,omitempty"`
	Error       string            `json:"error"`
	Attempts    int               `json:"attempts"`
	Timestamp   time.Time         `json:"timestamp"`
}

// SaveResponseNOK stores a batch whose request never got a 200.
func (s *Store) SaveResponseNOK(batch *record.Batch, meta ErrorMeta) (string, error) {
	return s.saveAbandoned(s.stampedDir(s.FailedDir(), "response_nok"), batch, meta)
}

// SaveAuthServiceDown stores a batch abandoned because the token endpoint
// was unreachable.
func (s *Store) SaveAuthServiceDown(batch *record.Batch, meta ErrorMeta) (string, error) {
	return s.saveAbandoned(s.stampedDir(s.FailedDir(), "auth_service_down"), batch, meta)
}

func (s *Store) saveAbandoned(dir string, batch *record.Batch, meta ErrorMeta) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("batch_%d.json", batch.ID))
	if err := s.writePayload(path, batch.Records); err != nil {
		return "", err
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	if err := s.writeJSON(filepath.Join(dir, fmt.Sprintf("batch_%d_error.json", batch.ID)), meta); err != nil {
		return "", err
	}
	return path, nil
}

// SaveResponse stores a full 200 response body for later inspection.
func (s *Store) SaveResponse(batchID int, body []byte) (string, error) {
	path := filepath.Join(s.stampedDir(s.cfg.BaseDir, "responses"), fmt.Sprintf("batch_%d_response.json", batchID))
	if err := s.writeFile(path, body); err != nil {
		return "", err
	}
	return path, nil
}

// RemainingWork is the content of a remaining_batches file.
type RemainingWork struct {
	Reason      string              `json:"reason"`
	DataKey     string              `json:"dataKey"`
	Created     time.Time           `json:"created"`
	Count       int                 `json:"count"`
	Records     int                 `json:"records"`
	Descriptors []record.Descriptor `json:"descriptors"`
}

// SaveRemaining persists descriptors not attempted before a stop.
func (s *Store) SaveRemaining(reason string, descs []record.Descriptor) (string, error) {
	sorted := append([]record.Descriptor(nil), descs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BatchID < sorted[j].BatchID })

	work := RemainingWork{
		Reason:      reason,
		DataKey:     s.cfg.DataKey,
		Created:     time.Now(),
		Count:       len(sorted),
		Descriptors: sorted,
	}
	for _, d := range sorted {
		work.Records += d.ExpectedSize
	}

	name := safeName(reason)
	if name == "" {
		name = "stopped"
	}
	path := filepath.Join(s.stampedDir(s.FailedDir(), "resume_work"), "remaining_batches_"+name+".json")
	if err := s.writeJSON(path, work); err != nil {
		return "", err
	}
	return path, nil
}

// LoadRemaining reads a remaining_batches file.
func LoadRemaining(path string) (*RemainingWork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read remaining work: %w", err)
	}
	var work RemainingWork
	if err := json.Unmarshal(data, &work); err != nil {
		return nil, fmt.Errorf("decode remaining work: %w", err)
	}
	for _, d := range work.Descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return &work, nil
}

// ManifestPath is run_<ts>_manifest.json.
func (s *Store) ManifestPath() string {
	return filepath.Join(s.cfg.BaseDir, fmt.Sprintf("run_%s_manifest.json", s.stamp))
}

// WriteManifest stores a machine-readable description of the run.
func (s *Store) WriteManifest(v any) (string, error) {
	path := s.ManifestPath()
	if err := s.writeJSON(path, v); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) writePayload(path string, records []record.Record) error {
	data, err := record.PrettyPayload(s.cfg.DataKey, records)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return s.writeFile(path, data)
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return s.writeFile(path, data)
}

// writeFile replaces path atomically under the path's lock.
func (s *Store) writeFile(path string, data []byte) error {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		ArtifactErrors.Inc()
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		ArtifactErrors.Inc()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		ArtifactErrors.Inc()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	ArtifactsWritten.WithLabelValues(kindOf(path)).Inc()
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
