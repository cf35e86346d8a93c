package importer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/artifacts"
	"github.com/Sternrassler/bulk-import-client/pkg/dispatch"
	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/Sternrassler/bulk-import-client/pkg/progress"
	"github.com/Sternrassler/bulk-import-client/pkg/record"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNoRecords is returned when the input holds no records at all.
	ErrNoRecords = errors.New("no records found in input")

	// ErrAlreadyRunning is returned when a run is started while another
	// run of the same coordinator is active.
	ErrAlreadyRunning = errors.New("import already running")
)

// ErrorKindWorker marks batches that failed inside the worker, before or
// around dispatch (load errors, recovered panics).
const ErrorKindWorker dispatch.ErrorKind = "worker_error"

// Sender dispatches one batch, typically *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, batch *record.Batch) dispatch.Outcome
}

// Mirror copies finished artifacts off-host, typically *artifacts.S3Mirror.
type Mirror interface {
	UploadDir(ctx context.Context, base, dir string) (int, error)
	UploadFile(ctx context.Context, base, file string) error
}

// Config holds coordinator configuration.
type Config struct {
	// DataKey is the array key inside source files.
	DataKey string

	// BatchSize is the maximum number of records per request.
	BatchSize int

	// Workers bounds the number of batches in flight.
	Workers int

	// GCEvery issues a garbage collection hint after this many dispatched
	// batches. Zero disables the hint.
	GCEvery int

	// AuthDownPauseThreshold pauses the run after this many
	// auth-service-down outcomes since the last resume. Zero disables it.
	AuthDownPauseThreshold int

	// MirrorTimeout bounds the off-host upload at the end of a run.
	MirrorTimeout time.Duration

	Sender    Sender
	Artifacts *artifacts.Store
	Mirror    Mirror
	Progress  progress.Callback

	// RunID identifies the run in events and the manifest (default: random UUID).
	RunID string

	Logger *zerolog.Logger
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		DataKey:                record.DataKeyCustomers,
		BatchSize:              70,
		Workers:                3,
		GCEvery:                10,
		AuthDownPauseThreshold: 3,
		MirrorTimeout:          2 * time.Minute,
	}
}

// Coordinator plans source files into batches and runs them through a
// bounded worker pool.
type Coordinator struct {
	cfg    Config
	loader *Loader
	logger zerolog.Logger

	mu      sync.Mutex
	session *Session
	active  bool
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.DataKey == "" {
		cfg.DataKey = def.DataKey
	}
	if cfg.DataKey != record.DataKeyCustomers && cfg.DataKey != record.DataKeyHouseholds {
		return nil, fmt.Errorf("unsupported data key %q", cfg.DataKey)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = def.MirrorTimeout
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	return &Coordinator{
		cfg:    cfg,
		loader: NewLoader(cfg.DataKey),
		logger: logging.Component(cfg.Logger, "importer").With().Str("run_id", cfg.RunID).Logger(),
	}, nil
}

// RunID returns the identifier attached to this coordinator's runs.
func (c *Coordinator) RunID() string { return c.cfg.RunID }

// Run plans files and imports every record in them.
func (c *Coordinator) Run(ctx context.Context, files []string) (*Summary, error) {
	start := time.Now()
	descs, counts, err := Plan(files, c.cfg.DataKey, c.cfg.BatchSize)
	if err != nil {
		return c.errorSummary(start, err.Error()), fmt.Errorf("plan batches: %w", err)
	}
	for _, fc := range counts {
		if fc.Records == 0 {
			c.logger.Warn().Str("source_file", fc.File).Str("data_key", c.cfg.DataKey).Msg("Source file has no records")
		}
	}
	return c.run(ctx, start, descs, counts)
}

// RunDescriptors imports previously planned descriptors, e.g. those read
// from a remaining_batches file.
func (c *Coordinator) RunDescriptors(ctx context.Context, descs []record.Descriptor) (*Summary, error) {
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return c.errorSummary(time.Now(), err.Error()), err
		}
	}
	return c.run(ctx, time.Now(), descs, nil)
}

// Pause blocks workers before their next batch.
func (c *Coordinator) Pause(reason string) bool {
	if s := c.current(); s != nil {
		return s.Pause(reason)
	}
	return false
}

// Resume releases paused workers.
func (c *Coordinator) Resume() bool {
	if s := c.current(); s != nil {
		return s.Resume()
	}
	return false
}

// Stop prevents further batches from starting; in-flight batches finish and
// the rest are written to a remaining_batches file.
func (c *Coordinator) Stop(reason string) bool {
	if s := c.current(); s != nil {
		return s.Stop(reason)
	}
	return false
}

// Snapshot returns the progress of the current or last run.
func (c *Coordinator) Snapshot() Snapshot {
	if s := c.current(); s != nil {
		return s.Snapshot()
	}
	return Snapshot{RunID: c.cfg.RunID, State: StateIdle, FailedBatches: []int{}}
}

func (c *Coordinator) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) begin(total int) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil, ErrAlreadyRunning
	}
	c.active = true
	c.session = newSession(c.cfg.RunID, total, c.cfg.AuthDownPauseThreshold, c.cfg.Progress, c.logger)
	return c.session, nil
}

func (c *Coordinator) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

func (c *Coordinator) errorSummary(start time.Time, msg string) *Summary {
	end := time.Now()
	c.logger.Error().Str("message", msg).Msg("Import aborted")
	return &Summary{
		RunID:    c.cfg.RunID,
		Status:   StatusError,
		Message:  msg,
		Start:    start,
		End:      end,
		Duration: end.Sub(start),
	}
}

func (c *Coordinator) run(ctx context.Context, start time.Time, descs []record.Descriptor, counts []FileCount) (*Summary, error) {
	totalRecords := 0
	for _, d := range descs {
		totalRecords += d.ExpectedSize
	}
	if totalRecords == 0 {
		return c.errorSummary(start, ErrNoRecords.Error()), ErrNoRecords
	}

	sess, err := c.begin(len(descs))
	if err != nil {
		return nil, err
	}
	defer c.end()

	stopOnCancel := context.AfterFunc(ctx, func() { sess.Stop("cancelled") })
	defer stopOnCancel()

	workers := min(c.cfg.Workers, len(descs))
	c.logger.Info().
		Int("batches", len(descs)).
		Int("records", totalRecords).
		Int("workers", workers).
		Int("batch_size", c.cfg.BatchSize).
		Str("data_key", c.cfg.DataKey).
		Msg("Starting import")

	queue := make(chan record.Descriptor, len(descs))
	for _, d := range descs {
		queue <- d
	}
	close(queue)
	plannedBatches.Add(float64(len(descs)))

	var (
		mu         sync.Mutex
		outcomes   = make([]dispatch.Outcome, 0, len(descs))
		dispatched int
	)
	collect := func(out dispatch.Outcome, ran bool) {
		sess.record(out)

		mu.Lock()
		outcomes = append(outcomes, out)
		if ran {
			dispatched++
		}
		n, finished := dispatched, len(outcomes)
		mu.Unlock()

		if ran && c.cfg.GCEvery > 0 && n%c.cfg.GCEvery == 0 {
			runtime.GC()
			gcHints.Inc()
		}
		if finished%50 == 0 {
			c.logger.Info().
				Int("finished", finished).
				Int("total", len(descs)).
				Float64("progress_pct", float64(finished)/float64(len(descs))*100).
				Msg("Import progress")
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go c.worker(ctx, sess, queue, collect, &wg, i)
	}
	wg.Wait()

	if ctx.Err() != nil {
		sess.Stop("cancelled")
	}
	snap := sess.finish()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].BatchID < outcomes[j].BatchID })
	sum := &Summary{
		RunID:        c.cfg.RunID,
		Status:       StatusCompleted,
		Start:        start,
		TotalRecords: totalRecords,
		TotalBatches: len(descs),
	}
	sum.tally(outcomes)
	if snap.State == StateStopped {
		sum.Status = StatusStopped
		sum.Message = snap.Reason
	}

	c.finalize(ctx, sum, outcomes, snap.Reason, counts)

	c.logger.Info().
		Str("status", sum.Status).
		Int("successful_batches", sum.SuccessfulBatches).
		Int("failed_batches", sum.FailedBatches).
		Int("stopped_batches", sum.StoppedBatches).
		Int("record_failures", sum.RecordFailures).
		Float64("success_rate", sum.SuccessRate).
		Dur("duration", sum.Duration).
		Msg("Import finished")
	return sum, nil
}

// worker processes descriptors from the queue until it is drained.
func (c *Coordinator) worker(ctx context.Context, sess *Session, queue <-chan record.Descriptor, collect func(dispatch.Outcome, bool), wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for desc := range queue {
		if err := sess.WaitIfPaused(ctx); err != nil {
			skippedBatches.WithLabelValues("cancelled").Inc()
			collect(skipped(desc, err), false)
			continue
		}
		if ctx.Err() != nil {
			skippedBatches.WithLabelValues("cancelled").Inc()
			collect(skipped(desc, ctx.Err()), false)
			continue
		}
		if sess.Stopped() {
			skippedBatches.WithLabelValues("stopped").Inc()
			collect(skipped(desc, nil), false)
			continue
		}

		collect(c.process(ctx, desc), true)
		processed++
	}

	if processed > 0 {
		c.logger.Debug().
			Int("worker_id", workerID).
			Int("batches_processed", processed).
			Msg("Worker completed")
	}
}

// process loads, dispatches and releases one batch. A panic is converted
// into a failed outcome.
func (c *Coordinator) process(ctx context.Context, desc record.Descriptor) (out dispatch.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			workerPanics.Inc()
			c.logger.Error().
				Int("batch_id", desc.BatchID).
				Interface("panic", r).
				Msg("Worker panic recovered")
			out = failed(desc, fmt.Errorf("worker panic: %v", r))
		}
	}()

	batch, err := c.loader.LoadBatch(desc)
	if err != nil {
		loadErrors.Inc()
		c.logger.Error().Err(err).Int("batch_id", desc.BatchID).Str("descriptor", desc.String()).Msg("Failed to load batch")
		return failed(desc, fmt.Errorf("load batch: %w", err))
	}

	batchesInFlight.Inc()
	defer batchesInFlight.Dec()

	out = c.cfg.Sender.Send(ctx, batch)
	batch.Release()
	return out
}

func skipped(desc record.Descriptor, err error) dispatch.Outcome {
	return dispatch.Outcome{
		BatchID:     desc.BatchID,
		Descriptor:  desc,
		Status:      record.StatusStopped,
		RecordCount: desc.ExpectedSize,
		Err:         err,
	}
}

func failed(desc record.Descriptor, err error) dispatch.Outcome {
	return dispatch.Outcome{
		BatchID:     desc.BatchID,
		Descriptor:  desc,
		Status:      record.StatusFailed,
		RecordCount: desc.ExpectedSize,
		ErrorKind:   ErrorKindWorker,
		Err:         err,
	}
}

// finalize writes the end-of-run artifacts: remaining work, the retry
// package, the manifest and the optional off-host mirror.
func (c *Coordinator) finalize(ctx context.Context, sum *Summary, outcomes []dispatch.Outcome, reason string, counts []FileCount) {
	store := c.cfg.Artifacts

	var (
		remaining []record.Descriptor
		failedOut []dispatch.Outcome
		reports   []BatchReport
	)
	for _, o := range outcomes {
		switch {
		case o.Status == record.StatusStopped:
			remaining = append(remaining, o.Descriptor)
		case o.Status == record.StatusFailed:
			failedOut = append(failedOut, o)
		}
		if o.Status != record.StatusSuccess || len(o.Failures) > 0 {
			reports = append(reports, reportOf(o))
		}
	}

	if len(remaining) > 0 {
		if reason == "" {
			reason = "stopped"
		}
		path, err := store.SaveRemaining(reason, remaining)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to save remaining batches")
		} else {
			sum.RemainingFile = path
			c.logger.Warn().Str("file", path).Int("batches", len(remaining)).Msg("Remaining batches saved for resume")
		}
	}

	if len(failedOut) > 0 {
		c.writeRetryPackage(sum, failedOut)
	}

	if len(store.Failures()) > 0 {
		sum.FailureLog = store.FailureLogPath()
	}

	sum.End = time.Now()
	sum.Duration = sum.End.Sub(sum.Start)
	sum.ManifestFile = store.ManifestPath()
	manifest := Manifest{
		Summary:   *sum,
		DataKey:   c.cfg.DataKey,
		BatchSize: c.cfg.BatchSize,
		Workers:   c.cfg.Workers,
		Files:     counts,
		Batches:   reports,
	}
	if reports == nil {
		manifest.Batches = []BatchReport{}
	}
	if _, err := store.WriteManifest(manifest); err != nil {
		c.logger.Error().Err(err).Msg("Failed to write run manifest")
		sum.ManifestFile = ""
	}

	if c.cfg.Mirror != nil {
		c.mirror(ctx, sum)
	}
}

// writeRetryPackage reloads failed batches from their source files and
// writes the consolidated retry package. Descriptors that cannot be
// reloaded are saved as remaining work instead.
func (c *Coordinator) writeRetryPackage(sum *Summary, failedOut []dispatch.Outcome) {
	store := c.cfg.Artifacts

	var (
		batches    []artifacts.RetryBatch
		unloadable []record.Descriptor
	)
	for _, o := range failedOut {
		batch, err := c.loader.LoadBatch(o.Descriptor)
		if err != nil {
			c.logger.Error().Err(err).Int("batch_id", o.BatchID).Msg("Cannot reload failed batch for retry package")
			unloadable = append(unloadable, o.Descriptor)
			continue
		}
		rb := artifacts.RetryBatch{Batch: batch, ErrorKind: string(o.ErrorKind), StatusCode: o.StatusCode}
		if o.Err != nil {
			rb.Error = progress.Summarize(o.Err.Error())
		}
		batches = append(batches, rb)
	}

	if len(unloadable) > 0 {
		if _, err := store.SaveRemaining("unloadable", unloadable); err != nil {
			c.logger.Error().Err(err).Msg("Failed to save unloadable batches")
		}
	}
	if len(batches) == 0 {
		return
	}

	pkg, err := store.WriteRetryPackage(batches)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to write retry package")
		return
	}
	sum.RetryPackageDir = pkg.Dir

	progress.Emit(c.cfg.Progress, progress.Event{
		Type:      progress.TypeRetryFilesCreated,
		RunID:     c.cfg.RunID,
		Directory: pkg.Dir,
		Count:     len(pkg.Files),
		Records:   pkg.Records,
	})
}

// mirror uploads the retry package and manifest. It runs even when ctx was
// cancelled so a stopped run still leaves an off-host copy.
func (c *Coordinator) mirror(ctx context.Context, sum *Summary) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.MirrorTimeout)
	defer cancel()

	base := c.cfg.Artifacts.BaseDir()
	if sum.RetryPackageDir != "" {
		if _, err := c.cfg.Mirror.UploadDir(ctx, base, sum.RetryPackageDir); err != nil {
			c.logger.Error().Err(err).Msg("Failed to mirror retry package")
		}
	}
	for _, f := range []string{sum.RemainingFile, sum.ManifestFile} {
		if f == "" {
			continue
		}
		if err := c.cfg.Mirror.UploadFile(ctx, base, f); err != nil {
			c.logger.Error().Err(err).Str("file", f).Msg("Failed to mirror artifact")
		}
	}
}
