// Package dispatch sends one batch to the import API with rate limiting,
// authentication, retries and failure persistence.
//
// A batch is attempted at most MaxAttempts times. Every attempt acquires the
// rate limiter and fresh auth headers before the POST. Auth errors abort the
// batch without consuming a retry. Transport errors and non-success
// responses are retried with exponential backoff; when attempts run out the
// batch is written to response_nok. Success responses are classified for
// embedded per-record failures, which are persisted before Send returns.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/artifacts"
	"github.com/Sternrassler/bulk-import-client/pkg/auth"
	"github.com/Sternrassler/bulk-import-client/pkg/classify"
	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/Sternrassler/bulk-import-client/pkg/progress"
	"github.com/Sternrassler/bulk-import-client/pkg/ratelimit"
	"github.com/Sternrassler/bulk-import-client/pkg/record"
	"github.com/rs/zerolog"
)

// HeaderSource provides request headers, typically *auth.Provider.
type HeaderSource interface {
	AuthHeaders(ctx context.Context) (http.Header, error)
}

// Config holds the dispatcher configuration.
type Config struct {
	// Endpoint is the import URL.
	Endpoint string

	// DataKey wraps records in the request body ("data" or "households").
	DataKey string

	Retry RetryConfig

	// HTTPClient defaults to a client without timeout; the import service
	// owns its timeout budget.
	HTTPClient *http.Client

	Auth       HeaderSource
	Limiter    ratelimit.Limiter
	Classifier *classify.Classifier
	Artifacts  *artifacts.Store
	Progress   progress.Callback

	// RunID is attached to progress events.
	RunID string

	Logger *zerolog.Logger
}

// DefaultConfig returns a config with default retry settings.
func DefaultConfig() Config {
	return Config{
		DataKey: record.DataKeyCustomers,
		Retry:   DefaultRetryConfig(),
	}
}

// Dispatcher sends batches. It is safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth header source is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.DataKey == "" {
		cfg.DataKey = record.DataKeyCustomers
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.Retry.BackoffBase < 0 {
		return nil, fmt.Errorf("backoff base must not be negative")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewLocal(ratelimit.DefaultConfig().MinInterval)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New(classify.DefaultConfig())
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Dispatcher{
		cfg:    cfg,
		http:   hc,
		logger: logging.Component(cfg.Logger, "dispatcher"),
	}, nil
}

// Outcome is the result of sending one batch.
type Outcome struct {
	BatchID     int
	Descriptor  record.Descriptor
	Status      record.Status
	RecordCount int

	// Failures are records rejected inside a success response.
	Failures []record.FailureRecord

	Attempts   int
	StatusCode int
	ErrorKind  ErrorKind
	Err        error

	// ResponseFile holds the last response body.
	ResponseFile string

	// ArtifactPath is the re-importable file written for this batch, if any.
	ArtifactPath string
}

// Send delivers a batch. It never panics on remote errors; every problem is
// reported through the Outcome.
func (d *Dispatcher) Send(ctx context.Context, batch *record.Batch) Outcome {
	out := Outcome{
		BatchID:     batch.ID,
		Descriptor:  batch.Descriptor,
		RecordCount: len(batch.Records),
	}
	log := d.logger.With().
		Int("batch_id", batch.ID).
		Str("source_file", batch.Descriptor.SourceFile).
		Int("records", len(batch.Records)).
		Logger()

	payload, err := record.Payload(d.cfg.DataKey, batch.Records)
	if err != nil {
		out.Status = record.StatusFailed
		out.ErrorKind = ErrorKindHTTP
		out.Err = fmt.Errorf("encode payload: %w", err)
		return d.finishFailed(batch, out, nil, log)
	}

	var (
		lastErr  *BatchError
		lastBody []byte
	)
	for attempt := 0; attempt < d.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !shouldRetry(lastErr.Kind) {
				break
			}
			backoff := d.cfg.Retry.Backoff(attempt-1, lastErr.RetryAfter)
			retriesTotal.WithLabelValues(string(lastErr.Kind)).Inc()
			retryBackoffSeconds.Observe(backoff.Seconds())
			log.Warn().
				Int("attempt", attempt+1).
				Int("max_retries", d.cfg.Retry.MaxAttempts).
				Dur("backoff", backoff).
				Str("error_kind", string(lastErr.Kind)).
				Int("status_code", lastErr.StatusCode).
				Msg("Retrying batch after backoff")
			if err := sleep(ctx, backoff); err != nil {
				return d.cancelled(out, err, log)
			}
		}

		if err := d.cfg.Limiter.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return d.cancelled(out, ctx.Err(), log)
			}
			lastErr = &BatchError{Kind: ErrorKindTransport, Message: "rate limiter unavailable", Err: err}
			out.Attempts = attempt + 1
			continue
		}

		headers, err := d.cfg.Auth.AuthHeaders(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return d.cancelled(out, ctx.Err(), log)
			}
			return d.abortAuth(batch, out, err, log)
		}

		out.Attempts = attempt + 1
		status, body, err := d.post(ctx, headers, payload)
		if err != nil {
			if ctx.Err() != nil {
				return d.cancelled(out, ctx.Err(), log)
			}
			requestsTotal.WithLabelValues("transport_error").Inc()
			lastErr = &BatchError{Kind: ErrorKindTransport, Message: "request failed", Err: err}
			log.Warn().Err(err).Int("attempt", out.Attempts).Msg("Import request failed")
			continue
		}

		requestsTotal.WithLabelValues(fmt.Sprintf("%d", status.code)).Inc()
		out.StatusCode = status.code
		if status.code >= 200 && status.code < 300 {
			return d.handleSuccess(batch, out, body, log)
		}

		lastBody = body
		lastErr = &BatchError{
			Kind:       ErrorKindHTTP,
			StatusCode: status.code,
			Message:    progress.Summarize(string(bytes.TrimSpace(body))),
			RetryAfter: status.retryAfter,
		}
		log.Warn().
			Int("attempt", out.Attempts).
			Int("status_code", status.code).
			Str("error_kind", string(ErrorKindHTTP)).
			Msg("Import request rejected")
	}

	retryExhaustedTotal.WithLabelValues(string(lastErr.Kind)).Inc()
	out.Status = record.StatusFailed
	out.ErrorKind = lastErr.Kind
	out.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, out.Attempts, lastErr)
	return d.finishFailed(batch, out, lastBody, log)
}

type responseStatus struct {
	code       int
	retryAfter time.Duration
}

// post performs one request and reads the whole response.
func (d *Dispatcher) post(ctx context.Context, headers http.Header, payload []byte) (responseStatus, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return responseStatus{}, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := d.http.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return responseStatus{}, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return responseStatus{}, nil, fmt.Errorf("read response: %w", err)
	}
	return responseStatus{
		code:       resp.StatusCode,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, body, nil
}

func (d *Dispatcher) handleSuccess(batch *record.Batch, out Outcome, body []byte, log zerolog.Logger) Outcome {
	out.Status = record.StatusSuccess
	store := d.cfg.Artifacts

	if path, err := store.SaveResponse(batch.ID, body); err != nil {
		log.Error().Err(err).Msg("Failed to save response")
	} else {
		out.ResponseFile = path
	}

	an := d.cfg.Classifier.Analyze(body, batch.Records)
	if an.Ambiguous {
		ambiguousResponsesTotal.Inc()
		out.ErrorKind = ErrorKindParseAmbiguity
		log.Warn().
			Str("error_kind", string(ErrorKindParseAmbiguity)).
			Str("response_file", out.ResponseFile).
			Msg("Response could not be parsed for failures")
	}

	for i := range an.Failures {
		an.Failures[i].BatchID = batch.ID
		an.Failures[i].SourceFile = batch.Descriptor.SourceFile
		embeddedFailuresTotal.WithLabelValues(an.Failures[i].ResultCode).Inc()
	}
	out.Failures = an.Failures

	if len(out.Failures) > 0 {
		out.ErrorKind = ErrorKindPartialFailure
		res, err := store.RecordFailures(batch, out.Failures)
		if err != nil {
			out.Err = fmt.Errorf("persist embedded failures: %w", err)
			log.Error().Err(err).Msg("Failed to persist embedded failures")
		}
		out.ArtifactPath = res.RetryBatch
		log.Warn().
			Int("failures", len(out.Failures)).
			Int("unmatched", res.Unrecoverable).
			Str("error_kind", string(ErrorKindPartialFailure)).
			Msg("Batch completed with embedded failures")
	} else {
		log.Info().Int("attempts", out.Attempts).Msg("Batch completed")
	}

	batchesTotal.WithLabelValues(string(record.StatusSuccess)).Inc()
	progress.Emit(d.cfg.Progress, progress.Event{
		Type:         progress.TypeBatchSuccess,
		RunID:        d.cfg.RunID,
		BatchID:      batch.ID,
		SourceFile:   batch.Descriptor.SourceFile,
		RecordCount:  len(batch.Records),
		FailureCount: len(out.Failures),
		StatusCode:   out.StatusCode,
		ResponseFile: out.ResponseFile,
	})
	return out
}

// abortAuth ends a batch whose auth headers could not be obtained.
func (d *Dispatcher) abortAuth(batch *record.Batch, out Outcome, err error, log zerolog.Logger) Outcome {
	out.Status = record.StatusFailed
	out.Err = err
	out.ErrorKind = ErrorKindAuthFailed
	if auth.IsServiceDown(err) {
		out.ErrorKind = ErrorKindAuthServiceDown
	}
	var aerr *auth.Error
	if errors.As(err, &aerr) {
		out.StatusCode = aerr.StatusCode
	}
	return d.finishFailed(batch, out, nil, log)
}

// finishFailed persists a failed batch and reports it.
func (d *Dispatcher) finishFailed(batch *record.Batch, out Outcome, body []byte, log zerolog.Logger) Outcome {
	store := d.cfg.Artifacts
	meta := artifacts.ErrorMeta{
		BatchID:     batch.ID,
		Descriptor:  batch.Descriptor,
		RecordCount: len(batch.Records),
		ErrorKind:   string(out.ErrorKind),
		StatusCode:  out.StatusCode,
		Error:       errString(out.Err),
		Attempts:    out.Attempts,
	}

	if len(body) > 0 {
		if path, err := store.SaveResponse(batch.ID, body); err == nil {
			out.ResponseFile = path
		} else {
			log.Error().Err(err).Msg("Failed to save error response")
		}
	}

	var (
		path string
		err  error
	)
	if out.ErrorKind == ErrorKindAuthServiceDown {
		path, err = store.SaveAuthServiceDown(batch, meta)
	} else {
		path, err = store.SaveResponseNOK(batch, meta)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist failed batch")
	}
	out.ArtifactPath = path

	if _, err := store.LogFailures(transportFailures(batch, out, time.Now())); err != nil {
		log.Error().Err(err).Msg("Failed to log failed records")
	}

	log.Error().
		Err(out.Err).
		Int("attempts", out.Attempts).
		Int("status_code", out.StatusCode).
		Str("error_kind", string(out.ErrorKind)).
		Str("artifact", path).
		Msg("Batch failed")

	batchesTotal.WithLabelValues(string(record.StatusFailed)).Inc()
	progress.Emit(d.cfg.Progress, progress.Event{
		Type:         progress.TypeBatchError,
		RunID:        d.cfg.RunID,
		BatchID:      batch.ID,
		SourceFile:   batch.Descriptor.SourceFile,
		RecordCount:  len(batch.Records),
		StatusCode:   out.StatusCode,
		ErrorKind:    string(out.ErrorKind),
		Summary:      progress.Summarize(errString(out.Err)),
		ResponseFile: out.ResponseFile,
	})
	return out
}

// transportFailures lists every record of a batch that never got a success
// response.
func transportFailures(batch *record.Batch, out Outcome, now time.Time) []record.FailureRecord {
	code := strings.ToUpper(string(out.ErrorKind))
	if out.ErrorKind == ErrorKindHTTP && out.StatusCode > 0 {
		code = fmt.Sprintf("HTTP_%d", out.StatusCode)
	}
	msg := errString(out.Err)

	failures := make([]record.FailureRecord, 0, len(batch.Records))
	for _, r := range batch.Records {
		f := record.ParseFields(r)
		first, last := f.Name()
		failures = append(failures, record.FailureRecord{
			RecordID:     f.FirstOf(record.DefaultIDPaths),
			Label:        strings.TrimSpace(first + " " + last),
			ResultCode:   code,
			ErrorMessage: msg,
			Timestamp:    now,
			OriginalData: r,
			Provenance:   record.ProvenanceExact,
			Method:       record.MethodTransport,
			BatchID:      batch.ID,
			SourceFile:   batch.Descriptor.SourceFile,
		})
	}
	return failures
}

// cancelled reports a batch abandoned because ctx ended. It is returned as
// stopped so the caller can resume it later.
func (d *Dispatcher) cancelled(out Outcome, err error, log zerolog.Logger) Outcome {
	out.Status = record.StatusStopped
	out.Err = fmt.Errorf("%w: %v", ErrCancelled, err)
	batchesTotal.WithLabelValues(string(record.StatusStopped)).Inc()
	log.Warn().Err(err).Int("attempts", out.Attempts).Msg("Batch dispatch cancelled")
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
