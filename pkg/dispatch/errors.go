package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the dispatcher.
var (
	// ErrRetryExhausted is returned when all attempts for a batch failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is returned when the context ended before the batch
	// was delivered.
	ErrCancelled = errors.New("dispatch cancelled")
)

// ErrorKind classifies a batch-level error.
type ErrorKind string

const (
	// ErrorKindAuthFailed: credentials rejected. Fails the batch only.
	ErrorKindAuthFailed ErrorKind = "auth_failed"

	// ErrorKindAuthServiceDown: token endpoint unreachable. Pauses the run.
	ErrorKindAuthServiceDown ErrorKind = "auth_service_down"

	// ErrorKindTransport: the request never produced a response. Retried.
	ErrorKindTransport ErrorKind = "transport"

	// ErrorKindHTTP: non-success response. Retried, then response_nok.
	ErrorKindHTTP ErrorKind = "http"

	// ErrorKindPartialFailure: success response with rejected records.
	// Never retried automatically.
	ErrorKindPartialFailure ErrorKind = "partial_failure"

	// ErrorKindParseAmbiguity: success response that could not be parsed
	// for failures. Logged only.
	ErrorKindParseAmbiguity ErrorKind = "parse_ambiguity"
)

// BatchError carries the details of a failed attempt.
type BatchError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("%s error (status %d): %s: %v", e.Kind, e.StatusCode, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *BatchError) Unwrap() error {
	return e.Err
}

// shouldRetry reports whether an attempt error consumes a retry. Auth
// errors abort the batch immediately.
func shouldRetry(kind ErrorKind) bool {
	switch kind {
	case ErrorKindTransport, ErrorKindHTTP:
		return true
	default:
		return false
	}
}
