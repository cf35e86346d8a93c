// Package progress defines the structured events an import run emits for
// presentation layers and external tooling.
//
// Events never carry a raw response body. Errors are summarised to at most
// MaxSummaryBytes and the full body is referenced by file path.
package progress

import (
	"time"
	"unicode/utf8"
)

// Type identifies an event.
type Type string

const (
	TypeBatchSuccess      Type = "batch_success"
	TypeBatchError        Type = "batch_error"
	TypeRetryFilesCreated Type = "retry_files_created"
	TypeSessionState      Type = "session_state"
)

// MaxSummaryBytes bounds Event.Summary.
const MaxSummaryBytes = 512

// Event is one progress notification.
type Event struct {
	Type  Type      `json:"type"`
	Time  time.Time `json:"time"`
	RunID string    `json:"runId,omitempty"`

	// Batch events.
	BatchID      int    `json:"batchId,omitempty"`
	SourceFile   string `json:"sourceFile,omitempty"`
	RecordCount  int    `json:"recordCount,omitempty"`
	FailureCount int    `json:"failureCount,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
	Summary      string `json:"summary,omitempty"`
	ResponseFile string `json:"responseFile,omitempty"`

	// Retry package events.
	Directory string `json:"directory,omitempty"`
	Count     int    `json:"count,omitempty"`
	Records   int    `json:"records,omitempty"`

	// Session events.
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Total     int    `json:"total,omitempty"`
	Completed int    `json:"completed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

// Callback receives events. It is called from worker goroutines and must be
// safe for concurrent use.
type Callback func(Event)

// Multi fans events out to every non-nil callback.
func Multi(cbs ...Callback) Callback {
	var active []Callback
	for _, cb := range cbs {
		if cb != nil {
			active = append(active, cb)
		}
	}
	return func(ev Event) {
		for _, cb := range active {
			cb(ev)
		}
	}
}

// Emit calls cb when it is set, stamping the event time if missing.
func Emit(cb Callback, ev Event) {
	if cb == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	cb(ev)
}

// Summarize shortens s to at most MaxSummaryBytes without splitting a rune.
func Summarize(s string) string {
	if len(s) <= MaxSummaryBytes {
		return s
	}
	const ellipsis = "..."
	cut := MaxSummaryBytes - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
