package importer

import (
	"context"
	"sync"

	"github.com/Sternrassler/bulk-import-client/pkg/dispatch"
	"github.com/Sternrassler/bulk-import-client/pkg/progress"
	"github.com/Sternrassler/bulk-import-client/pkg/record"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of an import session.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
)

// Snapshot is a point-in-time copy of session progress.
type Snapshot struct {
	RunID             string `json:"runId,omitempty"`
	State             State  `json:"state"`
	Reason            string `json:"reason,omitempty"`
	TotalBatches      int    `json:"totalBatches"`
	CompletedBatches  int    `json:"completedBatches"`
	SuccessfulBatches int    `json:"successfulBatches"`
	FailedBatches     []int  `json:"failedBatches"`
	StoppedBatches    int    `json:"stoppedBatches"`
	ProcessedRecords  int    `json:"processedRecords"`
	RecordFailures    int    `json:"recordFailures"`
	AuthDownCount     int    `json:"authDownCount"`
}

// Session holds the shared state of one run. Pause and stop are cooperative:
// workers observe them at the start of each batch.
type Session struct {
	runID     string
	threshold int
	progress  progress.Callback
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	reason   string
	gate     chan struct{} // closed while not paused
	total    int
	done     int
	success  int
	failed   []int
	stopped  int
	records  int
	failures int
	authDown int
}

func newSession(runID string, total, authDownThreshold int, cb progress.Callback, logger zerolog.Logger) *Session {
	gate := make(chan struct{})
	close(gate)
	return &Session{
		runID:     runID,
		threshold: authDownThreshold,
		progress:  cb,
		logger:    logger,
		state:     StateRunning,
		gate:      gate,
		total:     total,
	}
}

// Pause blocks workers before their next batch. It returns false if the
// session is not running.
func (s *Session) Pause(reason string) bool {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.state = StatePaused
	s.reason = reason
	s.gate = make(chan struct{})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Warn().Str("reason", reason).Msg("Import paused")
	s.emit(snap)
	return true
}

// Resume releases paused workers and resets the auth-down counter.
func (s *Session) Resume() bool {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return false
	}
	s.state = StateRunning
	s.reason = ""
	s.authDown = 0
	close(s.gate)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("Import resumed")
	s.emit(snap)
	return true
}

// Stop prevents any further batch from starting. Batches in flight finish.
func (s *Session) Stop(reason string) bool {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		s.mu.Unlock()
		return false
	}
	if s.state == StatePaused {
		close(s.gate)
	}
	s.state = StateStopped
	s.reason = reason
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Warn().Str("reason", reason).Msg("Import stop requested")
	s.emit(snap)
	return true
}

// WaitIfPaused blocks while the session is paused.
func (s *Session) WaitIfPaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state != StatePaused {
			s.mu.Unlock()
			return nil
		}
		gate := s.gate
		s.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stopped reports whether Stop was called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStopped
}

// Snapshot returns current progress.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		RunID:             s.runID,
		State:             s.state,
		Reason:            s.reason,
		TotalBatches:      s.total,
		CompletedBatches:  s.done,
		SuccessfulBatches: s.success,
		FailedBatches:     append([]int{}, s.failed...),
		StoppedBatches:    s.stopped,
		ProcessedRecords:  s.records,
		RecordFailures:    s.failures,
		AuthDownCount:     s.authDown,
	}
}

// record folds one outcome into the counters and pauses the session once
// the auth service has been reported down threshold times since the last
// resume.
func (s *Session) record(out dispatch.Outcome) {
	s.mu.Lock()
	switch out.Status {
	case record.StatusSuccess:
		s.done++
		s.success++
		s.records += out.RecordCount
		s.failures += len(out.Failures)
	case record.StatusFailed:
		s.done++
		s.failed = append(s.failed, out.BatchID)
		s.records += out.RecordCount
	case record.StatusStopped:
		s.stopped++
	}

	autoPause := false
	if out.ErrorKind == dispatch.ErrorKindAuthServiceDown {
		s.authDown++
		autoPause = s.threshold > 0 && s.authDown >= s.threshold && s.state == StateRunning
	}
	s.mu.Unlock()

	if autoPause {
		s.Pause("auth service unavailable")
	}
}

// finish moves a session that was not stopped to completed.
func (s *Session) finish() Snapshot {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StatePaused {
		if s.state == StatePaused {
			close(s.gate)
		}
		s.state = StateCompleted
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(snap)
	return snap
}

func (s *Session) emit(snap Snapshot) {
	progress.Emit(s.progress, progress.Event{
		Type:      progress.TypeSessionState,
		RunID:     s.runID,
		State:     string(snap.State),
		Reason:    snap.Reason,
		Total:     snap.TotalBatches,
		Completed: snap.CompletedBatches,
		Failed:    len(snap.FailedBatches),
	})
}
