// Package tracker keeps one in-flight-or-last execution record per script
// identity and rejects concurrent re-entry.
//
// All read-modify-write sequences happen under one mutex, so admission is a
// single atomic check-and-set: callers can never observe a half-updated
// record, and at most one record per identity is ever "running".
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the tracker's view of an execution. Timeout is not a tracker
// state: the orchestrator reports it to the caller and records it here as
// failed.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// ErrAlreadyRunning signals a rejected concurrent submission.
var ErrAlreadyRunning = errors.New("script already running")

// ConflictError carries the in-flight execution's identity so the caller
// can report what is blocking them.
type ConflictError struct {
	ScriptID    string
	ExecutionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("script %s already running (execution %s)", e.ScriptID, e.ExecutionID)
}

// Is makes errors.Is(err, ErrAlreadyRunning) hold for conflicts.
func (e *ConflictError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Record is one script identity's live execution record.
type Record struct {
	ScriptID    string    `json:"script_id"`
	ExecutionID string    `json:"execution_id"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
}

// Tracker is the process-wide execution state machine. Inject one instance;
// never share state through globals.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// TryAdmit atomically admits an execution for scriptID. When a record for
// the identity is already running, it returns a ConflictError carrying that
// record's execution ID and leaves the record untouched. Otherwise the
// identity transitions to a fresh running record.
func (t *Tracker) TryAdmit(scriptID, executionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[scriptID]; ok && rec.Status == StatusRunning {
		return &ConflictError{ScriptID: scriptID, ExecutionID: rec.ExecutionID}
	}

	t.records[scriptID] = &Record{
		ScriptID:    scriptID,
		ExecutionID: executionID,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	return nil
}

// Complete moves the identity's running record to a terminal status.
// Stale completions (wrong execution ID, or no running record) are ignored,
// so a slow goroutine can never clobber a newer admission.
func (t *Tracker) Complete(scriptID, executionID string, terminal Status) {
	if terminal != StatusFinished && terminal != StatusFailed {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[scriptID]
	if !ok || rec.Status != StatusRunning || rec.ExecutionID != executionID {
		return
	}
	rec.Status = terminal
}

// Status returns a copy of the identity's record, if any.
func (t *Tracker) Status(scriptID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[scriptID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
