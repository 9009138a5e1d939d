// Package eventlog records workflow state transitions in an append-only log.
//
// The engine writes one Event per transition with a sequence number assigned
// by its scheduling loop. Readers exist for post-hoc inspection only; the
// engine never reads the log back while a run is executing.
package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Type names an event kind.
type Type string

const (
	RunStarted        Type = "run_started"
	RunFinished       Type = "run_finished"
	StepTransition    Type = "step_transition"
	AttemptStarted    Type = "attempt_started"
	AttemptFinished   Type = "attempt_finished"
	RetryScheduled    Type = "retry_scheduled"
	LockQueued        Type = "lock_queued"
	LockGranted       Type = "lock_granted"
	LockLost          Type = "lock_lost"
	ApprovalRequested Type = "approval_requested"
	ApprovalResolved  Type = "approval_resolved"
	BudgetRefused     Type = "budget_refused"
	CostCommitted     Type = "cost_committed"
)

// Event is one log entry.
type Event struct {
	Seq       uint64         `json:"seq"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	Type      Type           `json:"type"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log is an append-only event sink. Implementations must be safe for
// concurrent use.
type Log interface {
	Append(ctx context.Context, ev Event) error
}

// Reader reads back the events of a run ordered by sequence number.
type Reader interface {
	Read(ctx context.Context, runID string) ([]Event, error)
}

// Nop discards every event.
type Nop struct{}

// Append implements Log.
func (Nop) Append(context.Context, Event) error { return nil }

// MemoryLog keeps events in memory, grouped by run.
type MemoryLog struct {
	mu   sync.RWMutex
	runs map[string][]Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{runs: make(map[string][]Event)}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[ev.RunID] = append(l.runs[ev.RunID], ev)
	return nil
}

// Read implements Reader.
func (l *MemoryLog) Read(ctx context.Context, runID string) ([]Event, error) {
	l.mu.RLock()
	out := append([]Event(nil), l.runs[runID]...)
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Runs lists run IDs with at least one event.
func (l *MemoryLog) Runs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Filter returns the events of the given type.
func Filter(events []Event, typ Type) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
