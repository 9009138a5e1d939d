package workflow

import (
	"fmt"
	"slices"

	"github.com/BaSui01/agentrun/types"
)

// StepStatus is the lifecycle state of a step within one run
type StepStatus string

const (
	StatusPending         StepStatus = "pending"
	StatusReady           StepStatus = "ready"
	StatusWaitingApproval StepStatus = "waiting_approval"
	StatusRunning         StepStatus = "running"
	StatusRetrying        StepStatus = "retrying"
	StatusSucceeded       StepStatus = "succeeded"
	StatusFailed          StepStatus = "failed"
	StatusSkipped         StepStatus = "skipped"
)

// IsTerminal reports whether no further transition is possible
func (s StepStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// transitions lists every allowed edge of the step state machine.
// Terminal states have no outgoing edges.
var transitions = map[StepStatus][]StepStatus{
	StatusPending:         {StatusReady, StatusSkipped},
	StatusReady:           {StatusWaitingApproval, StatusRunning, StatusFailed, StatusSkipped},
	StatusWaitingApproval: {StatusReady, StatusRunning, StatusFailed, StatusSkipped},
	StatusRunning:         {StatusSucceeded, StatusFailed, StatusRetrying, StatusSkipped},
	StatusRetrying:        {StatusRunning, StatusFailed, StatusSkipped},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to StepStatus) bool {
	return slices.Contains(transitions[from], to)
}

// ExecutionState holds the status of every step of one run. It is owned by
// the scheduling loop and is not safe for concurrent use.
type ExecutionState struct {
	order    []string
	statuses map[string]StepStatus
}

// NewExecutionState creates a state with every step pending
func NewExecutionState(ids []string) *ExecutionState {
	st := &ExecutionState{
		order:    append([]string(nil), ids...),
		statuses: make(map[string]StepStatus, len(ids)),
	}
	for _, id := range ids {
		st.statuses[id] = StatusPending
	}
	return st
}

// Status returns the current status of a step
func (st *ExecutionState) Status(id string) StepStatus {
	return st.statuses[id]
}

// Transition moves a step to a new status and returns the previous one.
func (st *ExecutionState) Transition(id string, to StepStatus) (StepStatus, error) {
	from, ok := st.statuses[id]
	if !ok {
		return "", types.NewError(types.ErrInvalidTransition, fmt.Sprintf("unknown step %q", id))
	}
	if !CanTransition(from, to) {
		return from, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("step %q: illegal transition %s -> %s", id, from, to)).WithStep(id)
	}
	st.statuses[id] = to
	return from, nil
}

// AllTerminal reports whether every step reached a terminal status
func (st *ExecutionState) AllTerminal() bool {
	for _, s := range st.statuses {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of steps per status
func (st *ExecutionState) Counts() map[StepStatus]int {
	out := make(map[StepStatus]int)
	for _, s := range st.statuses {
		out[s]++
	}
	return out
}

// Snapshot returns a copy of all statuses
func (st *ExecutionState) Snapshot() map[string]StepStatus {
	out := make(map[string]StepStatus, len(st.statuses))
	for id, s := range st.statuses {
		out[id] = s
	}
	return out
}

// NonTerminal returns the IDs of steps not yet terminal, in state order
func (st *ExecutionState) NonTerminal() []string {
	var out []string
	for _, id := range st.order {
		if !st.statuses[id].IsTerminal() {
			out = append(out, id)
		}
	}
	return out
}
