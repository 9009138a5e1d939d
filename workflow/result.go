package workflow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/budget"
)

// Reason explains why a run terminated
type Reason string

const (
	ReasonAllSucceeded          Reason = "all_succeeded"
	ReasonCompletedWithFailures Reason = "completed_with_failures"
	ReasonBudgetExceeded        Reason = "budget_exceeded"
	ReasonFatalStepFailure      Reason = "fatal_step_failure"
	ReasonCancelled             Reason = "cancelled"
)

// ApprovalResult records how a step's approval gate resolved
type ApprovalResult struct {
	Decision approval.Decision `json:"decision"`
	TimedOut bool              `json:"timed_out"`
	By       string            `json:"by,omitempty"`
	Comment  string            `json:"comment,omitempty"`
	// Code is APPROVAL_TIMEOUT when the default decision was applied and
	// APPROVAL_REJECTED on an explicit rejection.
	Code types.ErrorCode `json:"code,omitempty"`
}

// StepResult is the final record of one step
type StepResult struct {
	StepID   string     `json:"step_id"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`

	LastError    error           `json:"-"`
	ErrorCode    types.ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	SkipReason   string          `json:"skip_reason,omitempty"`

	Spec         *declarative.AgentSpec `json:"spec,omitempty"`
	Output       any                    `json:"output,omitempty"`
	Cost         decimal.Decimal        `json:"cost"`
	Approval     *ApprovalResult        `json:"approval,omitempty"`
	BackoffTotal time.Duration          `json:"backoff_total"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// RunResult is the outcome of Engine.Run
type RunResult struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Reason   Reason `json:"reason"`
	// FailedStep names the critical step that aborted the run, or the step
	// the budget refused.
	FailedStep string `json:"failed_step,omitempty"`

	Steps map[string]*StepResult `json:"steps"`
	// Order lists step IDs in definition order
	Order []string `json:"order"`

	TotalCost decimal.Decimal `json:"total_cost"`
	Budget    budget.Status   `json:"budget"`
	Events    uint64          `json:"events"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Step returns the result of a step, or nil
func (r *RunResult) Step(id string) *StepResult {
	return r.Steps[id]
}

// Succeeded reports whether every step succeeded
func (r *RunResult) Succeeded() bool {
	return r.Reason == ReasonAllSucceeded
}

// Duration returns the wall-clock duration of the run
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StatusCounts returns the number of steps per final status
func (r *RunResult) StatusCounts() map[StepStatus]int {
	out := make(map[StepStatus]int)
	for _, s := range r.Steps {
		out[s.Status]++
	}
	return out
}
