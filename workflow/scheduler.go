package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/budget"
	"github.com/BaSui01/agentrun/workflow/eventlog"
	"github.com/BaSui01/agentrun/workflow/lock"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// stepRun is the loop-owned bookkeeping of one step.
type stepRun struct {
	step    *Step
	spec    *declarative.AgentSpec
	policy  retry.Policy
	timeout time.Duration

	attempts     int
	lastErr      error
	skipReason   string
	backoffTotal time.Duration
	output       any
	cost         decimal.Decimal

	approved       bool
	approval       *ApprovalResult
	approvalCancel context.CancelFunc

	ticket    *lock.Ticket
	lockHeld  bool
	queuedAt  time.Time
	heartbeat context.CancelFunc

	reservation *budget.Reservation
	retryTimer  *time.Timer

	startedAt  time.Time
	finishedAt time.Time
}

// 事件队列中的消息，均由 worker、定时器或审批协程投递
type (
	attemptDone struct {
		id      string
		attempt int
		attemptOutcome
		duration time.Duration
	}
	approvalDone struct {
		id      string
		outcome approval.Outcome
		err     error
	}
	lockGranted struct {
		id     string
		ticket *lock.Ticket
	}
	retryDue struct {
		id      string
		attempt int
	}
)

// run drives one execution of a graph. Every field is owned by the loop
// goroutine; other goroutines only talk to it through post.
type run struct {
	e      *Engine
	graph  *Graph
	id     string
	guard  *budget.Guard
	steps  map[string]*stepRun
	state  *ExecutionState
	logger *zap.Logger

	events     chan any
	done       chan struct{}
	logCtx     context.Context
	workCtx    context.Context
	cancelWork context.CancelFunc
	// 审批、锁等待与心跳协程，Run 返回前全部退出
	bg sync.WaitGroup

	seq      uint64
	inflight int
	queue    []string

	halted     bool
	aborted    bool
	reason     Reason
	failedStep string
	startedAt  time.Time
}

func newRun(e *Engine, g *Graph, id string, guard *budget.Guard, steps map[string]*stepRun, logger *zap.Logger) *run {
	ids := make([]string, 0, g.Len())
	for _, s := range g.Steps() {
		ids = append(ids, s.ID)
	}
	return &run{
		e:      e,
		graph:  g,
		id:     id,
		guard:  guard,
		steps:  steps,
		state:  NewExecutionState(ids),
		logger: logger,
		events: make(chan any, 4*g.Len()+8),
		done:   make(chan struct{}),
	}
}

// post hands an event to the loop. It never blocks once the loop is gone.
func (r *run) post(ev any) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *run) execute(ctx context.Context) *RunResult {
	r.startedAt = time.Now()
	// 运行结束后的事件仍需落盘，日志写入不跟随调用方取消
	r.logCtx = context.WithoutCancel(ctx)
	r.workCtx, r.cancelWork = context.WithCancel(r.logCtx)
	defer r.cancelWork()

	r.emit(eventlog.Event{
		Type: eventlog.RunStarted,
		Data: map[string]any{"workflow": r.graph.Name(), "steps": r.graph.Len()},
	})
	r.logger.Info("workflow run started",
		zap.Int("steps", r.graph.Len()),
		zap.Int("max_concurrency", r.e.cfg.MaxConcurrency),
	)

	r.loop(ctx)
	close(r.done)
	r.cancelWork()
	r.bg.Wait()

	if !r.halted {
		r.reason = ReasonAllSucceeded
		for _, sr := range r.steps {
			if r.state.Status(sr.step.ID) != StatusSucceeded {
				r.reason = ReasonCompletedWithFailures
				break
			}
		}
	}

	result := r.result()
	r.emit(eventlog.Event{
		Type:    eventlog.RunFinished,
		StepID:  r.failedStep,
		Message: string(r.reason),
		Data:    map[string]any{"total_cost": result.TotalCost.String()},
	})
	result.Events = r.seq
	result.FinishedAt = time.Now()

	r.logger.Info("workflow run finished",
		zap.String("reason", string(r.reason)),
		zap.String("total_cost", result.TotalCost.String()),
		zap.Duration("duration", result.FinishedAt.Sub(r.startedAt)),
	)
	return result
}

func (r *run) loop(ctx context.Context) {
	cancelled := ctx.Done()
	r.schedule()
	for !r.finished() {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-cancelled:
			cancelled = nil
			r.abort(ReasonCancelled, "", types.NewError(types.ErrCancelled, "run cancelled").
				WithCategory(types.CategoryPermanent).
				WithCause(ctx.Err()))
		}
		r.schedule()
	}
}

func (r *run) finished() bool {
	return r.inflight == 0 && r.state.AllTerminal()
}

func (r *run) schedule() {
	r.promote()
	r.dispatch()
}

func (r *run) handle(ev any) {
	switch ev := ev.(type) {
	case attemptDone:
		r.onAttemptDone(ev)
	case approvalDone:
		r.onApprovalDone(ev)
	case lockGranted:
		r.onLockGranted(ev)
	case retryDue:
		r.onRetryDue(ev)
	default:
		r.logger.Error("unknown loop event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// promote moves pending steps whose predecessors are settled. Walking in
// topological order lets skips cascade through the graph in one pass.
func (r *run) promote() {
	if r.halted {
		return
	}
	for _, id := range r.graph.order {
		if r.state.Status(id) != StatusPending {
			continue
		}
		sr := r.steps[id]
		settled, blocked := true, ""
		for _, dep := range sr.step.DependsOn {
			switch r.state.Status(dep) {
			case StatusSucceeded:
			case StatusFailed, StatusSkipped:
				if blocked == "" {
					blocked = dep
				}
			default:
				settled = false
			}
		}
		switch {
		case blocked != "" && !sr.step.RunAlways:
			sr.skipReason = fmt.Sprintf("dependency %q did not succeed", blocked)
			r.transition(sr, StatusSkipped)
		case settled:
			r.transition(sr, StatusReady)
			r.prepareDispatch(sr)
		}
	}
}

// prepareDispatch walks a ready step through its gates: approval first,
// then the lock. The step is queued for dispatch once both are cleared.
func (r *run) prepareDispatch(sr *stepRun) {
	if sr.step.RequiresApproval && !sr.approved {
		r.transition(sr, StatusWaitingApproval)
		r.requestApproval(sr)
		return
	}
	if sr.step.LockKey != "" && !sr.lockHeld {
		if sr.ticket == nil {
			r.acquireLock(sr)
		}
		if !sr.lockHeld {
			return
		}
	}
	r.queue = append(r.queue, sr.step.ID)
}

func (r *run) dispatch() {
	for len(r.queue) > 0 && r.inflight < r.e.cfg.MaxConcurrency && !r.halted {
		id := r.queue[0]
		r.queue = r.queue[1:]
		sr := r.steps[id]

		if st := r.state.Status(id); st != StatusReady && st != StatusRetrying {
			continue
		}
		if sr.step.LockKey != "" {
			if err := r.e.locks.Validate(sr.step.LockKey, r.holder(sr)); err != nil {
				r.lockLost(sr, err)
				continue
			}
		}

		res, err := r.guard.Reserve(id, sr.step.EstimatedCost)
		if err != nil {
			r.budgetRefused(sr, err)
			return
		}
		r.startAttempt(sr, res)
	}
}

func (r *run) holder(sr *stepRun) string {
	return r.id + "/" + sr.step.ID
}

// ============================================================
// State transitions
// ============================================================

func (r *run) transition(sr *stepRun, to StepStatus) {
	id := sr.step.ID
	from, err := r.state.Transition(id, to)
	if err != nil {
		r.logger.Error("illegal step transition", zap.String("step_id", id), zap.Error(err))
		return
	}

	ev := eventlog.Event{
		Type:    eventlog.StepTransition,
		StepID:  id,
		From:    string(from),
		To:      string(to),
		Attempt: sr.attempts,
	}
	if to == StatusFailed || to == StatusSkipped {
		if sr.lastErr != nil {
			ev.Code = string(types.GetErrorCode(sr.lastErr))
			ev.Message = sr.lastErr.Error()
		} else {
			ev.Message = sr.skipReason
		}
	}
	r.emit(ev)
	if r.e.metrics != nil {
		r.e.metrics.RecordStepTransition(r.graph.Name(), string(from), string(to))
	}
	r.logger.Debug("step transition",
		zap.String("step_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	if to.IsTerminal() {
		r.finalize(sr)
	}
}

func (r *run) finalize(sr *stepRun) {
	sr.finishedAt = time.Now()
	if sr.retryTimer != nil {
		sr.retryTimer.Stop()
		sr.retryTimer = nil
	}
	if sr.approvalCancel != nil {
		sr.approvalCancel()
		sr.approvalCancel = nil
	}
	r.releaseLock(sr)
}

func (r *run) fail(sr *stepRun, err error) {
	sr.lastErr = err
	r.transition(sr, StatusFailed)
	r.logger.Warn("step failed",
		zap.String("step_id", sr.step.ID),
		zap.Int("attempts", sr.attempts),
		zap.Bool("critical", sr.step.Critical),
		zap.Error(err),
	)
	if sr.step.Critical {
		r.abort(ReasonFatalStepFailure, sr.step.ID, err)
	}
}

// halt stops dispatching new work. Running attempts drain normally; steps
// waiting for a retry fail with their last error.
func (r *run) halt(reason Reason, stepID string, cause error) {
	if r.halted {
		return
	}
	r.halted = true
	r.reason = reason
	r.failedStep = stepID
	r.queue = nil

	r.logger.Warn("workflow run halted", zap.String("reason", string(reason)), zap.String("step_id", stepID))
	for _, id := range r.state.NonTerminal() {
		sr := r.steps[id]
		if id == stepID {
			sr.lastErr = cause
		}
		// a critical failure below may already have aborted the rest
		switch r.state.Status(id) {
		case StatusSucceeded, StatusFailed, StatusSkipped:
		case StatusRunning:
		case StatusRetrying:
			r.fail(sr, sr.lastErr)
		default:
			sr.skipReason = fmt.Sprintf("run halted: %s", reason)
			r.transition(sr, StatusSkipped)
		}
	}
}

// abort stops the run: in-flight attempts are cancelled and every
// non-terminal step is skipped, which releases all held locks.
func (r *run) abort(reason Reason, stepID string, cause error) {
	if r.aborted {
		return
	}
	r.aborted = true
	if !r.halted {
		r.halted = true
		r.reason = reason
		r.failedStep = stepID
	}
	r.queue = nil
	r.cancelWork()

	r.logger.Warn("workflow run aborted",
		zap.String("reason", string(reason)),
		zap.String("step_id", stepID),
		zap.Int("inflight", r.inflight),
	)
	for _, id := range r.state.NonTerminal() {
		sr := r.steps[id]
		sr.skipReason = fmt.Sprintf("run aborted: %s", reason)
		if reason == ReasonCancelled {
			sr.lastErr = cause
		}
		r.transition(sr, StatusSkipped)
	}
}

// ============================================================
// Approval, locks and budget
// ============================================================

func (r *run) requestApproval(sr *stepRun) {
	ctx, cancel := context.WithCancel(r.workCtx)
	sr.approvalCancel = cancel

	req := approval.Request{
		RunID:  r.id,
		StepID: sr.step.ID,
		Payload: map[string]any{
			"workflow":       r.graph.Name(),
			"agent_spec_id":  sr.step.AgentSpecID,
			"estimated_cost": sr.step.EstimatedCost.String(),
			"input":          sr.step.Input,
		},
		Timeout: sr.step.ApprovalTimeout,
		Default: sr.step.ApprovalDefault,
	}
	r.emit(eventlog.Event{Type: eventlog.ApprovalRequested, StepID: sr.step.ID})

	id := sr.step.ID
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		out, err := r.e.gate.Await(ctx, req)
		r.post(approvalDone{id: id, outcome: out, err: err})
	}()
}

func (r *run) onApprovalDone(ev approvalDone) {
	sr := r.steps[ev.id]
	if r.state.Status(ev.id) != StatusWaitingApproval {
		return
	}
	if sr.approvalCancel != nil {
		sr.approvalCancel()
		sr.approvalCancel = nil
	}
	if ev.err != nil {
		r.fail(sr, ev.err)
		return
	}

	out := ev.outcome
	res := &ApprovalResult{
		Decision: out.Decision,
		TimedOut: out.TimedOut,
		By:       out.By,
		Comment:  out.Comment,
	}
	switch {
	case out.TimedOut:
		res.Code = types.ErrApprovalTimeout
	case !out.Approved():
		res.Code = types.ErrApprovalRejected
	}
	sr.approval = res

	r.emit(eventlog.Event{
		Type:   eventlog.ApprovalResolved,
		StepID: ev.id,
		Code:   string(res.Code),
		Data:   map[string]any{"decision": string(out.Decision), "timed_out": out.TimedOut, "by": out.By},
	})
	if r.e.metrics != nil {
		r.e.metrics.RecordApproval(string(out.Decision), out.TimedOut)
	}

	if out.Approved() {
		sr.approved = true
		r.transition(sr, StatusReady)
		r.prepareDispatch(sr)
		return
	}

	msg := fmt.Sprintf("step %q rejected", ev.id)
	if out.TimedOut {
		msg = fmt.Sprintf("step %q: approval timed out, default decision is %s", ev.id, out.Decision)
	}
	r.fail(sr, types.NewError(res.Code, msg).WithCategory(types.CategoryPermanent).WithStep(ev.id))
}

func (r *run) acquireLock(sr *stepRun) {
	key := sr.step.LockKey
	t, granted := r.e.locks.Acquire(key, r.holder(sr), r.e.cfg.LockTTL)
	sr.ticket = t
	if granted {
		r.onLockHeld(sr, 0)
		return
	}

	sr.queuedAt = time.Now()
	r.emit(eventlog.Event{
		Type:   eventlog.LockQueued,
		StepID: sr.step.ID,
		Data:   map[string]any{"key": key, "queue_len": r.e.locks.QueueLen(key)},
	})
	id := sr.step.ID
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		select {
		case <-t.Ready():
			r.post(lockGranted{id: id, ticket: t})
		case <-r.done:
		}
	}()
}

func (r *run) onLockGranted(ev lockGranted) {
	sr := r.steps[ev.id]
	if sr.ticket != ev.ticket || r.state.Status(ev.id) != StatusReady {
		return
	}
	r.onLockHeld(sr, time.Since(sr.queuedAt))
	r.queue = append(r.queue, ev.id)
}

func (r *run) onLockHeld(sr *stepRun, waited time.Duration) {
	key := sr.step.LockKey
	sr.lockHeld = true
	r.emit(eventlog.Event{
		Type:   eventlog.LockGranted,
		StepID: sr.step.ID,
		Data:   map[string]any{"key": key, "waited_ms": waited.Milliseconds()},
	})
	if r.e.metrics != nil {
		r.e.metrics.RecordLockWait(key, waited)
	}

	if r.e.cfg.LockHeartbeat <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(r.workCtx)
	sr.heartbeat = cancel
	holder, ttl, interval := r.holder(sr), r.e.cfg.LockTTL, r.e.cfg.LockHeartbeat
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if err := r.e.locks.KeepAlive(ctx, key, holder, ttl, interval); err != nil {
			r.logger.Warn("lock heartbeat stopped", zap.String("key", key), zap.String("holder", holder), zap.Error(err))
		}
	}()
}

func (r *run) releaseLock(sr *stepRun) {
	if sr.heartbeat != nil {
		sr.heartbeat()
		sr.heartbeat = nil
	}
	if sr.ticket != nil {
		r.e.locks.Cancel(sr.ticket)
		sr.ticket = nil
	}
	sr.lockHeld = false
}

func (r *run) lockLost(sr *stepRun, err error) {
	r.emit(eventlog.Event{
		Type:    eventlog.LockLost,
		StepID:  sr.step.ID,
		Attempt: sr.attempts,
		Code:    string(types.ErrLockLost),
		Message: err.Error(),
	})
	sr.lockHeld = false
	r.fail(sr, types.NewError(types.ErrLockLost, fmt.Sprintf("step %q lost lock %q", sr.step.ID, sr.step.LockKey)).
		WithCategory(types.CategoryResource).
		WithStep(sr.step.ID).
		WithCause(err))
}

func (r *run) budgetRefused(sr *stepRun, err error) {
	remaining, limited := r.guard.Remaining()
	data := map[string]any{"estimate": sr.step.EstimatedCost.String()}
	if limited {
		data["remaining"] = remaining.String()
	}
	r.emit(eventlog.Event{
		Type:    eventlog.BudgetRefused,
		StepID:  sr.step.ID,
		Code:    string(types.GetErrorCode(err)),
		Message: err.Error(),
		Data:    data,
	})
	if r.e.metrics != nil {
		r.e.metrics.RecordBudgetRefusal(r.graph.Name())
	}
	r.halt(ReasonBudgetExceeded, sr.step.ID, err)
}

// ============================================================
// Events and results
// ============================================================

// emit appends to the event log. Sequence numbers come from the loop's
// counter, so they are strictly increasing within a run.
func (r *run) emit(ev eventlog.Event) {
	r.seq++
	ev.Seq = r.seq
	ev.RunID = r.id
	ev.Timestamp = time.Now()
	if err := r.e.events.Append(r.logCtx, ev); err != nil {
		r.logger.Warn("failed to append event",
			zap.Uint64("seq", ev.Seq),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func (r *run) upstream(sr *stepRun) map[string]any {
	if len(sr.step.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]any, len(sr.step.DependsOn))
	for _, dep := range sr.step.DependsOn {
		if r.state.Status(dep) == StatusSucceeded {
			out[dep] = r.steps[dep].output
		}
	}
	return out
}

func (r *run) result() *RunResult {
	res := &RunResult{
		RunID:      r.id,
		Workflow:   r.graph.Name(),
		Reason:     r.reason,
		FailedStep: r.failedStep,
		Steps:      make(map[string]*StepResult, len(r.steps)),
		Order:      make([]string, 0, len(r.steps)),
		TotalCost:  decimal.Zero,
		Budget:     r.guard.Status(),
		StartedAt:  r.startedAt,
	}
	for _, s := range r.graph.steps {
		sr := r.steps[s.ID]
		step := &StepResult{
			StepID:       s.ID,
			Status:       r.state.Status(s.ID),
			Attempts:     sr.attempts,
			LastError:    sr.lastErr,
			SkipReason:   sr.skipReason,
			Spec:         sr.spec,
			Output:       sr.output,
			Cost:         sr.cost,
			Approval:     sr.approval,
			BackoffTotal: sr.backoffTotal,
			StartedAt:    sr.startedAt,
			FinishedAt:   sr.finishedAt,
		}
		if sr.lastErr != nil {
			step.ErrorCode = types.GetErrorCode(sr.lastErr)
			step.ErrorMessage = sr.lastErr.Error()
		}
		res.Steps[s.ID] = step
		res.Order = append(res.Order, s.ID)
		res.TotalCost = res.TotalCost.Add(sr.cost)
	}
	return res
}
