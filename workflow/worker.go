package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/internal/ctxkeys"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/budget"
	"github.com/BaSui01/agentrun/workflow/eventlog"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// attemptOutcome is what a worker reports for one adapter call. abandoned
// means the call did not return in time, so its cost is unknown.
type attemptOutcome struct {
	result    *InvokeResult
	err       error
	abandoned bool
}

func (r *run) startAttempt(sr *stepRun, res *budget.Reservation) {
	sr.attempts++
	sr.reservation = res
	if sr.startedAt.IsZero() {
		sr.startedAt = time.Now()
	}
	r.transition(sr, StatusRunning)
	r.emit(eventlog.Event{
		Type:    eventlog.AttemptStarted,
		StepID:  sr.step.ID,
		Attempt: sr.attempts,
		Data:    map[string]any{"reserved": res.Amount.String()},
	})

	in := StepInput{
		RunID:    r.id,
		StepID:   sr.step.ID,
		Attempt:  sr.attempts,
		Input:    sr.step.Input,
		Upstream: r.upstream(sr),
	}
	r.inflight++
	if r.e.metrics != nil {
		r.e.metrics.StepStarted(r.graph.Name())
	}
	go r.work(sr.timeout, sr.spec, in)
}

// work runs one attempt on its own goroutine and reports back to the loop.
// The dispatch limiter is waited on before the attempt timeout starts.
func (r *run) work(timeout time.Duration, spec *declarative.AgentSpec, in StepInput) {
	start := time.Now()
	out := r.attempt(timeout, spec, in)
	r.post(attemptDone{
		id:             in.StepID,
		attempt:        in.Attempt,
		attemptOutcome: out,
		duration:       time.Since(start),
	})
}

func (r *run) attempt(timeout time.Duration, spec *declarative.AgentSpec, in StepInput) attemptOutcome {
	if r.e.limiter != nil {
		if err := r.e.limiter.Wait(r.workCtx); err != nil {
			if r.workCtx.Err() == nil {
				return attemptOutcome{err: types.NewPermanentError("dispatch limiter rejected attempt").WithStep(in.StepID).WithCause(err)}
			}
			return attemptOutcome{err: r.interrupted(r.workCtx, in.StepID, err)}
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(r.workCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(r.workCtx)
	}
	defer cancel()

	ctx, span := r.e.tracer.Start(ctx, "workflow.step.attempt", trace.WithAttributes(
		attribute.String("workflow.run_id", in.RunID),
		attribute.String("workflow.step_id", in.StepID),
		attribute.Int("workflow.attempt", in.Attempt),
		attribute.String("agent.spec_id", spec.ID),
		attribute.String("agent.model", spec.Model),
	))
	ctx = ctxkeys.WithRunID(ctx, in.RunID)
	ctx = ctxkeys.WithStepID(ctx, in.StepID)
	ctx = ctxkeys.WithAttempt(ctx, in.Attempt)
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
	}
	out := r.invoke(ctx, spec, in)
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(out.err)))
	}
	span.End()
	return out
}

func (r *run) invoke(ctx context.Context, spec *declarative.AgentSpec, in StepInput) attemptOutcome {
	ch := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- attemptOutcome{err: types.NewPermanentError(fmt.Sprintf("adapter panic: %v", p)).WithStep(in.StepID)}
			}
		}()
		res, err := r.e.adapter.Invoke(ctx, spec, in)
		ch <- attemptOutcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil && types.GetErrorCode(out.err) == "" {
			out.err = r.interrupted(ctx, in.StepID, out.err)
		}
		return out
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return attemptOutcome{err: r.interrupted(ctx, in.StepID, ctx.Err()), abandoned: true}
	}

	// 运行被取消：在宽限期内等待适配器返回真实结果
	grace := time.NewTimer(r.e.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case out := <-ch:
		if out.err == nil {
			out.err = r.interrupted(ctx, in.StepID, ctx.Err())
		}
		return out
	case <-grace.C:
		r.logger.Warn("adapter ignored cancellation, abandoning call",
			zap.String("step_id", in.StepID),
			zap.Duration("grace", r.e.cfg.CancelGrace),
		)
		return attemptOutcome{err: r.interrupted(ctx, in.StepID, ctx.Err()), abandoned: true}
	}
}

// interrupted classifies an attempt cut short by its context.
func (r *run) interrupted(ctx context.Context, stepID string, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewStepError(types.CategoryTimeout, fmt.Sprintf("step %q attempt timed out", stepID)).
			WithStep(stepID).
			WithCause(cause)
	}
	return types.NewError(types.ErrCancelled, fmt.Sprintf("step %q attempt cancelled", stepID)).
		WithCategory(types.CategoryPermanent).
		WithStep(stepID).
		WithCause(cause)
}

func (r *run) onAttemptDone(ev attemptDone) {
	sr := r.steps[ev.id]
	r.inflight--
	if r.e.metrics != nil {
		r.e.metrics.StepFinished(r.graph.Name())
	}
	r.settle(sr, ev)

	outcome := "succeeded"
	if ev.err != nil {
		outcome = string(types.GetErrorCode(ev.err))
		if outcome == "" {
			outcome = string(types.CategoryOf(ev.err))
		}
	}
	if r.e.metrics != nil {
		r.e.metrics.RecordStepAttempt(r.graph.Name(), outcome, ev.duration)
	}

	// 运行已中止，步骤已是 skipped，只需结算成本
	if r.state.Status(ev.id) != StatusRunning {
		return
	}

	if sr.step.LockKey != "" {
		if err := r.e.locks.Validate(sr.step.LockKey, r.holder(sr)); err != nil {
			r.lockLost(sr, err)
			return
		}
	}

	if ev.err == nil {
		if ev.result != nil {
			sr.output = ev.result.Output
		}
		r.emit(eventlog.Event{
			Type:    eventlog.AttemptFinished,
			StepID:  ev.id,
			Attempt: ev.attempt,
			Data:    map[string]any{"duration_ms": ev.duration.Milliseconds()},
		})
		r.transition(sr, StatusSucceeded)
		return
	}

	category := types.CategoryOf(ev.err)
	decision := retry.Decide(category, sr.attempts, sr.policy)
	r.emit(eventlog.Event{
		Type:    eventlog.AttemptFinished,
		StepID:  ev.id,
		Attempt: ev.attempt,
		Code:    string(types.GetErrorCode(ev.err)),
		Message: ev.err.Error(),
		Data: map[string]any{
			"category":    string(category),
			"retry":       decision.Retry,
			"reason":      decision.Reason,
			"duration_ms": ev.duration.Milliseconds(),
		},
	})

	if !decision.Retry || r.halted {
		r.fail(sr, ev.err)
		return
	}

	sr.lastErr = ev.err
	sr.backoffTotal += decision.Delay
	r.transition(sr, StatusRetrying)
	r.emit(eventlog.Event{
		Type:    eventlog.RetryScheduled,
		StepID:  ev.id,
		Attempt: ev.attempt,
		Data:    map[string]any{"delay_ms": decision.Delay.Milliseconds(), "next_attempt": ev.attempt + 1},
	})
	if r.e.metrics != nil {
		r.e.metrics.RecordRetry(r.graph.Name(), string(category))
	}
	r.logger.Warn("step attempt failed, retrying",
		zap.String("step_id", ev.id),
		zap.Int("attempt", ev.attempt),
		zap.String("category", string(category)),
		zap.Duration("delay", decision.Delay),
		zap.Error(ev.err),
	)

	id, attempt := ev.id, ev.attempt
	sr.retryTimer = time.AfterFunc(decision.Delay, func() {
		r.post(retryDue{id: id, attempt: attempt})
	})
}

func (r *run) onRetryDue(ev retryDue) {
	sr := r.steps[ev.id]
	if r.state.Status(ev.id) != StatusRetrying || ev.attempt != sr.attempts {
		return
	}
	sr.retryTimer = nil
	if sr.step.LockKey != "" {
		if err := r.e.locks.Validate(sr.step.LockKey, r.holder(sr)); err != nil {
			r.lockLost(sr, err)
			return
		}
	}
	r.queue = append(r.queue, ev.id)
}

// settle reconciles the attempt's reservation with its actual cost. An
// abandoned call is charged its full estimate.
func (r *run) settle(sr *stepRun, ev attemptDone) {
	res := sr.reservation
	sr.reservation = nil
	if res == nil {
		return
	}

	actual := decimal.Zero
	switch {
	case ev.result != nil:
		actual = ev.result.Cost
	case ev.abandoned:
		actual = res.Amount
	}
	if actual.IsNegative() {
		r.logger.Warn("adapter reported negative cost, charging zero",
			zap.String("step_id", ev.id),
			zap.String("cost", actual.String()),
		)
		actual = decimal.Zero
	}
	if err := r.guard.Commit(res, actual); err != nil {
		r.logger.Error("budget commit failed", zap.String("step_id", ev.id), zap.Error(err))
		return
	}
	sr.cost = sr.cost.Add(actual)

	r.emit(eventlog.Event{
		Type:    eventlog.CostCommitted,
		StepID:  ev.id,
		Attempt: ev.attempt,
		Data:    map[string]any{"actual": actual.String(), "reserved": res.Amount.String()},
	})
	if r.e.metrics != nil {
		r.e.metrics.RecordCost(r.graph.Name(), actual.InexactFloat64())
	}
}
