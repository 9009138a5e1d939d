package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/budget"
	"github.com/BaSui01/agentrun/workflow/eventlog"
	"github.com/BaSui01/agentrun/workflow/lock"
	"github.com/BaSui01/agentrun/workflow/retry"
)

const instrumentationName = "github.com/BaSui01/agentrun/workflow"

// EngineConfig holds the engine's tunables
type EngineConfig struct {
	// MaxConcurrency bounds the number of attempts executing at once
	MaxConcurrency int
	// StepTimeout is the default per-attempt timeout (0 disables it)
	StepTimeout time.Duration
	// CancelGrace is how long in-flight calls get to return after a cancel
	CancelGrace time.Duration
	// LockTTL is the TTL of step locks
	LockTTL time.Duration
	// LockHeartbeat renews held locks at this interval (0 disables renewal)
	LockHeartbeat time.Duration
	// Retry is the default retry policy, refined by step overrides
	Retry retry.Policy
	// Budget creates the guard of each run unless WithBudget is passed to Run
	Budget budget.Config
}

// DefaultEngineConfig returns the defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrency: 4,
		StepTimeout:    5 * time.Minute,
		CancelGrace:    2 * time.Second,
		LockTTL:        lock.DefaultTTL,
		LockHeartbeat:  10 * time.Second,
		Retry:          retry.DefaultPolicy(),
	}
}

// Engine executes workflow graphs. An Engine may run several graphs
// concurrently; each Run owns its own scheduling loop.
type Engine struct {
	resolver *declarative.Resolver
	adapter  Adapter

	cfg     EngineConfig
	logger  *zap.Logger
	locks   *lock.Manager
	gate    *approval.Gate
	events  eventlog.Log
	metrics *metrics.Collector
	tracer  trace.Tracer
	limiter *rate.Limiter
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithConfig replaces the engine configuration
func WithConfig(cfg EngineConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLockManager shares a lock manager between engines
func WithLockManager(m *lock.Manager) Option {
	return func(e *Engine) { e.locks = m }
}

// WithApprovalGate sets the approval gate
func WithApprovalGate(g *approval.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithEventLog sets the event log
func WithEventLog(l eventlog.Log) Option {
	return func(e *Engine) { e.events = l }
}

// WithMetrics sets the Prometheus collector
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer sets the tracer (defaults to the global provider)
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRateLimiter limits the rate of adapter invocations
func WithRateLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// NewEngine creates an engine
func NewEngine(resolver *declarative.Resolver, adapter Adapter, opts ...Option) (*Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter cannot be nil")
	}
	e := &Engine{
		resolver: resolver,
		adapter:  adapter,
		cfg:      DefaultEngineConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))

	if e.cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be positive, got %d", e.cfg.MaxConcurrency)
	}
	if e.cfg.CancelGrace < 0 || e.cfg.StepTimeout < 0 || e.cfg.LockHeartbeat < 0 {
		return nil, fmt.Errorf("engine durations must not be negative")
	}
	if e.cfg.LockTTL <= 0 {
		e.cfg.LockTTL = lock.DefaultTTL
	}
	if e.cfg.LockHeartbeat > 0 && e.cfg.LockHeartbeat >= e.cfg.LockTTL {
		return nil, fmt.Errorf("lock heartbeat %s must be shorter than lock ttl %s", e.cfg.LockHeartbeat, e.cfg.LockTTL)
	}
	if err := e.cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default retry policy: %w", err)
	}
	if _, err := budget.NewGuard(e.cfg.Budget, nil); err != nil {
		return nil, err
	}

	if e.locks == nil {
		e.locks = lock.NewManager(lock.WithLogger(e.logger))
	}
	if e.gate == nil {
		e.gate = approval.NewGate(approval.DefaultConfig(), nil, nil, e.logger)
	}
	if e.events == nil {
		e.events = eventlog.Nop{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	return e, nil
}

// Gate returns the approval gate, through which decisions are submitted
func (e *Engine) Gate() *approval.Gate { return e.gate }

// Locks returns the lock manager
func (e *Engine) Locks() *lock.Manager { return e.locks }

// Config returns the engine configuration
func (e *Engine) Config() EngineConfig { return e.cfg }

// RunOption configures a single run
type RunOption func(*runOptions)

type runOptions struct {
	runID string
	guard *budget.Guard
}

// WithRunID sets the run ID (a UUID is generated otherwise)
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithBudget uses guard for this run instead of one built from the engine config
func WithBudget(guard *budget.Guard) RunOption {
	return func(o *runOptions) { o.guard = guard }
}

// Run executes the graph until every step is terminal or the run stops.
//
// Every agent spec is resolved before any step is dispatched; a resolution
// error is returned with a nil result. Any other outcome, including
// cancellation through ctx, is reported in the RunResult.
func (e *Engine) Run(ctx context.Context, g *Graph, opts ...RunOption) (*RunResult, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.guard == nil {
		guard, err := budget.NewGuard(e.cfg.Budget, e.logger)
		if err != nil {
			return nil, err
		}
		o.guard = guard
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", g.Name()),
		attribute.String("workflow.run_id", o.runID),
		attribute.Int("workflow.steps", g.Len()),
	))
	defer span.End()

	logger := e.logger.With(zap.String("run_id", o.runID), zap.String("workflow", g.Name()))

	steps, err := e.prepare(ctx, g)
	if err != nil {
		logger.Error("workflow preparation failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := newRun(e, g, o.runID, o.guard, steps, logger)
	result := r.execute(ctx)

	span.SetAttributes(
		attribute.String("workflow.reason", string(result.Reason)),
		attribute.String("workflow.total_cost", result.TotalCost.String()),
	)
	if result.Reason != ReasonAllSucceeded {
		span.SetStatus(codes.Error, string(result.Reason))
	}
	if e.metrics != nil {
		e.metrics.RecordRun(g.Name(), string(result.Reason), result.Duration())
	}
	return result, nil
}

// prepare resolves every step's agent spec through one session, so steps
// sharing ancestors read each spec once, and computes effective retry
// policies.
func (e *Engine) prepare(ctx context.Context, g *Graph) (map[string]*stepRun, error) {
	session := e.resolver.NewSession()
	steps := make(map[string]*stepRun, g.Len())
	for _, s := range g.Steps() {
		spec, err := session.Resolve(ctx, s.AgentSpecID)
		if e.metrics != nil {
			code := "ok"
			if err != nil {
				code = string(types.GetErrorCode(err))
			}
			e.metrics.RecordSpecResolution(code)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve agent spec %q for step %q: %w", s.AgentSpecID, s.ID, err)
		}

		policy := s.Retry.Apply(e.cfg.Retry).ForStep(s.ID)
		if err := policy.Validate(); err != nil {
			return nil, invalidWorkflow("step %q: invalid retry policy: %v", s.ID, err)
		}

		timeout := s.Timeout
		if timeout == 0 {
			timeout = e.cfg.StepTimeout
		}
		steps[s.ID] = &stepRun{
			step:    s,
			spec:    spec,
			policy:  policy,
			timeout: timeout,
			cost:    decimal.Zero,
		}
	}
	e.logger.Debug("agent specs resolved",
		zap.String("workflow", g.Name()),
		zap.Int("steps", g.Len()),
		zap.Int("store_reads", session.Reads()),
	)
	return steps, nil
}
