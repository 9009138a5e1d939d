package workflow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// Builder provides a fluent API for constructing workflow graphs
type Builder struct {
	name   string
	desc   string
	steps  []*Step
	logger *zap.Logger
}

// NewBuilder creates a new builder with the given workflow name
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		logger: zap.NewNop(),
	}
}

// WithDescription sets the workflow description
func (b *Builder) WithDescription(desc string) *Builder {
	b.desc = desc
	return b
}

// WithLogger sets a custom logger
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "workflow_builder"))
	}
	return b
}

// AddStep adds a step bound to the given agent spec and returns a StepBuilder
// for configuration
func (b *Builder) AddStep(id, agentSpecID string) *StepBuilder {
	step := &Step{ID: id, AgentSpecID: agentSpecID}
	b.steps = append(b.steps, step)
	return &StepBuilder{step: step, parent: b}
}

// Build validates the steps and creates a Graph
func (b *Builder) Build() (*Graph, error) {
	g, err := NewGraph(b.name, b.steps)
	if err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}
	g.description = b.desc

	b.logger.Debug("workflow graph built",
		zap.String("name", b.name),
		zap.Int("steps", g.Len()),
		zap.Strings("order", g.order),
	)
	return g, nil
}

// StepBuilder provides a fluent API for configuring individual steps
type StepBuilder struct {
	step   *Step
	parent *Builder
}

// DependsOn appends dependencies
func (sb *StepBuilder) DependsOn(ids ...string) *StepBuilder {
	sb.step.DependsOn = append(sb.step.DependsOn, ids...)
	return sb
}

// WithLock sets the lock key
func (sb *StepBuilder) WithLock(key string) *StepBuilder {
	sb.step.LockKey = key
	return sb
}

// RequireApproval marks the step as requiring approval. timeout and def may
// be zero values to keep the gate defaults.
func (sb *StepBuilder) RequireApproval(timeout time.Duration, def approval.Decision) *StepBuilder {
	sb.step.RequiresApproval = true
	sb.step.ApprovalTimeout = timeout
	sb.step.ApprovalDefault = def
	return sb
}

// Critical marks the step as critical
func (sb *StepBuilder) Critical() *StepBuilder {
	sb.step.Critical = true
	return sb
}

// RunAlways lets the step run after its predecessors whatever their outcome
func (sb *StepBuilder) RunAlways() *StepBuilder {
	sb.step.RunAlways = true
	return sb
}

// WithRetry sets the retry policy override
func (sb *StepBuilder) WithRetry(o retry.Override) *StepBuilder {
	sb.step.Retry = &o
	return sb
}

// WithTimeout sets the per-attempt timeout
func (sb *StepBuilder) WithTimeout(d time.Duration) *StepBuilder {
	sb.step.Timeout = d
	return sb
}

// WithEstimatedCost sets the cost reserved before each attempt
func (sb *StepBuilder) WithEstimatedCost(cost decimal.Decimal) *StepBuilder {
	sb.step.EstimatedCost = cost
	return sb
}

// WithInput sets an input value
func (sb *StepBuilder) WithInput(key string, value any) *StepBuilder {
	if sb.step.Input == nil {
		sb.step.Input = make(map[string]any)
	}
	sb.step.Input[key] = value
	return sb
}

// Done completes step configuration and returns to the Builder
func (sb *StepBuilder) Done() *Builder {
	return sb.parent
}
