package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/types"
)

// ============================================================
// Agent-call adapters
// The engine treats adapters as opaque: it only inspects the returned cost
// (for the budget) and the error category (for the retry decision).
// ============================================================

// StepInput is what an adapter receives for one attempt.
type StepInput struct {
	RunID   string `json:"run_id"`
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
	// Input is the step's static input from the workflow definition.
	Input map[string]any `json:"input,omitempty"`
	// Upstream holds the outputs of succeeded predecessors, keyed by step ID.
	Upstream map[string]any `json:"upstream,omitempty"`
}

// InvokeResult is the outcome of an adapter call. It may accompany an error
// when a failed call still incurred cost.
type InvokeResult struct {
	Output any
	Cost   decimal.Decimal
}

// Adapter invokes an agent with its resolved spec. Errors should be
// classified (see types.NewStepError); unclassified errors count as unknown.
type Adapter interface {
	Invoke(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error)
}

// AdapterFunc is a function adapter.
type AdapterFunc func(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error)

// Invoke implements Adapter.
func (f AdapterFunc) Invoke(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error) {
	return f(ctx, spec, in)
}

// ProviderRouter routes calls to adapters by the spec's provider.
type ProviderRouter struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewProviderRouter creates a router. fallback serves providers without a
// registered adapter and may be nil.
func NewProviderRouter(fallback Adapter) *ProviderRouter {
	return &ProviderRouter{
		adapters: make(map[string]Adapter),
		fallback: fallback,
	}
}

// Register registers an adapter for a provider.
func (r *ProviderRouter) Register(provider string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = a
}

// Invoke implements Adapter.
func (r *ProviderRouter) Invoke(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error) {
	r.mu.RLock()
	a, ok := r.adapters[spec.Provider]
	r.mu.RUnlock()
	if !ok {
		a = r.fallback
	}
	if a == nil {
		return nil, types.NewValidationError(fmt.Sprintf("no adapter registered for provider %q", spec.Provider)).
			WithStep(in.StepID)
	}
	return a.Invoke(ctx, spec, in)
}

// MappedAdapter transforms the input before and the output after the wrapped
// adapter runs. Mapper errors are validation failures.
type MappedAdapter struct {
	next         Adapter
	inputMapper  func(StepInput) (StepInput, error)
	outputMapper func(any) (any, error)
}

// MapOption configures a MappedAdapter.
type MapOption func(*MappedAdapter)

// WithInputMapper sets a function to transform input before invocation.
func WithInputMapper(mapper func(StepInput) (StepInput, error)) MapOption {
	return func(m *MappedAdapter) {
		m.inputMapper = mapper
	}
}

// WithOutputMapper sets a function to transform output after invocation.
func WithOutputMapper(mapper func(any) (any, error)) MapOption {
	return func(m *MappedAdapter) {
		m.outputMapper = mapper
	}
}

// NewMappedAdapter wraps next.
func NewMappedAdapter(next Adapter, opts ...MapOption) *MappedAdapter {
	m := &MappedAdapter{next: next}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Invoke implements Adapter.
func (m *MappedAdapter) Invoke(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error) {
	if m.inputMapper != nil {
		mapped, err := m.inputMapper(in)
		if err != nil {
			return nil, types.NewValidationError("input mapping failed").WithCause(err).WithStep(in.StepID)
		}
		in = mapped
	}

	res, err := m.next.Invoke(ctx, spec, in)
	if err != nil || res == nil {
		return res, err
	}

	if m.outputMapper != nil {
		out, err := m.outputMapper(res.Output)
		if err != nil {
			return res, types.NewValidationError("output mapping failed").WithCause(err).WithStep(in.StepID)
		}
		res = &InvokeResult{Output: out, Cost: res.Cost}
	}
	return res, nil
}
