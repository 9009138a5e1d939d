package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// Step is one unit of work in a workflow, bound to one agent spec.
type Step struct {
	// ID is the unique identifier of the step within its graph
	ID string
	// AgentSpecID names the agent spec resolved for this step
	AgentSpecID string
	// DependsOn lists the steps that must succeed before this one is ready
	DependsOn []string
	// LockKey serializes steps sharing the same key (empty means no lock)
	LockKey string
	// RequiresApproval holds the step in waiting_approval before its first dispatch
	RequiresApproval bool
	// ApprovalTimeout overrides the gate's default timeout (0 keeps the default)
	ApprovalTimeout time.Duration
	// ApprovalDefault overrides the decision applied on timeout
	ApprovalDefault approval.Decision
	// Critical steps terminate the whole run when they fail
	Critical bool
	// RunAlways makes the step run once every predecessor is terminal,
	// whatever their outcome
	RunAlways bool
	// Retry overrides fields of the engine's default retry policy
	Retry *retry.Override
	// Timeout is the wall-clock limit of a single attempt (0 uses the engine default)
	Timeout time.Duration
	// EstimatedCost is reserved against the budget before every attempt
	EstimatedCost decimal.Decimal
	// Input is passed to the adapter unchanged
	Input map[string]any
}

// Graph is a validated, immutable DAG of steps.
type Graph struct {
	name        string
	description string

	steps      []*Step
	index      map[string]*Step
	dependents map[string][]string
	order      []string
}

// NewGraph validates steps and builds a graph. Definition order is kept and
// used to break ties in the topological order.
func NewGraph(name string, steps []*Step) (*Graph, error) {
	g := &Graph{
		name:       name,
		steps:      steps,
		index:      make(map[string]*Step, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func invalidWorkflow(format string, args ...any) error {
	return types.NewError(types.ErrInvalidWorkflow, fmt.Sprintf(format, args...)).
		WithCategory(types.CategoryValidation)
}

func (g *Graph) validate() error {
	if len(g.steps) == 0 {
		return invalidWorkflow("workflow %q has no steps", g.name)
	}

	for i, s := range g.steps {
		if s == nil {
			return invalidWorkflow("step #%d is nil", i)
		}
		if strings.TrimSpace(s.ID) == "" {
			return invalidWorkflow("step #%d has an empty id", i)
		}
		if _, dup := g.index[s.ID]; dup {
			return invalidWorkflow("duplicate step id %q", s.ID)
		}
		if strings.TrimSpace(s.AgentSpecID) == "" {
			return invalidWorkflow("step %q has no agent_spec_id", s.ID)
		}
		if s.Timeout < 0 {
			return invalidWorkflow("step %q has a negative timeout", s.ID)
		}
		if s.ApprovalTimeout < 0 {
			return invalidWorkflow("step %q has a negative approval timeout", s.ID)
		}
		if s.ApprovalDefault != "" {
			if _, err := approval.ParseDecision(string(s.ApprovalDefault)); err != nil {
				return invalidWorkflow("step %q: %v", s.ID, err)
			}
		}
		if s.EstimatedCost.IsNegative() {
			return invalidWorkflow("step %q has a negative estimated cost", s.ID)
		}
		g.index[s.ID] = s
	}

	for _, s := range g.steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return invalidWorkflow("step %q depends on itself", s.ID)
			}
			if _, ok := g.index[dep]; !ok {
				return invalidWorkflow("step %q depends on unknown step %q", s.ID, dep)
			}
			if seen[dep] {
				return invalidWorkflow("step %q lists dependency %q twice", s.ID, dep)
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm. Ready steps are taken in definition order.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.steps))
	for _, s := range g.steps {
		inDegree[s.ID] = len(s.DependsOn)
	}

	order := make([]string, 0, len(g.steps))
	done := make(map[string]bool, len(g.steps))
	for len(order) < len(g.steps) {
		progressed := false
		for _, s := range g.steps {
			if done[s.ID] || inDegree[s.ID] > 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			for _, child := range g.dependents[s.ID] {
				inDegree[child]--
			}
			progressed = true
		}
		if !progressed {
			return nil, invalidWorkflow("cycle detected: %s", strings.Join(g.findCycle(done), " -> "))
		}
	}
	return order, nil
}

// findCycle returns one cycle path among the unsorted steps, closed on its
// first node.
func (g *Graph) findCycle(sorted map[string]bool) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.steps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.index[id].DependsOn {
			if sorted[dep] {
				continue
			}
			switch color[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, s := range g.steps {
		if !sorted[s.ID] && color[s.ID] == white && visit(s.ID) {
			break
		}
	}
	// 沿依赖方向找到的环，翻转成执行方向
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}

// Name returns the workflow name.
func (g *Graph) Name() string { return g.name }

// Description returns the workflow description.
func (g *Graph) Description() string { return g.description }

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Steps returns the steps in definition order.
func (g *Graph) Steps() []*Step {
	return append([]*Step(nil), g.steps...)
}

// Step retrieves a step by ID.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.index[id]
	return s, ok
}

// Dependents returns the IDs of steps that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Order returns a topological order of step IDs.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Downstream returns every step that transitively depends on id, in
// topological order.
func (g *Graph) Downstream(id string) []string {
	reach := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range g.dependents[cur] {
			if !reach[child] {
				reach[child] = true
				queue = append(queue, child)
			}
		}
	}
	out := make([]string, 0, len(reach))
	for _, sid := range g.order {
		if reach[sid] {
			out = append(out, sid)
		}
	}
	return out
}
