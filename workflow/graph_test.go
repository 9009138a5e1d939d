package workflow

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/types"
)

// randomDAG builds n steps whose edges only point from lower to higher
// index, so the result is always acyclic. Steps are declared in a shuffled
// order to exercise the tie-breaking.
func randomDAG(n int, seed int64) []*Step {
	rng := rand.New(rand.NewSource(seed))
	steps := make([]*Step, n)
	for i := range n {
		steps[i] = &Step{ID: fmt.Sprintf("s%d", i), AgentSpecID: "spec"}
		for j := range i {
			if rng.Intn(3) == 0 {
				steps[i].DependsOn = append(steps[i].DependsOn, steps[j].ID)
			}
		}
	}
	rng.Shuffle(n, func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })
	return steps
}

func TestProperty_TopologicalOrderRespectsDependencies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every dependency precedes its dependent", prop.ForAll(
		func(n int, seed int64) bool {
			g, err := NewGraph("prop", randomDAG(n, seed))
			if err != nil {
				t.Logf("NewGraph failed: %v", err)
				return false
			}
			pos := make(map[string]int, n)
			for i, id := range g.Order() {
				pos[id] = i
			}
			if len(pos) != n {
				return false
			}
			for _, s := range g.Steps() {
				for _, dep := range s.DependsOn {
					if pos[dep] >= pos[s.ID] {
						t.Logf("%s placed before its dependency %s", s.ID, dep)
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 15),
		gen.Int64(),
	))

	properties.Property("a back edge is always rejected as a cycle", prop.ForAll(
		func(n int, seed int64) bool {
			steps := randomDAG(n, seed)
			index := map[string]*Step{}
			for _, s := range steps {
				index[s.ID] = s
			}
			// s0 -> ... -> s(n-1) 链保证存在一条路径，再加回边
			for i := 1; i < n; i++ {
				s := index[fmt.Sprintf("s%d", i)]
				prev := fmt.Sprintf("s%d", i-1)
				if !containsString(s.DependsOn, prev) {
					s.DependsOn = append(s.DependsOn, prev)
				}
			}
			first := index["s0"]
			first.DependsOn = append(first.DependsOn, fmt.Sprintf("s%d", n-1))

			_, err := NewGraph("prop", steps)
			return err != nil &&
				types.IsCode(err, types.ErrInvalidWorkflow) &&
				strings.Contains(err.Error(), "cycle detected")
		},
		gen.IntRange(2, 12),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestGraph_OrderTieBreakByDefinition(t *testing.T) {
	g, err := NewGraph("ties", []*Step{
		{ID: "z", AgentSpecID: "spec"},
		{ID: "a", AgentSpecID: "spec"},
		{ID: "m", AgentSpecID: "spec", DependsOn: []string{"z"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, g.Order())
}

func TestGraph_StepsAreCopied(t *testing.T) {
	g, err := NewGraph("copy", []*Step{{ID: "a", AgentSpecID: "spec"}})
	require.NoError(t, err)
	steps := g.Steps()
	steps[0] = nil
	_, ok := g.Step("a")
	assert.True(t, ok)
	assert.NotNil(t, g.Steps()[0])
}

func TestExecutionState_Transitions(t *testing.T) {
	st := NewExecutionState([]string{"a", "b"})
	assert.Equal(t, StatusPending, st.Status("a"))

	path := []StepStatus{StatusReady, StatusWaitingApproval, StatusReady, StatusRunning, StatusRetrying, StatusRunning, StatusSucceeded}
	for _, to := range path {
		_, err := st.Transition("a", to)
		require.NoError(t, err, "-> %s", to)
	}
	assert.True(t, st.Status("a").IsTerminal())

	// 终态不可变
	from, err := st.Transition("a", StatusRunning)
	require.Error(t, err)
	assert.Equal(t, StatusSucceeded, from)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	_, err = st.Transition("b", StatusRunning)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	_, err = st.Transition("ghost", StatusReady)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	assert.False(t, st.AllTerminal())
	assert.Equal(t, []string{"b"}, st.NonTerminal())
	_, err = st.Transition("b", StatusSkipped)
	require.NoError(t, err)
	assert.True(t, st.AllTerminal())
	assert.Equal(t, map[StepStatus]int{StatusSucceeded: 1, StatusSkipped: 1}, st.Counts())
}

func TestCanTransition_TerminalStatesHaveNoEdges(t *testing.T) {
	all := []StepStatus{StatusPending, StatusReady, StatusWaitingApproval, StatusRunning,
		StatusRetrying, StatusSucceeded, StatusFailed, StatusSkipped}
	for _, from := range []StepStatus{StatusSucceeded, StatusFailed, StatusSkipped} {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(StatusPending, StatusRunning))
	assert.True(t, CanTransition(StatusWaitingApproval, StatusFailed))
}
