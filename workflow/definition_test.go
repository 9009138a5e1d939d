package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/retry"
)

const deployYAML = `
name: deploy
description: build then migrate and deploy
steps:
  - id: build
    agent_spec_id: builder
    timeout: 2m
    estimated_cost: "0.50"
  - id: migrate
    agent_spec_id: dba
    depends_on: [build]
    lock_key: db
    requires_approval: true
    approval_timeout: 30s
    approval_default: approve
    retry_policy_override:
      max_attempts: 5
      initial_delay: 100ms
  - id: deploy
    agent_spec_id: ops
    depends_on: [migrate]
    lock_key: db
    critical: true
    input:
      env: prod
  - id: notify
    agent_spec_id: notifier
    depends_on: [deploy]
    run_always: true
`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(deployYAML), "")
	require.NoError(t, err)
	assert.Equal(t, "deploy", def.Name)
	require.Len(t, def.Steps, 4)

	g, err := def.Build()
	require.NoError(t, err)
	assert.Equal(t, "build then migrate and deploy", g.Description())
	assert.Equal(t, []string{"build", "migrate", "deploy", "notify"}, g.Order())

	build, _ := g.Step("build")
	assert.Equal(t, 2*time.Minute, build.Timeout)
	assert.True(t, build.EstimatedCost.Equal(decimal.RequireFromString("0.5")))

	migrate, _ := g.Step("migrate")
	assert.Equal(t, "db", migrate.LockKey)
	assert.True(t, migrate.RequiresApproval)
	assert.Equal(t, 30*time.Second, migrate.ApprovalTimeout)
	assert.Equal(t, approval.Approve, migrate.ApprovalDefault)
	require.NotNil(t, migrate.Retry)
	policy := migrate.Retry.Apply(retry.DefaultPolicy())
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, policy.InitialDelay)

	deploy, _ := g.Step("deploy")
	assert.True(t, deploy.Critical)
	assert.Equal(t, "prod", deploy.Input["env"])

	notify, _ := g.Step("notify")
	assert.True(t, notify.RunAlways)
}

func TestParseDefinition_JSON(t *testing.T) {
	data := `{
  "name": "json-flow",
  "steps": [
    {"id": "a", "agent_spec_id": "base", "estimated_cost": 1.25, "timeout": 1500},
    {"id": "b", "agent_spec_id": "base", "depends_on": ["a"]}
  ]
}`
	def, err := ParseDefinition([]byte(data), "")
	require.NoError(t, err)

	g, err := def.Build()
	require.NoError(t, err)
	a, _ := g.Step("a")
	assert.Equal(t, 1500*time.Millisecond, a.Timeout)
	assert.True(t, a.EstimatedCost.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, []string{"b"}, g.Dependents("a"))
}

func TestParseDefinition_Errors(t *testing.T) {
	_, err := ParseDefinition([]byte("steps: [unterminated"), "yaml")
	assert.Error(t, err)

	_, err = ParseDefinition([]byte(`{"name":`), "json")
	assert.Error(t, err)

	_, err = ParseDefinition([]byte("name: x"), "toml")
	assert.ErrorContains(t, err, "unsupported workflow format")
}

func TestDefinition_BuildRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name: "missing name",
			yaml: `
steps:
  - {id: a, agent_spec_id: base}
`,
			wantMsg: "name is required",
		},
		{
			name: "dangling dependency",
			yaml: `
name: dangling
steps:
  - {id: a, agent_spec_id: base, depends_on: [ghost]}
`,
			wantMsg: `unknown step "ghost"`,
		},
		{
			name: "cycle",
			yaml: `
name: loop
steps:
  - {id: a, agent_spec_id: base, depends_on: [b]}
  - {id: b, agent_spec_id: base, depends_on: [a]}
`,
			wantMsg: "cycle detected",
		},
		{
			name: "bad approval default",
			yaml: `
name: approval
steps:
  - {id: a, agent_spec_id: base, requires_approval: true, approval_default: maybe}
`,
			wantMsg: "unknown approval decision",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte(tt.yaml), "yaml")
			require.NoError(t, err)
			_, err = def.Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.True(t, types.IsCode(err, types.ErrInvalidWorkflow))
		})
	}
}

func TestLoadGraphFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deployYAML), 0o644))

	g, err := LoadGraphFile(path)
	require.NoError(t, err)
	assert.Equal(t, "deploy", g.Name())
	assert.Equal(t, 4, g.Len())

	_, err = LoadGraphFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read file")
}

func TestDefinition_RoundTrip(t *testing.T) {
	def, err := ParseDefinition([]byte(deployYAML), "yaml")
	require.NoError(t, err)
	g, err := def.Build()
	require.NoError(t, err)

	out := g.ToDefinition()

	y, err := out.ToYAML()
	require.NoError(t, err)
	fromYAML, err := ParseDefinition([]byte(y), "yaml")
	require.NoError(t, err)
	g2, err := fromYAML.Build()
	require.NoError(t, err)
	assert.Equal(t, g.Order(), g2.Order())

	j, err := out.ToJSON()
	require.NoError(t, err)
	fromJSON, err := ParseDefinition([]byte(j), "json")
	require.NoError(t, err)
	g3, err := fromJSON.Build()
	require.NoError(t, err)

	for _, id := range g.Order() {
		want, _ := g.Step(id)
		for _, other := range []*Graph{g2, g3} {
			got, ok := other.Step(id)
			require.True(t, ok)
			assert.Equal(t, want.DependsOn, got.DependsOn)
			assert.Equal(t, want.LockKey, got.LockKey)
			assert.Equal(t, want.Timeout, got.Timeout)
			assert.Equal(t, want.ApprovalTimeout, got.ApprovalTimeout)
			assert.True(t, want.EstimatedCost.Equal(got.EstimatedCost), "step %s cost", id)
		}
	}
}

func TestDefinitionSchema(t *testing.T) {
	schema := DefinitionSchema()
	assert.Equal(t, "agentrun workflow", schema.Title)

	data, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"steps"`)
	assert.Contains(t, string(data), `"agent_spec_id"`)
	assert.Contains(t, string(data), `"oneOf"`)
}
