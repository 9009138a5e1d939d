package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"github.com/BaSui01/agentrun/workflow/approval"
)

const testSpecs = `
specs:
  - id: base
    model: gpt-4o
    provider: openai
    tools: [search]
    metadata:
      cost_per_call: "0.10"
  - id: writer
    parent: base
    system_prompt: You write release notes.
    tools: [editor]
  - id: reviewer
    parent: writer
    temperature: 0.2
`

const testWorkflow = `
name: release
steps:
  - id: draft
    agent_spec_id: writer
    estimated_cost: "0.10"
  - id: review
    agent_spec_id: reviewer
    depends_on: [draft]
    estimated_cost: "0.10"
    input:
      fail_attempts: 1
  - id: publish
    agent_spec_id: base
    depends_on: [review]
    requires_approval: true
    estimated_cost: "0.10"
`

type testEnv struct {
	dir        string
	configPath string
}

func newTestEnv(t *testing.T, eventDriver string) testEnv {
	t.Helper()
	dir := t.TempDir()
	specDir := filepath.Join(dir, "specs")
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "agents.yaml"), []byte(testSpecs), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release.yaml"), []byte(testWorkflow), 0o644))

	cfg := `
engine:
  max_concurrency: 2
  lock_heartbeat: 0s
retry:
  strategy: constant
  max_attempts: 3
  initial_delay: 1ms
  max_delay: 5ms
spec_store:
  driver: file
  dir: ` + specDir + `
event_log:
  driver: ` + eventDriver + `
database:
  driver: sqlite
  name: ` + filepath.Join(dir, "events.db") + `
log:
  level: error
  format: json
`
	configPath := filepath.Join(dir, "agentrun.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return testEnv{dir: dir, configPath: configPath}
}

func (e testEnv) path(name string) string { return filepath.Join(e.dir, name) }

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentrun dev")
}

func TestSchemaCommand(t *testing.T) {
	out, _, err := execute(t, "", "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Contains(t, out, "agent_spec_id")
}

func TestValidateCommand(t *testing.T) {
	env := newTestEnv(t, "none")

	out, _, err := execute(t, "", "validate", env.path("release.yaml"), "--config", env.configPath, "--resolve")
	require.NoError(t, err)
	assert.Contains(t, out, `workflow "release" is valid`)
	assert.Contains(t, out, "Order: draft -> review -> publish")
	assert.Contains(t, out, "review: base <- writer <- reviewer")
}

func TestValidateCommand_Cycle(t *testing.T) {
	env := newTestEnv(t, "none")
	cyclic := `
name: loop
steps:
  - {id: a, agent_spec_id: base, depends_on: [b]}
  - {id: b, agent_spec_id: base, depends_on: [a]}
`
	require.NoError(t, os.WriteFile(env.path("loop.yaml"), []byte(cyclic), 0o644))

	_, _, err := execute(t, "", "validate", env.path("loop.yaml"), "--config", env.configPath)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidWorkflow))
}

func TestResolveCommand(t *testing.T) {
	env := newTestEnv(t, "none")

	out, _, err := execute(t, "", "resolve", "reviewer", "--config", env.configPath)
	require.NoError(t, err)

	var spec declarative.AgentSpec
	require.NoError(t, json.Unmarshal([]byte(out), &spec))
	assert.Equal(t, "gpt-4o", spec.Model)
	assert.Equal(t, "You write release notes.", spec.SystemPrompt)
	assert.Equal(t, []string{"search", "editor"}, spec.Tools)
	assert.Equal(t, []string{"base", "writer", "reviewer"}, spec.Provenance)
	require.NotNil(t, spec.Temperature)
	assert.Equal(t, 0.2, *spec.Temperature)

	out, _, err = execute(t, "", "resolve", "writer", "--config", env.configPath, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "model: gpt-4o")
}

func TestResolveCommand_NotFound(t *testing.T) {
	env := newTestEnv(t, "none")

	_, _, err := execute(t, "", "resolve", "ghost", "--config", env.configPath)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrSpecNotFound))
}

func TestRunCommand_AutoApproveJSON(t *testing.T) {
	env := newTestEnv(t, "memory")

	out, _, err := execute(t, "", "run", env.path("release.yaml"),
		"--config", env.configPath, "--auto-approve", "approve", "--run-id", "r-1", "-o", "json")
	require.NoError(t, err)

	var result struct {
		RunID     string `json:"run_id"`
		Reason    string `json:"reason"`
		TotalCost string `json:"total_cost"`
		Steps     map[string]struct {
			Status   string `json:"status"`
			Attempts int    `json:"attempts"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "r-1", result.RunID)
	assert.Equal(t, string(workflow.ReasonAllSucceeded), result.Reason)
	// review 的第一次尝试失败但仍计费
	assert.Equal(t, "0.4", result.TotalCost)
	assert.Equal(t, 2, result.Steps["review"].Attempts)
	assert.Equal(t, string(workflow.StatusSucceeded), result.Steps["publish"].Status)
}

func TestRunCommand_AutoRejectFails(t *testing.T) {
	env := newTestEnv(t, "none")

	out, _, err := execute(t, "", "run", env.path("release.yaml"),
		"--config", env.configPath, "--auto-approve", "reject")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(workflow.ReasonCompletedWithFailures))
	assert.Contains(t, out, "APPROVAL_REJECTED")
}

func TestRunCommand_TerminalApproval(t *testing.T) {
	env := newTestEnv(t, "memory")

	out, errOut, err := execute(t, "y\n", "run", env.path("release.yaml"), "--config", env.configPath, "--events")
	require.NoError(t, err)
	assert.Contains(t, errOut, `approve step "publish"`)
	assert.Contains(t, out, "all_succeeded")
	assert.Contains(t, out, "approval_requested")
	assert.Contains(t, out, "waiting_approval -> ready")
}

func TestRunCommand_BudgetExceeded(t *testing.T) {
	env := newTestEnv(t, "database")

	out, _, err := execute(t, "", "run", env.path("release.yaml"),
		"--config", env.configPath, "--auto-approve", "approve", "--budget", "0.25", "--events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(workflow.ReasonBudgetExceeded))
	assert.Contains(t, out, "remaining")
	assert.Contains(t, out, "budget_refused")
	assert.FileExists(t, env.path("events.db"))
}

func TestMigrateCommand(t *testing.T) {
	env := newTestEnv(t, "database")

	out, _, err := execute(t, "", "migrate", "up", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 2")

	out, _, err = execute(t, "", "migrate", "status", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "create_events")
	assert.Contains(t, out, "Pending: 0")

	// 迁移后的表可以直接承载事件日志
	out, _, err = execute(t, "", "run", env.path("release.yaml"),
		"--config", env.configPath, "--auto-approve", "approve", "--events")
	require.NoError(t, err)
	assert.Contains(t, out, "cost_committed")

	_, _, err = execute(t, "", "migrate", "steps", "zero", "--config", env.configPath)
	assert.ErrorContains(t, err, "invalid step count")

	out, _, err = execute(t, "", "migrate", "down", "--all", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "All migrations rolled back.")
}

func TestRunCommand_BadFlags(t *testing.T) {
	env := newTestEnv(t, "none")

	_, _, err := execute(t, "", "run", env.path("release.yaml"), "--config", env.configPath, "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")

	_, _, err = execute(t, "", "run", env.path("release.yaml"), "--config", env.configPath, "--auto-approve", "maybe")
	assert.ErrorContains(t, err, "unknown approval decision")

	_, _, err = execute(t, "", "run", env.path("release.yaml"), "--config", env.path("missing.yaml"))
	assert.ErrorContains(t, err, "config file")
}

func TestEnvFileOverridesDefaults(t *testing.T) {
	env := newTestEnv(t, "none")
	envFile := env.path("test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("AGENTRUN_RESOLVER_MAX_DEPTH=2\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("AGENTRUN_RESOLVER_MAX_DEPTH") })

	// reviewer 的继承链深度为 3
	_, _, err := execute(t, "", "resolve", "reviewer", "--config", env.configPath, "--env-file", envFile)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDepthExceeded))
}

// =============================================================================
// 适配器与审批提示
// =============================================================================

func TestEchoAdapter(t *testing.T) {
	spec := &declarative.AgentSpec{ID: "base", Model: "gpt-4o", Metadata: map[string]any{"cost_per_call": 0.25}}
	in := workflow.StepInput{
		StepID:   "s",
		Attempt:  1,
		Input:    map[string]any{"fail_attempts": 1, "fail_category": "permanent"},
		Upstream: map[string]any{"b": 1, "a": 2},
	}

	res, err := echoAdapter{}.Invoke(context.Background(), spec, in)
	require.Error(t, err)
	assert.Equal(t, types.CategoryPermanent, types.CategoryOf(err))
	assert.Equal(t, "0.25", res.Cost.String())

	in.Attempt = 2
	res, err = echoAdapter{}.Invoke(context.Background(), spec, in)
	require.NoError(t, err)
	out := res.Output.(map[string]any)
	assert.Equal(t, []string{"a", "b"}, out["upstream"])
	assert.Equal(t, "gpt-4o", out["model"])

	spec.Metadata["cost_per_call"] = "lots"
	_, err = echoAdapter{}.Invoke(context.Background(), spec, in)
	assert.True(t, types.IsCode(err, types.ErrStepPermanent))
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		line string
		def  approval.Decision
		want approval.Decision
		err  bool
	}{
		{"", approval.Reject, approval.Reject, false},
		{"  ", approval.Approve, approval.Approve, false},
		{"Y", approval.Reject, approval.Approve, false},
		{"yes", approval.Reject, approval.Approve, false},
		{"n", approval.Approve, approval.Reject, false},
		{"reject", approval.Approve, approval.Reject, false},
		{"perhaps", approval.Approve, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseAnswer(tt.line, tt.def)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.DefaultLogConfig())
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel), "debug disabled at info level")

	logger = initLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRedisClient_TLS(t *testing.T) {
	cfg := config.DefaultRedisConfig()
	plain := newRedisClient(cfg)
	defer plain.Close()
	assert.Nil(t, plain.Options().TLSConfig)

	cfg.Addr = "cache.internal:6380"
	cfg.TLS = true
	secure := newRedisClient(cfg)
	defer secure.Close()
	require.NotNil(t, secure.Options().TLSConfig)
	assert.Equal(t, "cache.internal", secure.Options().TLSConfig.ServerName)
}
