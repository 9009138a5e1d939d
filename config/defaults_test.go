package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/workflow/lock"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, EngineConfig{}, cfg.Engine)
	assert.NotEqual(t, ResolverConfig{}, cfg.Resolver)
	assert.NotEqual(t, RetryConfig{}, cfg.Retry)
	assert.NotEqual(t, BudgetConfig{}, cfg.Budget)
	assert.NotEqual(t, ApprovalConfig{}, cfg.Approval)
	assert.NotEqual(t, SpecStoreConfig{}, cfg.SpecStore)
	assert.NotEqual(t, EventLogConfig{}, cfg.EventLog)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
}

// --- Individual Default*Config functions ---

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.StepTimeout)
	assert.Equal(t, 2*time.Second, cfg.CancelGrace)
	assert.Equal(t, lock.DefaultTTL, cfg.LockTTL)
	assert.Less(t, cfg.LockHeartbeat, cfg.LockTTL)
	assert.Zero(t, cfg.DispatchRate)
}

func TestDefaultResolverConfig(t *testing.T) {
	assert.Equal(t, 5, DefaultResolverConfig().MaxDepth)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, "exponential", cfg.Strategy)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.ElementsMatch(t, []string{"transient", "timeout", "resource"}, cfg.RetryOn)
}

func TestDefaultBudgetConfig(t *testing.T) {
	cfg := DefaultBudgetConfig()
	assert.Empty(t, cfg.Limit)
	assert.Equal(t, 0.8, cfg.AlertThreshold)
}

func TestDefaultApprovalConfig(t *testing.T) {
	cfg := DefaultApprovalConfig()
	assert.Equal(t, time.Hour, cfg.Timeout)
	assert.Equal(t, "reject", cfg.DefaultDecision)
}

func TestDefaultSpecStoreConfig(t *testing.T) {
	cfg := DefaultSpecStoreConfig()
	assert.Equal(t, "file", cfg.Driver)
	assert.Equal(t, "specs", cfg.Dir)
	assert.NotEmpty(t, cfg.Pattern)
}

func TestDefaultEventLogConfig(t *testing.T) {
	cfg := DefaultEventLogConfig()
	assert.Equal(t, "memory", cfg.Driver)
	assert.Equal(t, "agentrun:events:", cfg.KeyPrefix)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "agentrun.db", cfg.Name)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "agentrun", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "agentrun", cfg.Namespace)
}
