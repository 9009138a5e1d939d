// =============================================================================
// 📦 agentrun 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/workflow/lock"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:    DefaultEngineConfig(),
		Resolver:  DefaultResolverConfig(),
		Retry:     DefaultRetryConfig(),
		Budget:    DefaultBudgetConfig(),
		Approval:  DefaultApprovalConfig(),
		SpecStore: DefaultSpecStoreConfig(),
		EventLog:  DefaultEventLogConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrency: 4,
		StepTimeout:    5 * time.Minute,
		CancelGrace:    2 * time.Second,
		LockTTL:        lock.DefaultTTL,
		LockHeartbeat:  10 * time.Second,
		DispatchRate:   0,
		DispatchBurst:  1,
	}
}

// DefaultResolverConfig 返回默认解析配置
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{MaxDepth: declarative.DefaultMaxDepth}
}

// DefaultRetryConfig 返回默认重试配置，与 retry.DefaultPolicy 一致
func DefaultRetryConfig() RetryConfig {
	p := retry.DefaultPolicy()
	on := make([]string, 0, len(p.RetryOn))
	for _, c := range p.RetryOn {
		on = append(on, string(c))
	}
	return RetryConfig{
		Strategy:       string(p.Strategy),
		MaxAttempts:    p.MaxAttempts,
		InitialDelay:   p.InitialDelay,
		MaxDelay:       p.MaxDelay,
		Multiplier:     p.Multiplier,
		JitterFraction: p.JitterFraction,
		RetryOn:        on,
	}
}

// DefaultBudgetConfig 默认不限额
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{AlertThreshold: 0.8}
}

// DefaultApprovalConfig 返回默认审批配置
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		Timeout:         time.Hour,
		DefaultDecision: "reject",
	}
}

// DefaultSpecStoreConfig 返回默认规格存储配置
func DefaultSpecStoreConfig() SpecStoreConfig {
	return SpecStoreConfig{
		Driver:    "file",
		Dir:       "specs",
		Pattern:   "**/*.{yaml,yml,json}",
		KeyPrefix: "agentrun:spec:",
	}
}

// DefaultEventLogConfig 返回默认事件日志配置
func DefaultEventLogConfig() EventLogConfig {
	return EventLogConfig{
		Driver:    "memory",
		KeyPrefix: "agentrun:events:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentrun",
		Password:        "",
		Name:            "agentrun.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrun",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: "agentrun",
		Addr:      "",
	}
}
