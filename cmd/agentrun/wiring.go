package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/database"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/server"
	"github.com/BaSui01/agentrun/internal/tlsutil"
	"github.com/BaSui01/agentrun/workflow"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/eventlog"
)

// closers 逆序关闭已打开的资源
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientConfig(cfg.Addr)
	}
	return redis.NewClient(opts)
}

// openSpecStore 按 spec_store.driver 打开规格存储
func openSpecStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, cl *closers) (declarative.SpecStore, error) {
	switch cfg.SpecStore.Driver {
	case "file":
		store := declarative.NewFileStore(cfg.SpecStore.Dir, cfg.SpecStore.Pattern, logger)
		if err := store.Load(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		client := newRedisClient(cfg.Redis)
		cl.add(client.Close)
		store := declarative.NewRedisStore(client, cfg.SpecStore.KeyPrefix)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("spec store redis: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown spec_store.driver %q", cfg.SpecStore.Driver)
	}
}

// openEventLog 按 event_log.driver 打开事件日志；none 时返回 Nop
func openEventLog(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger, cl *closers) (eventlog.Log, error) {
	switch cfg.EventLog.Driver {
	case "", "none":
		return eventlog.Nop{}, nil
	case "memory":
		return eventlog.NewMemoryLog(), nil
	case "redis":
		client := newRedisClient(cfg.Redis)
		cl.add(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("event log redis: %w", err)
		}
		return eventlog.NewRedisLog(client, cfg.EventLog.KeyPrefix), nil
	case "database":
		policy, err := cfg.Retry.Policy()
		if err != nil {
			return nil, err
		}
		db, err := database.Connect(ctx, cfg.Database, policy, logger)
		if err != nil {
			return nil, err
		}
		if err := database.InstrumentQueries(db, collector); err != nil {
			return nil, fmt.Errorf("instrument queries: %w", err)
		}
		var opts []database.PoolOption
		if collector != nil {
			opts = append(opts, database.WithMetrics(collector, "event_log"))
		}
		pool, err := database.NewPoolManager(db, database.PoolConfigFrom(cfg.Database), logger, opts...)
		if err != nil {
			return nil, err
		}
		cl.add(pool.Close)
		return eventlog.NewGormLog(pool.DB())
	default:
		return nil, fmt.Errorf("unknown event_log.driver %q", cfg.EventLog.Driver)
	}
}

// engineConfig 把配置文件中的引擎、重试和预算段转换为 workflow.EngineConfig
func engineConfig(cfg *config.Config) (workflow.EngineConfig, error) {
	policy, err := cfg.Retry.Policy()
	if err != nil {
		return workflow.EngineConfig{}, err
	}
	guard, err := cfg.Budget.GuardConfig()
	if err != nil {
		return workflow.EngineConfig{}, err
	}
	return workflow.EngineConfig{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		StepTimeout:    cfg.Engine.StepTimeout,
		CancelGrace:    cfg.Engine.CancelGrace,
		LockTTL:        cfg.Engine.LockTTL,
		LockHeartbeat:  cfg.Engine.LockHeartbeat,
		Retry:          policy,
		Budget:         guard,
	}, nil
}

func approvalConfig(cfg config.ApprovalConfig) approval.Config {
	return approval.Config{
		DefaultTimeout:  cfg.Timeout,
		DefaultDecision: approval.Decision(cfg.DefaultDecision),
	}
}

func dispatchLimiter(cfg config.EngineConfig) *rate.Limiter {
	if cfg.DispatchRate <= 0 {
		return nil
	}
	burst := cfg.DispatchBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
}

// serveMetrics 在 addr 上暴露 /metrics 与 /healthz；服务错误由 Manager 记录
func serveMetrics(addr string, logger *zap.Logger) (*server.Manager, error) {
	cfg := server.DefaultConfig()
	cfg.Addr = addr
	srv := server.NewManager(server.MetricsHandler(prometheus.DefaultGatherer), cfg, logger)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("metrics server: %w", err)
	}
	return srv, nil
}
