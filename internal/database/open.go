package database

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// Dialector 按驱动名返回 GORM 方言
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := cfg.DSN()
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		// 纯 Go 实现，不依赖 cgo
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// Connect 打开数据库并 Ping，连接失败按 policy 重试
func Connect(ctx context.Context, cfg config.DatabaseConfig, policy retry.Policy, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	err = retry.Do(ctx, policy, logger, func(ctx context.Context) error {
		opened, err := gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return types.NewTransientError("open database").WithCause(err)
		}
		sqlDB, err := opened.DB()
		if err != nil {
			return fmt.Errorf("get sql.DB: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return types.NewTransientError("ping database").WithCause(err)
		}
		db = opened
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

const startedAtKey = "agentrun:started_at"

// InstrumentQueries 在 GORM 回调链上记录每次 create/query 的耗时
func InstrumentQueries(db *gorm.DB, c *metrics.Collector) error {
	if c == nil {
		return nil
	}
	name := db.Dialector.Name()
	before := func(tx *gorm.DB) { tx.InstanceSet(startedAtKey, time.Now()) }
	after := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(startedAtKey)
			if !ok {
				return
			}
			if started, ok := v.(time.Time); ok {
				c.RecordDBQuery(name, op, time.Since(started))
			}
		}
	}

	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("agentrun:before_create", before); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("agentrun:after_create", after("create")); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("agentrun:before_query", before); err != nil {
		return err
	}
	return cb.Query().After("gorm:query").Register("agentrun:after_query", after("query"))
}
