package migration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/database"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// NewMigratorFromDatabaseConfig 按 database 配置段连接数据库并创建迁移器，
// 连接失败按 policy 重试
func NewMigratorFromDatabaseConfig(ctx context.Context, cfg config.DatabaseConfig, policy retry.Policy, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	cfg.Driver = string(dbType)

	db, err := database.Connect(ctx, cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	m, err := NewMigrator(sqlDB, Config{DatabaseType: dbType}, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return m, nil
}
