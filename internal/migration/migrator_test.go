package migration

import (
	"bytes"
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/database"
	"github.com/BaSui01/agentrun/workflow/eventlog"
	"github.com/BaSui01/agentrun/workflow/retry"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"postgresql", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{"POSTGRES", DatabaseTypePostgres, false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestAvailableMigrations_EveryDialect(t *testing.T) {
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dbType), func(t *testing.T) {
			files, err := availableMigrations(dbType)
			require.NoError(t, err)
			require.Len(t, files, 2)
			assert.Equal(t, uint(1), files[0].version)
			assert.Equal(t, "create_events", files[0].name)
			assert.Equal(t, uint(2), files[1].version)

			// 每个 up 都有对应的 down
			for _, f := range files {
				matches, err := fs.Glob(migrationsFS, path.Join(sourcePath(dbType), "*_"+f.name+".down.sql"))
				require.NoError(t, err)
				assert.Len(t, matches, 1, f.name)
			}
		})
	}
}

func TestNewMigrator_NilDB(t *testing.T) {
	_, err := NewMigrator(nil, Config{DatabaseType: DatabaseTypeSQLite}, nil)
	assert.ErrorContains(t, err, "db is required")
}

func TestNewMigratorFromDatabaseConfig_BadDriver(t *testing.T) {
	_, err := NewMigratorFromDatabaseConfig(context.Background(), config.DatabaseConfig{Driver: "oracle"}, retry.DefaultPolicy(), zap.NewNop())
	assert.ErrorContains(t, err, "invalid database type")
}

func openSQLite(t *testing.T) (*gorm.DB, *DefaultMigrator) {
	t.Helper()
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "events.db")}
	db, err := database.Connect(context.Background(), cfg, retry.DefaultPolicy(), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)

	m, err := NewMigrator(sqlDB, Config{DatabaseType: DatabaseTypeSQLite}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return db, m
}

func TestMigrator_SQLite_Lifecycle(t *testing.T) {
	db, m := openSQLite(t)
	ctx := context.Background()

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	// 重复执行没有变化也不报错
	require.NoError(t, m.Up(ctx))

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, 2, info.AppliedMigrations)
	assert.Equal(t, 0, info.PendingMigrations)
	assert.True(t, db.Migrator().HasTable("agentrun_events"))

	require.NoError(t, m.Down(ctx))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)

	require.NoError(t, m.Goto(ctx, 2))
	require.NoError(t, m.DownAll(ctx))
	assert.False(t, db.Migrator().HasTable("agentrun_events"))

	require.NoError(t, m.Steps(ctx, 1))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestMigrator_SchemaServesEventLog(t *testing.T) {
	db, m := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, m.Up(ctx))

	log, err := eventlog.NewGormLog(db)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, eventlog.Event{
		Seq:       1,
		RunID:     "run-1",
		StepID:    "a",
		Type:      eventlog.StepTransition,
		From:      "pending",
		To:        "ready",
		Data:      map[string]any{"k": "v"},
		Timestamp: time.Now(),
	}))

	events, err := log.Read(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ready", events[0].To)
	assert.Equal(t, "v", events[0].Data["k"])
}

func TestMigrator_CancelledContext(t *testing.T) {
	_, m := openSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Up(ctx), context.Canceled)
	version, _, err := m.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
}

func TestMigrator_ForceClearsDirty(t *testing.T) {
	_, m := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, m.Force(ctx, 1))
	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestCLI_Output(t *testing.T) {
	_, m := openSQLite(t)
	ctx := context.Background()
	var out bytes.Buffer
	cli := NewCLI(m, &out)

	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, out.String(), "No migrations applied yet")

	out.Reset()
	require.NoError(t, cli.RunUp(ctx))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	lines := strings.Split(out.String(), "\n")
	assert.Contains(t, lines[1], "create_events")
	assert.Contains(t, lines[1], "applied")
	assert.Contains(t, out.String(), "Total: 2, Applied: 2, Pending: 0")

	out.Reset()
	require.NoError(t, cli.RunSteps(ctx, -1))
	assert.Contains(t, out.String(), "Rolling back 1 migration(s)")
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, cli.RunDown(ctx, true))
	assert.Contains(t, out.String(), "All migrations rolled back.")
}
