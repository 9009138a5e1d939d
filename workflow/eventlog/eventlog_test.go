package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type backend interface {
	Log
	Reader
}

func sampleEvents(runID string) []Event {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []Event{
		{Seq: 1, RunID: runID, Type: RunStarted, Timestamp: ts},
		{Seq: 2, RunID: runID, StepID: "a", Type: StepTransition, From: "pending", To: "ready", Timestamp: ts},
		{Seq: 3, RunID: runID, StepID: "a", Type: AttemptFinished, Attempt: 1, Code: "STEP_TRANSIENT",
			Message: "flaky", Data: map[string]any{"category": "transient"}, Timestamp: ts},
	}
}

func setupSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func backends(t *testing.T) map[string]backend {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gl, err := NewGormLog(setupSQLite(t))
	require.NoError(t, err)

	return map[string]backend{
		"memory": NewMemoryLog(),
		"redis":  NewRedisLog(client, "test:"),
		"gorm":   gl,
	}
}

func TestBackends_AppendRead(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, ev := range sampleEvents("run-1") {
				require.NoError(t, b.Append(ctx, ev))
			}
			require.NoError(t, b.Append(ctx, Event{Seq: 1, RunID: "run-2", Type: RunStarted, Timestamp: time.Now()}))

			got, err := b.Read(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			for i, ev := range got {
				assert.Equal(t, uint64(i+1), ev.Seq)
			}
			assert.Equal(t, "ready", got[1].To)
			assert.Equal(t, "STEP_TRANSIENT", got[2].Code)
			assert.Equal(t, "transient", got[2].Data["category"])
			assert.True(t, got[0].Timestamp.Equal(sampleEvents("run-1")[0].Timestamp))

			empty, err := b.Read(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestBackends_ConcurrentWriters(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, b.Append(ctx, Event{
						Seq:       uint64(20 - i),
						RunID:     "r",
						StepID:    fmt.Sprintf("s%d", i),
						Type:      StepTransition,
						Timestamp: time.Now(),
					}))
				}()
			}
			wg.Wait()

			got, err := b.Read(ctx, "r")
			require.NoError(t, err)
			require.Len(t, got, 20)
			for i := 1; i < len(got); i++ {
				assert.Less(t, got[i-1].Seq, got[i].Seq)
			}
		})
	}
}

func TestRuns(t *testing.T) {
	ctx := context.Background()

	mem := NewMemoryLog()
	require.NoError(t, mem.Append(ctx, Event{RunID: "b"}))
	require.NoError(t, mem.Append(ctx, Event{RunID: "a"}))
	assert.Equal(t, []string{"a", "b"}, mem.Runs())

	gl, err := NewGormLog(setupSQLite(t))
	require.NoError(t, err)
	require.NoError(t, gl.Append(ctx, Event{RunID: "y", Seq: 1, Timestamp: time.Now()}))
	require.NoError(t, gl.Append(ctx, Event{RunID: "x", Seq: 1, Timestamp: time.Now()}))
	require.NoError(t, gl.Append(ctx, Event{RunID: "x", Seq: 2, Timestamp: time.Now()}))
	ids, err := gl.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)
}

func TestFilter(t *testing.T) {
	evs := sampleEvents("r")
	assert.Len(t, Filter(evs, StepTransition), 1)
	assert.Empty(t, Filter(evs, LockLost))
}

func TestNewGormLog_NilDB(t *testing.T) {
	_, err := NewGormLog(nil)
	assert.Error(t, err)
}
