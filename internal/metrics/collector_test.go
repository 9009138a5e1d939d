package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.runsTotal)
	assert.NotNil(t, collector.runDuration)
	assert.NotNil(t, collector.stepAttemptsTotal)
	assert.NotNil(t, collector.stepTransitions)
	assert.NotNil(t, collector.costTotal)
	assert.NotNil(t, collector.lockWait)
}

func TestNewCollectorWith_IsolatedRegistry(t *testing.T) {
	// 同名 namespace 注册到不同 registry 不会冲突
	a := NewCollectorWith(prometheus.NewRegistry(), "agentrun", nil)
	b := NewCollectorWith(prometheus.NewRegistry(), "agentrun", nil)
	assert.NotNil(t, a)
	assert.NotNil(t, b)
}

func TestCollector_RecordRun(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRun("deploy", "all_succeeded", 2*time.Second)
	collector.RecordRun("deploy", "all_succeeded", time.Second)
	collector.RecordRun("deploy", "budget_exceeded", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("deploy", "all_succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runsTotal.WithLabelValues("deploy", "budget_exceeded")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.runDuration))
}

func TestCollector_StepMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.StepStarted("wf")
	collector.StepStarted("wf")
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.stepsInflight.WithLabelValues("wf")))
	collector.StepFinished("wf")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stepsInflight.WithLabelValues("wf")))

	collector.RecordStepAttempt("wf", "succeeded", 100*time.Millisecond)
	collector.RecordStepAttempt("wf", "STEP_TRANSIENT", 50*time.Millisecond)
	assert.Equal(t, 2, testutil.CollectAndCount(collector.stepAttemptsTotal))

	collector.RecordStepTransition("wf", "pending", "ready")
	collector.RecordStepTransition("wf", "ready", "running")
	collector.RecordStepTransition("wf", "pending", "ready")
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.stepTransitions.WithLabelValues("wf", "pending", "ready")))

	collector.RecordRetry("wf", "transient")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stepRetries.WithLabelValues("wf", "transient")))
}

func TestCollector_ResourceMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCost("wf", 0.25)
	collector.RecordCost("wf", 0.5)
	// 零和负数不计入
	collector.RecordCost("wf", 0)
	collector.RecordCost("wf", -1)
	assert.InDelta(t, 0.75, testutil.ToFloat64(collector.costTotal.WithLabelValues("wf")), 1e-9)

	collector.RecordBudgetRefusal("wf")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.budgetRefusals.WithLabelValues("wf")))

	collector.RecordLockWait("db", 10*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(collector.lockWait))

	collector.RecordApproval("approve", false)
	collector.RecordApproval("reject", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.approvalsTotal.WithLabelValues("reject", "true")))

	collector.RecordSpecResolution("ok")
	collector.RecordSpecResolution("CYCLE_DETECTED")
	assert.Equal(t, 2, testutil.CollectAndCount(collector.specResolutions))
}

func TestCollector_RecordDBMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBConnections("postgres", 10, 5)
	collector.RecordDBQuery("postgres", "SELECT", 50*time.Millisecond)

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
}

// =============================================================================
// 🎯 基准测试
// =============================================================================

func BenchmarkCollector_RecordStepAttempt(b *testing.B) {
	collector := NewCollectorWith(prometheus.NewRegistry(), "bench", zap.NewNop())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		collector.RecordStepAttempt("wf", "succeeded", 100*time.Millisecond)
	}
}
