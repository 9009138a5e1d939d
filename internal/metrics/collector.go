// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// 步骤指标
	stepAttemptsTotal   *prometheus.CounterVec
	stepAttemptDuration *prometheus.HistogramVec
	stepTransitions     *prometheus.CounterVec
	stepRetries         *prometheus.CounterVec
	stepsInflight       *prometheus.GaugeVec

	// 资源指标
	costTotal       *prometheus.CounterVec
	budgetRefusals  *prometheus.CounterVec
	lockWait        *prometheus.HistogramVec
	approvalsTotal  *prometheus.CounterVec
	specResolutions *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器并注册到指定 registerer
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 运行指标
	c.runsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by termination reason",
		},
		[]string{"workflow", "reason"},
	)

	c.runDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"workflow"},
	)

	// 步骤指标
	c.stepAttemptsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Total number of step attempts by outcome",
		},
		[]string{"workflow", "outcome"},
	)

	c.stepAttemptDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempt_duration_seconds",
			Help:      "Step attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"workflow"},
	)

	c.stepTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_state_transitions_total",
			Help:      "Total number of step state transitions",
		},
		[]string{"workflow", "from_state", "to_state"},
	)

	c.stepRetries = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of scheduled retries by error category",
		},
		[]string{"workflow", "category"},
	)

	c.stepsInflight = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_inflight",
			Help:      "Number of step attempts currently executing",
		},
		[]string{"workflow"},
	)

	// 资源指标
	c.costTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_committed_total",
			Help:      "Total committed step cost",
		},
		[]string{"workflow"},
	)

	c.budgetRefusals = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_refusals_total",
			Help:      "Total number of dispatches refused by the budget guard",
		},
		[]string{"workflow"},
	)

	c.lockWait = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent queued for a resource lock",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"key"},
	)

	c.approvalsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Total number of resolved approval requests",
		},
		[]string{"decision", "timed_out"},
	)

	c.specResolutions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spec_resolutions_total",
			Help:      "Total number of agent spec resolutions by result code",
		},
		[]string{"code"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔁 运行与步骤指标
// =============================================================================

// RecordRun 记录一次运行结束
func (c *Collector) RecordRun(workflow, reason string, duration time.Duration) {
	c.runsTotal.WithLabelValues(workflow, reason).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordStepAttempt 记录一次步骤尝试，outcome 为 succeeded 或错误码
func (c *Collector) RecordStepAttempt(workflow, outcome string, duration time.Duration) {
	c.stepAttemptsTotal.WithLabelValues(workflow, outcome).Inc()
	c.stepAttemptDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordStepTransition 记录步骤状态转换
func (c *Collector) RecordStepTransition(workflow, fromState, toState string) {
	c.stepTransitions.WithLabelValues(workflow, fromState, toState).Inc()
}

// RecordRetry 记录一次已调度的重试
func (c *Collector) RecordRetry(workflow, category string) {
	c.stepRetries.WithLabelValues(workflow, category).Inc()
}

// StepStarted 在途步骤数加一
func (c *Collector) StepStarted(workflow string) {
	c.stepsInflight.WithLabelValues(workflow).Inc()
}

// StepFinished 在途步骤数减一
func (c *Collector) StepFinished(workflow string) {
	c.stepsInflight.WithLabelValues(workflow).Dec()
}

// =============================================================================
// 💰 资源指标
// =============================================================================

// RecordCost 记录已结算成本
func (c *Collector) RecordCost(workflow string, cost float64) {
	if cost <= 0 {
		return
	}
	c.costTotal.WithLabelValues(workflow).Add(cost)
}

// RecordBudgetRefusal 记录预算拒绝
func (c *Collector) RecordBudgetRefusal(workflow string) {
	c.budgetRefusals.WithLabelValues(workflow).Inc()
}

// RecordLockWait 记录锁排队时长
func (c *Collector) RecordLockWait(key string, waited time.Duration) {
	c.lockWait.WithLabelValues(key).Observe(waited.Seconds())
}

// RecordApproval 记录审批结果
func (c *Collector) RecordApproval(decision string, timedOut bool) {
	t := "false"
	if timedOut {
		t = "true"
	}
	c.approvalsTotal.WithLabelValues(decision, t).Inc()
}

// RecordSpecResolution 记录一次规格解析，成功时 code 为 "ok"
func (c *Collector) RecordSpecResolution(code string) {
	c.specResolutions.WithLabelValues(code).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
