// Package budget 提供工作流运行级的成本预算守卫。
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

// Config 配置预算守卫
type Config struct {
	// Limit 为空（Valid=false）表示不限额
	Limit decimal.NullDecimal `json:"limit"`
	// AlertThreshold 0.0-1.0，已提交+已预留占比达到该值时告警，0 表示关闭
	AlertThreshold float64 `json:"alert_threshold"`
}

// AlertType 预算告警类型
type AlertType string

const (
	AlertThreshold AlertType = "cost_threshold"
	AlertLimitHit  AlertType = "limit_hit"
)

// Alert 预算告警
type Alert struct {
	Type      AlertType       `json:"type"`
	Message   string          `json:"message"`
	Threshold float64         `json:"threshold"`
	Current   float64         `json:"current"`
	Limit     decimal.Decimal `json:"limit"`
	Timestamp time.Time       `json:"timestamp"`
}

// AlertHandler 处理预算告警，同步调用，不应阻塞
type AlertHandler func(alert Alert)

// Reservation 一次预留，必须且只能 Commit 或 Release 一次
type Reservation struct {
	ID     uint64
	StepID string
	Amount decimal.Decimal

	settled bool
}

// Status 预算快照
type Status struct {
	Unlimited bool            `json:"unlimited"`
	Limit     decimal.Decimal `json:"limit"`
	Committed decimal.Decimal `json:"committed"`
	Reserved  decimal.Decimal `json:"reserved"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Guard 悲观预留模型：派发时按估算扣减，完成时按实际成本结算。
// 所有操作都是单步原子的。
type Guard struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	committed decimal.Decimal
	reserved  decimal.Decimal
	seq       uint64
	alerted   bool
	limitHit  bool
	handlers  []AlertHandler
}

// NewGuard 创建预算守卫
func NewGuard(cfg Config, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Limit.Valid && cfg.Limit.Decimal.IsNegative() {
		return nil, fmt.Errorf("budget limit must not be negative, got %s", cfg.Limit.Decimal)
	}
	if cfg.AlertThreshold < 0 || cfg.AlertThreshold > 1 {
		return nil, fmt.Errorf("budget alert threshold must be within [0, 1], got %g", cfg.AlertThreshold)
	}
	return &Guard{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "budget_guard")),
	}, nil
}

// Unlimited 返回不限额的守卫
func Unlimited() *Guard {
	g, _ := NewGuard(Config{}, nil)
	return g
}

// OnAlert 注册告警处理器
func (g *Guard) OnAlert(handler AlertHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
}

// Reserve 为 stepID 预留 estimate。剩余额度不足时返回 BUDGET_EXCEEDED，且不做任何扣减。
func (g *Guard) Reserve(stepID string, estimate decimal.Decimal) (*Reservation, error) {
	if estimate.IsNegative() {
		return nil, types.NewError(types.ErrInvalidWorkflow,
			fmt.Sprintf("step %s: estimated cost must not be negative, got %s", stepID, estimate)).
			WithCategory(types.CategoryValidation)
	}

	g.mu.Lock()
	if g.cfg.Limit.Valid {
		needed := g.committed.Add(g.reserved).Add(estimate)
		if needed.GreaterThan(g.cfg.Limit.Decimal) {
			remaining := g.remainingLocked()
			alerts := g.limitHitLocked(stepID, estimate)
			g.mu.Unlock()
			g.fire(alerts)
			return nil, types.NewError(types.ErrBudgetExceeded,
				fmt.Sprintf("step %s: estimated cost %s exceeds remaining budget %s", stepID, estimate, remaining)).
				WithCategory(types.CategoryResource).
				WithStep(stepID)
		}
	}

	g.seq++
	res := &Reservation{ID: g.seq, StepID: stepID, Amount: estimate}
	g.reserved = g.reserved.Add(estimate)
	alerts := g.thresholdLocked()
	g.mu.Unlock()

	g.fire(alerts)
	return res, nil
}

// Commit 结算预留：释放预留额，计入实际成本。actual 可以超过估算。
func (g *Guard) Commit(res *Reservation, actual decimal.Decimal) error {
	if actual.IsNegative() {
		actual = decimal.Zero
	}

	g.mu.Lock()
	if err := g.settleLocked(res); err != nil {
		g.mu.Unlock()
		return err
	}
	g.committed = g.committed.Add(actual)
	alerts := g.thresholdLocked()
	g.mu.Unlock()

	if actual.GreaterThan(res.Amount) {
		g.logger.Warn("actual cost exceeded estimate",
			zap.String("step_id", res.StepID),
			zap.String("estimate", res.Amount.String()),
			zap.String("actual", actual.String()),
		)
	}
	g.fire(alerts)
	return nil
}

// Release 撤销预留，不计入任何成本
func (g *Guard) Release(res *Reservation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settleLocked(res)
}

// Remaining 剩余额度；实际成本超出估算时可能为负。不限额时返回零值与 false。
func (g *Guard) Remaining() (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cfg.Limit.Valid {
		return decimal.Zero, false
	}
	return g.remainingLocked(), true
}

// Committed 已结算的实际成本
func (g *Guard) Committed() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed
}

// Status 返回当前快照
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		Unlimited: !g.cfg.Limit.Valid,
		Committed: g.committed,
		Reserved:  g.reserved,
	}
	if g.cfg.Limit.Valid {
		st.Limit = g.cfg.Limit.Decimal
		st.Remaining = g.remainingLocked()
	}
	return st
}

func (g *Guard) settleLocked(res *Reservation) error {
	if res == nil {
		return fmt.Errorf("budget: nil reservation")
	}
	if res.settled {
		return fmt.Errorf("budget: reservation %d for step %s already settled", res.ID, res.StepID)
	}
	res.settled = true
	g.reserved = g.reserved.Sub(res.Amount)
	return nil
}

func (g *Guard) remainingLocked() decimal.Decimal {
	return g.cfg.Limit.Decimal.Sub(g.committed).Sub(g.reserved)
}

func (g *Guard) utilizationLocked() float64 {
	if !g.cfg.Limit.Valid || g.cfg.Limit.Decimal.IsZero() {
		return 0
	}
	f, _ := g.committed.Add(g.reserved).Div(g.cfg.Limit.Decimal).Float64()
	return f
}

func (g *Guard) thresholdLocked() []pendingAlert {
	if g.alerted || g.cfg.AlertThreshold <= 0 || !g.cfg.Limit.Valid {
		return nil
	}
	util := g.utilizationLocked()
	if util < g.cfg.AlertThreshold {
		return nil
	}
	g.alerted = true
	return g.collectLocked(Alert{
		Type:      AlertThreshold,
		Message:   "Run cost threshold exceeded",
		Threshold: g.cfg.AlertThreshold,
		Current:   util,
		Limit:     g.cfg.Limit.Decimal,
		Timestamp: time.Now(),
	})
}

func (g *Guard) limitHitLocked(stepID string, estimate decimal.Decimal) []pendingAlert {
	if g.limitHit {
		return nil
	}
	g.limitHit = true
	return g.collectLocked(Alert{
		Type:      AlertLimitHit,
		Message:   fmt.Sprintf("Step %s refused: estimate %s exceeds remaining budget", stepID, estimate),
		Threshold: 1,
		Current:   g.utilizationLocked(),
		Limit:     g.cfg.Limit.Decimal,
		Timestamp: time.Now(),
	})
}

type pendingAlert struct {
	alert    Alert
	handlers []AlertHandler
}

func (g *Guard) collectLocked(alert Alert) []pendingAlert {
	return []pendingAlert{{alert: alert, handlers: append([]AlertHandler(nil), g.handlers...)}}
}

func (g *Guard) fire(alerts []pendingAlert) {
	for _, p := range alerts {
		g.logger.Warn("budget alert",
			zap.String("type", string(p.alert.Type)),
			zap.String("message", p.alert.Message),
			zap.Float64("threshold", p.alert.Threshold),
			zap.Float64("current", p.alert.Current))
		for _, handler := range p.handlers {
			handler(p.alert)
		}
	}
}
