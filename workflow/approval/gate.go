// Package approval 提供工作流步骤的人工审批闸门。
// 步骤在首次派发前挂起，直到外部决策到达或超时后按默认决策处理。
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

// Decision 审批决策
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision 解析决策字符串
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Approve, Reject:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("unknown approval decision %q, use %q or %q", s, Approve, Reject)
	}
}

// Status 审批请求状态
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
	StatusCanceled Status = "canceled"
)

// Request 审批请求
type Request struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timeout   time.Duration  `json:"timeout"`
	Default   Decision       `json:"default"`
	CreatedAt time.Time      `json:"created_at"`
}

// Response 外部给出的决策
type Response struct {
	Decision Decision `json:"decision"`
	Comment  string   `json:"comment,omitempty"`
	By       string   `json:"by,omitempty"`
}

// Outcome 审批最终结果。TimedOut 为 true 时 Decision 是默认决策。
type Outcome struct {
	RequestID string    `json:"request_id"`
	Decision  Decision  `json:"decision"`
	TimedOut  bool      `json:"timed_out"`
	Comment   string    `json:"comment,omitempty"`
	By        string    `json:"by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Approved 是否放行
func (o Outcome) Approved() bool { return o.Decision == Approve }

// Sink 通知外部有新的审批请求。ctx 在请求结束（决策、超时或取消）时取消。
type Sink interface {
	RequestDecision(ctx context.Context, req *Request) error
}

// SinkFunc 函数适配器
type SinkFunc func(ctx context.Context, req *Request) error

// RequestDecision 实现 Sink
func (f SinkFunc) RequestDecision(ctx context.Context, req *Request) error { return f(ctx, req) }

// ChannelSink 把请求投递到通道，供测试或交互式前端消费
type ChannelSink chan *Request

// RequestDecision 实现 Sink
func (c ChannelSink) RequestDecision(ctx context.Context, req *Request) error {
	select {
	case c <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config 闸门默认值
type Config struct {
	DefaultTimeout  time.Duration
	DefaultDecision Decision
}

// DefaultConfig 默认 1 小时超时，超时拒绝
func DefaultConfig() Config {
	return Config{DefaultTimeout: time.Hour, DefaultDecision: Reject}
}

// Gate 审批闸门
type Gate struct {
	cfg    Config
	store  Store
	sink   Sink
	logger *zap.Logger

	mu      sync.RWMutex
	pending map[string]*pendingRequest
	byStep  map[string]string
}

type pendingRequest struct {
	req        *Request
	responseCh chan Response
	cancelFn   context.CancelFunc
}

// NewGate 创建审批闸门。store 为 nil 时使用内存存储，sink 可为 nil。
func NewGate(cfg Config, store Store, sink Sink, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.DefaultDecision == "" {
		cfg.DefaultDecision = DefaultConfig().DefaultDecision
	}
	return &Gate{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		logger:  logger.With(zap.String("component", "approval_gate")),
		pending: make(map[string]*pendingRequest),
		byStep:  make(map[string]string),
	}
}

func stepKey(runID, stepID string) string { return runID + "/" + stepID }

// Await 提交审批请求并阻塞到决策、超时或 ctx 取消。
// 超时返回默认决策且 TimedOut=true；ctx 取消返回 CANCELLED 错误。
func (g *Gate) Await(ctx context.Context, req Request) (Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = g.cfg.DefaultTimeout
	}
	if req.Default == "" {
		req.Default = g.cfg.DefaultDecision
	}
	if _, err := ParseDecision(string(req.Default)); err != nil {
		return Outcome{}, err
	}
	req.CreatedAt = time.Now()

	if err := g.store.Save(ctx, &Record{Request: req, Status: StatusPending}); err != nil {
		return Outcome{}, fmt.Errorf("failed to save approval request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	p := &pendingRequest{
		req:        &req,
		responseCh: make(chan Response, 1),
		cancelFn:   cancel,
	}

	g.mu.Lock()
	g.pending[req.ID] = p
	g.byStep[stepKey(req.RunID, req.StepID)] = req.ID
	g.mu.Unlock()
	defer g.forget(&req)

	g.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("step_id", req.StepID),
		zap.Duration("timeout", req.Timeout),
	)

	if g.sink != nil {
		sinkReq := req
		go func() {
			if err := g.sink.RequestDecision(waitCtx, &sinkReq); err != nil && !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) {
				g.logger.Error("approval sink error", zap.String("request_id", sinkReq.ID), zap.Error(err))
			}
		}()
	}

	select {
	case resp := <-p.responseCh:
		return g.decided(req, resp), nil
	case <-waitCtx.Done():
		// Decide 已认领请求时，它的发送一定会到达，显式决策优先于超时
		g.mu.Lock()
		_, still := g.pending[req.ID]
		delete(g.pending, req.ID)
		g.mu.Unlock()
		if !still {
			return g.decided(req, <-p.responseCh), nil
		}

		if ctx.Err() != nil {
			g.finish(req, StatusCanceled, nil)
			return Outcome{}, types.NewError(types.ErrCancelled,
				fmt.Sprintf("approval for step %s cancelled", req.StepID)).WithCause(ctx.Err()).WithStep(req.StepID)
		}
		out := Outcome{
			RequestID: req.ID,
			Decision:  req.Default,
			TimedOut:  true,
			DecidedAt: time.Now(),
		}
		g.logger.Warn("approval timeout, applying default decision",
			zap.String("request_id", req.ID),
			zap.String("step_id", req.StepID),
			zap.String("default", string(req.Default)),
		)
		g.finish(req, StatusTimeout, &out)
		return out, nil
	}
}

func (g *Gate) decided(req Request, resp Response) Outcome {
	out := Outcome{
		RequestID: req.ID,
		Decision:  resp.Decision,
		Comment:   resp.Comment,
		By:        resp.By,
		DecidedAt: time.Now(),
	}
	status := StatusApproved
	if !out.Approved() {
		status = StatusRejected
	}
	g.finish(req, status, &out)
	return out
}

// Decide 对指定请求给出决策
func (g *Gate) Decide(requestID string, resp Response) error {
	if _, err := ParseDecision(string(resp.Decision)); err != nil {
		return err
	}

	g.mu.Lock()
	p, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval request not found or already resolved: %s", requestID)
	}

	g.logger.Info("approval decided",
		zap.String("request_id", requestID),
		zap.String("decision", string(resp.Decision)),
		zap.String("by", resp.By),
	)

	// 缓冲为 1，且请求已从 pending 移除，不会有第二次发送
	p.responseCh <- resp
	return nil
}

// DecideStep 按运行与步骤定位请求并给出决策
func (g *Gate) DecideStep(runID, stepID string, resp Response) error {
	g.mu.RLock()
	id, ok := g.byStep[stepKey(runID, stepID)]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no pending approval for step %s in run %s", stepID, runID)
	}
	return g.Decide(id, resp)
}

// Pending 返回仍在等待的请求，runID 为空时返回全部
func (g *Gate) Pending(runID string) []Request {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Request
	for _, p := range g.pending {
		if runID == "" || p.req.RunID == runID {
			out = append(out, *p.req)
		}
	}
	return out
}

// Store 返回底层存储
func (g *Gate) Store() Store { return g.store }

func (g *Gate) forget(req *Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, req.ID)
	if g.byStep[stepKey(req.RunID, req.StepID)] == req.ID {
		delete(g.byStep, stepKey(req.RunID, req.StepID))
	}
}

func (g *Gate) finish(req Request, status Status, out *Outcome) {
	rec := &Record{Request: req, Status: status, Outcome: out}
	now := time.Now()
	rec.ResolvedAt = &now
	// 请求已结束，存储失败只记录日志
	if err := g.store.Update(context.Background(), rec); err != nil {
		g.logger.Error("failed to update approval record", zap.String("request_id", req.ID), zap.Error(err))
	}
}
