package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

// Decision 重试决策结果
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Stop reasons
const (
	ReasonRetry          = "retry"
	ReasonNotRetryable   = "category_not_retryable"
	ReasonNotAllowed     = "category_not_allowed"
	ReasonAttemptsSpent  = "attempts_exhausted"
	ReasonNoError        = "no_error"
	ReasonInvalidAttempt = "invalid_attempt"
)

// Decide 决定第 attempt 次尝试失败后是否重试
// 仅依赖 (category, attempt, policy)，没有任何隐藏状态
func Decide(category types.ErrorCategory, attempt int, policy Policy) Decision {
	switch {
	case category == "":
		return Decision{Reason: ReasonNoError}
	case attempt < 1:
		return Decision{Reason: ReasonInvalidAttempt}
	case category == types.CategoryValidation || category == types.CategoryPermanent:
		return Decision{Reason: ReasonNotRetryable}
	case !policy.Allows(category):
		return Decision{Reason: ReasonNotAllowed}
	case attempt >= policy.MaxAttempts:
		return Decision{Reason: ReasonAttemptsSpent}
	}
	return Decision{Retry: true, Delay: policy.Delay(attempt), Reason: ReasonRetry}
}

// DecideError 等价于 Decide(types.CategoryOf(err), attempt, policy)
func DecideError(err error, attempt int, policy Policy) Decision {
	return Decide(types.CategoryOf(err), attempt, policy)
}

// Do 按策略执行 fn，失败时根据 Decide 等待并重试
// 用于建立外部连接等场景；工作流步骤的重试由引擎调度，不走这里
func Do(ctx context.Context, policy Policy, logger *zap.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return nil
		}

		d := DecideError(err, attempt, policy)
		if !d.Retry {
			if attempt > 1 {
				return fmt.Errorf("failed after %d attempts (%s): %w", attempt, d.Reason, err)
			}
			return err
		}

		logger.Debug("重试中",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("delay", d.Delay),
			zap.Error(err),
		)

		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
