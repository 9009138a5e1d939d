package retry

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/BaSui01/agentrun/types"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyConstant            Strategy = "constant"
	StrategyLinear              Strategy = "linear"
	StrategyExponential         Strategy = "exponential"
	StrategyJitteredExponential Strategy = "jittered_exponential"
)

// Policy 定义单个步骤的重试策略
// MaxAttempts 是总尝试次数（含首次），1 表示不重试
type Policy struct {
	Strategy       Strategy              `yaml:"strategy" json:"strategy"`
	MaxAttempts    int                   `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay   time.Duration         `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay       time.Duration         `yaml:"max_delay" json:"max_delay"`
	Multiplier     float64               `yaml:"multiplier" json:"multiplier"`
	JitterFraction float64               `yaml:"jitter_fraction" json:"jitter_fraction"` // 抖动幅度，0.25 表示 ±25%
	JitterSeed     uint64                `yaml:"jitter_seed" json:"jitter_seed"`
	RetryOn        []types.ErrorCategory `yaml:"retry_on" json:"retry_on"` // 允许重试的错误分类
}

// DefaultRetryOn 默认允许重试的错误分类
func DefaultRetryOn() []types.ErrorCategory {
	return []types.ErrorCategory{types.CategoryTransient, types.CategoryTimeout, types.CategoryResource}
}

// DefaultPolicy 返回默认的重试策略
// 保守策略：最多 3 次尝试，指数退避 1s/2s，上限 30s
func DefaultPolicy() Policy {
	return Policy{
		Strategy:       StrategyExponential,
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		RetryOn:        DefaultRetryOn(),
	}
}

// Validate 校验策略参数
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategyConstant, StrategyLinear, StrategyExponential, StrategyJitteredExponential:
	default:
		return fmt.Errorf("retry policy: unknown strategy %q", p.Strategy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry policy: delays must not be negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return fmt.Errorf("retry policy: initial_delay %s exceeds max_delay %s", p.InitialDelay, p.MaxDelay)
	}
	if (p.Strategy == StrategyExponential || p.Strategy == StrategyJitteredExponential) && p.Multiplier < 1 {
		return fmt.Errorf("retry policy: multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		return fmt.Errorf("retry policy: jitter_fraction must be within [0, 1], got %g", p.JitterFraction)
	}
	for _, c := range p.RetryOn {
		if !c.Valid() {
			return fmt.Errorf("retry policy: unknown error category %q", c)
		}
	}
	return nil
}

// Allows 判断错误分类是否在允许列表中
// validation 与 permanent 永远不重试，与配置无关
func (p Policy) Allows(category types.ErrorCategory) bool {
	if category == types.CategoryValidation || category == types.CategoryPermanent {
		return false
	}
	return slices.Contains(p.RetryOn, category)
}

// Delay 计算第 attempt 次失败之后、下一次尝试之前的等待时间（attempt 从 1 开始）
// 纯函数：相同的 (policy, attempt) 总是得到相同结果
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay)

	var delay float64
	switch p.Strategy {
	case StrategyConstant:
		delay = base
	case StrategyLinear:
		delay = base * float64(attempt)
	default:
		// 指数退避：delay = initial * multiplier^(attempt-1)
		delay = base * math.Pow(p.Multiplier, float64(attempt-1))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// 有界抖动：[delay*(1-f), delay*(1+f)]，由种子和次数决定
	if p.Strategy == StrategyJitteredExponential && p.JitterFraction > 0 {
		u := rand.New(rand.NewPCG(p.JitterSeed, uint64(attempt))).Float64()
		delay += delay * p.JitterFraction * (u*2 - 1)
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	if math.IsInf(delay, 0) || delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ForStep 把步骤 ID 的 FNV-1a 哈希混入 JitterSeed，
// 同时失败的并行步骤不会得到相同的抖动延迟
func (p Policy) ForStep(stepID string) Policy {
	h := fnv.New64a()
	_, _ = h.Write([]byte(stepID))
	p.JitterSeed ^= h.Sum64()
	return p
}

// Override 步骤级覆盖项，未设置的字段沿用基础策略
type Override struct {
	Strategy       *Strategy             `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MaxAttempts    *int                  `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	InitialDelay   *types.Duration       `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay       *types.Duration       `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Multiplier     *float64              `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	JitterFraction *float64              `yaml:"jitter_fraction,omitempty" json:"jitter_fraction,omitempty"`
	JitterSeed     *uint64               `yaml:"jitter_seed,omitempty" json:"jitter_seed,omitempty"`
	RetryOn        []types.ErrorCategory `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
}

// Apply 返回应用覆盖后的新策略，base 不会被修改
func (o *Override) Apply(base Policy) Policy {
	out := base
	out.RetryOn = slices.Clone(base.RetryOn)
	if o == nil {
		return out
	}
	if o.Strategy != nil {
		out.Strategy = *o.Strategy
	}
	if o.MaxAttempts != nil {
		out.MaxAttempts = *o.MaxAttempts
	}
	if o.InitialDelay != nil {
		out.InitialDelay = o.InitialDelay.Std()
	}
	if o.MaxDelay != nil {
		out.MaxDelay = o.MaxDelay.Std()
	}
	if o.Multiplier != nil {
		out.Multiplier = *o.Multiplier
	}
	if o.JitterFraction != nil {
		out.JitterFraction = *o.JitterFraction
	}
	if o.JitterSeed != nil {
		out.JitterSeed = *o.JitterSeed
	}
	if o.RetryOn != nil {
		out.RetryOn = slices.Clone(o.RetryOn)
	}
	return out
}
