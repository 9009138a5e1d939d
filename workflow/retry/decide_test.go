package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentrun/types"
)

func testPolicy(strategy Strategy) Policy {
	return Policy{
		Strategy:       strategy,
		MaxAttempts:    5,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
		JitterSeed:     42,
		RetryOn:        DefaultRetryOn(),
	}
}

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     []time.Duration
	}{
		{StrategyConstant, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}},
		{StrategyLinear, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}},
		{StrategyExponential, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			p := testPolicy(tt.strategy)
			for i, want := range tt.want {
				assert.Equal(t, want, p.Delay(i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestPolicy_JitterIsDeterministic(t *testing.T) {
	p := testPolicy(StrategyJitteredExponential)
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, p.Delay(attempt), p.Delay(attempt))
	}

	other := p
	other.JitterSeed = 7
	differs := false
	for attempt := 1; attempt <= 4; attempt++ {
		if p.Delay(attempt) != other.Delay(attempt) {
			differs = true
		}
	}
	assert.True(t, differs, "different seeds should produce different jitter")
}

func TestPolicy_ForStepSpreadsJitter(t *testing.T) {
	p := testPolicy(StrategyJitteredExponential)
	a, b := p.ForStep("fetch"), p.ForStep("index")

	assert.Equal(t, a, p.ForStep("fetch"), "same step keeps the same seed")
	assert.NotEqual(t, a.JitterSeed, b.JitterSeed)

	differs := false
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, a.Delay(attempt), p.ForStep("fetch").Delay(attempt))
		if a.Delay(attempt) != b.Delay(attempt) {
			differs = true
		}
	}
	assert.True(t, differs, "parallel steps should not back off in lockstep")
	// 其余字段保持不变
	b.JitterSeed = p.JitterSeed
	assert.Equal(t, p, b)
}

func TestDecide_Categories(t *testing.T) {
	p := testPolicy(StrategyExponential)

	tests := []struct {
		category types.ErrorCategory
		retry    bool
		reason   string
	}{
		{types.CategoryTransient, true, ReasonRetry},
		{types.CategoryTimeout, true, ReasonRetry},
		{types.CategoryResource, true, ReasonRetry},
		{types.CategoryUnknown, false, ReasonNotAllowed},
		{types.CategoryValidation, false, ReasonNotRetryable},
		{types.CategoryPermanent, false, ReasonNotRetryable},
		{"", false, ReasonNoError},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			d := Decide(tt.category, 1, p)
			assert.Equal(t, tt.retry, d.Retry)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecide_ValidationIgnoresAllowList(t *testing.T) {
	p := testPolicy(StrategyConstant)
	p.RetryOn = []types.ErrorCategory{types.CategoryValidation, types.CategoryPermanent}

	assert.False(t, Decide(types.CategoryValidation, 1, p).Retry)
	assert.False(t, Decide(types.CategoryPermanent, 1, p).Retry)
}

func TestDecide_AttemptsExhausted(t *testing.T) {
	p := testPolicy(StrategyExponential)
	p.MaxAttempts = 3

	assert.True(t, Decide(types.CategoryTransient, 1, p).Retry)
	assert.True(t, Decide(types.CategoryTransient, 2, p).Retry)
	d := Decide(types.CategoryTransient, 3, p)
	assert.False(t, d.Retry)
	assert.Equal(t, ReasonAttemptsSpent, d.Reason)
}

func TestDecideError_Classification(t *testing.T) {
	p := testPolicy(StrategyConstant)

	assert.True(t, DecideError(context.DeadlineExceeded, 1, p).Retry)
	assert.False(t, DecideError(errors.New("opaque"), 1, p).Retry)
	assert.False(t, DecideError(types.NewValidationError("bad"), 1, p).Retry)
}

func TestOverride_Apply(t *testing.T) {
	base := testPolicy(StrategyExponential)
	attempts := 7
	strategy := StrategyLinear
	delay := types.Duration(5 * time.Millisecond)

	o := &Override{
		Strategy:     &strategy,
		MaxAttempts:  &attempts,
		InitialDelay: &delay,
		RetryOn:      []types.ErrorCategory{types.CategoryUnknown},
	}
	got := o.Apply(base)

	assert.Equal(t, StrategyLinear, got.Strategy)
	assert.Equal(t, 7, got.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, got.InitialDelay)
	assert.Equal(t, base.MaxDelay, got.MaxDelay)
	assert.Equal(t, []types.ErrorCategory{types.CategoryUnknown}, got.RetryOn)
	assert.Equal(t, DefaultRetryOn(), base.RetryOn, "base must not change")

	var nilOverride *Override
	assert.Equal(t, base, nilOverride.Apply(base))
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := []func(p *Policy){
		func(p *Policy) { p.Strategy = "fibonacci" },
		func(p *Policy) { p.MaxAttempts = 0 },
		func(p *Policy) { p.InitialDelay = 2 * p.MaxDelay },
		func(p *Policy) { p.Multiplier = 0.5 },
		func(p *Policy) { p.JitterFraction = 1.5 },
		func(p *Policy) { p.RetryOn = []types.ErrorCategory{"sometimes"} },
	}
	for i, mutate := range bad {
		p := DefaultPolicy()
		mutate(&p)
		assert.Error(t, p.Validate(), "case %d", i)
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	p := testPolicy(StrategyConstant)
	p.InitialDelay = time.Millisecond

	calls := 0
	err := Do(context.Background(), p, nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return types.NewTransientError("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testPolicy(StrategyConstant), nil, func(ctx context.Context) error {
		calls++
		return types.NewPermanentError("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, types.IsCode(err, types.ErrStepPermanent))
}

func TestDo_ContextCancelled(t *testing.T) {
	p := testPolicy(StrategyConstant)
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, p, nil, func(ctx context.Context) error {
		cancel()
		return types.NewTransientError("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// Exponential delays never decrease and never exceed MaxDelay; jittered
// delays stay inside the jitter band.
func TestProperty_DelayBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := Policy{
			Strategy:       StrategyExponential,
			MaxAttempts:    rapid.IntRange(1, 20).Draw(rt, "max_attempts"),
			InitialDelay:   time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(rt, "initial")),
			Multiplier:     rapid.Float64Range(1, 4).Draw(rt, "multiplier"),
			JitterFraction: rapid.Float64Range(0, 1).Draw(rt, "jitter"),
			JitterSeed:     rapid.Uint64().Draw(rt, "seed"),
			RetryOn:        DefaultRetryOn(),
		}
		p.MaxDelay = p.InitialDelay * time.Duration(rapid.Int64Range(1, 100).Draw(rt, "cap_factor"))

		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(rt, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(rt, d, p.MaxDelay)
			prev = d
		}

		j := p
		j.Strategy = StrategyJitteredExponential
		for attempt := 1; attempt <= 20; attempt++ {
			base := float64(p.Delay(attempt))
			d := float64(j.Delay(attempt))
			assert.GreaterOrEqual(rt, d, base*(1-p.JitterFraction)-1)
			assert.LessOrEqual(rt, d, float64(p.MaxDelay))
		}
	})
}

// A step retried under any policy is attempted at most MaxAttempts times.
func TestProperty_AttemptsBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := testPolicy(StrategyConstant)
		p.MaxAttempts = rapid.IntRange(1, 10).Draw(rt, "max_attempts")
		category := rapid.SampledFrom([]types.ErrorCategory{
			types.CategoryTransient, types.CategoryTimeout, types.CategoryValidation,
			types.CategoryResource, types.CategoryPermanent, types.CategoryUnknown,
		}).Draw(rt, "category")

		attempts := 1
		for Decide(category, attempts, p).Retry {
			attempts++
		}
		assert.LessOrEqual(rt, attempts, p.MaxAttempts)
		if category == types.CategoryValidation || category == types.CategoryPermanent {
			assert.Equal(rt, 1, attempts)
		}
	})
}
