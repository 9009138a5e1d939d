package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/types"
)

func echoAdapter(tag string) AdapterFunc {
	return func(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error) {
		return &InvokeResult{Output: tag + ":" + in.StepID, Cost: decimal.NewFromInt(1)}, nil
	}
}

func TestProviderRouter(t *testing.T) {
	router := NewProviderRouter(nil)
	router.Register("openai", echoAdapter("openai"))
	router.Register("anthropic", echoAdapter("anthropic"))

	res, err := router.Invoke(context.Background(), &declarative.AgentSpec{Provider: "anthropic"}, StepInput{StepID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic:s", res.Output)

	_, err = router.Invoke(context.Background(), &declarative.AgentSpec{Provider: "local"}, StepInput{StepID: "s"})
	require.Error(t, err)
	assert.Equal(t, types.CategoryValidation, types.CategoryOf(err))
}

func TestProviderRouter_Fallback(t *testing.T) {
	router := NewProviderRouter(echoAdapter("fallback"))
	res, err := router.Invoke(context.Background(), &declarative.AgentSpec{Provider: "local"}, StepInput{StepID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "fallback:s", res.Output)
}

func TestMappedAdapter(t *testing.T) {
	var seen StepInput
	inner := AdapterFunc(func(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error) {
		seen = in
		return &InvokeResult{Output: 21, Cost: decimal.RequireFromString("0.1")}, nil
	})

	m := NewMappedAdapter(inner,
		WithInputMapper(func(in StepInput) (StepInput, error) {
			in.Input = map[string]any{"mapped": true}
			return in, nil
		}),
		WithOutputMapper(func(out any) (any, error) {
			return out.(int) * 2, nil
		}),
	)

	res, err := m.Invoke(context.Background(), &declarative.AgentSpec{}, StepInput{StepID: "s"})
	require.NoError(t, err)
	assert.Equal(t, true, seen.Input["mapped"])
	assert.Equal(t, 42, res.Output)
	assert.True(t, res.Cost.Equal(decimal.RequireFromString("0.1")))
}

func TestMappedAdapter_MapperErrorsAreValidation(t *testing.T) {
	called := false
	inner := AdapterFunc(func(ctx context.Context, spec *declarative.AgentSpec, in StepInput) (*InvokeResult, error) {
		called = true
		return &InvokeResult{Output: "x", Cost: decimal.NewFromInt(2)}, nil
	})

	m := NewMappedAdapter(inner, WithInputMapper(func(in StepInput) (StepInput, error) {
		return in, errors.New("bad input")
	}))
	_, err := m.Invoke(context.Background(), &declarative.AgentSpec{}, StepInput{StepID: "s"})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, types.CategoryValidation, types.CategoryOf(err))

	m = NewMappedAdapter(inner, WithOutputMapper(func(any) (any, error) {
		return nil, errors.New("bad output")
	}))
	res, err := m.Invoke(context.Background(), &declarative.AgentSpec{}, StepInput{StepID: "s"})
	require.Error(t, err)
	assert.Equal(t, types.CategoryValidation, types.CategoryOf(err))
	// 成本仍然上报，预算按实际结算
	require.NotNil(t, res)
	assert.True(t, res.Cost.Equal(decimal.NewFromInt(2)))
}
