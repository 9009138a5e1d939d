package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
)

// Metadata and input keys understood by the echo adapter.
const (
	metaCostPerCall   = "cost_per_call"
	inputFailAttempts = "fail_attempts"
	inputFailCategory = "fail_category"
)

// echoAdapter 不调用任何模型，只回显解析后的规格与输入，
// 用于在本地演练工作流的调度、重试和预算行为。
//
// 每次调用的成本取自规格 metadata 的 cost_per_call；步骤 input 中的
// fail_attempts 让前 N 次尝试以 fail_category（默认 transient）失败。
type echoAdapter struct {
	latency time.Duration
}

func (a echoAdapter) Invoke(ctx context.Context, spec *declarative.AgentSpec, in workflow.StepInput) (*workflow.InvokeResult, error) {
	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	cost, err := costPerCall(spec)
	if err != nil {
		return nil, types.NewValidationError(err.Error())
	}

	if n := intInput(in.Input, inputFailAttempts); in.Attempt <= n {
		category := types.CategoryTransient
		if c, ok := in.Input[inputFailCategory].(string); ok && c != "" {
			category = types.ErrorCategory(c)
		}
		return &workflow.InvokeResult{Cost: cost},
			types.NewStepError(category, fmt.Sprintf("simulated %s failure on attempt %d", category, in.Attempt))
	}

	upstream := make([]string, 0, len(in.Upstream))
	for id := range in.Upstream {
		upstream = append(upstream, id)
	}
	slices.Sort(upstream)

	return &workflow.InvokeResult{
		Output: map[string]any{
			"agent":    spec.ID,
			"model":    spec.Model,
			"provider": spec.Provider,
			"step":     in.StepID,
			"attempt":  in.Attempt,
			"input":    in.Input,
			"upstream": upstream,
		},
		Cost: cost,
	}, nil
}

func costPerCall(spec *declarative.AgentSpec) (decimal.Decimal, error) {
	raw, ok := spec.Metadata[metaCostPerCall]
	if !ok {
		return decimal.Zero, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("spec %s: invalid %s %q", spec.ID, metaCostPerCall, v)
		}
		return d, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("spec %s: %s must be a number", spec.ID, metaCostPerCall)
	}
}

func intInput(in map[string]any, key string) int {
	switch v := in[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
