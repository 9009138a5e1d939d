package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "draft")
	ctx = WithAttempt(ctx, 2)
	ctx = WithTraceID(ctx, "4bf92f3577b34da6a3ce929d0e0e4736")

	run, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", run)

	step, ok := StepID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "draft", step)

	attempt, ok := Attempt(ctx)
	assert.True(t, ok)
	assert.Equal(t, 2, attempt)

	trace, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", trace)
}

func TestKeys_Missing(t *testing.T) {
	ctx := context.Background()

	_, ok := RunID(ctx)
	assert.False(t, ok)
	_, ok = StepID(WithStepID(ctx, ""))
	assert.False(t, ok, "empty value counts as unset")
	_, ok = Attempt(WithAttempt(ctx, 0))
	assert.False(t, ok)
	_, ok = TraceID(ctx)
	assert.False(t, ok)
}
