package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/models"
)

func TestCancelRun(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-cancel")

	run, err := engine.StartRun(ctx, spec, "task", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	cancelled, err := engine.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := engine.Store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)

	steps, err := engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	for _, step := range steps {
		assert.Equal(t, models.StepStatusFailed, step.Status)
		require.NotNil(t, step.Output)
		assert.Equal(t, "Cancelled by user", *step.Output)
	}
}

func TestCancelRun_AlreadyTerminalIsANoOp(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-cancel-twice")

	run, err := engine.StartRun(ctx, spec, "task", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	first, err := engine.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, first)

	second, err := engine.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestCancelRun_UnknownRun(t *testing.T) {
	engine := newEngine(t)
	_, err := engine.CancelRun(context.Background(), "does-not-exist")
	assert.Error(t, err)
}
