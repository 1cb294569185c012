package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/models"
)

// TestAdvancePipeline_IdempotentOnAlreadyAdvancedRun calls AdvancePipeline a
// second time after a completion has already promoted the next step, and
// expects a no-op: advancePipeline must be safe to re-invoke (the Recovery
// Sweeper relies on this for its stuck-pipeline pass).
func TestAdvancePipeline_IdempotentOnAlreadyAdvancedRun(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-advance-idempotent")

	run, err := engine.StartRun(ctx, spec, "task", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	steps, err := engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	implement := steps[0]

	result, err := engine.CompleteStep(ctx, implement.ID, "RESULT: done")
	require.NoError(t, err)
	require.True(t, result.Advanced)

	again, err := engine.AdvancePipeline(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, again.Advanced, "re-running advancePipeline with no newly-completed step must be a no-op")

	steps, err = engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, steps[1].Status)
}

// TestAdvancePipeline_TerminalRunIsANoOp exercises advancePipeline's
// terminal-run guard directly via the public entry point.
func TestAdvancePipeline_TerminalRunIsANoOp(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-advance-terminal")

	run, err := engine.StartRun(ctx, spec, "task", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	cancelled, err := engine.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	result, err := engine.AdvancePipeline(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, result.Advanced)
	assert.False(t, result.RunCompleted)
}
