package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/models"
)

// TestCompleteStep_TwoStepRunAdvancesThenCompletes drives twoStepSpec end
// to end through the real store: completing the first step must promote
// the second off waiting without re-claiming it, and completing the
// second must bring the run to completed. Both assertions read the
// run/step rows back from the store rather than trusting the in-memory
// values CompleteStep returns, so a transaction-isolation regression that
// leaves stale rows committed would be caught here.
func TestCompleteStep_TwoStepRunAdvancesThenCompletes(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-complete-two-step")

	run, err := engine.StartRun(ctx, spec, "do the thing", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	steps, err := engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	implement, review := steps[0], steps[1]
	require.Equal(t, "implement", implement.StepID)
	require.Equal(t, "review", review.StepID)

	result, err := engine.CompleteStep(ctx, implement.ID, "RESULT: looks good")
	require.NoError(t, err)
	assert.True(t, result.Advanced)
	assert.False(t, result.RunCompleted)

	steps, err = engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusDone, steps[0].Status)
	assert.Equal(t, models.StepStatusPending, steps[1].Status,
		"second step must be promoted off waiting once the first step's completion is visible")

	run, err = engine.Store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	result, err = engine.CompleteStep(ctx, review.ID, "RESULT: approved")
	require.NoError(t, err)
	assert.True(t, result.Advanced)
	assert.True(t, result.RunCompleted)

	run, err = engine.Store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	steps, err = engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, models.StepStatusDone, s.Status)
	}
}

// TestCompleteStep_TerminalRunIsANoOp exercises complete.go's terminal-run
// guard: a cancelled run's steps must never advance via a stray
// completion report.
func TestCompleteStep_TerminalRunIsANoOp(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-complete-terminal")

	run, err := engine.StartRun(ctx, spec, "task", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	steps, err := engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	implement := steps[0]

	_, err = engine.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	result, err := engine.CompleteStep(ctx, implement.ID, "RESULT: too late")
	require.NoError(t, err)
	assert.False(t, result.Advanced)

	got, err := engine.Store.GetStep(ctx, implement.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, got.Status, "cancellation's failed status must survive a late completion report")
}

// TestCompleteStep_IngestsStoriesOnlyOnce exercises ingestStories'
// idempotency guarantee: a run that already has stories ignores a second
// STORIES_JSON block instead of duplicating rows, even when the second
// block arrives via a different step's completion report.
func TestCompleteStep_IngestsStoriesOnlyOnce(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-ingest-once")

	run, err := engine.StartRun(ctx, spec, "task", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	steps, err := engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	implement, review := steps[0], steps[1]

	firstPayload := `STORIES_JSON:[{"id":"s1","title":"Story 1","description":"desc","acceptanceCriteria":["a"]}]`
	_, err = engine.CompleteStep(ctx, implement.ID, firstPayload)
	require.NoError(t, err)

	stories, err := engine.Store.StoriesByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stories, 1)

	secondPayload := `STORIES_JSON:[{"id":"s2","title":"Story 2","description":"desc","acceptanceCriteria":["a"]}]`
	_, err = engine.CompleteStep(ctx, review.ID, secondPayload)
	require.NoError(t, err)

	stories, err = engine.Store.StoriesByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, stories, 1, "a run that already has stories must ignore a later STORIES_JSON block")
}
