package pipeline_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/workflow"
)

func loopSpec(id string) *workflow.WorkflowSpec {
	return &workflow.WorkflowSpec{
		ID: id,
		Agent: map[string]workflow.AgentSpec{
			"coder": {ID: "coder"},
		},
		Steps: []workflow.StepSpec{
			{StepID: "implement", AgentID: "coder", Type: models.StepTypeLoop},
		},
	}
}

// TestLoopStep_IteratesStoriesThenCompletesRun drives a loop step through
// two stories end to end: each story's completion runs loopContinuation,
// and only the second — once every story is done — completes the step
// and, with no further steps in the run, completes the run itself.
func TestLoopStep_IteratesStoriesThenCompletesRun(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := loopSpec("wf-loop-two-stories")

	run, err := engine.StartRun(ctx, spec, "task", models.Context{}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	steps, err := engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	loopStep := steps[0]
	require.Equal(t, models.StepStatusPending, loopStep.Status)

	payloads := []models.StoryPayload{
		{ID: "s1", Title: "Story 1", Description: "desc 1", AcceptanceCriteria: []string{"a"}},
		{ID: "s2", Title: "Story 2", Description: "desc 2", AcceptanceCriteria: []string{"a"}},
	}
	err = engine.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := engine.Store.CreateStories(ctx, tx, run.ID, payloads)
		return err
	})
	require.NoError(t, err)

	// Iteration 1: claim and complete story s1.
	claim, err := engine.ClaimStory(ctx, "coder", loopStep.ID)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NotNil(t, claim.Story)
	assert.Equal(t, "s1", claim.Story.StoryID)

	result, err := engine.CompleteStep(ctx, loopStep.ID, "RESULT: story 1 done")
	require.NoError(t, err)
	assert.False(t, result.RunCompleted)

	loopStep, err = engine.Store.GetStep(ctx, loopStep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, loopStep.Status, "loop step must return to pending while stories remain")
	assert.Nil(t, loopStep.CurrentStoryID)

	// Iteration 2: claim and complete story s2 — the last one.
	claim, err = engine.ClaimStory(ctx, "coder", loopStep.ID)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NotNil(t, claim.Story)
	assert.Equal(t, "s2", claim.Story.StoryID)

	result, err = engine.CompleteStep(ctx, loopStep.ID, "RESULT: story 2 done")
	require.NoError(t, err)
	assert.True(t, result.RunCompleted, "completing the last story must complete the loop step and the run")

	loopStep, err = engine.Store.GetStep(ctx, loopStep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusDone, loopStep.Status)

	run, err = engine.Store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}
