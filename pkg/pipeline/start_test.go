package pipeline_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/events"
	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/pipeline"
	"github.com/vardasoft/antfarm/pkg/workflow"
	"github.com/vardasoft/antfarm/test/testutil"
)

func twoStepSpec(id string) *workflow.WorkflowSpec {
	return &workflow.WorkflowSpec{
		ID: id,
		Agent: map[string]workflow.AgentSpec{
			"coder":    {ID: "coder"},
			"reviewer": {ID: "reviewer"},
		},
		Steps: []workflow.StepSpec{
			{StepID: "implement", AgentID: "coder", Type: models.StepTypeSingle},
			{StepID: "review", AgentID: "reviewer", Type: models.StepTypeSingle},
		},
	}
}

func newEngine(t *testing.T) *pipeline.Engine {
	t.Helper()
	st := testutil.NewStore(t)
	journal, err := events.NewJournal(filepath.Join(t.TempDir(), "events.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	return pipeline.NewEngine(st, journal, t.TempDir())
}

func TestStartRun(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	spec := twoStepSpec("wf-start")

	run, err := engine.StartRun(ctx, spec, "do the thing", models.Context{"task": "do the thing"}, "", models.SchedulerDaemon)
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "wf-start", run.WorkflowID)

	steps, err := engine.Store.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "implement", steps[0].StepID)
	assert.Equal(t, models.StepStatusPending, steps[0].Status)
	assert.Equal(t, "review", steps[1].StepID)
	assert.Equal(t, models.StepStatusWaiting, steps[1].Status)
}

func TestStartRun_RejectsInvalidSpec(t *testing.T) {
	engine := newEngine(t)
	spec := &workflow.WorkflowSpec{ID: "wf-empty"}

	_, err := engine.StartRun(context.Background(), spec, "task", models.Context{}, "", models.SchedulerDaemon)
	assert.Error(t, err)
}
