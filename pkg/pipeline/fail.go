package pipeline

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
)

// FailStep ingests an explicit `step fail` report, counting it against
// the step's (or, for a loop step mid-story, the story's) retry budget
// (spec.md §4.4 failStep, §7 "Explicit step failures").
func (e *Engine) FailStep(ctx context.Context, stepID, reason string) (FailResult, error) {
	var result FailResult
	err := e.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		step, err := e.Store.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		run, err := e.Store.GetRunInTx(ctx, tx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		if step.IsLoop() && step.CurrentStoryID != nil {
			result, err = e.failStory(ctx, tx, run, step, reason)
			return err
		}

		result, err = e.failSingleStep(ctx, tx, run, step, reason)
		return err
	})
	if err != nil {
		return FailResult{}, err
	}
	return result, nil
}

func (e *Engine) failStory(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step, reason string) (FailResult, error) {
	storyID := *step.CurrentStoryID
	story, err := e.Store.GetStoryInTx(ctx, tx, storyID)
	if err != nil {
		return FailResult{}, err
	}

	retryCount, err := e.Store.IncrementStoryRetry(ctx, tx, story.ID)
	if err != nil {
		return FailResult{}, err
	}

	if retryCount > story.MaxRetries {
		if err := e.Store.UpdateStoryStatus(ctx, tx, story.ID, models.StoryStatusFailed); err != nil {
			return FailResult{}, err
		}
		e.emit(models.Event{Event: models.EventStoryFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: step.StepID, StoryID: story.StoryID, StoryTitle: story.Title, Detail: reason})
		if _, err := e.failRun(ctx, tx, run, step, reason); err != nil {
			return FailResult{}, err
		}
		return FailResult{Retrying: false, RunFailed: true}, nil
	}

	if err := e.Store.SetStepCurrentStory(ctx, tx, step.ID, nil); err != nil {
		return FailResult{}, err
	}
	if err := e.Store.UpdateStepStatus(ctx, tx, step.ID, models.StepStatusPending); err != nil {
		return FailResult{}, err
	}
	e.emit(models.Event{Event: models.EventStoryRetry, RunID: run.ID, WorkflowID: run.WorkflowID,
		StepID: step.StepID, StoryID: story.StoryID, StoryTitle: story.Title, Detail: reason})

	return FailResult{Retrying: true}, nil
}

func (e *Engine) failSingleStep(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step, reason string) (FailResult, error) {
	retryCount, err := e.Store.IncrementStepRetry(ctx, tx, step.ID)
	if err != nil {
		return FailResult{}, err
	}

	if retryCount > step.MaxRetries {
		if _, err := e.failRun(ctx, tx, run, step, reason); err != nil {
			return FailResult{}, err
		}
		return FailResult{Retrying: false, RunFailed: true}, nil
	}

	e.emit(models.Event{Event: models.EventStepFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
		StepID: step.StepID, AgentID: step.AgentID, Detail: reason})
	return FailResult{Retrying: true}, nil
}
