package pipeline

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
)

// completeLoopStory handles a completion report for a loop step currently
// iterating on a story: the story is marked done, the step's
// current_story_id is cleared, and either the configured verify step is
// queued or the loop-continuation check runs directly (spec.md §4.4 step 4).
func (e *Engine) completeLoopStory(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step, output string) (AdvanceResult, error) {
	storyID := *step.CurrentStoryID

	if err := e.Store.CompleteStory(ctx, tx, storyID, output); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.Store.SetStepCurrentStory(ctx, tx, step.ID, nil); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.Store.SetStepOutput(ctx, tx, step.ID, output); err != nil {
		return AdvanceResult{}, err
	}

	story, err := e.Store.GetStoryInTx(ctx, tx, storyID)
	if err != nil {
		return AdvanceResult{}, err
	}
	e.emit(models.Event{Event: models.EventStoryDone, RunID: run.ID, WorkflowID: run.WorkflowID,
		StepID: step.StepID, AgentID: step.AgentID, StoryID: story.StoryID, StoryTitle: story.Title})

	if step.LoopConfig != nil && step.LoopConfig.VerifyEach && step.LoopConfig.VerifyStep != "" {
		steps, err := e.Store.StepsByRunInTx(ctx, tx, run.ID)
		if err != nil {
			return AdvanceResult{}, err
		}
		verifyStep := findStepByStepID(steps, step.LoopConfig.VerifyStep)
		if verifyStep == nil {
			return AdvanceResult{}, ErrVerifyStepNotFound(step.LoopConfig.VerifyStep)
		}
		if err := e.Store.UpdateStepStatus(ctx, tx, verifyStep.ID, models.StepStatusPending); err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{}, nil
	}

	return e.loopContinuation(ctx, tx, run, step)
}

// completeVerifyStep handles a completion report for a step configured as
// a loop's verify step (spec.md §4.4 Verify-each completion).
func (e *Engine) completeVerifyStep(ctx context.Context, tx pgx.Tx, run *models.Run, verifyStep, loopStep *models.Step, output string) (AdvanceResult, error) {
	// The verify step is reused every iteration: reset it to waiting
	// rather than done.
	if err := e.Store.UpdateStepStatus(ctx, tx, verifyStep.ID, models.StepStatusWaiting); err != nil {
		return AdvanceResult{}, err
	}

	parsed := ParseOutput(output)
	status := strings.ToLower(parsed.Fields["status"])

	if status == "retry" {
		story, err := e.Store.MostRecentlyDoneStory(ctx, tx, run.ID)
		if err != nil {
			return AdvanceResult{}, err
		}
		retryCount, err := e.Store.IncrementStoryRetry(ctx, tx, story.ID)
		if err != nil {
			return AdvanceResult{}, err
		}
		if retryCount > story.MaxRetries {
			if err := e.Store.UpdateStoryStatus(ctx, tx, story.ID, models.StoryStatusFailed); err != nil {
				return AdvanceResult{}, err
			}
			e.emit(models.Event{Event: models.EventStoryFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
				StepID: loopStep.StepID, StoryID: story.StoryID, StoryTitle: story.Title})
			return e.failRun(ctx, tx, run, loopStep, "story "+story.StoryID+" exceeded max retries")
		}

		feedback := parsed.Fields["issues"]
		if feedback == "" {
			feedback = output
		}
		run.Context["verify_feedback"] = feedback
		if err := e.Store.UpdateRunContext(ctx, tx, run.ID, run.Context); err != nil {
			return AdvanceResult{}, err
		}
		if err := e.Store.UpdateStepStatus(ctx, tx, loopStep.ID, models.StepStatusPending); err != nil {
			return AdvanceResult{}, err
		}
		e.emit(models.Event{Event: models.EventStoryRetry, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: loopStep.StepID, StoryID: story.StoryID, StoryTitle: story.Title})
		return AdvanceResult{}, nil
	}

	story, err := e.Store.MostRecentlyDoneStory(ctx, tx, run.ID)
	if err == nil {
		e.emit(models.Event{Event: models.EventStoryVerified, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: loopStep.StepID, StoryID: story.StoryID, StoryTitle: story.Title})
	}
	delete(run.Context, "verify_feedback")
	if err := e.Store.UpdateRunContext(ctx, tx, run.ID, run.Context); err != nil {
		return AdvanceResult{}, err
	}

	return e.loopContinuation(ctx, tx, run, loopStep)
}

// loopContinuation decides whether a loop step has more stories to
// iterate, has failed, or is complete (spec.md §4.4 Loop continuation).
func (e *Engine) loopContinuation(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step) (AdvanceResult, error) {
	counts, err := e.Store.CountStoriesByStatus(ctx, tx, run.ID)
	if err != nil {
		return AdvanceResult{}, err
	}

	if counts[models.StoryStatusPending] > 0 {
		if err := e.Store.UpdateStepStatus(ctx, tx, step.ID, models.StepStatusPending); err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{}, nil
	}
	if counts[models.StoryStatusFailed] > 0 {
		return e.failRun(ctx, tx, run, step, "one or more stories failed")
	}

	return e.completeLoopStep(ctx, tx, run, step)
}

// completeLoopStep marks a loop step (and its configured verify step, if
// any) done, then advances the pipeline (spec.md §4.4 Loop continuation:
// "all stories done").
func (e *Engine) completeLoopStep(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step) (AdvanceResult, error) {
	if err := e.Store.UpdateStepStatus(ctx, tx, step.ID, models.StepStatusDone); err != nil {
		return AdvanceResult{}, err
	}
	e.emit(models.Event{Event: models.EventStepDone, RunID: run.ID, WorkflowID: run.WorkflowID,
		StepID: step.StepID, AgentID: step.AgentID})

	if step.LoopConfig != nil && step.LoopConfig.VerifyStep != "" {
		steps, err := e.Store.StepsByRunInTx(ctx, tx, run.ID)
		if err != nil {
			return AdvanceResult{}, err
		}
		if verifyStep := findStepByStepID(steps, step.LoopConfig.VerifyStep); verifyStep != nil {
			if err := e.Store.UpdateStepStatus(ctx, tx, verifyStep.ID, models.StepStatusDone); err != nil {
				return AdvanceResult{}, err
			}
		}
	}

	return e.advancePipeline(ctx, tx, run)
}

// FailRun is failRun exposed for components outside the Pipeline Engine's
// own operations — namely the Recovery Sweeper — that must drive a run to
// failure inside their own transaction using the same step/run-failed
// event shape the Engine itself uses.
func (e *Engine) FailRun(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step, reason string) (AdvanceResult, error) {
	return e.failRun(ctx, tx, run, step, reason)
}

// failRun marks step and run failed together, the terminal outcome shared
// by every exhausted-retry path (spec.md §7).
func (e *Engine) failRun(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step, reason string) (AdvanceResult, error) {
	if err := e.Store.UpdateStepStatus(ctx, tx, step.ID, models.StepStatusFailed); err != nil {
		return AdvanceResult{}, err
	}
	e.emit(models.Event{Event: models.EventStepFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
		StepID: step.StepID, AgentID: step.AgentID, Detail: reason})

	if err := e.Store.UpdateRunStatus(ctx, tx, run.ID, models.RunStatusFailed); err != nil {
		return AdvanceResult{}, err
	}
	e.emit(models.Event{Event: models.EventRunFailed, RunID: run.ID, WorkflowID: run.WorkflowID, Detail: reason})

	return AdvanceResult{}, nil
}

func findStepByStepID(steps []*models.Step, stepID string) *models.Step {
	for _, s := range steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

// ErrVerifyStepNotFound reports a workflow misconfiguration: a loop step
// names a verifyStep that does not exist among the run's materialized
// steps.
type ErrVerifyStepNotFound string

func (e ErrVerifyStepNotFound) Error() string {
	return "pipeline: verify step " + string(e) + " not found"
}
