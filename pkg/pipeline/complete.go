package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
)

// CompleteStep ingests a worker's reported output for stepID, advancing
// the loop/verify/single-step machine as appropriate (spec.md §4.4
// Completion). A run already failed or cancelled makes this a silent
// no-op (spec.md §7 terminal run guard).
func (e *Engine) CompleteStep(ctx context.Context, stepID, output string) (AdvanceResult, error) {
	var result AdvanceResult
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

		parsed := ParseOutput(output)

		mergedCtx := run.Context.Clone()
		for k, v := range parsed.Fields {
			mergedCtx[k] = v
		}
		if err := e.Store.UpdateRunContext(ctx, tx, run.ID, mergedCtx); err != nil {
			return err
		}
		run.Context = mergedCtx

		if parsed.StoriesJSON != "" {
			if err := e.ingestStories(ctx, tx, run, parsed.StoriesJSON); err != nil {
				// Validation errors surface synchronously; the step
				// remains running, ingestion is not retried
				// automatically (spec.md §4.4 step 3).
				return err
			}
		}

		if step.IsLoop() && step.CurrentStoryID != nil {
			result, err = e.completeLoopStory(ctx, tx, run, step, output)
			return err
		}

		steps, err := e.Store.StepsByRunInTx(ctx, tx, run.ID)
		if err != nil {
			return err
		}
		if loopStep := findLoopStepForVerifyStep(steps, step); loopStep != nil {
			result, err = e.completeVerifyStep(ctx, tx, run, step, loopStep, output)
			return err
		}

		if err := e.Store.CompleteStep(ctx, tx, step.ID, output); err != nil {
			return err
		}
		e.emit(models.Event{Event: models.EventStepDone, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: step.StepID, AgentID: step.AgentID})

		result, err = e.advancePipeline(ctx, tx, run)
		return err
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	return result, nil
}

// ingestStories parses and validates a STORIES_JSON block and creates the
// run's stories. Ingestion is idempotent per run: a run that already has
// stories silently ignores a later STORIES_JSON block rather than
// re-validating or duplicating rows (spec.md §3: "Ingestion is idempotent
// per run").
func (e *Engine) ingestStories(ctx context.Context, tx pgx.Tx, run *models.Run, raw string) error {
	existing, err := e.Store.StoriesByRunInTx(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	payloads, err := ParseStoriesJSON(raw)
	if err != nil {
		return err
	}
	if _, err := e.Store.CreateStories(ctx, tx, run.ID, payloads); err != nil {
		return fmt.Errorf("create stories: %w", err)
	}
	return nil
}

// findLoopStepForVerifyStep returns the loop step, if any, configured
// with verifyStep == step.StepID (spec.md §9: resolve the verify/loop
// pairing by query on demand, never via a back-pointer).
func findLoopStepForVerifyStep(steps []*models.Step, step *models.Step) *models.Step {
	for _, s := range steps {
		if s.IsLoop() && s.LoopConfig != nil && s.LoopConfig.VerifyEach && s.LoopConfig.VerifyStep == step.StepID {
			return s
		}
	}
	return nil
}
