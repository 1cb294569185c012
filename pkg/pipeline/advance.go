package pipeline

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
)

// AdvancePipeline is the public, re-entrant entry point: it opens its own
// transaction and delegates to advancePipeline. Exported separately from
// the completion/failure paths because the Recovery Sweeper invokes it
// directly for stuck-pipeline recovery (spec.md §4.5 pass 3).
func (e *Engine) AdvancePipeline(ctx context.Context, runID string) (AdvanceResult, error) {
	var result AdvanceResult
	err := e.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		run, err := e.Store.GetRunInTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		result, err = e.advancePipeline(ctx, tx, run)
		return err
	})
	return result, err
}

// advancePipeline finds the lowest-indexed waiting step and promotes it to
// pending if nothing incomplete precedes it; if no waiting step remains
// and nothing is incomplete, the run completes (spec.md §4.4
// advancePipeline). A terminal run is never advanced — this is the
// re-entrant, idempotent core: calling it twice in a row converges to the
// same state.
func (e *Engine) advancePipeline(ctx context.Context, tx pgx.Tx, run *models.Run) (AdvanceResult, error) {
	if run.Status.Terminal() {
		return AdvanceResult{}, nil
	}

	steps, err := e.Store.StepsByRunInTx(ctx, tx, run.ID)
	if err != nil {
		return AdvanceResult{}, err
	}

	var firstWaiting *models.Step
	incompleteBeforeWaiting := false
	for _, step := range steps {
		switch step.Status {
		case models.StepStatusWaiting:
			if firstWaiting == nil {
				firstWaiting = step
			}
		case models.StepStatusPending, models.StepStatusClaiming, models.StepStatusRunning, models.StepStatusFailed:
			if firstWaiting == nil {
				incompleteBeforeWaiting = true
			}
		}
	}

	if firstWaiting != nil {
		if incompleteBeforeWaiting {
			return AdvanceResult{}, nil
		}
		if err := e.Store.UpdateStepStatus(ctx, tx, firstWaiting.ID, models.StepStatusPending); err != nil {
			return AdvanceResult{}, err
		}
		e.emit(models.Event{Event: models.EventPipelineAdvanced, RunID: run.ID, WorkflowID: run.WorkflowID})
		e.emit(models.Event{Event: models.EventStepPending, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: firstWaiting.StepID, AgentID: firstWaiting.AgentID})
		return AdvanceResult{Advanced: true}, nil
	}

	// No waiting step: the run is done only if nothing else is
	// incomplete either.
	for _, step := range steps {
		switch step.Status {
		case models.StepStatusPending, models.StepStatusClaiming, models.StepStatusRunning, models.StepStatusFailed:
			return AdvanceResult{}, nil
		}
	}

	if err := e.Store.UpdateRunStatus(ctx, tx, run.ID, models.RunStatusCompleted); err != nil {
		return AdvanceResult{}, err
	}
	e.emit(models.Event{Event: models.EventRunCompleted, RunID: run.ID, WorkflowID: run.WorkflowID})
	if err := ArchiveProgressFile(e.ProgressDir, run.ID); err != nil {
		// Archival is best-effort (spec.md §7): never fail the run
		// completion over it.
		_ = err
	}
	return AdvanceResult{Advanced: true, RunCompleted: true}, nil
}
