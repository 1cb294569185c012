package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/workflow"
)

// StartRun materializes a new run from spec: a running Run row plus one
// Step row per spec.Steps, the first pending and the rest waiting
// (spec.md §4.4 invariant: at most one step per run is pending, claiming
// or running at any time).
func (e *Engine) StartRun(ctx context.Context, spec *workflow.WorkflowSpec, task string, runContext models.Context, notifyURL string, scheduler models.Scheduler) (*models.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", spec.ID, err)
	}

	run := &models.Run{
		WorkflowID: spec.ID,
		Task:       task,
		Status:     models.RunStatusRunning,
		Context:    runContext.Clone(),
		NotifyURL:  notifyURL,
		Scheduler:  scheduler,
	}

	err := e.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := e.Store.CreateRunInTx(ctx, tx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}

		steps := make([]*models.Step, len(spec.Steps))
		for i, stepSpec := range spec.Steps {
			status := models.StepStatusWaiting
			if i == 0 {
				status = models.StepStatusPending
			}
			var loopConfig *models.LoopConfig
			if stepSpec.LoopConfig != nil {
				loopConfig = &models.LoopConfig{
					VerifyEach: stepSpec.LoopConfig.VerifyEach,
					VerifyStep: stepSpec.LoopConfig.VerifyStep,
				}
			}
			steps[i] = &models.Step{
				RunID:         run.ID,
				StepID:        stepSpec.StepID,
				AgentID:       stepSpec.AgentID,
				StepIndex:     i,
				InputTemplate: stepSpec.InputTemplate,
				Expects:       stepSpec.Expects,
				Type:          stepSpec.Type,
				LoopConfig:    loopConfig,
				MaxRetries:    stepSpec.MaxRetries,
				Status:        status,
			}
		}
		if err := e.Store.CreateSteps(ctx, tx, steps); err != nil {
			return fmt.Errorf("create steps: %w", err)
		}

		e.emit(models.Event{Event: models.EventRunStarted, RunID: run.ID, WorkflowID: run.WorkflowID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}
