package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
)

// CancelRun implements the external stop-run operation (spec.md §4.4
// "Cancellation & timeout"): it sets the run cancelled and every
// non-terminal step of that run failed with output "Cancelled by user".
// In-flight workers are not signalled — there is no back-channel — but
// their eventual completion callbacks will find the run terminal and
// become no-ops (spec.md §7 terminal run guard). A run already terminal
// makes this a silent no-op.
func (e *Engine) CancelRun(ctx context.Context, runID string) (bool, error) {
	cancelled := false
	err := e.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		run, err := e.Store.GetRunInTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		steps, err := e.Store.StepsByRun(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			if step.Status == models.StepStatusDone || step.Status == models.StepStatusFailed {
				continue
			}
			if err := e.Store.UpdateStepStatus(ctx, tx, step.ID, models.StepStatusFailed); err != nil {
				return fmt.Errorf("fail step %s: %w", step.StepID, err)
			}
			if err := e.Store.SetStepOutput(ctx, tx, step.ID, "Cancelled by user"); err != nil {
				return fmt.Errorf("set step %s output: %w", step.StepID, err)
			}
		}

		if err := e.Store.UpdateRunStatus(ctx, tx, run.ID, models.RunStatusCancelled); err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}
