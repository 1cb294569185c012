package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
)

// CreateSteps inserts the given steps for a run in a single batch, used
// when a run is first materialized from its workflow spec. The first step
// is created pending; the rest start waiting (spec.md §4.4 invariant:
// at most one step per run is pending, claiming or running at any time).
func (s *Store) CreateSteps(ctx context.Context, tx pgx.Tx, steps []*models.Step) error {
	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		var loopJSON []byte
		if step.LoopConfig != nil {
			var err error
			loopJSON, err = json.Marshal(step.LoopConfig)
			if err != nil {
				return fmt.Errorf("marshal loop config: %w", err)
			}
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO steps (id, run_id, step_id, agent_id, step_index, input_template, expects,
				type, loop_config, max_retries, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at, updated_at
		`, step.ID, step.RunID, step.StepID, step.AgentID, step.StepIndex, step.InputTemplate, step.Expects,
			step.Type, loopJSON, step.MaxRetries, step.Status)
		if err := row.Scan(&step.CreatedAt, &step.UpdatedAt); err != nil {
			return fmt.Errorf("insert step %s: %w", step.StepID, err)
		}
	}
	return nil
}

func scanStep(row pgx.Row) (*models.Step, error) {
	var step models.Step
	var loopJSON []byte
	if err := row.Scan(&step.ID, &step.RunID, &step.StepID, &step.AgentID, &step.StepIndex,
		&step.InputTemplate, &step.Expects, &step.Type, &loopJSON, &step.MaxRetries, &step.RetryCount,
		&step.AbandonedCount, &step.Status, &step.CurrentStoryID, &step.Output, &step.CreatedAt, &step.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if len(loopJSON) > 0 {
		step.LoopConfig = &models.LoopConfig{}
		if err := json.Unmarshal(loopJSON, step.LoopConfig); err != nil {
			return nil, fmt.Errorf("unmarshal loop config: %w", err)
		}
	}
	return &step, nil
}

const stepColumns = `id, run_id, step_id, agent_id, step_index, input_template, expects, type,
	loop_config, max_retries, retry_count, abandoned_count, status, current_story_id, output,
	created_at, updated_at`

// GetStep fetches a single step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*models.Step, error) {
	return s.getStep(ctx, s.pool, id)
}

// GetStepInTx is GetStep scoped to tx, for callers that must see writes
// the same transaction already made (spec.md §4.4: every multi-row
// mutation of a run's steps runs inside one transaction, and reads
// interleaved with those writes must see them).
func (s *Store) GetStepInTx(ctx context.Context, tx pgx.Tx, id string) (*models.Step, error) {
	return s.getStep(ctx, tx, id)
}

func (s *Store) getStep(ctx context.Context, q dbtx, id string) (*models.Step, error) {
	row := q.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1`, id)
	return scanStep(row)
}

// StepsByRun returns every step of a run, ordered by step_index.
func (s *Store) StepsByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	return s.stepsByRun(ctx, s.pool, runID)
}

// StepsByRunInTx is StepsByRun scoped to tx. The Pipeline Engine must use
// this, not StepsByRun, whenever it reads a run's steps after writing to
// one of them earlier in the same transaction — a pool-routed read runs on
// a different connection and will not see the open transaction's
// uncommitted write.
func (s *Store) StepsByRunInTx(ctx context.Context, tx pgx.Tx, runID string) ([]*models.Step, error) {
	return s.stepsByRun(ctx, tx, runID)
}

func (s *Store) stepsByRun(ctx context.Context, q dbtx, runID string) ([]*models.Step, error) {
	rows, err := q.Query(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps by run: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// ClaimNextPendingStep atomically claims one pending step for the given
// agent, locking the row with FOR UPDATE SKIP LOCKED so concurrent
// Spawner sweeps never double-claim the same step (spec.md §4.3, §4.6).
// It returns ErrNotFound when no claimable step exists.
func (s *Store) ClaimNextPendingStep(ctx context.Context, tx pgx.Tx, agentID string) (*models.Step, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE agent_id = $1 AND status = $2
		AND run_id IN (SELECT id FROM runs WHERE status NOT IN ($3, $4))
		ORDER BY step_index
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, agentID, models.StepStatusPending, models.RunStatusFailed, models.RunStatusCancelled)
	step, err := scanStep(row)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `UPDATE steps SET status = $2, updated_at = now() WHERE id = $1`,
		step.ID, models.StepStatusClaiming)
	if err != nil {
		return nil, fmt.Errorf("mark step claiming: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	step.Status = models.StepStatusClaiming
	return step, nil
}

// UpdateStepStatus sets a step's status.
func (s *Store) UpdateStepStatus(ctx context.Context, tx pgx.Tx, id string, status models.StepStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE steps SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteStep marks a step done and records its output.
func (s *Store) CompleteStep(ctx context.Context, tx pgx.Tx, id, output string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE steps SET status = $2, output = $3, current_story_id = NULL, updated_at = now() WHERE id = $1
	`, id, models.StepStatusDone, output)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementStepRetry bumps a step's retry_count and returns the new value,
// used when a step fails and has budget remaining to retry in place.
func (s *Store) IncrementStepRetry(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	var retryCount int
	row := tx.QueryRow(ctx, `
		UPDATE steps SET retry_count = retry_count + 1, status = $2, updated_at = now()
		WHERE id = $1 RETURNING retry_count
	`, id, models.StepStatusPending)
	if err := row.Scan(&retryCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment step retry: %w", err)
	}
	return retryCount, nil
}

// IncrementStepAbandoned bumps a step's abandoned_count, used by the
// Recovery Sweeper when a claimed/running step's session goes stale
// without an explicit failure (spec.md §4.5).
func (s *Store) IncrementStepAbandoned(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	var abandonedCount int
	row := tx.QueryRow(ctx, `
		UPDATE steps SET abandoned_count = abandoned_count + 1, status = $2, updated_at = now()
		WHERE id = $1 RETURNING abandoned_count
	`, id, models.StepStatusPending)
	if err := row.Scan(&abandonedCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment step abandoned: %w", err)
	}
	return abandonedCount, nil
}

// SetStepOutput overwrites a step's stored output without touching its
// status, used each time a loop step's running story reports its output
// (spec.md §4.4 step 4: "save the output on the step").
func (s *Store) SetStepOutput(ctx context.Context, tx pgx.Tx, id, output string) error {
	tag, err := tx.Exec(ctx, `UPDATE steps SET output = $2, updated_at = now() WHERE id = $1`, id, output)
	if err != nil {
		return fmt.Errorf("set step output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStepCurrentStory sets the story a loop step is currently iterating on.
func (s *Store) SetStepCurrentStory(ctx context.Context, tx pgx.Tx, stepID string, storyID *string) error {
	tag, err := tx.Exec(ctx, `UPDATE steps SET current_story_id = $2, updated_at = now() WHERE id = $1`, stepID, storyID)
	if err != nil {
		return fmt.Errorf("set step current story: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StepsByStatus lists every step in a given status, used by the Recovery
// Sweeper's abandoned-step pass.
func (s *Store) StepsByStatus(ctx context.Context, status models.StepStatus) ([]*models.Step, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM steps WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("list steps by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// StepsByAgentStatus lists every step owned by agentID in a given status,
// used by the Spawner to find a loop step it might claim a story from.
func (s *Store) StepsByAgentStatus(ctx context.Context, agentID string, status models.StepStatus) ([]*models.Step, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM steps WHERE agent_id = $1 AND status = $2`, agentID, status)
	if err != nil {
		return nil, fmt.Errorf("list steps by agent and status: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// NextWaitingStep returns the step immediately following the given index
// in the same run, or ErrNotFound if the run has no further steps.
func (s *Store) NextWaitingStep(ctx context.Context, tx pgx.Tx, runID string, afterIndex int) (*models.Step, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE run_id = $1 AND step_index > $2
		ORDER BY step_index LIMIT 1
	`, runID, afterIndex)
	return scanStep(row)
}
