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

// ErrNotFound is returned by single-row lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// CreateRun inserts a new run in the Running status and assigns it an id.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	return s.createRun(ctx, s.pool, run)
}

// CreateRunInTx is CreateRun scoped to tx, so the run row commits (or
// rolls back) together with the steps StartRun creates for it instead of
// landing independently of them.
func (s *Store) CreateRunInTx(ctx context.Context, tx pgx.Tx, run *models.Run) error {
	return s.createRun(ctx, tx, run)
}

func (s *Store) createRun(ctx context.Context, q dbtx, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	ctxJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}

	row := q.QueryRow(ctx, `
		INSERT INTO runs (id, workflow_id, task, status, context, notify_url, scheduler)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING run_number, created_at, updated_at
	`, run.ID, run.WorkflowID, run.Task, run.Status, ctxJSON, run.NotifyURL, run.EffectiveScheduler())

	return row.Scan(&run.RunNumber, &run.CreatedAt, &run.UpdatedAt)
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.getRun(ctx, s.pool, id)
}

func (s *Store) getRun(ctx context.Context, q dbtx, id string) (*models.Run, error) {
	row := q.QueryRow(ctx, `
		SELECT id, run_number, workflow_id, task, status, context, notify_url, scheduler, created_at, updated_at
		FROM runs WHERE id = $1
	`, id)
	return scanRun(row)
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	var ctxJSON []byte
	var scheduler string
	if err := row.Scan(&run.ID, &run.RunNumber, &run.WorkflowID, &run.Task, &run.Status,
		&ctxJSON, &run.NotifyURL, &scheduler, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Scheduler = models.Scheduler(scheduler)
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &run.Context); err != nil {
			return nil, fmt.Errorf("unmarshal run context: %w", err)
		}
	}
	return &run, nil
}

// GetRunInTx fetches a run by id using an existing transaction handle, so
// callers observe their own uncommitted writes.
func (s *Store) GetRunInTx(ctx context.Context, tx pgx.Tx, id string) (*models.Run, error) {
	return s.getRun(ctx, tx, id)
}

// UpdateRunStatus transitions a run to a new terminal or non-terminal
// status within an existing transaction.
func (s *Store) UpdateRunStatus(ctx context.Context, tx pgx.Tx, id string, status models.RunStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE runs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunContext replaces the run's persisted context with merged.
func (s *Store) UpdateRunContext(ctx context.Context, tx pgx.Tx, id string, merged models.Context) error {
	ctxJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE runs SET context = $2, updated_at = now() WHERE id = $1`, id, ctxJSON)
	if err != nil {
		return fmt.Errorf("update run context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveRuns returns every run not yet in a terminal status, optionally
// filtered to a scheduler (daemon vs cron), used by the Daemon Loop to find
// work and the Sweeper to scan for stuck pipelines.
func (s *Store) ListActiveRuns(ctx context.Context, scheduler models.Scheduler) ([]*models.Run, error) {
	var rows pgx.Rows
	var err error
	if scheduler == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, run_number, workflow_id, task, status, context, notify_url, scheduler, created_at, updated_at
			FROM runs WHERE status = $1
		`, models.RunStatusRunning)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, run_number, workflow_id, task, status, context, notify_url, scheduler, created_at, updated_at
			FROM runs WHERE status = $1 AND scheduler = $2
		`, models.RunStatusRunning, scheduler)
	}
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
