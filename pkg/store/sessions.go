package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/models"
)

const sessionColumns = `agent_id, step_id, story_id, run_id, spawned_at, spawned_by, session_id`

// RegisterSession records that a worker has been spawned for the given
// agent/step (optionally story-scoped), using the same composite,
// null-normalized key for both story- and non-story-scoped sessions
// (spec.md §3, §9). An existing row for the same key is replaced, which
// happens when the same agent/step/story is spawned again; each story of a
// loop step gets its own row.
func (s *Store) RegisterSession(ctx context.Context, tx pgx.Tx, session *models.ActiveSession) error {
	if session.SpawnedAt.IsZero() {
		session.SpawnedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO active_sessions (agent_id, step_id, story_id, run_id, spawned_at, spawned_by, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id, step_id, story_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			spawned_at = EXCLUDED.spawned_at,
			spawned_by = EXCLUDED.spawned_by,
			session_id = EXCLUDED.session_id
	`, session.AgentID, session.StepID, session.StoryID, session.RunID, session.SpawnedAt,
		session.SpawnedBy, session.SessionID)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// UnregisterSession removes a session row. Its caller is the Recovery
// Sweeper's session GC (SweepSessions).
func (s *Store) UnregisterSession(ctx context.Context, tx pgx.Tx, key models.SessionKey) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM active_sessions WHERE agent_id = $1 AND step_id = $2 AND story_id = $3
	`, key.AgentID, key.StepID, key.StoryID)
	if err != nil {
		return fmt.Errorf("unregister session: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*models.ActiveSession, error) {
	var session models.ActiveSession
	var spawnedBy string
	if err := row.Scan(&session.AgentID, &session.StepID, &session.StoryID, &session.RunID,
		&session.SpawnedAt, &spawnedBy, &session.SessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.SpawnedBy = models.SpawnedBy(spawnedBy)
	return &session, nil
}

// SessionsByRun returns every active session tracking work in a run.
// CancelRun does not consult it; cancellation leaves session rows to the
// session GC.
func (s *Store) SessionsByRun(ctx context.Context, runID string) ([]*models.ActiveSession, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM active_sessions WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by run: %w", err)
	}
	defer rows.Close()

	var out []*models.ActiveSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// StaleSessions returns every session older than models.StaleAfter, used
// by the 10-minute session GC pass (SweepSessions) to delete stale rows.
func (s *Store) StaleSessions(ctx context.Context) ([]*models.ActiveSession, error) {
	cutoff := time.Now().UTC().Add(-models.StaleAfter)
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM active_sessions WHERE spawned_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.ActiveSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// PurgeSessionsForEndedRuns deletes any active_sessions row whose run is
// already terminal, the 10-minute session GC pass (spec.md §4.7).
func (s *Store) PurgeSessionsForEndedRuns(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM active_sessions
		USING runs
		WHERE active_sessions.run_id = runs.id
		AND runs.status IN ($1, $2, $3)
	`, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("purge sessions for ended runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
