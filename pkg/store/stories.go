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

const storyColumns = `id, run_id, story_index, story_id, title, description, acceptance_criteria,
	status, output, retry_count, max_retries, created_at, updated_at`

// CreateStories ingests a validated STORIES_JSON payload into the stories
// table for a run's loop step, assigning each a story_index in array order
// (spec.md §3, §4.4). Callers must have already run
// models.ValidateStoryPayloads.
func (s *Store) CreateStories(ctx context.Context, tx pgx.Tx, runID string, payloads []models.StoryPayload) ([]*models.Story, error) {
	out := make([]*models.Story, 0, len(payloads))
	for i, p := range payloads {
		story := &models.Story{
			ID:                 uuid.NewString(),
			RunID:              runID,
			StoryIndex:         i,
			StoryID:            p.ID,
			Title:              p.Title,
			Description:        p.Description,
			AcceptanceCriteria: p.Criteria(),
			Status:             models.StoryStatusPending,
			MaxRetries:         models.DefaultStoryMaxRetries,
		}
		criteriaJSON, err := json.Marshal(story.AcceptanceCriteria)
		if err != nil {
			return nil, fmt.Errorf("marshal acceptance criteria: %w", err)
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO stories (id, run_id, story_index, story_id, title, description,
				acceptance_criteria, status, max_retries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at
		`, story.ID, story.RunID, story.StoryIndex, story.StoryID, story.Title, story.Description,
			criteriaJSON, story.Status, story.MaxRetries)
		if err := row.Scan(&story.CreatedAt, &story.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert story %s: %w", story.StoryID, err)
		}
		out = append(out, story)
	}
	return out, nil
}

func scanStory(row pgx.Row) (*models.Story, error) {
	var story models.Story
	var criteriaJSON []byte
	if err := row.Scan(&story.ID, &story.RunID, &story.StoryIndex, &story.StoryID, &story.Title,
		&story.Description, &criteriaJSON, &story.Status, &story.Output, &story.RetryCount,
		&story.MaxRetries, &story.CreatedAt, &story.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan story: %w", err)
	}
	if len(criteriaJSON) > 0 {
		if err := json.Unmarshal(criteriaJSON, &story.AcceptanceCriteria); err != nil {
			return nil, fmt.Errorf("unmarshal acceptance criteria: %w", err)
		}
	}
	return &story, nil
}

// StoriesByRun returns every story of a run ordered by story_index.
func (s *Store) StoriesByRun(ctx context.Context, runID string) ([]*models.Story, error) {
	return s.storiesByRun(ctx, s.pool, runID)
}

// StoriesByRunInTx is StoriesByRun scoped to tx. Callers reading a run's
// stories after writing one of them earlier in the same transaction must
// use this, not StoriesByRun — a pool-routed read runs on a different
// connection and will not see the open transaction's uncommitted write.
func (s *Store) StoriesByRunInTx(ctx context.Context, tx pgx.Tx, runID string) ([]*models.Story, error) {
	return s.storiesByRun(ctx, tx, runID)
}

func (s *Store) storiesByRun(ctx context.Context, q dbtx, runID string) ([]*models.Story, error) {
	rows, err := q.Query(ctx, `SELECT `+storyColumns+` FROM stories WHERE run_id = $1 ORDER BY story_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stories by run: %w", err)
	}
	defer rows.Close()

	var out []*models.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, story)
	}
	return out, rows.Err()
}

// ClaimNextPendingStory atomically claims the lowest-index pending story
// of a run, using FOR UPDATE SKIP LOCKED for the same reason
// ClaimNextPendingStep does (spec.md §4.4).
func (s *Store) ClaimNextPendingStory(ctx context.Context, tx pgx.Tx, runID string) (*models.Story, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE run_id = $1 AND status = $2
		ORDER BY story_index
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, runID, models.StoryStatusPending)
	story, err := scanStory(row)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `UPDATE stories SET status = $2, updated_at = now() WHERE id = $1`,
		story.ID, models.StoryStatusClaiming)
	if err != nil {
		return nil, fmt.Errorf("mark story claiming: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	story.Status = models.StoryStatusClaiming
	return story, nil
}

// UpdateStoryStatus sets a story's status.
func (s *Store) UpdateStoryStatus(ctx context.Context, tx pgx.Tx, id string, status models.StoryStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE stories SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update story status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteStory marks a story done and stores its output.
func (s *Store) CompleteStory(ctx context.Context, tx pgx.Tx, id, output string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE stories SET status = $2, output = $3, updated_at = now() WHERE id = $1
	`, id, models.StoryStatusDone, output)
	if err != nil {
		return fmt.Errorf("complete story: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementStoryRetry bumps a story's retry_count, reverting it to pending
// so it is re-claimed, and returns the new count.
func (s *Store) IncrementStoryRetry(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	var retryCount int
	row := tx.QueryRow(ctx, `
		UPDATE stories SET retry_count = retry_count + 1, status = $2, updated_at = now()
		WHERE id = $1 RETURNING retry_count
	`, id, models.StoryStatusPending)
	if err := row.Scan(&retryCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment story retry: %w", err)
	}
	return retryCount, nil
}

// GetStoryInTx fetches a story by id using an existing transaction handle.
func (s *Store) GetStoryInTx(ctx context.Context, tx pgx.Tx, id string) (*models.Story, error) {
	row := tx.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id)
	return scanStory(row)
}

// MostRecentlyDoneStory returns the most recently updated story with
// status=done in a run, used by verify-each's retry branch to find the
// story a failed verification refers to (spec.md §4.4 Verify-each
// completion).
func (s *Store) MostRecentlyDoneStory(ctx context.Context, tx pgx.Tx, runID string) (*models.Story, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE run_id = $1 AND status = $2
		ORDER BY updated_at DESC LIMIT 1
	`, runID, models.StoryStatusDone)
	return scanStory(row)
}

// CountStoriesByStatus tallies a run's stories by status, used to decide
// whether a loop step's stories are all resolved (spec.md §4.4).
func (s *Store) CountStoriesByStatus(ctx context.Context, tx pgx.Tx, runID string) (map[models.StoryStatus]int, error) {
	rows, err := tx.Query(ctx, `SELECT status, count(*) FROM stories WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("count stories by status: %w", err)
	}
	defer rows.Close()

	out := make(map[models.StoryStatus]int)
	for rows.Next() {
		var status models.StoryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan story status count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// StoriesByStatus lists every story in a given status across all runs,
// used by the Recovery Sweeper's abandoned-story pass.
func (s *Store) StoriesByStatus(ctx context.Context, status models.StoryStatus) ([]*models.Story, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+storyColumns+` FROM stories WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("list stories by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, story)
	}
	return out, rows.Err()
}
