// Package pipeline implements the run/step/story scheduler and state
// machine: claiming work for agents, ingesting worker output, driving
// loop-step story iteration with optional per-story verification, and
// advancing a run's steps to completion (spec.md §4.4).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/events"
	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/store"
)

// AbandonedWorkSweeper is the Recovery Sweeper's abandoned-work/stuck-
// pipeline pass, as ClaimStep needs to see it (spec.md §4.5: the sweep is
// "invoked both periodically by the Daemon and inline on each claimStep").
// Declared here rather than satisfied by an import of pkg/sweeper: that
// package already depends on *Engine to drive failRun/AdvancePipeline, so
// Engine importing it back would cycle. *sweeper.Sweeper satisfies this
// interface structurally; Sweep itself throttles to MinInterval, so the
// inline call below costs nothing beyond that window.
type AbandonedWorkSweeper interface {
	Sweep(ctx context.Context) error
}

// Engine is the sole writer of run/step/story status (spec.md §3). All of
// its public operations run inside a single Store transaction.
type Engine struct {
	Store       *store.Store
	Journal     *events.Journal
	ProgressDir string

	// Sweeper, when set, is invoked inline at the start of ClaimStep. Left
	// nil in tests that exercise the Engine standalone; the Daemon wires it
	// in after both the Engine and the Sweeper exist.
	Sweeper AbandonedWorkSweeper
}

// NewEngine wires an Engine from its dependencies.
func NewEngine(st *store.Store, journal *events.Journal, progressDir string) *Engine {
	return &Engine{Store: st, Journal: journal, ProgressDir: progressDir}
}

// ClaimResult is the resolved unit of work returned by claimStep and
// claimStory: a step (and, for loop steps, the story it now owns) plus
// the fully interpolated input ready to hand a worker.
type ClaimResult struct {
	Step  *models.Step
	Story *models.Story // non-nil only when claiming a story
	Input string
}

// AdvanceResult reports the outcome of an operation that may advance a
// run's pipeline or bring it to a terminal state.
type AdvanceResult struct {
	Advanced     bool
	RunCompleted bool
}

// FailResult reports the outcome of failStep.
type FailResult struct {
	Retrying  bool
	RunFailed bool
}

func (e *Engine) emit(evt models.Event) {
	if e.Journal == nil {
		return
	}
	evt.TS = time.Now().UTC()
	e.Journal.Append(evt)
}

// ClaimStep atomically reserves the next pending step owned by agentID,
// loop steps included, and returns its resolved input. Claiming a loop step
// only enters the loop; its stories are claimed through ClaimStory.
// Returns (nil, nil) when there is
// no claimable work — never an error for that case (spec.md §4.4).
func (e *Engine) ClaimStep(ctx context.Context, agentID string) (*ClaimResult, error) {
	if e.Sweeper != nil {
		if err := e.Sweeper.Sweep(ctx); err != nil {
			slog.Error("pipeline: inline sweep before claim", "agent_id", agentID, "error", err)
		}
	}

	var result *ClaimResult
	err := e.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		step, err := e.Store.ClaimNextPendingStep(ctx, tx, agentID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}

		run, err := e.Store.GetRunInTx(ctx, tx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			// Observed terminal mid-transaction: treat as no work: the
			// outer transaction commits the claim anyway unless we
			// explicitly revert it, so roll the step back here.
			if err := e.Store.UpdateStepStatus(ctx, tx, step.ID, models.StepStatusPending); err != nil {
				return err
			}
			return nil
		}

		input, err := e.resolveInput(ctx, tx, run, step)
		if err != nil {
			return err
		}

		e.emit(models.Event{Event: models.EventStepClaimed, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: step.StepID, AgentID: agentID})

		result = &ClaimResult{Step: step, Input: input}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveInput interpolates a step's input_template against the run's
// context, augmented per spec.md §4.4.
func (e *Engine) resolveInput(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step) (string, error) {
	counts, err := e.Store.CountStoriesByStatus(ctx, tx, run.ID)
	if err != nil {
		return "", err
	}
	augmented := AugmentContext(run.Context, run.ID, len(counts) > 0, e.ProgressDir)
	return ResolveTemplate(step.InputTemplate, augmented), nil
}

// ClaimStory atomically reserves the next pending story of a loop step and
// materialises story-scoped context (spec.md §4.4 claimStory). Returns
// (nil, nil) when the loop step has no claimable story.
func (e *Engine) ClaimStory(ctx context.Context, agentID, loopStepID string) (*ClaimResult, error) {
	var result *ClaimResult
	err := e.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		step, err := e.Store.GetStep(ctx, loopStepID)
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

		story, err := e.Store.ClaimNextPendingStory(ctx, tx, run.ID)
		if err != nil {
			if err == store.ErrNotFound {
				return e.checkLoopResolution(ctx, tx, run, step)
			}
			return err
		}

		if err := e.Store.SetStepCurrentStory(ctx, tx, step.ID, &story.ID); err != nil {
			return err
		}

		storyCtx, err := e.materializeStoryContext(ctx, tx, run, step, story)
		if err != nil {
			return err
		}
		if err := e.Store.UpdateRunContext(ctx, tx, run.ID, storyCtx); err != nil {
			return err
		}

		input := ResolveTemplate(step.InputTemplate, AugmentContext(storyCtx, run.ID, true, e.ProgressDir))

		e.emit(models.Event{Event: models.EventStoryClaimed, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: step.StepID, AgentID: agentID, StoryID: story.StoryID, StoryTitle: story.Title})

		result = &ClaimResult{Step: step, Story: story, Input: input}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkLoopResolution handles claimStory finding no pending story: if any
// story has failed the loop (and the run) fail; if every story is done the
// loop step completes and advancePipeline runs (spec.md §4.4).
func (e *Engine) checkLoopResolution(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step) error {
	counts, err := e.Store.CountStoriesByStatus(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	if counts[models.StoryStatusFailed] > 0 {
		_, err := e.failRun(ctx, tx, run, step, "one or more stories failed")
		return err
	}
	if counts[models.StoryStatusDone] > 0 &&
		counts[models.StoryStatusPending] == 0 && counts[models.StoryStatusClaiming] == 0 &&
		counts[models.StoryStatusRunning] == 0 && counts[models.StoryStatusFailed] == 0 {
		_, err := e.completeLoopStep(ctx, tx, run, step)
		return err
	}
	return nil
}

// materializeStoryContext builds the context fields a loop step's claimed
// story needs: current_story, current_story_id, current_story_title,
// completed_stories, stories_remaining, progress, and verify_feedback if
// set from a prior retry (spec.md §4.4 claimStory step 4).
func (e *Engine) materializeStoryContext(ctx context.Context, tx pgx.Tx, run *models.Run, step *models.Step, story *models.Story) (models.Context, error) {
	stories, err := e.Store.StoriesByRunInTx(ctx, tx, run.ID)
	if err != nil {
		return nil, err
	}

	out := run.Context.Clone()
	out["current_story"] = story.Description
	out["current_story_id"] = story.StoryID
	out["current_story_title"] = story.Title

	var completed []string
	for _, st := range stories {
		if st.Status == models.StoryStatusDone {
			completed = append(completed, st.StoryID)
		}
	}
	out["completed_stories"] = strings.Join(completed, ", ")

	remaining := 0
	for _, st := range stories {
		if st.Status == models.StoryStatusPending || st.Status == models.StoryStatusClaiming ||
			st.Status == models.StoryStatusRunning || st.ID == story.ID {
			remaining++
		}
	}
	out["stories_remaining"] = fmt.Sprintf("%d", remaining)
	out["progress"] = readProgressFile(e.ProgressDir, run.ID)
	// verify_feedback, when present from a prior retry, is left untouched
	// in out — it was written there by the verify-each retry branch and
	// is only cleared on a non-retry verification.
	return out, nil
}
