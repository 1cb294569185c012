// Package sweeper implements the Recovery Sweeper: periodic scans that
// reclaim abandoned work the Spawner or an external worker never reported
// back on, and that nudge stuck pipelines forward (spec.md §4.5).
package sweeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/events"
	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/pipeline"
	"github.com/vardasoft/antfarm/pkg/store"
	"github.com/vardasoft/antfarm/pkg/workflow"
)

// MinInterval throttles the abandoned-work/stuck-pipeline sweep to at
// most once every 5 minutes, regardless of how many callers (the Daemon's
// own ticker, or an inline call from claimStep) request it in that window
// (spec.md §4.5).
const MinInterval = 5 * time.Minute

// ClaimingTimeout is how long a step or story may sit in claiming before
// the separate claiming-sweep reverts it (spec.md §4.5 pass 4, §4.4
// Spawn-handshake lifecycle).
const ClaimingTimeout = 5 * time.Minute

// AbandonmentCap is the number of abandonments a single step tolerates
// before it is failed outright — more lenient than retry_count because
// process death is not the agent's fault (spec.md §4.5 pass 1, §7).
const AbandonmentCap = 5

// SessionGCAge is the age past which an ActiveSession row is garbage
// collected regardless of staleness-by-timeout (spec.md §4.5: "garbage
// collects ActiveSession rows older than 1 hour").
const SessionGCAge = time.Hour

// Sweeper scans persistent state for abandoned work and stuck pipelines.
type Sweeper struct {
	Store   *store.Store
	Engine  *pipeline.Engine
	Journal *events.Journal
	Cache   *workflow.Cache

	lastRun atomic.Int64 // unix nanoseconds of the last completed Sweep
}

// New wires a Sweeper from its dependencies.
func New(st *store.Store, engine *pipeline.Engine, journal *events.Journal, cache *workflow.Cache) *Sweeper {
	return &Sweeper{Store: st, Engine: engine, Journal: journal, Cache: cache}
}

func (s *Sweeper) emit(evt models.Event) {
	if s.Journal == nil {
		return
	}
	evt.TS = time.Now().UTC()
	s.Journal.Append(evt)
}

// Sweep runs passes 1–3 (abandoned steps, abandoned stories, stuck
// pipelines), throttled to MinInterval across all callers. Returns
// immediately, without error, if the throttle window has not elapsed.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now()
	last := s.lastRun.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < MinInterval {
		return nil
	}
	// Claim the slot optimistically; a lost race just means two sweeps
	// ran back-to-back, which is harmless (every pass is idempotent).
	s.lastRun.Store(now.UnixNano())

	if err := s.sweepAbandonedSteps(ctx); err != nil {
		return err
	}
	if err := s.sweepAbandonedStories(ctx); err != nil {
		return err
	}
	if err := s.sweepStuckPipelines(ctx); err != nil {
		return err
	}
	return nil
}

// timeoutFor resolves the agent timeout governing a step's abandonment
// threshold, falling back to workflow.DefaultAgentTimeout when the
// workflow or agent can no longer be resolved (e.g. the spec file was
// removed after the run started).
func (s *Sweeper) timeoutFor(runWorkflowID, agentID string) time.Duration {
	spec, err := s.Cache.Get(runWorkflowID)
	if err != nil {
		return workflow.DefaultAgentTimeout
	}
	agent, ok := spec.AgentByID(agentID)
	if !ok {
		return workflow.DefaultAgentTimeout
	}
	return agent.Timeout()
}

// sweepAbandonedSteps implements spec.md §4.5 pass 1.
func (s *Sweeper) sweepAbandonedSteps(ctx context.Context) error {
	steps, err := s.Store.StepsByStatus(ctx, models.StepStatusRunning)
	if err != nil {
		return err
	}

	for _, step := range steps {
		run, err := s.Store.GetRun(ctx, step.RunID)
		if err != nil || run.Status.Terminal() {
			continue
		}

		threshold := s.timeoutFor(run.WorkflowID, step.AgentID) + 5*time.Minute
		if time.Since(step.UpdatedAt) < threshold {
			continue
		}

		if step.IsLoop() {
			if err := s.sweepAbandonedLoopStep(ctx, run, step); err != nil {
				slog.Error("sweeper: abandoned loop step", "step_id", step.StepID, "run_id", run.ID, "error", err)
			}
			continue
		}

		if err := s.sweepAbandonedSingleStep(ctx, run, step); err != nil {
			slog.Error("sweeper: abandoned step", "step_id", step.StepID, "run_id", run.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepAbandonedLoopStep(ctx context.Context, run *models.Run, step *models.Step) error {
	if step.CurrentStoryID == nil {
		// A loop step with no active story and no running verify pass
		// is idle between stories, not abandoned — nothing to reclaim
		// (spec.md §4.5 pass 1: "skip, the loop is waiting for
		// verification" generalizes to "skip, there is no in-flight
		// work to abandon").
		return nil
	}

	return s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		story, err := s.Store.GetStoryInTx(ctx, tx, *step.CurrentStoryID)
		if err != nil {
			return err
		}

		retryCount, err := s.Store.IncrementStoryRetry(ctx, tx, story.ID)
		if err != nil {
			return err
		}
		if retryCount > story.MaxRetries {
			if err := s.Store.UpdateStoryStatus(ctx, tx, story.ID, models.StoryStatusFailed); err != nil {
				return err
			}
			s.emit(models.Event{Event: models.EventStoryFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
				StepID: step.StepID, StoryID: story.StoryID, StoryTitle: story.Title, Detail: "abandoned"})
			_, err := s.Engine.FailRun(ctx, tx, run, step, "story "+story.StoryID+" abandoned past retry budget")
			return err
		}

		if err := s.Store.SetStepCurrentStory(ctx, tx, step.ID, nil); err != nil {
			return err
		}
		if err := s.Store.UpdateStepStatus(ctx, tx, step.ID, models.StepStatusPending); err != nil {
			return err
		}
		s.emit(models.Event{Event: models.EventStoryRollback, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: step.StepID, StoryID: story.StoryID, StoryTitle: story.Title, Detail: "abandoned"})
		return nil
	})
}

func (s *Sweeper) sweepAbandonedSingleStep(ctx context.Context, run *models.Run, step *models.Step) error {
	return s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		abandonedCount, err := s.Store.IncrementStepAbandoned(ctx, tx, step.ID)
		if err != nil {
			return err
		}
		if abandonedCount > AbandonmentCap {
			_, err := s.Engine.FailRun(ctx, tx, run, step, "step abandoned past retry budget")
			return err
		}
		s.emit(models.Event{Event: models.EventStepRollback, RunID: run.ID, WorkflowID: run.WorkflowID,
			StepID: step.StepID, AgentID: step.AgentID, Detail: "abandoned"})
		return nil
	})
}

// sweepAbandonedStories implements spec.md §4.5 pass 2: a running story
// with no owning step is simply reset, no retry accounting involved.
func (s *Sweeper) sweepAbandonedStories(ctx context.Context) error {
	stories, err := s.Store.StoriesByStatus(ctx, models.StoryStatusRunning)
	if err != nil {
		return err
	}

	for _, story := range stories {
		steps, err := s.Store.StepsByRun(ctx, story.RunID)
		if err != nil {
			slog.Error("sweeper: load steps for abandoned story check", "run_id", story.RunID, "error", err)
			continue
		}
		if ownedBy(steps, story.ID) {
			continue
		}

		err = s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
			return s.Store.UpdateStoryStatus(ctx, tx, story.ID, models.StoryStatusPending)
		})
		if err != nil {
			slog.Error("sweeper: reset abandoned story", "story_id", story.StoryID, "run_id", story.RunID, "error", err)
			continue
		}
		s.emit(models.Event{Event: models.EventStoryRollback, RunID: story.RunID,
			StoryID: story.StoryID, StoryTitle: story.Title, Detail: "abandoned, no owning step"})
	}
	return nil
}

// sweepStuckPipelines implements spec.md §4.5 pass 3: a run whose loop
// step is done but which never advanced past it (because advancePipeline
// was never re-invoked after the loop's own transaction) gets nudged.
func (s *Sweeper) sweepStuckPipelines(ctx context.Context) error {
	runs, err := s.Store.ListActiveRuns(ctx, "")
	if err != nil {
		return err
	}

	for _, run := range runs {
		steps, err := s.Store.StepsByRun(ctx, run.ID)
		if err != nil {
			slog.Error("sweeper: load steps for stuck-pipeline check", "run_id", run.ID, "error", err)
			continue
		}
		if !stuck(steps) {
			continue
		}
		if _, err := s.Engine.AdvancePipeline(ctx, run.ID); err != nil {
			slog.Error("sweeper: advance stuck pipeline", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// stuck reports whether steps contains a done loop step with at least one
// waiting step behind it and nothing pending/running ahead to explain the
// stall.
func stuck(steps []*models.Step) bool {
	sawDoneLoop := false
	for _, step := range steps {
		if step.IsLoop() && step.Status == models.StepStatusDone {
			sawDoneLoop = true
			continue
		}
		if sawDoneLoop {
			switch step.Status {
			case models.StepStatusPending, models.StepStatusClaiming, models.StepStatusRunning:
				return false
			case models.StepStatusWaiting:
				return true
			}
		}
	}
	return false
}

// SweepClaiming implements spec.md §4.5 pass 4: steps or stories stuck in
// claiming for more than ClaimingTimeout are reverted to pending, their
// retry counter incremented, and a rollback event emitted. Invoked on its
// own 2-minute cadence by the Daemon, independent of Sweep's 5-minute
// throttle.
func (s *Sweeper) SweepClaiming(ctx context.Context) error {
	if err := s.sweepClaimingSteps(ctx); err != nil {
		return err
	}
	return s.sweepClaimingStories(ctx)
}

func (s *Sweeper) sweepClaimingSteps(ctx context.Context) error {
	steps, err := s.Store.StepsByStatus(ctx, models.StepStatusClaiming)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if time.Since(step.UpdatedAt) < ClaimingTimeout {
			continue
		}
		err := s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
			_, err := s.Store.IncrementStepRetry(ctx, tx, step.ID)
			return err
		})
		if err != nil {
			slog.Error("sweeper: revert stuck claiming step", "step_id", step.StepID, "error", err)
			continue
		}
		s.emit(models.Event{Event: models.EventStepRollback, RunID: step.RunID, StepID: step.StepID,
			AgentID: step.AgentID, Detail: "reverted from stuck claiming"})
	}
	return nil
}

func (s *Sweeper) sweepClaimingStories(ctx context.Context) error {
	stories, err := s.Store.StoriesByStatus(ctx, models.StoryStatusClaiming)
	if err != nil {
		return err
	}
	for _, story := range stories {
		if time.Since(story.UpdatedAt) < ClaimingTimeout {
			continue
		}
		err := s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
			_, err := s.Store.IncrementStoryRetry(ctx, tx, story.ID)
			return err
		})
		if err != nil {
			slog.Error("sweeper: revert stuck claiming story", "story_id", story.StoryID, "error", err)
			continue
		}
		s.emit(models.Event{Event: models.EventStoryRollback, RunID: story.RunID, StoryID: story.StoryID,
			StoryTitle: story.Title, Detail: "reverted from stuck claiming"})
	}
	return nil
}

// SweepSessions garbage-collects ActiveSession rows that are stale
// (>15 min) or past SessionGCAge, and any whose run has already ended
// (spec.md §4.5, §3 ActiveSession, §4.7's 10-minute GC tick).
func (s *Sweeper) SweepSessions(ctx context.Context) error {
	stale, err := s.Store.StaleSessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range stale {
		err := s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
			return s.Store.UnregisterSession(ctx, tx, session.Key())
		})
		if err != nil {
			slog.Error("sweeper: gc stale session", "session_id", session.SessionID, "error", err)
		}
	}

	purged, err := s.Store.PurgeSessionsForEndedRuns(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		slog.Info("sweeper: purged sessions for ended runs", "count", purged)
	}
	return nil
}

func ownedBy(steps []*models.Step, storyID string) bool {
	for _, s := range steps {
		if s.CurrentStoryID != nil && *s.CurrentStoryID == storyID {
			return true
		}
	}
	return false
}
