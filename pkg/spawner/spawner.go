// Package spawner implements peekAndSpawn: the one operation that bridges
// a claimed unit of work to an external worker process via the Gateway,
// and the sole writer of ActiveSession rows on the success path (spec.md
// §4.6): a claim/execute/register shape split across two short
// transactions bracketing the one long external call.
package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vardasoft/antfarm/pkg/events"
	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/pipeline"
	"github.com/vardasoft/antfarm/pkg/store"
	"github.com/vardasoft/antfarm/pkg/workflow"
)

// completionInstructions is appended to every resolved prompt, telling the
// worker how to report back (spec.md §4.6, §6 worker completion protocol).
const completionInstructions = `

When you are finished, report your result by running:
  antfarmctl step complete <stepId>
piping your output (formatted as KEY: value lines) on standard input. If you
cannot complete the step, run:
  antfarmctl step fail <stepId> "<reason>"
instead.`

// Result reports what peekAndSpawn did.
type Result struct {
	Spawned   bool
	Reason    string // "story_already_claimed" | "no_work", set when !Spawned
	Rollback  bool   // set when the spawn itself failed and work was reverted
	SessionID string
	Error     error
}

// Spawner bridges claimed work to the external Gateway.
type Spawner struct {
	Store   *store.Store
	Engine  *pipeline.Engine
	Gateway *GatewayClient
	Journal *events.Journal
}

// New wires a Spawner from its dependencies.
func New(st *store.Store, engine *pipeline.Engine, gateway *GatewayClient, journal *events.Journal) *Spawner {
	return &Spawner{Store: st, Engine: engine, Gateway: gateway, Journal: journal}
}

func (s *Spawner) emit(evt models.Event) {
	if s.Journal == nil {
		return
	}
	evt.TS = time.Now().UTC()
	s.Journal.Append(evt)
}

// PeekAndSpawn attempts to claim one unit of work for agentID within spec
// and, on success, hands it to the Gateway (spec.md §4.6 steps 1-7).
func (s *Spawner) PeekAndSpawn(ctx context.Context, agentID string, spec *workflow.WorkflowSpec, source models.SpawnedBy) Result {
	claim, err := s.Engine.ClaimStep(ctx, agentID)
	if err != nil {
		return Result{Error: fmt.Errorf("claim step: %w", err)}
	}
	if claim != nil {
		if claim.Step.IsLoop() {
			// A loop step's own claim only enters the loop; the unit of
			// work actually handed to the Gateway is always a story.
			storyClaim, err := s.Engine.ClaimStory(ctx, agentID, claim.Step.ID)
			if err != nil {
				return Result{Error: fmt.Errorf("claim story: %w", err)}
			}
			if storyClaim == nil {
				return Result{Spawned: false, Reason: "no_work"}
			}
			return s.spawnClaimed(ctx, storyClaim, spec, source)
		}
		return s.spawnClaimed(ctx, claim, spec, source)
	}

	loopStep, ready, reason, err := s.findClaimableLoopStep(ctx, agentID)
	if err != nil {
		return Result{Error: fmt.Errorf("find claimable loop step: %w", err)}
	}
	if loopStep == nil {
		return Result{Spawned: false, Reason: "no_work"}
	}
	if !ready {
		return Result{Spawned: false, Reason: reason}
	}

	claim, err = s.Engine.ClaimStory(ctx, agentID, loopStep.ID)
	if err != nil {
		return Result{Error: fmt.Errorf("claim story: %w", err)}
	}
	if claim == nil {
		return Result{Spawned: false, Reason: "no_work"}
	}
	return s.spawnClaimed(ctx, claim, spec, source)
}

// findClaimableLoopStep looks for a running loop step owned by agentID
// whose next story is actually claimable (spec.md §4.6 step 2): every
// earlier step in the run must be done, and — when the loop step already
// owns a story — that story must not itself still be in flight.
func (s *Spawner) findClaimableLoopStep(ctx context.Context, agentID string) (step *models.Step, ready bool, reason string, err error) {
	loopSteps, err := s.Store.StepsByAgentStatus(ctx, agentID, models.StepStatusRunning)
	if err != nil {
		return nil, false, "", err
	}
	for _, candidate := range loopSteps {
		if !candidate.IsLoop() {
			continue
		}

		owned, err := s.storyInFlight(ctx, candidate)
		if err != nil {
			return nil, false, "", err
		}
		if owned {
			return candidate, false, "story_already_claimed", nil
		}

		steps, err := s.Store.StepsByRun(ctx, candidate.RunID)
		if err != nil {
			return nil, false, "", err
		}
		if !earlierStepsDone(steps, candidate) {
			continue
		}
		return candidate, true, "", nil
	}
	return nil, false, "", nil
}

// storyInFlight reports whether step's current_story_id still references a
// running or claiming story.
func (s *Spawner) storyInFlight(ctx context.Context, step *models.Step) (bool, error) {
	if step.CurrentStoryID == nil {
		return false, nil
	}
	stories, err := s.Store.StoriesByRun(ctx, step.RunID)
	if err != nil {
		return false, err
	}
	for _, st := range stories {
		if st.ID == *step.CurrentStoryID {
			return st.Status == models.StoryStatusRunning || st.Status == models.StoryStatusClaiming, nil
		}
	}
	return false, nil
}

func earlierStepsDone(steps []*models.Step, target *models.Step) bool {
	for _, st := range steps {
		if st.StepIndex >= target.StepIndex {
			continue
		}
		if st.Status != models.StepStatusDone {
			return false
		}
	}
	return true
}

// spawnClaimed invokes the Gateway for a claimed step or story and commits
// or rolls back the claim depending on the outcome (spec.md §4.6 steps
// 4-7). The Gateway call itself happens outside any Store transaction.
func (s *Spawner) spawnClaimed(ctx context.Context, claim *pipeline.ClaimResult, spec *workflow.WorkflowSpec, source models.SpawnedBy) Result {
	agent, ok := spec.AgentByID(claim.Step.AgentID)
	if !ok {
		s.rollback(ctx, claim, fmt.Sprintf("agent %q not declared in workflow", claim.Step.AgentID))
		return Result{Rollback: true, Error: fmt.Errorf("agent %q not declared in workflow %s", claim.Step.AgentID, spec.ID)}
	}

	storyPart := "root"
	if claim.Story != nil {
		storyPart = claim.Story.StoryID
	}
	idempotencyKey := fmt.Sprintf("antfarm:%s:%s:%s:%s", claim.Step.RunID, claim.Step.StepID, storyPart, uuid.NewString())
	sessionKey := fmt.Sprintf("agent:%s:workflow:%s:%s", agent.ID, claim.Step.RunID, claim.Step.StepID)

	req := SpawnRequest{
		IdempotencyKey: idempotencyKey,
		AgentID:        fmt.Sprintf("%s_%s", spec.ID, agent.ID),
		SessionKey:     sessionKey,
		Message:        claim.Input + completionInstructions,
		Timeout:        int(agent.Timeout().Seconds()),
		Thinking:       agent.Thinking,
	}

	resp, err := s.Gateway.Spawn(ctx, req)
	if err != nil {
		reason := "spawn failed: " + err.Error()
		s.rollback(ctx, claim, reason)
		return Result{Rollback: true, Error: fmt.Errorf("spawn worker: %w", err)}
	}

	sessionID := s.Gateway.ResolveSessionID(ctx, resp.RunID)
	if err := s.commit(ctx, claim, source, sessionID); err != nil {
		return Result{Error: fmt.Errorf("commit spawn: %w", err)}
	}
	return Result{Spawned: true, SessionID: sessionID}
}

// commit transitions the claimed step (and story, if any) from claiming to
// running, registers an ActiveSession, and emits the running/started event
// (spec.md §4.6 step 6).
func (s *Spawner) commit(ctx context.Context, claim *pipeline.ClaimResult, source models.SpawnedBy, sessionID string) error {
	return s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.Store.UpdateStepStatus(ctx, tx, claim.Step.ID, models.StepStatusRunning); err != nil {
			return err
		}
		if claim.Story != nil {
			if err := s.Store.UpdateStoryStatus(ctx, tx, claim.Story.ID, models.StoryStatusRunning); err != nil {
				return err
			}
		}

		session := &models.ActiveSession{
			AgentID:   claim.Step.AgentID,
			StepID:    claim.Step.StepID,
			StoryID:   storyIDOrEmpty(claim),
			RunID:     claim.Step.RunID,
			SpawnedAt: time.Now().UTC(),
			SpawnedBy: source,
			SessionID: sessionID,
		}
		if err := s.Store.RegisterSession(ctx, tx, session); err != nil {
			return err
		}

		if claim.Story != nil {
			s.emit(models.Event{Event: models.EventStoryStarted, RunID: claim.Step.RunID, StepID: claim.Step.StepID,
				AgentID: claim.Step.AgentID, StoryID: claim.Story.StoryID, StoryTitle: claim.Story.Title, SessionID: sessionID})
		} else {
			s.emit(models.Event{Event: models.EventStepRunning, RunID: claim.Step.RunID, StepID: claim.Step.StepID,
				AgentID: claim.Step.AgentID, SessionID: sessionID})
		}
		return nil
	})
}

// rollback reverts a claim that failed to spawn: the step (or story) goes
// back to pending, and a loop step's current_story_id is cleared only if it
// still points at the story that failed to spawn (spec.md §4.6 step 7). A
// loop step that was already running before this story was claimed (i.e.
// this was not its first entry via claimStep) stays running — only the
// story itself reverts.
func (s *Spawner) rollback(ctx context.Context, claim *pipeline.ClaimResult, reason string) {
	err := s.Store.WithTransaction(ctx, func(tx pgx.Tx) error {
		if claim.Story != nil {
			step, err := s.Store.GetStep(ctx, claim.Step.ID)
			if err != nil {
				return err
			}
			if step.CurrentStoryID != nil && *step.CurrentStoryID == claim.Story.ID {
				if err := s.Store.SetStepCurrentStory(ctx, tx, claim.Step.ID, nil); err != nil {
					return err
				}
			}
			if err := s.Store.UpdateStoryStatus(ctx, tx, claim.Story.ID, models.StoryStatusPending); err != nil {
				return err
			}
			if step.Status == models.StepStatusClaiming {
				return s.Store.UpdateStepStatus(ctx, tx, claim.Step.ID, models.StepStatusPending)
			}
			return nil
		}
		return s.Store.UpdateStepStatus(ctx, tx, claim.Step.ID, models.StepStatusPending)
	})
	if err != nil {
		slog.Error("spawner: rollback failed claim", "step_id", claim.Step.StepID, "run_id", claim.Step.RunID, "error", err)
		return
	}

	if claim.Story != nil {
		s.emit(models.Event{Event: models.EventStoryRollback, RunID: claim.Step.RunID, StepID: claim.Step.StepID,
			AgentID: claim.Step.AgentID, StoryID: claim.Story.StoryID, StoryTitle: claim.Story.Title, Detail: reason})
		return
	}
	s.emit(models.Event{Event: models.EventStepRollback, RunID: claim.Step.RunID, StepID: claim.Step.StepID,
		AgentID: claim.Step.AgentID, Detail: reason})
}

func storyIDOrEmpty(claim *pipeline.ClaimResult) string {
	if claim.Story == nil {
		return ""
	}
	return claim.Story.StoryID
}
