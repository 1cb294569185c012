// Package workflow loads and caches workflow definitions: the declarative
// file naming a workflow's agents and ordered steps. The file format and
// its provisioning are out of scope (spec.md §1) — this package treats a
// workflow definition as a read-only, in-memory value once loaded.
package workflow

import (
	"fmt"
	"time"

	"github.com/vardasoft/antfarm/pkg/models"
)

// DefaultAgentTimeout is used when an agent declares no timeoutSeconds
// (spec.md §4.6: "default 1800-3600s"). 3600s, the upper bound, is chosen
// so a missing value never starves a long-running step.
const DefaultAgentTimeout = 3600 * time.Second

// AgentSpec describes one named role in a workflow.
type AgentSpec struct {
	ID string `yaml:"id"`

	// TimeoutSeconds bounds a single worker execution. spec.md §9's open
	// question is resolved here: this is the only timeout source. A
	// workflow file may still carry a legacy top-level PollingTimeout
	// field (see WorkflowSpec); AgentByID uses it as a lower-precedence
	// alias, and it never overrides a non-zero TimeoutSeconds.
	TimeoutSeconds int `yaml:"timeoutSeconds"`

	// Thinking is passed through verbatim to the Gateway spawn request.
	Thinking string `yaml:"thinking"`
}

// Timeout returns the agent's configured timeout, or DefaultAgentTimeout
// when unset.
func (a AgentSpec) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return DefaultAgentTimeout
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// LoopConfigSpec is the on-disk shape of a loop step's verify-each
// configuration.
type LoopConfigSpec struct {
	VerifyEach bool   `yaml:"verifyEach"`
	VerifyStep string `yaml:"verifyStep"`
}

// StepSpec is one entry in a workflow's ordered step list.
type StepSpec struct {
	StepID        string          `yaml:"stepId"`
	AgentID       string          `yaml:"agentId"`
	Type          models.StepType `yaml:"type"`
	InputTemplate string          `yaml:"inputTemplate"`
	Expects       string          `yaml:"expects"`
	MaxRetries    int             `yaml:"maxRetries"`
	LoopConfig    *LoopConfigSpec `yaml:"loopConfig,omitempty"`
}

// WorkflowSpec is a parsed workflow definition: a named set of agents and
// an ordered sequence of steps.
type WorkflowSpec struct {
	ID    string               `yaml:"id"`
	Steps []StepSpec           `yaml:"steps"`
	Agent map[string]AgentSpec `yaml:"agents"`

	// PollingTimeout is the legacy workflow-level field some historical
	// specs carried instead of a per-agent timeoutSeconds. Accepted for
	// compatibility but never consulted ahead of AgentSpec.TimeoutSeconds
	// (spec.md §9 open question).
	PollingTimeout int `yaml:"pollingTimeout,omitempty"`
}

// Agents returns the workflow's declared agent ids, in map iteration order
// (callers that need a stable order should sort the result).
func (w *WorkflowSpec) Agents() []string {
	ids := make([]string, 0, len(w.Agent))
	for id := range w.Agent {
		ids = append(ids, id)
	}
	return ids
}

// AgentByID looks up one agent's spec. An agent with no timeoutSeconds
// takes the workflow's legacy PollingTimeout (in seconds) when one is set.
func (w *WorkflowSpec) AgentByID(id string) (AgentSpec, bool) {
	a, ok := w.Agent[id]
	if ok && a.TimeoutSeconds <= 0 && w.PollingTimeout > 0 {
		a.TimeoutSeconds = w.PollingTimeout
	}
	return a, ok
}

// StepByID looks up one step's spec by its human step_id.
func (w *WorkflowSpec) StepByID(stepID string) (StepSpec, bool) {
	for _, s := range w.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepSpec{}, false
}

// Validate performs the minimal structural checks a loaded workflow must
// satisfy before it is usable: every step names a declared agent, step ids
// are unique, and a loop step's verify step (if any) exists and is itself
// a plain single step.
func (w *WorkflowSpec) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow: missing id")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps declared", w.ID)
	}
	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.StepID == "" {
			return fmt.Errorf("workflow %s: step missing step_id", w.ID)
		}
		if seen[s.StepID] {
			return fmt.Errorf("workflow %s: duplicate step_id %q", w.ID, s.StepID)
		}
		seen[s.StepID] = true
		if _, ok := w.Agent[s.AgentID]; !ok {
			return fmt.Errorf("workflow %s: step %q references unknown agent %q", w.ID, s.StepID, s.AgentID)
		}
		if s.Type == models.StepTypeLoop && s.LoopConfig != nil && s.LoopConfig.VerifyEach {
			if s.LoopConfig.VerifyStep == "" {
				return fmt.Errorf("workflow %s: loop step %q has verifyEach without verifyStep", w.ID, s.StepID)
			}
			verify, ok := w.StepByID(s.LoopConfig.VerifyStep)
			if !ok {
				return fmt.Errorf("workflow %s: loop step %q verifyStep %q not found", w.ID, s.StepID, s.LoopConfig.VerifyStep)
			}
			if verify.Type == models.StepTypeLoop {
				return fmt.Errorf("workflow %s: loop step %q verifyStep %q must be a single step", w.ID, s.StepID, s.LoopConfig.VerifyStep)
			}
		}
	}
	return nil
}
