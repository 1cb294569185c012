package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/models"
)

func baseSpec() *WorkflowSpec {
	return &WorkflowSpec{
		ID: "wf-1",
		Agent: map[string]AgentSpec{
			"coder": {ID: "coder"},
		},
		Steps: []StepSpec{
			{StepID: "step1", AgentID: "coder", Type: models.StepTypeSingle},
		},
	}
}

func TestAgentSpec_Timeout(t *testing.T) {
	t.Run("defaults when unset", func(t *testing.T) {
		a := AgentSpec{}
		assert.Equal(t, DefaultAgentTimeout, a.Timeout())
	})

	t.Run("defaults when zero or negative", func(t *testing.T) {
		assert.Equal(t, DefaultAgentTimeout, AgentSpec{TimeoutSeconds: 0}.Timeout())
		assert.Equal(t, DefaultAgentTimeout, AgentSpec{TimeoutSeconds: -5}.Timeout())
	})

	t.Run("uses the configured value", func(t *testing.T) {
		a := AgentSpec{TimeoutSeconds: 900}
		assert.Equal(t, 900*time.Second, a.Timeout())
	})
}

func TestWorkflowSpec_Validate(t *testing.T) {
	t.Run("valid spec passes", func(t *testing.T) {
		require.NoError(t, baseSpec().Validate())
	})

	t.Run("missing id rejected", func(t *testing.T) {
		s := baseSpec()
		s.ID = ""
		assert.Error(t, s.Validate())
	})

	t.Run("no steps rejected", func(t *testing.T) {
		s := baseSpec()
		s.Steps = nil
		assert.Error(t, s.Validate())
	})

	t.Run("step missing step_id rejected", func(t *testing.T) {
		s := baseSpec()
		s.Steps[0].StepID = ""
		assert.Error(t, s.Validate())
	})

	t.Run("duplicate step_id rejected", func(t *testing.T) {
		s := baseSpec()
		s.Steps = append(s.Steps, StepSpec{StepID: "step1", AgentID: "coder"})
		assert.Error(t, s.Validate())
	})

	t.Run("step referencing unknown agent rejected", func(t *testing.T) {
		s := baseSpec()
		s.Steps[0].AgentID = "ghost"
		assert.Error(t, s.Validate())
	})

	t.Run("loop step with verifyEach requires a verifyStep", func(t *testing.T) {
		s := baseSpec()
		s.Steps[0].Type = models.StepTypeLoop
		s.Steps[0].LoopConfig = &LoopConfigSpec{VerifyEach: true}
		assert.Error(t, s.Validate())
	})

	t.Run("loop step verifyStep must reference an existing step", func(t *testing.T) {
		s := baseSpec()
		s.Steps[0].Type = models.StepTypeLoop
		s.Steps[0].LoopConfig = &LoopConfigSpec{VerifyEach: true, VerifyStep: "ghost"}
		assert.Error(t, s.Validate())
	})

	t.Run("loop step verifyStep resolving to a real step passes", func(t *testing.T) {
		s := baseSpec()
		s.Steps = append(s.Steps, StepSpec{StepID: "verify", AgentID: "coder"})
		s.Steps[0].Type = models.StepTypeLoop
		s.Steps[0].LoopConfig = &LoopConfigSpec{VerifyEach: true, VerifyStep: "verify"}
		assert.NoError(t, s.Validate())
	})
}

func TestWorkflowSpec_Lookups(t *testing.T) {
	s := baseSpec()

	t.Run("Agents returns declared agent ids", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"coder"}, s.Agents())
	})

	t.Run("AgentByID", func(t *testing.T) {
		a, ok := s.AgentByID("coder")
		require.True(t, ok)
		assert.Equal(t, "coder", a.ID)

		_, ok = s.AgentByID("ghost")
		assert.False(t, ok)
	})

	t.Run("StepByID", func(t *testing.T) {
		step, ok := s.StepByID("step1")
		require.True(t, ok)
		assert.Equal(t, "coder", step.AgentID)

		_, ok = s.StepByID("ghost")
		assert.False(t, ok)
	})
}
