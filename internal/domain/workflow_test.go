package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowConfigSteps(t *testing.T) {
	full := WorkflowConfig{IncludeResearch: true, IncludeOutline: true}
	assert.Equal(t,
		[]WorkflowStep{StepPlan, StepResearch, StepOutline, StepDraft, StepPolish, StepDone},
		full.Steps())

	minimal := WorkflowConfig{}
	assert.Equal(t,
		[]WorkflowStep{StepPlan, StepDraft, StepPolish, StepDone},
		minimal.Steps())

	noResearch := WorkflowConfig{IncludeOutline: true}
	assert.Equal(t,
		[]WorkflowStep{StepPlan, StepOutline, StepDraft, StepPolish, StepDone},
		noResearch.Steps())
}

func TestNextStepSkipsDisabled(t *testing.T) {
	run := WorkflowRun{Config: WorkflowConfig{IncludeOutline: true}}

	next, ok := run.NextStep(StepPlan)
	assert.True(t, ok)
	assert.Equal(t, StepOutline, next, "research disabled, plan advances straight to outline")

	next, ok = run.NextStep(StepPolish)
	assert.True(t, ok)
	assert.Equal(t, StepDone, next)
}

func TestNextStepUnknown(t *testing.T) {
	run := WorkflowRun{Config: WorkflowConfig{}}
	_, ok := run.NextStep(StepResearch) // not part of this run's sequence
	assert.False(t, ok)
}

func TestFinished(t *testing.T) {
	assert.False(t, (&WorkflowRun{Status: WorkflowRunning}).Finished())
	assert.True(t, (&WorkflowRun{Status: WorkflowCompleted}).Finished())
	assert.True(t, (&WorkflowRun{Status: WorkflowFailed}).Finished())
}
