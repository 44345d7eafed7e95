package domain

import (
	"context"
	"time"
)

// WorkflowStep identifies one stage of the writing workflow.
type WorkflowStep string

const (
	StepPlan     WorkflowStep = "plan"
	StepResearch WorkflowStep = "research"
	StepOutline  WorkflowStep = "outline"
	StepDraft    WorkflowStep = "draft"
	StepPolish   WorkflowStep = "polish"
	StepDone     WorkflowStep = "done"
)

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowConfig selects which optional steps a run includes.
type WorkflowConfig struct {
	IncludeResearch bool   `json:"include_research" yaml:"include_research"`
	IncludeOutline  bool   `json:"include_outline" yaml:"include_outline"`
	Style           string `json:"style,omitempty" yaml:"style,omitempty"`
}

// Steps returns the ordered step sequence for this configuration, ending
// with StepDone. Disabled steps are omitted entirely rather than skipped at
// runtime, so Current always points at a step the run will actually execute.
func (c WorkflowConfig) Steps() []WorkflowStep {
	steps := []WorkflowStep{StepPlan}
	if c.IncludeResearch {
		steps = append(steps, StepResearch)
	}
	if c.IncludeOutline {
		steps = append(steps, StepOutline)
	}
	return append(steps, StepDraft, StepPolish, StepDone)
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Step       WorkflowStep  `json:"step"`
	Status     string        `json:"status"` // "completed" or "failed"
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// WorkflowRun tracks the state of one writing workflow for a document.
type WorkflowRun struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Status     WorkflowStatus `json:"status"`
	Config     WorkflowConfig `json:"config"`
	Current    WorkflowStep   `json:"current"`
	Results    []StepResult   `json:"results"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Finished reports whether the run reached a terminal status.
func (r *WorkflowRun) Finished() bool {
	return r.Status == WorkflowCompleted || r.Status == WorkflowFailed
}

// NextStep returns the step following cur in the run's configured sequence.
// Returns StepDone when cur is the last configured step, and ok=false when
// cur is not part of the sequence at all.
func (r *WorkflowRun) NextStep(cur WorkflowStep) (WorkflowStep, bool) {
	steps := r.Config.Steps()
	for i, s := range steps {
		if s == cur {
			if i+1 < len(steps) {
				return steps[i+1], true
			}
			return StepDone, true
		}
	}
	return "", false
}

// WorkflowStore persists workflow runs.
type WorkflowStore interface {
	SaveRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, documentID string, limit int) ([]WorkflowRun, error)
	DeleteRun(ctx context.Context, id string) error
}
