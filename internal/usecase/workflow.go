package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// WorkflowService drives writing-workflow runs through their configured step
// sequence. Research and outline steps disabled in the config never appear in
// the sequence, so Advance always moves to a step the run will execute.
type WorkflowService struct {
	store  domain.WorkflowStore
	bus    domain.EventBus
	logger *slog.Logger
}

// NewWorkflowService builds a workflow service.
func NewWorkflowService(store domain.WorkflowStore, bus domain.EventBus, logger *slog.Logger) *WorkflowService {
	return &WorkflowService{store: store, bus: bus, logger: logger}
}

// Start creates a running workflow for a document, positioned at the first
// configured step.
func (s *WorkflowService) Start(ctx context.Context, documentID string, cfg domain.WorkflowConfig) (domain.WorkflowRun, error) {
	if documentID == "" {
		return domain.WorkflowRun{}, domain.NewDomainError("WorkflowService.Start", domain.ErrInvalidInput, "document id required")
	}
	now := time.Now()
	run := domain.WorkflowRun{
		ID:         domain.NewID(),
		DocumentID: documentID,
		Status:     domain.WorkflowRunning,
		Config:     cfg,
		Current:    cfg.Steps()[0],
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	s.publish(domain.EventWorkflowStarted, run)
	return run, nil
}

// Advance records the current step's output and moves to the next configured
// step. Reaching the end of the sequence completes the run.
func (s *WorkflowService) Advance(ctx context.Context, id, output string) (domain.WorkflowRun, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if run.Finished() {
		return domain.WorkflowRun{}, domain.NewDomainError("WorkflowService.Advance", domain.ErrWorkflowFinished, id)
	}
	if run.Status != domain.WorkflowRunning {
		return domain.WorkflowRun{}, domain.NewDomainError("WorkflowService.Advance", domain.ErrInvalidTransition,
			"run is "+string(run.Status))
	}

	next, ok := run.NextStep(run.Current)
	if !ok {
		return domain.WorkflowRun{}, domain.NewDomainError("WorkflowService.Advance", domain.ErrInvalidTransition,
			"step "+string(run.Current)+" is not in the configured sequence")
	}

	now := time.Now()
	run.Results = append(run.Results, domain.StepResult{
		Step:       run.Current,
		Status:     "completed",
		Output:     output,
		Duration:   now.Sub(run.UpdatedAt),
		FinishedAt: now,
	})
	run.Current = next
	run.UpdatedAt = now

	completed := next == domain.StepDone
	if completed {
		run.Status = domain.WorkflowCompleted
	}
	if err := s.store.SaveRun(ctx, *run); err != nil {
		return domain.WorkflowRun{}, err
	}

	if completed {
		s.publish(domain.EventWorkflowCompleted, *run)
	} else {
		s.publish(domain.EventWorkflowAdvanced, *run)
	}
	return *run, nil
}

// Pause suspends a running workflow.
func (s *WorkflowService) Pause(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return s.transition(ctx, id, domain.WorkflowRunning, domain.WorkflowPaused, "")
}

// Resume restarts a paused workflow.
func (s *WorkflowService) Resume(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return s.transition(ctx, id, domain.WorkflowPaused, domain.WorkflowRunning, "")
}

// Fail marks a workflow failed with a reason, recording the failed step.
func (s *WorkflowService) Fail(ctx context.Context, id, reason string) (domain.WorkflowRun, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if run.Finished() {
		return domain.WorkflowRun{}, domain.NewDomainError("WorkflowService.Fail", domain.ErrWorkflowFinished, id)
	}

	now := time.Now()
	run.Results = append(run.Results, domain.StepResult{
		Step:       run.Current,
		Status:     "failed",
		Error:      reason,
		FinishedAt: now,
	})
	run.Status = domain.WorkflowFailed
	run.Error = reason
	run.UpdatedAt = now
	if err := s.store.SaveRun(ctx, *run); err != nil {
		return domain.WorkflowRun{}, err
	}
	s.publish(domain.EventWorkflowFailed, *run)
	return *run, nil
}

// Get fetches one workflow run.
func (s *WorkflowService) Get(ctx context.Context, id string) (domain.WorkflowRun, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	return *run, nil
}

// List returns runs for a document, newest first.
func (s *WorkflowService) List(ctx context.Context, documentID string, limit int) ([]domain.WorkflowRun, error) {
	return s.store.ListRuns(ctx, documentID, limit)
}

// Delete removes a workflow run.
func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteRun(ctx, id)
}

func (s *WorkflowService) transition(ctx context.Context, id string, from, to domain.WorkflowStatus, reason string) (domain.WorkflowRun, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if run.Finished() {
		return domain.WorkflowRun{}, domain.NewDomainError("WorkflowService.transition", domain.ErrWorkflowFinished, id)
	}
	if run.Status != from {
		return domain.WorkflowRun{}, domain.NewDomainError("WorkflowService.transition", domain.ErrInvalidTransition,
			string(run.Status)+" -> "+string(to))
	}
	run.Status = to
	if reason != "" {
		run.Error = reason
	}
	run.UpdatedAt = time.Now()
	if err := s.store.SaveRun(ctx, *run); err != nil {
		return domain.WorkflowRun{}, err
	}
	return *run, nil
}

func (s *WorkflowService) publish(typ domain.EventType, run domain.WorkflowRun) {
	payload, err := json.Marshal(map[string]string{
		"run_id":      run.ID,
		"document_id": run.DocumentID,
		"current":     string(run.Current),
		"status":      string(run.Status),
	})
	if err != nil {
		s.logger.Error("workflow: marshal event payload", "error", err)
		return
	}
	s.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
