package gateway

import (
	"net/http"
	"strconv"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

type startWorkflowRequest struct {
	DocumentID string                `json:"document_id"`
	Config     domain.WorkflowConfig `json:"config"`
}

type advanceWorkflowRequest struct {
	Output string `json:"output"`
}

type failWorkflowRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.workflows.List(r.Context(), r.URL.Query().Get("document_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.workflows.Start(r.Context(), req.DocumentID, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := s.workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAdvanceWorkflow(w http.ResponseWriter, r *http.Request) {
	var req advanceWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.workflows.Advance(r.Context(), r.PathValue("id"), req.Output)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := s.workflows.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := s.workflows.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFailWorkflow(w http.ResponseWriter, r *http.Request) {
	var req failWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.workflows.Fail(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
