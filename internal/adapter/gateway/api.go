package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// registerAPIRoutes wires the REST surface onto mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/auth/me", s.requireSession(s.handleMe))

	mux.HandleFunc("GET /api/documents", s.requireSession(s.handleListDocuments))
	mux.HandleFunc("POST /api/documents", s.requireSession(s.handleCreateDocument))
	mux.HandleFunc("GET /api/documents/{id}", s.requireSession(s.handleGetDocument))
	mux.HandleFunc("PUT /api/documents/{id}", s.requireSession(s.handleUpdateDocument))
	mux.HandleFunc("DELETE /api/documents/{id}", s.requireSession(s.handleDeleteDocument))

	mux.HandleFunc("GET /api/workflows", s.requireSession(s.handleListWorkflows))
	mux.HandleFunc("POST /api/workflows", s.requireSession(s.handleStartWorkflow))
	mux.HandleFunc("GET /api/workflows/{id}", s.requireSession(s.handleGetWorkflow))
	mux.HandleFunc("POST /api/workflows/{id}/advance", s.requireSession(s.handleAdvanceWorkflow))
	mux.HandleFunc("POST /api/workflows/{id}/pause", s.requireSession(s.handlePauseWorkflow))
	mux.HandleFunc("POST /api/workflows/{id}/resume", s.requireSession(s.handleResumeWorkflow))
	mux.HandleFunc("POST /api/workflows/{id}/fail", s.requireSession(s.handleFailWorkflow))
	mux.HandleFunc("DELETE /api/workflows/{id}", s.requireSession(s.handleDeleteWorkflow))
}

// requireSession authenticates the bearer token: a session token issued by
// login, or (as a fallback) a configured static gateway token. Open mode
// admits everything.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Open() {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if _, err := s.sessions.validate(token); err == nil {
			next(w, r)
			return
		}
		if _, err := s.auth.Authenticate(token); err == nil {
			next(w, r)
			return
		}
		writeError(w, domain.NewDomainError("Gateway.api", domain.ErrAuthInvalid, ""))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders a domain error as a JSON error body with the matching
// HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{
		Code:    string(domain.ErrorCodeOf(err)),
		Message: err.Error(),
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthInvalid), errors.Is(err, domain.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrWorkflowFinished), errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewDomainError("Gateway.api", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
