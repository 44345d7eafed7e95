package gateway

import (
	"net/http"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	domain.TokenPair
	User domain.UserInfo `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogin exchanges credentials for a session token pair. The password
// must be one of the configured gateway tokens; the username names the
// session. Open mode accepts any credentials.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" {
		writeError(w, domain.NewDomainError("Gateway.login", domain.ErrInvalidInput, "username required"))
		return
	}
	if _, err := s.auth.Authenticate(req.Password); err != nil {
		writeError(w, err)
		return
	}

	user := domain.UserInfo{ID: domain.NewID(), Name: req.Username}
	pair := s.sessions.issue(user)
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, User: user})
}

// handleRefresh rotates a session token pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.sessions.refresh(req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleMe returns the session's user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessions.validate(bearerToken(r))
	if err != nil {
		if s.auth.Open() {
			writeJSON(w, http.StatusOK, domain.UserInfo{Name: "anonymous"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
