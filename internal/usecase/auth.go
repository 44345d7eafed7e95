package usecase

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
)

// authKeyEnv names the env var holding the token vault passphrase. Without
// it, tokens live only in memory for the process lifetime.
const authKeyEnv = "CHUSEA_AUTH_KEY"

// APIClient is the slice of the REST client the auth service needs.
type APIClient interface {
	Post(ctx context.Context, path string, body, out any) error
}

// AuthService manages the login session: credentials exchange, token
// refresh, and encrypted persistence of the token pair.
type AuthService struct {
	api          APIClient
	bus          domain.EventBus
	logger       *slog.Logger
	vault        *tokenVault // nil when no passphrase is configured
	refreshAhead time.Duration

	mu     sync.Mutex
	tokens *domain.TokenPair
	user   *domain.UserInfo
}

// NewAuthService builds an auth service. Token persistence activates only
// when CHUSEA_AUTH_KEY is set.
func NewAuthService(api APIClient, bus domain.EventBus, cfg config.AuthConfig, logger *slog.Logger) *AuthService {
	s := &AuthService{
		api:          api,
		bus:          bus,
		logger:       logger,
		refreshAhead: cfg.RefreshAhead,
	}
	if s.refreshAhead <= 0 {
		s.refreshAhead = 2 * time.Minute
	}
	if pass := os.Getenv(authKeyEnv); pass != "" && cfg.TokenPath != "" {
		s.vault = newTokenVault(cfg.TokenPath, []byte(pass))
	} else {
		logger.Info("auth: token persistence disabled", "reason", authKeyEnv+" not set")
	}
	return s
}

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

// Login exchanges credentials for a token pair and persists it.
func (s *AuthService) Login(ctx context.Context, username, password string) (domain.UserInfo, error) {
	if username == "" || password == "" {
		return domain.UserInfo{}, domain.NewDomainError("AuthService.Login", domain.ErrInvalidInput, "username and password required")
	}

	var resp loginResponse
	if err := s.api.Post(ctx, "/api/auth/login", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return domain.UserInfo{}, err
	}

	s.mu.Lock()
	s.tokens = &resp.TokenPair
	s.user = &resp.User
	s.mu.Unlock()

	s.persist(resp.TokenPair)
	return resp.User, nil
}

// Refresh exchanges the refresh token for a fresh pair.
func (s *AuthService) Refresh(ctx context.Context) error {
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()
	if tokens == nil || tokens.RefreshToken == "" {
		return domain.NewDomainError("AuthService.Refresh", domain.ErrAuthInvalid, "no session")
	}

	var pair domain.TokenPair
	if err := s.api.Post(ctx, "/api/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken}, &pair); err != nil {
		return err
	}

	s.mu.Lock()
	s.tokens = &pair
	s.mu.Unlock()

	s.persist(pair)
	s.publish(domain.EventAuthRefreshed)
	return nil
}

// EnsureFresh refreshes ahead of expiry. An already-expired session publishes
// an auth-expired event and returns ErrTokenExpired.
func (s *AuthService) EnsureFresh(ctx context.Context) error {
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()
	if tokens == nil {
		return domain.NewDomainError("AuthService.EnsureFresh", domain.ErrAuthInvalid, "no session")
	}
	if tokens.Expired() {
		s.publish(domain.EventAuthExpired)
		return domain.NewDomainError("AuthService.EnsureFresh", domain.ErrTokenExpired, "")
	}
	if tokens.ExpiresWithin(s.refreshAhead) {
		return s.Refresh(ctx)
	}
	return nil
}

// Logout drops the session and removes the persisted tokens.
func (s *AuthService) Logout() error {
	s.mu.Lock()
	s.tokens = nil
	s.user = nil
	s.mu.Unlock()

	if s.vault != nil {
		return s.vault.clear()
	}
	return nil
}

// Token returns the current access token, or "" when logged out. Satisfies
// the REST client's token source.
func (s *AuthService) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		return ""
	}
	return s.tokens.AccessToken
}

// User returns the authenticated user, if any.
func (s *AuthService) User() (domain.UserInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return domain.UserInfo{}, false
	}
	return *s.user, true
}

// LoadPersisted restores a previously saved session from the vault. Expired
// pairs are discarded.
func (s *AuthService) LoadPersisted() error {
	if s.vault == nil {
		return nil
	}
	pair, err := s.vault.load()
	if err != nil {
		return err
	}
	if pair == nil {
		return nil
	}
	if pair.Expired() {
		s.logger.Info("auth: persisted session expired, discarding")
		return s.vault.clear()
	}
	s.mu.Lock()
	s.tokens = pair
	s.mu.Unlock()
	return nil
}

func (s *AuthService) persist(pair domain.TokenPair) {
	if s.vault == nil {
		return
	}
	if err := s.vault.save(pair); err != nil {
		s.logger.Warn("auth: persist tokens failed", "error", err)
	}
}

func (s *AuthService) publish(typ domain.EventType) {
	s.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
	})
}
