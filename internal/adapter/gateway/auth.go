package gateway

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
)

// ClientInfo identifies an authenticated gateway client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming connections and API calls.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates against the configured token list using
// constant-time comparison. An empty list authenticates everything, which is
// the local development mode.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from config.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, len(tokens))}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name},
		}
	}
	return a
}

// Open reports whether the authenticator accepts any token.
func (s *StaticTokenAuth) Open() bool { return len(s.entries) == 0 }

// Authenticate returns client info when the token matches a configured entry.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if s.Open() {
		return &ClientInfo{Name: "anonymous"}, nil
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.NewDomainError("Gateway.Authenticate", domain.ErrAuthInvalid, "")
}

var _ Authenticator = (*StaticTokenAuth)(nil)

const sessionTTL = time.Hour

type session struct {
	user         domain.UserInfo
	refreshToken string
	expiresAt    time.Time
}

// sessionStore issues and validates short-lived session token pairs for the
// REST auth endpoints. Sessions live in memory; a gateway restart logs
// everyone out.
type sessionStore struct {
	mu        sync.Mutex
	byAccess  map[string]*session
	byRefresh map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		byAccess:  make(map[string]*session),
		byRefresh: make(map[string]*session),
	}
}

// issue creates a session for user and returns its token pair.
func (s *sessionStore) issue(user domain.UserInfo) domain.TokenPair {
	pair := domain.TokenPair{
		AccessToken:  domain.NewID(),
		RefreshToken: domain.NewID(),
		ExpiresAt:    time.Now().Add(sessionTTL),
	}
	sess := &session{user: user, refreshToken: pair.RefreshToken, expiresAt: pair.ExpiresAt}

	s.mu.Lock()
	s.byAccess[pair.AccessToken] = sess
	s.byRefresh[pair.RefreshToken] = sess
	s.mu.Unlock()
	return pair
}

// validate resolves an access token to its user.
func (s *sessionStore) validate(accessToken string) (domain.UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byAccess[accessToken]
	if !ok {
		return domain.UserInfo{}, domain.NewDomainError("Gateway.session", domain.ErrAuthInvalid, "")
	}
	if time.Now().After(sess.expiresAt) {
		return domain.UserInfo{}, domain.NewDomainError("Gateway.session", domain.ErrTokenExpired, "")
	}
	return sess.user, nil
}

// refresh rotates the pair identified by refreshToken. The old pair is
// revoked.
func (s *sessionStore) refresh(refreshToken string) (domain.TokenPair, error) {
	s.mu.Lock()
	sess, ok := s.byRefresh[refreshToken]
	if ok {
		delete(s.byRefresh, refreshToken)
		for access, candidate := range s.byAccess {
			if candidate == sess {
				delete(s.byAccess, access)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return domain.TokenPair{}, domain.NewDomainError("Gateway.refresh", domain.ErrAuthInvalid, "unknown refresh token")
	}
	return s.issue(sess.user), nil
}
