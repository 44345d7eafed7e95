package domain

import "time"

// TokenPair holds the bearer credentials for the REST API.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token has passed its expiry.
func (t TokenPair) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires within d. Used to
// refresh ahead of expiry rather than on first 401.
func (t TokenPair) ExpiresWithin(d time.Duration) bool {
	return !t.ExpiresAt.IsZero() && time.Now().Add(d).After(t.ExpiresAt)
}

// UserInfo describes the authenticated user.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}
