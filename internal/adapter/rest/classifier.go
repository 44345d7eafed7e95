package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// APIError is an error response from the REST API, carrying the machine
// code and HTTP status alongside the human-readable message.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses onto domain sentinels so callers can use
// errors.Is instead of inspecting status codes.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return domain.ErrAuthInvalid
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusTooManyRequests:
		return domain.ErrRateLimit
	}
	return nil
}

// ErrorCategory indicates whether an error is worth retrying.
type ErrorCategory int

const (
	CategoryUnknown   ErrorCategory = iota
	CategoryRetryable               // 429, 5xx, connection errors
	CategoryPermanent               // other 4xx, non-retryable codes, malformed requests
)

// Error codes that never retry regardless of status.
var permanentCodes = map[string]struct{}{
	"UNAUTHORIZED":     {},
	"FORBIDDEN":        {},
	"NOT_FOUND":        {},
	"VALIDATION_ERROR": {},
}

// Classify categorizes an error from the HTTP layer. API errors classify by
// status and code; everything else falls back to transient network patterns
// in the error string.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if _, ok := permanentCodes[apiErr.Code]; ok {
			return CategoryPermanent
		}
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return CategoryRetryable
		case apiErr.Status >= 500 && apiErr.Status < 600:
			return CategoryRetryable
		default:
			return CategoryPermanent
		}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset", "eof",
	} {
		if strings.Contains(lower, p) {
			return CategoryRetryable
		}
	}
	return CategoryUnknown
}
