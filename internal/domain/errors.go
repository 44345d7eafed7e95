package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewDomainError to add operation context.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrLimitReached     = fmt.Errorf("limit reached")
)

// Sentinel errors for the domain layer.
var (
	// Correlator / transport errors.
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrRequestCancelled = fmt.Errorf("request cancelled")
	ErrDuplicateRequest = fmt.Errorf("request id already pending: %w", ErrDuplicate)
	ErrRequestNotFound  = fmt.Errorf("request not pending: %w", ErrNotFound)
	ErrUnknownMessage   = fmt.Errorf("unknown message type")
	ErrCircuitOpen      = fmt.Errorf("assistant circuit open")

	// API / auth errors.
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid   = fmt.Errorf("authentication failed")
	ErrForbidden     = fmt.Errorf("forbidden: insufficient permissions")
	ErrTokenExpired  = fmt.Errorf("token expired")
	ErrProviderError = fmt.Errorf("provider error")

	// Store errors.
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrDocumentNotFound     = fmt.Errorf("document %w", ErrNotFound)
	ErrWorkflowNotFound     = fmt.Errorf("workflow run %w", ErrNotFound)
	ErrWorkflowFinished     = fmt.Errorf("workflow run already finished")
	ErrInvalidTransition    = fmt.Errorf("invalid workflow transition")
	ErrCommandUnknown       = fmt.Errorf("unknown slash command: %w", ErrInvalidInput)
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Correlator.Send")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is transient and may succeed when the
// caller re-issues the operation with a fresh request.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionClosed)
}

// ErrorCode is a machine-parseable error category for monitoring and for the
// REST error body's "code" field.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeValidationError   ErrorCode = "VALIDATION_ERROR"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
	CodeRequestCancelled  ErrorCode = "REQUEST_CANCELLED"
	CodeUnknownMessage    ErrorCode = "UNKNOWN_MESSAGE"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
	CodeWorkflowFinished  ErrorCode = "WORKFLOW_FINISHED"
	CodeInvalidTransition ErrorCode = "WORKFLOW_INVALID_TRANSITION"
	CodeCommandUnknown    ErrorCode = "COMMAND_UNKNOWN"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// More specific sentinels appear before the categories they wrap;
// ErrorCodeOf checks the slice in order.
var errorCodeMap = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrDuplicateRequest, CodeDuplicate},
	{ErrRequestNotFound, CodeNotFound},
	{ErrConversationNotFound, CodeNotFound},
	{ErrDocumentNotFound, CodeNotFound},
	{ErrWorkflowNotFound, CodeNotFound},
	{ErrWorkflowFinished, CodeWorkflowFinished},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrCommandUnknown, CodeCommandUnknown},
	{ErrConnectionClosed, CodeConnectionClosed},
	{ErrRequestCancelled, CodeRequestCancelled},
	{ErrUnknownMessage, CodeUnknownMessage},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeUnauthorized},
	{ErrForbidden, CodeForbidden},
	{ErrTokenExpired, CodeTokenExpired},
	{ErrProviderError, CodeProviderError},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeValidationError},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrLimitReached, CodeLimitReached},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is and returns CodeUnknown when no
// sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeMap {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}
