package domain

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestType identifies the kind of AI operation being requested.
type RequestType string

const (
	RequestChat       RequestType = "chat"
	RequestCommand    RequestType = "command"
	RequestCompletion RequestType = "completion"
)

// RequestOptions tunes a single AI request.
type RequestOptions struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// AIRequest is one logical AI operation. It is created per user action and
// immutable after creation; the ID correlates every stream chunk and the
// terminal response back to the originating call.
type AIRequest struct {
	ID      string            `json:"id"`
	Type    RequestType       `json:"type"`
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
	Options RequestOptions    `json:"options,omitempty"`
}

// NewAIRequest creates a request with a generated ULID.
func NewAIRequest(typ RequestType, content string) AIRequest {
	return AIRequest{
		ID:      NewID(),
		Type:    typ,
		Content: content,
	}
}

// Usage tracks token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AIResponse is the terminal value for a request, correlated by RequestID.
type AIResponse struct {
	RequestID  string    `json:"request_id"`
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	Usage      Usage     `json:"usage"`
	FinishedAt time.Time `json:"finished_at"`
}

// StreamChunk is an incremental piece of a streaming response. Zero or more
// chunks are delivered per request before the terminal response.
type StreamChunk struct {
	RequestID string            `json:"request_id"`
	Content   string            `json:"content"`
	Done      bool              `json:"done,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewID generates a ULID string.
func NewID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
