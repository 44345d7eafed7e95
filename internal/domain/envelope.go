package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of envelope sent over the WebSocket
// connection between client and assistant gateway.
type MessageType string

const (
	// Client-to-server.
	MessageAIRequest MessageType = "ai_request"
	MessageAICancel  MessageType = "ai_cancel"

	// Server-to-client.
	MessageAIStream   MessageType = "ai_stream"
	MessageAIResponse MessageType = "ai_response"
	MessageAIComplete MessageType = "ai_complete"
	MessageAIError    MessageType = "ai_error"
)

// Envelope is the wire format exchanged over the WebSocket connection.
// ID carries the request ID the payload correlates to.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope for the given payload, stamping the current
// time. Marshalling the payload here keeps envelope construction in one place.
func NewEnvelope(typ MessageType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Data = data
	}
	return env, nil
}

// ServerMessage is the closed set of messages a gateway sends to a client.
// Decode every incoming envelope through DecodeServerMessage and switch
// exhaustively over the concrete types.
type ServerMessage interface {
	RequestID() string
	serverMessage()
}

// StreamEvent carries one incremental chunk for a streaming request.
type StreamEvent struct {
	Chunk StreamChunk
}

func (e *StreamEvent) RequestID() string { return e.Chunk.RequestID }
func (e *StreamEvent) serverMessage()    {}

// ResponseEvent is a terminal event carrying the full response content.
type ResponseEvent struct {
	Response AIResponse
}

func (e *ResponseEvent) RequestID() string { return e.Response.RequestID }
func (e *ResponseEvent) serverMessage()    {}

// CompleteEvent is a terminal event sent after a streamed response; the
// content has already been delivered chunk by chunk, the event carries only
// usage accounting.
type CompleteEvent struct {
	Response AIResponse
}

func (e *CompleteEvent) RequestID() string { return e.Response.RequestID }
func (e *CompleteEvent) serverMessage()    {}

// ErrorEvent is a terminal event reporting request failure.
type ErrorEvent struct {
	ID      string `json:"request_id"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorEvent) RequestID() string { return e.ID }
func (e *ErrorEvent) serverMessage()    {}

// Err converts the event into an error value.
func (e *ErrorEvent) Err() error {
	if e.Code != "" {
		return fmt.Errorf("assistant error %s: %s", e.Code, e.Message)
	}
	return fmt.Errorf("assistant error: %s", e.Message)
}

// DecodeServerMessage decodes an envelope into its concrete server message.
// Unknown or client-originated message types return ErrUnknownMessage so the
// caller can surface protocol drift instead of silently dropping frames.
func DecodeServerMessage(env Envelope) (ServerMessage, error) {
	switch env.Type {
	case MessageAIStream:
		var chunk StreamChunk
		if err := json.Unmarshal(env.Data, &chunk); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if chunk.RequestID == "" {
			chunk.RequestID = env.ID
		}
		return &StreamEvent{Chunk: chunk}, nil
	case MessageAIResponse, MessageAIComplete:
		var resp AIResponse
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if resp.RequestID == "" {
			resp.RequestID = env.ID
		}
		if env.Type == MessageAIComplete {
			return &CompleteEvent{Response: resp}, nil
		}
		return &ResponseEvent{Response: resp}, nil
	case MessageAIError:
		var ev ErrorEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.ID == "" {
			ev.ID = env.ID
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}
