// Package usecase holds the application services: chat, documents,
// workflows, auth, and housekeeping. Services are constructed with their
// dependencies and hold no global state.
package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/poer2023/chusea-sub003/internal/adapter/aiclient"
	"github.com/poer2023/chusea-sub003/internal/domain"
)

// ChatService manages conversations and routes user input to the assistant.
// Streaming chunks are re-published on the event bus so any consumer can
// render them incrementally.
type ChatService struct {
	assistant aiclient.Assistant
	bus       domain.EventBus
	registry  *CommandRegistry
	logger    *slog.Logger

	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	current       string
	inflight      map[string]string // conversation ID -> in-flight request ID
}

// NewChatService builds a chat service.
func NewChatService(assistant aiclient.Assistant, bus domain.EventBus, registry *CommandRegistry, logger *slog.Logger) *ChatService {
	return &ChatService{
		assistant:     assistant,
		bus:           bus,
		registry:      registry,
		logger:        logger,
		conversations: make(map[string]*domain.Conversation),
		inflight:      make(map[string]string),
	}
}

// NewConversation creates a conversation and makes it current.
func (s *ChatService) NewConversation(title string) domain.Conversation {
	now := time.Now()
	conv := &domain.Conversation{
		ID:        domain.NewID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.current = conv.ID
	s.mu.Unlock()
	return *conv
}

// SelectConversation makes id the current conversation.
func (s *ChatService) SelectConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return domain.NewDomainError("ChatService.SelectConversation", domain.ErrConversationNotFound, id)
	}
	s.current = id
	return nil
}

// CurrentConversation returns a copy of the current conversation.
func (s *ChatService) CurrentConversation() (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[s.current]
	if !ok {
		return domain.Conversation{}, domain.NewDomainError("ChatService.CurrentConversation", domain.ErrConversationNotFound, s.current)
	}
	return cloneConversation(conv), nil
}

// GetConversation returns a copy of the conversation with id.
func (s *ChatService) GetConversation(id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.NewDomainError("ChatService.GetConversation", domain.ErrConversationNotFound, id)
	}
	return cloneConversation(conv), nil
}

// ListConversations returns copies of every conversation.
func (s *ChatService) ListConversations() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, cloneConversation(conv))
	}
	return out
}

// SendMessage submits user input on the conversation and blocks until the
// assistant reply settles. Slash commands are parsed into structured command
// requests; everything else is a chat request. On failure the user message
// is marked failed and kept for RetryMessage.
func (s *ChatService) SendMessage(ctx context.Context, conversationID, content string) (domain.ChatMessage, error) {
	req, err := s.registry.Parse(content)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	userMsg := domain.ChatMessage{
		ID:        domain.NewID(),
		Role:      domain.RoleUser,
		Content:   content,
		Status:    domain.StatusPending,
		RequestID: req.ID,
		Timestamp: time.Now(),
	}
	if err := s.appendMessage(conversationID, userMsg); err != nil {
		return domain.ChatMessage{}, err
	}

	return s.dispatch(ctx, conversationID, userMsg.ID, req)
}

// RetryMessage re-issues a failed user message as a brand-new request with a
// brand-new ID. The original request is never resubmitted.
func (s *ChatService) RetryMessage(ctx context.Context, conversationID, messageID string) (domain.ChatMessage, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return domain.ChatMessage{}, domain.NewDomainError("ChatService.RetryMessage", domain.ErrConversationNotFound, conversationID)
	}
	var content string
	found := false
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.ID == messageID && m.Role == domain.RoleUser && m.Status == domain.StatusFailed {
			content = m.Content
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return domain.ChatMessage{}, domain.NewDomainError("ChatService.RetryMessage",
			domain.ErrInvalidInput, "message is not a failed user message")
	}

	req, err := s.registry.Parse(content)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	s.updateMessage(conversationID, messageID, func(m *domain.ChatMessage) {
		m.Status = domain.StatusPending
		m.RequestID = req.ID
	})
	return s.dispatch(ctx, conversationID, messageID, req)
}

// Abort cancels the in-flight request on the conversation, if any.
func (s *ChatService) Abort(conversationID string) error {
	s.mu.Lock()
	reqID, ok := s.inflight[conversationID]
	s.mu.Unlock()
	if !ok {
		return domain.NewDomainError("ChatService.Abort", domain.ErrRequestNotFound, conversationID)
	}
	if err := s.assistant.Cancel(reqID); err != nil {
		return err
	}
	s.publish(conversationID, domain.EventRequestCancel, map[string]string{"request_id": reqID})
	return nil
}

// PruneIdle removes conversations not touched within maxAge, keeping the
// current one. Returns the number removed. Wired to the housekeeping janitor.
func (s *ChatService) PruneIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, conv := range s.conversations {
		if id == s.current {
			continue
		}
		if _, busy := s.inflight[id]; busy {
			continue
		}
		if conv.UpdatedAt.Before(cutoff) {
			delete(s.conversations, id)
			removed++
		}
	}
	return removed
}

// dispatch streams one request and appends the assistant reply. Exactly one
// terminal outcome updates the user message status.
func (s *ChatService) dispatch(ctx context.Context, conversationID, userMsgID string, req domain.AIRequest) (domain.ChatMessage, error) {
	s.mu.Lock()
	s.inflight[conversationID] = req.ID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, conversationID)
		s.mu.Unlock()
	}()

	s.publish(conversationID, domain.EventStreamStarted, map[string]string{"request_id": req.ID})

	stream, err := s.assistant.Stream(ctx, req)
	if err != nil {
		s.failUserMessage(conversationID, userMsgID, req.ID, err)
		return domain.ChatMessage{}, err
	}

	for chunk := range stream.Chunks() {
		s.publish(conversationID, domain.EventStreamDelta, domain.StreamDeltaPayload{
			RequestID: chunk.RequestID,
			Content:   chunk.Content,
		})
	}

	resp, err := stream.Wait(ctx)
	if err != nil {
		s.failUserMessage(conversationID, userMsgID, req.ID, err)
		return domain.ChatMessage{}, err
	}

	s.updateMessage(conversationID, userMsgID, func(m *domain.ChatMessage) {
		m.Status = domain.StatusSent
	})
	reply := domain.ChatMessage{
		ID:        domain.NewID(),
		Role:      domain.RoleAssistant,
		Content:   resp.Content,
		Status:    domain.StatusSent,
		RequestID: req.ID,
		Timestamp: time.Now(),
	}
	if err := s.appendMessage(conversationID, reply); err != nil {
		return domain.ChatMessage{}, err
	}

	s.publish(conversationID, domain.EventStreamCompleted, domain.StreamCompletedPayload{
		RequestID: req.ID,
		Content:   resp.Content,
		Usage:     &resp.Usage,
	})
	s.publish(conversationID, domain.EventMessageSent, map[string]string{"message_id": reply.ID})
	return reply, nil
}

func (s *ChatService) failUserMessage(conversationID, messageID, requestID string, cause error) {
	s.updateMessage(conversationID, messageID, func(m *domain.ChatMessage) {
		m.Status = domain.StatusFailed
	})
	s.publish(conversationID, domain.EventStreamError, domain.StreamErrorPayload{
		RequestID: requestID,
		Error:     cause.Error(),
	})
	s.publish(conversationID, domain.EventMessageFailed, map[string]string{"message_id": messageID})
	s.logger.Warn("chat: request failed",
		"conversation_id", conversationID,
		"request_id", requestID,
		"error", cause,
	)
}

func (s *ChatService) appendMessage(conversationID string, msg domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return domain.NewDomainError("ChatService.appendMessage", domain.ErrConversationNotFound, conversationID)
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *ChatService) updateMessage(conversationID, messageID string, fn func(*domain.ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			fn(&conv.Messages[i])
			conv.UpdatedAt = time.Now()
			return
		}
	}
}

func (s *ChatService) publish(conversationID string, typ domain.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("chat: marshal event payload", "type", typ, "error", err)
		return
	}
	s.bus.Publish(context.Background(), domain.Event{
		Type:           typ,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Payload:        data,
	})
}

func cloneConversation(conv *domain.Conversation) domain.Conversation {
	out := *conv
	out.Messages = append([]domain.ChatMessage(nil), conv.Messages...)
	return out
}
