package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
)

// Scripted is a deterministic provider for local development and tests. It
// echoes a canned transformation of the request content, streamed word by
// word when the request asks for streaming.
type Scripted struct {
	model      string
	chunkDelay time.Duration
}

// NewScripted builds a scripted provider from config.
func NewScripted(cfg config.ProviderConfig) *Scripted {
	model := cfg.Model
	if model == "" {
		model = "scripted"
	}
	return &Scripted{model: model, chunkDelay: cfg.ChunkDelay}
}

// Generate implements Provider.
func (s *Scripted) Generate(ctx context.Context, req domain.AIRequest, emit func(domain.StreamChunk)) (*domain.AIResponse, error) {
	content := s.compose(req)

	if req.Options.Stream && emit != nil {
		words := strings.SplitAfter(content, " ")
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if s.chunkDelay > 0 {
				select {
				case <-time.After(s.chunkDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			emit(domain.StreamChunk{RequestID: req.ID, Content: w})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := len(strings.Fields(req.Content))
	completion := len(strings.Fields(content))
	return &domain.AIResponse{
		RequestID: req.ID,
		Content:   content,
		Model:     s.model,
		Usage: domain.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		FinishedAt: time.Now(),
	}, nil
}

// compose builds deterministic output per request type so tests can assert
// on exact content.
func (s *Scripted) compose(req domain.AIRequest) string {
	switch req.Type {
	case domain.RequestCommand:
		cmd := req.Context["command"]
		return fmt.Sprintf("[%s] %s", cmd, req.Content)
	case domain.RequestCompletion:
		return req.Content + " and the draft continues from here."
	default:
		return "Here is a revised take: " + req.Content
	}
}

var _ Provider = (*Scripted)(nil)
