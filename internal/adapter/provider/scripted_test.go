package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
)

func TestScriptedChat(t *testing.T) {
	p := NewScripted(config.ProviderConfig{Model: "m1"})
	resp, err := p.Generate(context.Background(), domain.AIRequest{
		ID:      "r1",
		Type:    domain.RequestChat,
		Content: "tighten this paragraph",
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "m1", resp.Model)
	assert.Contains(t, resp.Content, "tighten this paragraph")
	assert.Positive(t, resp.Usage.TotalTokens)
}

func TestScriptedCommandEchoesCommandName(t *testing.T) {
	p := NewScripted(config.ProviderConfig{})
	resp, err := p.Generate(context.Background(), domain.AIRequest{
		ID:      "r2",
		Type:    domain.RequestCommand,
		Content: "the quick brown fox",
		Context: map[string]string{"command": "rewrite"},
	}, nil)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Content, "[rewrite]"))
}

func TestScriptedStreamChunksReassemble(t *testing.T) {
	p := NewScripted(config.ProviderConfig{})
	var sb strings.Builder
	resp, err := p.Generate(context.Background(), domain.AIRequest{
		ID:      "r3",
		Type:    domain.RequestChat,
		Content: "one two three",
		Options: domain.RequestOptions{Stream: true},
	}, func(c domain.StreamChunk) {
		assert.Equal(t, "r3", c.RequestID)
		sb.WriteString(c.Content)
	})
	assert.NoError(t, err)
	assert.Equal(t, resp.Content, sb.String())
}

func TestScriptedHonorsCancellation(t *testing.T) {
	p := NewScripted(config.ProviderConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Generate(ctx, domain.AIRequest{
		ID:      "r4",
		Type:    domain.RequestChat,
		Content: "hi",
		Options: domain.RequestOptions{Stream: true},
	}, func(domain.StreamChunk) {})
	assert.ErrorIs(t, err, context.Canceled)
}
