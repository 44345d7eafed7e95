// Package provider defines the assistant backends the gateway can serve
// requests from.
package provider

import (
	"context"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// Provider generates assistant output for one request. Implementations emit
// zero or more chunks through emit before returning the terminal response.
// Generate must honor ctx cancellation promptly: the gateway cancels the
// context when an ai_cancel arrives or the client disconnects.
type Provider interface {
	Generate(ctx context.Context, req domain.AIRequest, emit func(domain.StreamChunk)) (*domain.AIResponse, error)
}
