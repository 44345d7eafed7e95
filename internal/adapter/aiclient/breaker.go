package aiclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerClient wraps an Assistant with circuit breaker protection. When the
// gateway fails repeatedly, the circuit opens and subsequent calls fail fast
// instead of each burning a full request timeout.
type BreakerClient struct {
	inner   Assistant
	breaker *gobreaker.CircuitBreaker[*domain.AIResponse]
	logger  *slog.Logger
}

// NewBreakerClient wraps inner with a circuit breaker.
// If cfg is zero-valued, sensible defaults are used.
func NewBreakerClient(inner Assistant, cfg config.BreakerConfig, logger *slog.Logger) *BreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.AIResponse](gobreaker.Settings{
		Name:        "assistant",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerClient{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Send implements Assistant. Calls route through the circuit breaker.
func (b *BreakerClient) Send(ctx context.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	resp, err := b.breaker.Execute(func() (*domain.AIResponse, error) {
		return b.inner.Send(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return resp, nil
}

// Stream implements Assistant. The breaker protects stream initiation;
// failures after the stream opens settle through the stream itself and do
// not trip the breaker.
func (b *BreakerClient) Stream(ctx context.Context, req domain.AIRequest) (*Stream, error) {
	var stream *Stream
	_, err := b.breaker.Execute(func() (*domain.AIResponse, error) {
		var streamErr error
		stream, streamErr = b.inner.Stream(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return stream, nil
}

// Cancel implements Assistant.
func (b *BreakerClient) Cancel(id string) error { return b.inner.Cancel(id) }

// Close implements Assistant.
func (b *BreakerClient) Close() error { return b.inner.Close() }

// State returns the current circuit breaker state for monitoring.
func (b *BreakerClient) State() gobreaker.State { return b.breaker.State() }

var _ Assistant = (*BreakerClient)(nil)
