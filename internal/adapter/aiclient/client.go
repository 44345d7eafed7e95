// Package aiclient implements the assistant-side WebSocket client: one
// shared connection multiplexed across concurrent AI requests, correlated
// by request ID.
package aiclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/tracer"
)

const (
	defaultRequestTimeout = 30 * time.Second
	writeTimeout          = 5 * time.Second
	chunkBuffer           = 32
)

// Assistant is the operation surface of the correlator. Services depend on
// this interface so tests can substitute a fake and the circuit breaker can
// wrap the real client transparently.
type Assistant interface {
	// Send submits one request and blocks until its terminal event.
	Send(ctx context.Context, req domain.AIRequest) (*domain.AIResponse, error)
	// Stream submits one request and returns a live stream of chunks plus
	// the eventual terminal response.
	Stream(ctx context.Context, req domain.AIRequest) (*Stream, error)
	// Cancel settles a pending request with ErrRequestCancelled and sends a
	// best-effort ai_cancel upstream. Returns ErrRequestNotFound when the
	// request already settled.
	Cancel(id string) error
	// Close tears down the connection and rejects every pending request.
	Close() error
}

type result struct {
	resp *domain.AIResponse
	err  error
}

// pending tracks one in-flight request. The entry is removed from the map
// in the same critical section that wins the settle, so exactly one of
// resolve/reject fires per request no matter which event arrives first.
type pending struct {
	settled chan result             // buffered 1, written once by the winner
	chunks  chan domain.StreamChunk // nil for non-streaming requests
	timer   *time.Timer
	content strings.Builder // accumulated chunk content for ai_complete
}

// Client is the WebSocket correlator. Construct with Dial and dispose with
// Close; it holds no global state.
type Client struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex // serializes wsjson.Write

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default 30-second per-request timeout. The
// timeout applies uniformly; there is no per-call override.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Dial connects to the assistant gateway and starts the read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("aiclient dial: %w", err)
	}

	c := &Client{
		ws:      ws,
		logger:  slog.Default(),
		timeout: defaultRequestTimeout,
		pending: make(map[string]*pending),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

// Send submits req and blocks until exactly one terminal event: response,
// error, timeout, cancel, or connection close. A synchronous send failure
// rejects immediately and removes the pending entry.
func (c *Client) Send(ctx context.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "aiclient.send")
	defer span.End()

	p, err := c.register(req.ID, false)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if err := c.writeRequest(ctx, req); err != nil {
		c.settle(req.ID, result{err: err})
		<-p.settled // drain our own rejection
		tracer.RecordError(span, err)
		return nil, err
	}

	resp, err := c.await(ctx, req.ID, p)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// Stream submits req and returns a Stream delivering intermediate chunks.
// The chunk channel is closed when the request settles; Wait returns the
// terminal response or error.
func (c *Client) Stream(ctx context.Context, req domain.AIRequest) (*Stream, error) {
	ctx, span := tracer.StartSpan(ctx, "aiclient.stream")
	defer span.End()

	req.Options.Stream = true

	p, err := c.register(req.ID, true)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if err := c.writeRequest(ctx, req); err != nil {
		c.settle(req.ID, result{err: err})
		<-p.settled
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	return &Stream{client: c, id: req.ID, p: p}, nil
}

// Cancel rejects a pending request and notifies the server. The ai_cancel
// message is sent at most once because the winning settle removes the entry;
// a repeat Cancel finds nothing pending.
func (c *Client) Cancel(id string) error {
	if !c.settle(id, result{err: domain.NewDomainError("Correlator.Cancel", domain.ErrRequestCancelled, id)}) {
		return domain.NewDomainError("Correlator.Cancel", domain.ErrRequestNotFound, id)
	}

	env, err := domain.NewEnvelope(domain.MessageAICancel, id, nil)
	if err != nil {
		return err
	}
	// Best effort: the caller's promise is already rejected; a failed
	// notify only means the server keeps working on a dropped request.
	if err := c.write(context.Background(), env); err != nil {
		c.logger.Warn("aiclient: cancel notify failed", "request_id", id, "error", err)
	}
	return nil
}

// Close tears down the connection. Every pending request is rejected with
// ErrConnectionClosed. Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.failAll(domain.ErrConnectionClosed)
		c.ws.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

// register creates the pending entry and arms the timeout. At most one
// entry per ID may exist.
func (c *Client) register(id string, streaming bool) (*pending, error) {
	if id == "" {
		return nil, domain.NewDomainError("Correlator.Send", domain.ErrInvalidInput, "empty request id")
	}

	p := &pending{settled: make(chan result, 1)}
	if streaming {
		p.chunks = make(chan domain.StreamChunk, chunkBuffer)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Correlator.Send", domain.ErrConnectionClosed, id)
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Correlator.Send", domain.ErrDuplicateRequest, id)
	}
	c.pending[id] = p
	// Armed before the entry becomes visible to settle, so the winning
	// settle always sees a non-nil timer to stop.
	p.timer = time.AfterFunc(c.timeout, func() {
		c.settle(id, result{err: domain.NewDomainError("Correlator.Send", domain.ErrTimeout, id)})
	})
	c.mu.Unlock()
	return p, nil
}

// settle resolves or rejects the pending request id. The map delete happens
// under the mutex, so only one caller can win; losers are no-ops. Reports
// whether this call won. The chunk channel is closed in the same critical
// section: deliverChunk only sends while the entry is still in the map, so
// no send can race the close.
func (c *Client) settle(id string, res result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if p.chunks != nil {
			close(p.chunks)
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.settled <- res
	return true
}

// failAll rejects every pending request with err.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.settle(id, result{err: domain.NewDomainError("Correlator", err, id)})
	}
}

// await blocks until the request settles or the caller's context ends.
// Context cancellation proactively cancels the request upstream.
func (c *Client) await(ctx context.Context, id string, p *pending) (*domain.AIResponse, error) {
	select {
	case res := <-p.settled:
		return res.resp, res.err
	case <-ctx.Done():
		_ = c.Cancel(id)
		// The settle from Cancel (or a racing terminal event) is in the
		// channel now; prefer reporting the caller's context error.
		<-p.settled
		return nil, ctx.Err()
	}
}

func (c *Client) writeRequest(ctx context.Context, req domain.AIRequest) error {
	env, err := domain.NewEnvelope(domain.MessageAIRequest, req.ID, req)
	if err != nil {
		return err
	}
	if err := c.write(ctx, env); err != nil {
		return fmt.Errorf("aiclient send: %w", err)
	}
	return nil
}

// write serializes one envelope onto the socket with a bounded deadline.
func (c *Client) write(ctx context.Context, env domain.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, env)
}

// readLoop drains the socket until it fails or the client closes. Every
// decoded server message settles or feeds exactly one pending request.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var env domain.Envelope
		if err := wsjson.Read(context.Background(), c.ws, &env); err != nil {
			select {
			case <-c.done:
				return // Close already rejected everything
			default:
			}
			c.logger.Warn("aiclient: connection lost", "error", err)
			c.failAll(domain.ErrConnectionClosed)
			return
		}

		msg, err := domain.DecodeServerMessage(env)
		if err != nil {
			c.logger.Warn("aiclient: dropping frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *domain.StreamEvent:
			c.deliverChunk(m.Chunk)
		case *domain.ResponseEvent:
			resp := m.Response
			c.settle(resp.RequestID, result{resp: &resp})
		case *domain.CompleteEvent:
			resp := m.Response
			if resp.Content == "" {
				resp.Content = c.accumulated(resp.RequestID)
			}
			c.settle(resp.RequestID, result{resp: &resp})
		case *domain.ErrorEvent:
			c.settle(m.RequestID(), result{err: fmt.Errorf("%w: %s", domain.ErrProviderError, m.Message)})
		}
	}
}

// deliverChunk routes a stream chunk to its pending request. Chunks for
// settled or unknown requests are dropped; a full chunk buffer also drops
// rather than stalling the read loop, but the accumulated content keeps the
// final response complete. The send happens under c.mu while the entry is
// still pending, which is what keeps it off a closed channel; it is
// non-blocking, so holding the lock here cannot stall anyone.
func (c *Client) deliverChunk(chunk domain.StreamChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[chunk.RequestID]
	if !ok {
		return
	}
	p.content.WriteString(chunk.Content)
	if p.chunks == nil {
		return
	}

	select {
	case p.chunks <- chunk:
	default:
		c.logger.Warn("aiclient: dropped chunk for slow consumer", "request_id", chunk.RequestID)
	}
}

func (c *Client) accumulated(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[id]; ok {
		return p.content.String()
	}
	return ""
}

// PendingCount reports the number of in-flight requests (for tests and
// status surfaces).
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stream is a live streaming request: a chunk channel plus the terminal
// result. The channel closes when the request settles.
type Stream struct {
	client *Client
	id     string
	p      *pending
}

// ID returns the request ID this stream correlates to.
func (s *Stream) ID() string { return s.id }

// Chunks returns the channel of intermediate chunks. Closed on settle.
func (s *Stream) Chunks() <-chan domain.StreamChunk { return s.p.chunks }

// Wait blocks until the terminal event. Cancelling ctx cancels the request.
func (s *Stream) Wait(ctx context.Context) (*domain.AIResponse, error) {
	if s.client == nil {
		select {
		case res := <-s.p.settled:
			return res.resp, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.client.await(ctx, s.id, s.p)
}

// Cancel rejects the stream's request and notifies the server.
func (s *Stream) Cancel() error {
	if s.client == nil {
		return domain.NewDomainError("Stream.Cancel", domain.ErrRequestNotFound, s.id)
	}
	return s.client.Cancel(s.id)
}

// NewLocalStream returns an already-settled stream that replays chunks and
// then yields resp or err from Wait. Used by in-process fakes standing in
// for a live gateway connection.
func NewLocalStream(id string, chunks []domain.StreamChunk, resp *domain.AIResponse, err error) *Stream {
	p := &pending{
		settled: make(chan result, 1),
		chunks:  make(chan domain.StreamChunk, len(chunks)),
	}
	for _, ch := range chunks {
		p.chunks <- ch
	}
	close(p.chunks)
	p.settled <- result{resp: resp, err: err}
	return &Stream{id: id, p: p}
}

var _ Assistant = (*Client)(nil)
