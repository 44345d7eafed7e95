// Package gateway is the server side of the assistant protocol: a WebSocket
// endpoint speaking Envelope frames backed by a Provider, plus the REST API
// for documents, workflows, and auth.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/poer2023/chusea-sub003/internal/adapter/provider"
	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
	"github.com/poer2023/chusea-sub003/internal/infra/middleware"
	"github.com/poer2023/chusea-sub003/internal/infra/tracer"
	"github.com/poer2023/chusea-sub003/internal/usecase"
)

const sendBuffer = 64

// clientConn tracks one WebSocket connection and its in-flight requests.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // request ID -> cancel
}

func (cc *clientConn) shutdown() {
	cc.closeOnce.Do(func() { close(cc.done) })
	cc.mu.Lock()
	for id, cancel := range cc.inflight {
		cancel()
		delete(cc.inflight, id)
	}
	cc.mu.Unlock()
}

// Server is the gateway: WebSocket assistant endpoint plus REST API.
type Server struct {
	provider  provider.Provider
	docs      *usecase.DocumentService
	workflows *usecase.WorkflowService
	auth      *StaticTokenAuth
	sessions  *sessionStore
	logger    *slog.Logger

	cfg       config.ServerConfig
	httpSrv   *http.Server
	boundAddr string
	clients   sync.Map // conn ID (uint64) -> *clientConn
	nextID    atomic.Uint64
}

// NewServer creates a gateway server.
func NewServer(cfg config.ServerConfig, prov provider.Provider, docs *usecase.DocumentService, workflows *usecase.WorkflowService, logger *slog.Logger) *Server {
	return &Server{
		provider:  prov,
		docs:      docs,
		workflows: workflows,
		auth:      NewStaticTokenAuth(cfg.Tokens),
		sessions:  newSessionStore(),
		logger:    logger,
		cfg:       cfg,
	}
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.registerAPIRoutes(mux)

	var handler http.Handler = mux
	handler = middleware.SecurityHeaders(handler)
	if s.cfg.RateLimit.Enabled {
		handler = middleware.RateLimit(ctx, s.cfg.RateLimit)(handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: handler}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, closing every client connection.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.shutdown()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	info, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:       ws,
		sendCh:   make(chan domain.Envelope, sendBuffer),
		done:     make(chan struct{}),
		inflight: make(map[string]context.CancelFunc),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("client connected", "conn_id", connID, "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.shutdown()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var env domain.Envelope
		if err := wsjson.Read(ctx, cc.ws, &env); err != nil {
			return
		}

		switch env.Type {
		case domain.MessageAIRequest:
			s.acceptRequest(ctx, cc, env)
		case domain.MessageAICancel:
			s.cancelRequest(cc, env.ID)
		default:
			s.logger.Warn("unexpected frame from client", "type", env.Type)
			s.sendError(cc, env.ID, domain.NewDomainError("Gateway.read", domain.ErrUnknownMessage, string(env.Type)))
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case env := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, env)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// acceptRequest registers a cancellable context for the request and
// dispatches to the provider on its own goroutine.
func (s *Server) acceptRequest(ctx context.Context, cc *clientConn, env domain.Envelope) {
	var req domain.AIRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.sendError(cc, env.ID, domain.NewDomainError("Gateway.request", domain.ErrInvalidInput, "malformed ai_request payload"))
		return
	}
	if req.ID == "" {
		req.ID = env.ID
	}
	if req.ID == "" {
		s.sendError(cc, "", domain.NewDomainError("Gateway.request", domain.ErrInvalidInput, "request id required"))
		return
	}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cc.mu.Lock()
	if _, exists := cc.inflight[req.ID]; exists {
		cc.mu.Unlock()
		cancel()
		s.sendError(cc, req.ID, domain.NewDomainError("Gateway.request", domain.ErrDuplicateRequest, req.ID))
		return
	}
	cc.inflight[req.ID] = cancel
	cc.mu.Unlock()

	go s.dispatch(reqCtx, cc, req)
}

func (s *Server) cancelRequest(cc *clientConn, id string) {
	cc.mu.Lock()
	cancel, ok := cc.inflight[id]
	if ok {
		delete(cc.inflight, id)
	}
	cc.mu.Unlock()
	if ok {
		cancel()
		s.logger.Debug("request cancelled by client", "request_id", id)
	}
}

// dispatch runs one request through the provider and writes the terminal
// envelope. A cancelled request produces no terminal: the client has already
// settled it.
func (s *Server) dispatch(ctx context.Context, cc *clientConn, req domain.AIRequest) {
	ctx, span := tracer.StartSpan(ctx, "gateway.dispatch",
		tracer.StringAttr("request.id", req.ID),
		tracer.StringAttr("request.type", string(req.Type)),
	)
	defer span.End()
	defer func() {
		cc.mu.Lock()
		if cancel, ok := cc.inflight[req.ID]; ok {
			delete(cc.inflight, req.ID)
			cancel()
		}
		cc.mu.Unlock()
	}()

	emit := func(chunk domain.StreamChunk) {
		s.send(cc, domain.MessageAIStream, chunk.RequestID, chunk)
	}

	resp, err := s.provider.Generate(ctx, req, emit)
	if err != nil {
		tracer.RecordError(span, err)
		if ctx.Err() != nil {
			return
		}
		s.sendError(cc, req.ID, err)
		return
	}
	tracer.SetOK(span)

	if req.Options.Stream {
		s.send(cc, domain.MessageAIComplete, req.ID, resp)
	} else {
		s.send(cc, domain.MessageAIResponse, req.ID, resp)
	}
}

// send queues one envelope for the write loop. Stream chunks are dropped
// when the client cannot keep up; terminal frames block until there is room
// or the connection shuts down, so a slow client still learns how its
// request ended.
func (s *Server) send(cc *clientConn, typ domain.MessageType, id string, payload any) {
	env, err := domain.NewEnvelope(typ, id, payload)
	if err != nil {
		s.logger.Error("encode envelope", "type", typ, "error", err)
		return
	}

	if isTerminal(typ) {
		select {
		case cc.sendCh <- env:
		case <-cc.done:
		}
		return
	}

	select {
	case cc.sendCh <- env:
	default:
		s.logger.Warn("dropped frame for slow client", "type", typ, "request_id", id)
	}
}

// isTerminal reports whether typ ends a request from the client's view.
func isTerminal(typ domain.MessageType) bool {
	switch typ {
	case domain.MessageAIResponse, domain.MessageAIComplete, domain.MessageAIError:
		return true
	}
	return false
}

func (s *Server) sendError(cc *clientConn, id string, err error) {
	s.send(cc, domain.MessageAIError, id, domain.ErrorEvent{
		ID:      id,
		Code:    string(domain.ErrorCodeOf(err)),
		Message: err.Error(),
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
