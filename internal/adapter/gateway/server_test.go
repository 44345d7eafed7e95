package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/poer2023/chusea-sub003/internal/adapter/aiclient"
	"github.com/poer2023/chusea-sub003/internal/adapter/provider"
	"github.com/poer2023/chusea-sub003/internal/adapter/rest"
	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
	"github.com/poer2023/chusea-sub003/internal/infra/logger"
	"github.com/poer2023/chusea-sub003/internal/storage"
	"github.com/poer2023/chusea-sub003/internal/usecase"
	"github.com/poer2023/chusea-sub003/internal/usecase/eventbus"
)

// startServer boots a gateway on an ephemeral port with memory storage and
// the scripted provider. Returns the base http:// address.
func startServer(t *testing.T, cfg config.ServerConfig) string {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(log)
	t.Cleanup(bus.Close)

	store := storage.NewMemory()
	docs := usecase.NewDocumentService(store, bus, nil, log)
	flows := usecase.NewWorkflowService(store, bus, log)
	prov := provider.NewScripted(cfg.Provider)

	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, prov, docs, flows, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error("server exited", "error", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return "http://" + srv.BoundAddr()
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws"
}

func TestSendThroughGateway(t *testing.T) {
	base := startServer(t, config.ServerConfig{Provider: config.ProviderConfig{Model: "gw-test"}})

	client, err := aiclient.Dial(context.Background(), wsURL(base))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Send(context.Background(), domain.NewAIRequest(domain.RequestChat, "draft an intro"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(resp.Content, "draft an intro") {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Model != "gw-test" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestStreamThroughGateway(t *testing.T) {
	base := startServer(t, config.ServerConfig{})

	client, err := aiclient.Dial(context.Background(), wsURL(base))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	stream, err := client.Stream(context.Background(), domain.NewAIRequest(domain.RequestChat, "one two three"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var sb strings.Builder
	for chunk := range stream.Chunks() {
		sb.WriteString(chunk.Content)
	}
	resp, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sb.String() != resp.Content {
		t.Errorf("chunks reassembled to %q, final content %q", sb.String(), resp.Content)
	}
	if resp.Usage.TotalTokens == 0 {
		t.Error("usage missing from terminal event")
	}
}

func TestCommandRequestThroughGateway(t *testing.T) {
	base := startServer(t, config.ServerConfig{})

	client, err := aiclient.Dial(context.Background(), wsURL(base))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	req := domain.NewAIRequest(domain.RequestCommand, "the quick brown fox")
	req.Context = map[string]string{"command": "summarize"}
	resp, err := client.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(resp.Content, "[summarize]") {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	base := startServer(t, config.ServerConfig{
		Tokens: []config.TokenConfig{{Token: "secret-token", Name: "tester"}},
	})

	_, err := aiclient.Dial(context.Background(), wsURL(base)+"?token=wrong")
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}

	client, err := aiclient.Dial(context.Background(), wsURL(base)+"?token=secret-token")
	if err != nil {
		t.Fatalf("dial with valid token: %v", err)
	}
	client.Close()
}

func TestUnknownFrameAnswersWithError(t *testing.T) {
	base := startServer(t, config.ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(base), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, ws, domain.Envelope{Type: "ai_telemetry", ID: "x1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var env domain.Envelope
	if err := wsjson.Read(ctx, ws, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != domain.MessageAIError {
		t.Fatalf("type = %q, want ai_error", env.Type)
	}
	msg, err := domain.DecodeServerMessage(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := msg.(*domain.ErrorEvent)
	if ev.Code != string(domain.CodeUnknownMessage) {
		t.Errorf("code = %q", ev.Code)
	}
}

func TestTerminalFrameWaitsForSlowClient(t *testing.T) {
	s := &Server{logger: logger.Discard()}
	cc := &clientConn{
		sendCh:   make(chan domain.Envelope, 1),
		done:     make(chan struct{}),
		inflight: make(map[string]context.CancelFunc),
	}

	// Fill the buffer, then verify a chunk is dropped while a terminal
	// frame blocks until the write loop drains.
	s.send(cc, domain.MessageAIStream, "r1", domain.StreamChunk{RequestID: "r1", Content: "a"})
	s.send(cc, domain.MessageAIStream, "r1", domain.StreamChunk{RequestID: "r1", Content: "b"})
	if len(cc.sendCh) != 1 {
		t.Fatalf("queued = %d, want 1 (second chunk dropped)", len(cc.sendCh))
	}

	enqueued := make(chan struct{})
	go func() {
		s.send(cc, domain.MessageAIComplete, "r1", domain.AIResponse{RequestID: "r1", Content: "done"})
		close(enqueued)
	}()

	select {
	case <-enqueued:
		t.Fatal("terminal send returned while the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	if env := <-cc.sendCh; env.Type != domain.MessageAIStream {
		t.Fatalf("first frame = %q, want ai_stream", env.Type)
	}
	select {
	case <-enqueued:
	case <-time.After(time.Second):
		t.Fatal("terminal frame not enqueued after the buffer drained")
	}
	if env := <-cc.sendCh; env.Type != domain.MessageAIComplete {
		t.Errorf("second frame = %q, want ai_complete", env.Type)
	}
}

func TestTerminalFrameAbandonedOnShutdown(t *testing.T) {
	s := &Server{logger: logger.Discard()}
	cc := &clientConn{
		sendCh:   make(chan domain.Envelope, 1),
		done:     make(chan struct{}),
		inflight: make(map[string]context.CancelFunc),
	}
	s.send(cc, domain.MessageAIStream, "r1", domain.StreamChunk{RequestID: "r1"})

	returned := make(chan struct{})
	go func() {
		s.send(cc, domain.MessageAIError, "r1", domain.ErrorEvent{ID: "r1", Code: "TIMEOUT"})
		close(returned)
	}()

	cc.shutdown()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("terminal send did not return after connection shutdown")
	}
}

func TestDocumentsCRUDOverREST(t *testing.T) {
	base := startServer(t, config.ServerConfig{})
	api := rest.NewClient(config.ClientConfig{
		BaseURL:    base,
		Retries:    1,
		RetryDelay: time.Millisecond,
		CacheTTL:   time.Minute,
	}, logger.Discard())
	ctx := context.Background()

	var doc domain.Document
	err := api.Post(ctx, "/api/documents", map[string]string{
		"title":   "Essay",
		"content": "one two three",
	}, &doc)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.WordCount != 3 {
		t.Errorf("word count = %d", doc.WordCount)
	}

	var docs []domain.Document
	if err := api.Get(ctx, "/api/documents", &docs); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("len(docs) = %d", len(docs))
	}

	var updated domain.Document
	err = api.Put(ctx, "/api/documents/"+doc.ID, map[string]string{
		"title":   "",
		"content": "one two three four five",
	}, &updated)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.WordCount != 5 {
		t.Errorf("word count after update = %d", updated.WordCount)
	}

	// The PUT invalidated the cached list; the next GET must see the update.
	if err := api.Get(ctx, "/api/documents", &docs); err != nil {
		t.Fatalf("list after update: %v", err)
	}
	if docs[0].WordCount != 5 {
		t.Errorf("cached list served stale document")
	}

	if err := api.Delete(ctx, "/api/documents/"+doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = api.Get(ctx, "/api/documents/"+doc.ID, &doc)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestWorkflowLifecycleOverREST(t *testing.T) {
	base := startServer(t, config.ServerConfig{})
	api := rest.NewClient(config.ClientConfig{
		BaseURL:    base,
		Retries:    1,
		RetryDelay: time.Millisecond,
	}, logger.Discard())
	ctx := context.Background()

	var run domain.WorkflowRun
	err := api.Post(ctx, "/api/workflows", map[string]any{
		"document_id": "doc1",
		"config":      domain.WorkflowConfig{IncludeOutline: true},
	}, &run)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Current != domain.StepPlan {
		t.Errorf("current = %q", run.Current)
	}

	err = api.Post(ctx, "/api/workflows/"+run.ID+"/advance", map[string]string{"output": "the plan"}, &run)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if run.Current != domain.StepOutline {
		t.Errorf("current = %q, want outline (research disabled)", run.Current)
	}

	err = api.Post(ctx, "/api/workflows/"+run.ID+"/fail", map[string]string{"reason": "stuck"}, &run)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if run.Status != domain.WorkflowFailed {
		t.Errorf("status = %q", run.Status)
	}

	// A finished run cannot advance; the conflict is not retried.
	err = api.Post(ctx, "/api/workflows/"+run.ID+"/advance", map[string]string{"output": "x"}, &run)
	if err == nil {
		t.Fatal("advance on finished run succeeded")
	}
	var apiErr *rest.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Errorf("err = %v, want 409", err)
	}
}

func TestLoginRefreshFlow(t *testing.T) {
	base := startServer(t, config.ServerConfig{
		Tokens: []config.TokenConfig{{Token: "gw-secret", Name: "writer"}},
	})

	var access string
	api := rest.NewClient(config.ClientConfig{
		BaseURL:    base,
		Retries:    1,
		RetryDelay: time.Millisecond,
	}, logger.Discard(), rest.WithTokenSource(func() string { return access }))
	ctx := context.Background()

	// Unauthenticated API calls are rejected.
	var docs []domain.Document
	err := api.Get(ctx, "/api/documents", &docs)
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Fatalf("unauthenticated list = %v, want ErrAuthInvalid", err)
	}

	// Wrong password rejected.
	var login struct {
		domain.TokenPair
		User domain.UserInfo `json:"user"`
	}
	err = api.Post(ctx, "/api/auth/login", map[string]string{"username": "writer", "password": "nope"}, &login)
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Fatalf("bad login = %v, want ErrAuthInvalid", err)
	}

	err = api.Post(ctx, "/api/auth/login", map[string]string{"username": "writer", "password": "gw-secret"}, &login)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if login.AccessToken == "" || login.User.Name != "writer" {
		t.Fatalf("login response = %+v", login)
	}
	access = login.AccessToken

	if err := api.Get(ctx, "/api/documents", &docs); err != nil {
		t.Fatalf("authenticated list: %v", err)
	}

	var me domain.UserInfo
	if err := api.Get(ctx, "/api/auth/me", &me); err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Name != "writer" {
		t.Errorf("me = %+v", me)
	}

	var pair domain.TokenPair
	err = api.Post(ctx, "/api/auth/refresh", map[string]string{"refresh_token": login.RefreshToken}, &pair)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.AccessToken == login.AccessToken {
		t.Error("refresh did not rotate the access token")
	}

	// The old refresh token is revoked after rotation.
	err = api.Post(ctx, "/api/auth/refresh", map[string]string{"refresh_token": login.RefreshToken}, &pair)
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("reused refresh token = %v, want ErrAuthInvalid", err)
	}
}
