package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poer2023/chusea-sub003/internal/adapter/aiclient"
	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/logger"
	"github.com/poer2023/chusea-sub003/internal/usecase/eventbus"
)

// fakeAssistant returns scripted streams and records requests and cancels.
type fakeAssistant struct {
	mu       sync.Mutex
	requests []domain.AIRequest
	cancels  []string
	chunks   []domain.StreamChunk
	resp     *domain.AIResponse
	err      error
}

func (f *fakeAssistant) Send(ctx context.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.response(req)
	return &resp, nil
}

func (f *fakeAssistant) Stream(ctx context.Context, req domain.AIRequest) (*aiclient.Stream, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	chunks := make([]domain.StreamChunk, len(f.chunks))
	for i, c := range f.chunks {
		c.RequestID = req.ID
		chunks[i] = c
	}
	resp := f.response(req)
	return aiclient.NewLocalStream(req.ID, chunks, &resp, nil), nil
}

func (f *fakeAssistant) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeAssistant) Close() error { return nil }

func (f *fakeAssistant) record(req domain.AIRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeAssistant) response(req domain.AIRequest) domain.AIResponse {
	if f.resp != nil {
		r := *f.resp
		r.RequestID = req.ID
		return r
	}
	return domain.AIResponse{RequestID: req.ID, Content: "reply to: " + req.Content}
}

func (f *fakeAssistant) recorded() []domain.AIRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AIRequest(nil), f.requests...)
}

func newChatFixture(t *testing.T, fake *fakeAssistant) (*ChatService, *eventbus.Bus) {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(log)
	t.Cleanup(bus.Close)
	return NewChatService(fake, bus, NewCommandRegistry(), log), bus
}

func TestSendMessageAppendsUserAndAssistant(t *testing.T) {
	fake := &fakeAssistant{}
	svc, _ := newChatFixture(t, fake)
	conv := svc.NewConversation("Essay notes")

	reply, err := svc.SendMessage(context.Background(), conv.ID, "hello there")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAssistant, reply.Role)
	assert.Equal(t, "reply to: hello there", reply.Content)

	got, err := svc.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, domain.RoleUser, got.Messages[0].Role)
	assert.Equal(t, domain.StatusSent, got.Messages[0].Status)
	assert.Equal(t, domain.StatusSent, got.Messages[1].Status)
}

func TestSendMessageSlashCommand(t *testing.T) {
	fake := &fakeAssistant{}
	svc, _ := newChatFixture(t, fake)
	conv := svc.NewConversation("")

	_, err := svc.SendMessage(context.Background(), conv.ID, "/rewrite the quick brown fox")
	require.NoError(t, err)

	reqs := fake.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.RequestCommand, reqs[0].Type)
	assert.Equal(t, "rewrite", reqs[0].Context["command"])
}

func TestSendMessageUnknownCommandRejectedBeforeDispatch(t *testing.T) {
	fake := &fakeAssistant{}
	svc, _ := newChatFixture(t, fake)
	conv := svc.NewConversation("")

	_, err := svc.SendMessage(context.Background(), conv.ID, "/frobnicate text")
	assert.ErrorIs(t, err, domain.ErrCommandUnknown)
	assert.Empty(t, fake.recorded())

	got, _ := svc.GetConversation(conv.ID)
	assert.Empty(t, got.Messages, "rejected input must not be appended")
}

func TestSendMessagePublishesStreamEvents(t *testing.T) {
	fake := &fakeAssistant{chunks: []domain.StreamChunk{{Content: "Hel"}, {Content: "lo"}}}
	log := logger.Discard()
	bus := eventbus.New(log)
	svc := NewChatService(fake, bus, NewCommandRegistry(), log)
	conv := svc.NewConversation("")

	var mu sync.Mutex
	var types []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	_, err := svc.SendMessage(context.Background(), conv.ID, "hi")
	require.NoError(t, err)
	bus.Close() // waits for handlers

	mu.Lock()
	defer mu.Unlock()
	counts := map[domain.EventType]int{}
	for _, typ := range types {
		counts[typ]++
	}
	assert.Equal(t, 1, counts[domain.EventStreamStarted])
	assert.Equal(t, 2, counts[domain.EventStreamDelta])
	assert.Equal(t, 1, counts[domain.EventStreamCompleted])
	assert.Equal(t, 1, counts[domain.EventMessageSent])
}

func TestSendMessageFailureMarksUserMessageFailed(t *testing.T) {
	fake := &fakeAssistant{err: domain.ErrTimeout}
	svc, _ := newChatFixture(t, fake)
	conv := svc.NewConversation("")

	_, err := svc.SendMessage(context.Background(), conv.ID, "hi")
	assert.ErrorIs(t, err, domain.ErrTimeout)

	got, _ := svc.GetConversation(conv.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, domain.StatusFailed, got.Messages[0].Status)
}

func TestRetryMessageUsesFreshRequestID(t *testing.T) {
	fake := &fakeAssistant{err: domain.ErrTimeout}
	svc, _ := newChatFixture(t, fake)
	conv := svc.NewConversation("")

	_, err := svc.SendMessage(context.Background(), conv.ID, "hi")
	require.Error(t, err)

	got, _ := svc.GetConversation(conv.ID)
	msgID := got.Messages[0].ID

	fake.err = nil
	reply, err := svc.RetryMessage(context.Background(), conv.ID, msgID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAssistant, reply.Role)

	reqs := fake.recorded()
	require.Len(t, reqs, 2)
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID, "retry must issue a brand-new request ID")

	got, _ = svc.GetConversation(conv.ID)
	assert.Equal(t, domain.StatusSent, got.Messages[0].Status)
}

func TestRetryMessageOnlyForFailedUserMessages(t *testing.T) {
	fake := &fakeAssistant{}
	svc, _ := newChatFixture(t, fake)
	conv := svc.NewConversation("")

	reply, err := svc.SendMessage(context.Background(), conv.ID, "hi")
	require.NoError(t, err)

	_, err = svc.RetryMessage(context.Background(), conv.ID, reply.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAbortWithoutInflight(t *testing.T) {
	fake := &fakeAssistant{}
	svc, _ := newChatFixture(t, fake)
	conv := svc.NewConversation("")

	err := svc.Abort(conv.ID)
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
}

func TestSelectAndCurrentConversation(t *testing.T) {
	fake := &fakeAssistant{}
	svc, _ := newChatFixture(t, fake)
	a := svc.NewConversation("a")
	b := svc.NewConversation("b")

	cur, err := svc.CurrentConversation()
	require.NoError(t, err)
	assert.Equal(t, b.ID, cur.ID)

	require.NoError(t, svc.SelectConversation(a.ID))
	cur, err = svc.CurrentConversation()
	require.NoError(t, err)
	assert.Equal(t, a.ID, cur.ID)

	assert.ErrorIs(t, svc.SelectConversation("nope"), domain.ErrConversationNotFound)
}

func TestPruneIdleKeepsCurrent(t *testing.T) {
	fake := &fakeAssistant{}
	svc, _ := newChatFixture(t, fake)

	old := svc.NewConversation("old")
	cur := svc.NewConversation("current")

	// Age the first conversation artificially.
	svc.mu.Lock()
	svc.conversations[old.ID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	svc.conversations[cur.ID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	svc.mu.Unlock()

	removed := svc.PruneIdle(24 * time.Hour)
	assert.Equal(t, 1, removed)

	_, err := svc.GetConversation(old.ID)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	_, err = svc.GetConversation(cur.ID)
	assert.NoError(t, err, "current conversation survives pruning")
}
