package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/logger"
	"github.com/poer2023/chusea-sub003/internal/storage"
	"github.com/poer2023/chusea-sub003/internal/usecase/eventbus"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeInvalidator) InvalidateCache(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

func newDocFixture(t *testing.T) (*DocumentService, *fakeInvalidator) {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(log)
	t.Cleanup(bus.Close)
	inv := &fakeInvalidator{}
	return NewDocumentService(storage.NewMemory(), bus, inv, log), inv
}

func TestCreateDocument(t *testing.T) {
	svc, inv := newDocFixture(t)

	doc, err := svc.Create(context.Background(), "Draft", "one two three")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, 3, doc.WordCount)
	assert.Equal(t, 1, inv.count(), "create invalidates the documents cache prefix")

	cur, err := svc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, doc.ID, cur.ID, "create selects the new document")
}

func TestCreateRequiresTitle(t *testing.T) {
	svc, _ := newDocFixture(t)
	_, err := svc.Create(context.Background(), "  ", "text")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpdateRecomputesWordCount(t *testing.T) {
	svc, inv := newDocFixture(t)
	doc, err := svc.Create(context.Background(), "Draft", "one two")
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), doc.ID, "", "one two three four")
	require.NoError(t, err)
	assert.Equal(t, 4, updated.WordCount)
	assert.Equal(t, "Draft", updated.Title, "empty title keeps the old one")
	assert.Equal(t, 2, inv.count())
}

func TestUpdateMissingDocument(t *testing.T) {
	svc, _ := newDocFixture(t)
	_, err := svc.Update(context.Background(), "nope", "t", "c")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestDeleteClearsSelection(t *testing.T) {
	svc, _ := newDocFixture(t)
	doc, err := svc.Create(context.Background(), "Draft", "text")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), doc.ID))
	_, err = svc.Current(context.Background())
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestSelectDocument(t *testing.T) {
	svc, _ := newDocFixture(t)
	a, err := svc.Create(context.Background(), "A", "")
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), "B", "")
	require.NoError(t, err)

	require.NoError(t, svc.Select(context.Background(), a.ID))
	cur, err := svc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.ID, cur.ID)

	assert.ErrorIs(t, svc.Select(context.Background(), "nope"), domain.ErrDocumentNotFound)
}

func TestMutationsPublishEvents(t *testing.T) {
	log := logger.Discard()
	bus := eventbus.New(log)
	svc := NewDocumentService(storage.NewMemory(), bus, nil, log)

	var mu sync.Mutex
	counts := map[domain.EventType]int{}
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		counts[e.Type]++
		mu.Unlock()
	})

	ctx := context.Background()
	doc, err := svc.Create(ctx, "Draft", "text")
	require.NoError(t, err)
	_, err = svc.Update(ctx, doc.ID, "", "more text")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, doc.ID))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[domain.EventDocumentCreated])
	assert.Equal(t, 1, counts[domain.EventDocumentUpdated])
	assert.Equal(t, 1, counts[domain.EventDocumentDeleted])
}
