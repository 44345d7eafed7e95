package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// MemoryStore is an in-memory DocumentStore and WorkflowStore. Used by tests
// and by the memory storage driver.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
	runs map[string]domain.WorkflowRun
}

// NewMemory builds an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]domain.Document),
		runs: make(map[string]domain.WorkflowRun),
	}
}

func (m *MemoryStore) SaveDocument(_ context.Context, doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.GetDocument", domain.ErrDocumentNotFound, id)
	}
	return &doc, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, limit int) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]domain.Document, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return domain.NewDomainError("MemoryStore.DeleteDocument", domain.ErrDocumentNotFound, id)
	}
	delete(m.docs, id)
	return nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.GetRun", domain.ErrWorkflowNotFound, id)
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, documentID string, limit int) ([]domain.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]domain.WorkflowRun, 0, len(m.runs))
	for _, run := range m.runs {
		if documentID != "" && run.DocumentID != documentID {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return domain.NewDomainError("MemoryStore.DeleteRun", domain.ErrWorkflowNotFound, id)
	}
	delete(m.runs, id)
	return nil
}

var (
	_ domain.DocumentStore = (*MemoryStore)(nil)
	_ domain.WorkflowStore = (*MemoryStore)(nil)
)
