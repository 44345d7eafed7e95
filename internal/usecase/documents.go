package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// CacheInvalidator drops cached REST responses under a path prefix after a
// local mutation. The REST client implements it.
type CacheInvalidator interface {
	InvalidateCache(path string)
}

// DocumentService is CRUD over the document store plus a current-selection
// pointer. Mutations publish events and invalidate the REST cache prefix so
// stale lists are never served after a write.
type DocumentService struct {
	store  domain.DocumentStore
	bus    domain.EventBus
	cache  CacheInvalidator // may be nil
	logger *slog.Logger

	mu      sync.Mutex
	current string
}

// NewDocumentService builds a document service. cache may be nil when no
// REST cache is in play (server side).
func NewDocumentService(store domain.DocumentStore, bus domain.EventBus, cache CacheInvalidator, logger *slog.Logger) *DocumentService {
	return &DocumentService{store: store, bus: bus, cache: cache, logger: logger}
}

// Create persists a new document and selects it.
func (s *DocumentService) Create(ctx context.Context, title, content string) (domain.Document, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Document{}, domain.NewDomainError("DocumentService.Create", domain.ErrInvalidInput, "title must not be empty")
	}
	now := time.Now()
	doc := domain.Document{
		ID:        domain.NewID(),
		Title:     title,
		Content:   content,
		WordCount: domain.CountWords(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return domain.Document{}, err
	}

	s.mu.Lock()
	s.current = doc.ID
	s.mu.Unlock()

	s.afterMutation(doc.ID, domain.EventDocumentCreated)
	return doc, nil
}

// Update replaces a document's title and content, recomputing the word count.
func (s *DocumentService) Update(ctx context.Context, id, title, content string) (domain.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if title != "" {
		doc.Title = title
	}
	doc.Content = content
	doc.WordCount = domain.CountWords(content)
	doc.UpdatedAt = time.Now()
	if err := s.store.SaveDocument(ctx, *doc); err != nil {
		return domain.Document{}, err
	}

	s.afterMutation(id, domain.EventDocumentUpdated)
	return *doc, nil
}

// Get fetches one document.
func (s *DocumentService) Get(ctx context.Context, id string) (domain.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	return *doc, nil
}

// List returns documents, most recently updated first.
func (s *DocumentService) List(ctx context.Context, limit int) ([]domain.Document, error) {
	return s.store.ListDocuments(ctx, limit)
}

// Delete removes a document. Deleting the current selection clears it.
func (s *DocumentService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	if s.current == id {
		s.current = ""
	}
	s.mu.Unlock()

	s.afterMutation(id, domain.EventDocumentDeleted)
	return nil
}

// Select makes id the current document.
func (s *DocumentService) Select(ctx context.Context, id string) error {
	if _, err := s.store.GetDocument(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return nil
}

// Current returns the currently selected document.
func (s *DocumentService) Current(ctx context.Context) (domain.Document, error) {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()
	if id == "" {
		return domain.Document{}, domain.NewDomainError("DocumentService.Current", domain.ErrDocumentNotFound, "no document selected")
	}
	return s.Get(ctx, id)
}

func (s *DocumentService) afterMutation(id string, typ domain.EventType) {
	if s.cache != nil {
		s.cache.InvalidateCache("/api/documents")
	}
	payload, err := json.Marshal(map[string]string{"document_id": id})
	if err != nil {
		s.logger.Error("documents: marshal event payload", "error", err)
		return
	}
	s.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
