package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// stores returns both backends so every test runs against each.
func stores(t *testing.T) map[string]interface {
	domain.DocumentStore
	domain.WorkflowStore
} {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]interface {
		domain.DocumentStore
		domain.WorkflowStore
	}{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func testDoc(id string, updated time.Time) domain.Document {
	return domain.Document{
		ID:        id,
		Title:     "Essay " + id,
		Content:   "hello world",
		WordCount: 2,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := testDoc("d1", time.Now().UTC().Truncate(time.Millisecond))
			require.NoError(t, store.SaveDocument(ctx, doc))

			got, err := store.GetDocument(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, doc.Title, got.Title)
			assert.Equal(t, doc.Content, got.Content)
			assert.Equal(t, 2, got.WordCount)
		})
	}
}

func TestDocumentUpdateOverwrites(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := testDoc("d1", time.Now().UTC())
			require.NoError(t, store.SaveDocument(ctx, doc))

			doc.Content = "longer text now here"
			doc.WordCount = 4
			require.NoError(t, store.SaveDocument(ctx, doc))

			got, err := store.GetDocument(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, 4, got.WordCount)
		})
	}
}

func TestGetMissingDocument(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetDocument(context.Background(), "nope")
			assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestListDocumentsNewestFirst(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, store.SaveDocument(ctx, testDoc("old", base.Add(-time.Hour))))
			require.NoError(t, store.SaveDocument(ctx, testDoc("new", base)))

			docs, err := store.ListDocuments(ctx, 10)
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "new", docs[0].ID)

			docs, err = store.ListDocuments(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, docs, 1)
		})
	}
}

func TestDeleteDocument(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveDocument(ctx, testDoc("d1", time.Now())))
			require.NoError(t, store.DeleteDocument(ctx, "d1"))

			_, err := store.GetDocument(ctx, "d1")
			assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

			err = store.DeleteDocument(ctx, "d1")
			assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
		})
	}
}

func TestWorkflowRunRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			run := domain.WorkflowRun{
				ID:         "w1",
				DocumentID: "d1",
				Status:     domain.WorkflowRunning,
				Config:     domain.WorkflowConfig{IncludeOutline: true, Style: "academic"},
				Current:    domain.StepPlan,
				Results: []domain.StepResult{
					{Step: domain.StepPlan, Status: "completed", Output: "the plan"},
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
			require.NoError(t, store.SaveRun(ctx, run))

			got, err := store.GetRun(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, domain.WorkflowRunning, got.Status)
			assert.Equal(t, domain.StepPlan, got.Current)
			assert.True(t, got.Config.IncludeOutline)
			assert.Equal(t, "academic", got.Config.Style)
			require.Len(t, got.Results, 1)
			assert.Equal(t, "the plan", got.Results[0].Output)
		})
	}
}

func TestListRunsFiltersByDocument(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			for i, docID := range []string{"d1", "d1", "d2"} {
				run := domain.WorkflowRun{
					ID:         domain.NewID(),
					DocumentID: docID,
					Status:     domain.WorkflowCompleted,
					Current:    domain.StepDone,
					CreatedAt:  base.Add(time.Duration(i) * time.Second),
					UpdatedAt:  base,
				}
				require.NoError(t, store.SaveRun(ctx, run))
			}

			runs, err := store.ListRuns(ctx, "d1", 10)
			require.NoError(t, err)
			assert.Len(t, runs, 2)

			all, err := store.ListRuns(ctx, "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestGetMissingRun(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetRun(context.Background(), "nope")
			assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
		})
	}
}
