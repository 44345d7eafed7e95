// Package storage provides the persistence backends for documents and
// workflow runs: SQLite for durable data and an in-memory variant for tests.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	word_count INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	config      TEXT NOT NULL,
	current     TEXT NOT NULL,
	results     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_document ON workflow_runs(document_id, created_at DESC);
`

// SQLiteStore implements DocumentStore and WorkflowStore on a single SQLite
// database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; a single connection avoids
	// SQLITE_BUSY churn under concurrent service calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveDocument inserts or replaces a document.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc domain.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, word_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			word_count = excluded.word_count,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Title, doc.Content, doc.WordCount, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return domain.WrapOp("SQLiteStore.SaveDocument", err)
	}
	return nil
}

// GetDocument fetches one document by ID.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, word_count, created_at, updated_at
		FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.Title, &doc.Content, &doc.WordCount, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.GetDocument", domain.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.GetDocument", err)
	}
	return &doc, nil
}

// ListDocuments returns documents ordered by most recently updated.
func (s *SQLiteStore) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, word_count, created_at, updated_at
		FROM documents ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.ListDocuments", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var doc domain.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.WordCount, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, domain.WrapOp("SQLiteStore.ListDocuments", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapOp("SQLiteStore.ListDocuments", err)
	}
	return docs, nil
}

// DeleteDocument removes a document. Missing IDs return ErrDocumentNotFound.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return domain.WrapOp("SQLiteStore.DeleteDocument", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteStore.DeleteDocument", domain.ErrDocumentNotFound, id)
	}
	return nil
}

// SaveRun inserts or replaces a workflow run. Config and results are stored
// as JSON columns.
func (s *SQLiteStore) SaveRun(ctx context.Context, run domain.WorkflowRun) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return domain.WrapOp("SQLiteStore.SaveRun", err)
	}
	results, err := json.Marshal(run.Results)
	if err != nil {
		return domain.WrapOp("SQLiteStore.SaveRun", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, document_id, status, config, current, results, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current = excluded.current,
			results = excluded.results,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		run.ID, run.DocumentID, string(run.Status), string(cfg), string(run.Current),
		string(results), run.Error, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return domain.WrapOp("SQLiteStore.SaveRun", err)
	}
	return nil
}

// GetRun fetches one workflow run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var status, current, cfg, results string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, status, config, current, results, error, created_at, updated_at
		FROM workflow_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.DocumentID, &status, &cfg, &current, &results, &run.Error,
			&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.GetRun", domain.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.GetRun", err)
	}
	run.Status = domain.WorkflowStatus(status)
	run.Current = domain.WorkflowStep(current)
	if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
		return nil, domain.WrapOp("SQLiteStore.GetRun", err)
	}
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return nil, domain.WrapOp("SQLiteStore.GetRun", err)
	}
	return &run, nil
}

// ListRuns returns runs for a document, newest first. An empty documentID
// lists runs across all documents.
func (s *SQLiteStore) ListRuns(ctx context.Context, documentID string, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, document_id, status, config, current, results, error, created_at, updated_at
		FROM workflow_runs`
	args := []any{}
	if documentID != "" {
		query += ` WHERE document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.ListRuns", err)
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		var run domain.WorkflowRun
		var status, current, cfg, results string
		if err := rows.Scan(&run.ID, &run.DocumentID, &status, &cfg, &current, &results,
			&run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, domain.WrapOp("SQLiteStore.ListRuns", err)
		}
		run.Status = domain.WorkflowStatus(status)
		run.Current = domain.WorkflowStep(current)
		if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
			return nil, domain.WrapOp("SQLiteStore.ListRuns", err)
		}
		if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
			return nil, domain.WrapOp("SQLiteStore.ListRuns", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapOp("SQLiteStore.ListRuns", err)
	}
	return runs, nil
}

// DeleteRun removes a workflow run.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, id)
	if err != nil {
		return domain.WrapOp("SQLiteStore.DeleteRun", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteStore.DeleteRun", domain.ErrWorkflowNotFound, id)
	}
	return nil
}

var (
	_ domain.DocumentStore = (*SQLiteStore)(nil)
	_ domain.WorkflowStore = (*SQLiteStore)(nil)
)
