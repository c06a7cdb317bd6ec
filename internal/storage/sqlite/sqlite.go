// Package sqlite implements storage.DocumentStore on a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manash/gen3d/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    path TEXT PRIMARY KEY,
    collection TEXT NOT NULL,
    fields_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_collection_created ON documents(collection, created_at);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.DocumentStore = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateIfAbsent(ctx context.Context, path string, fields storage.Fields) (bool, error) {
	collection, data, err := encode(path, fields)
	if err != nil {
		return false, err
	}
	now := s.now().UnixNano()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (path, collection, fields_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		path, collection, data, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to create document %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Put(ctx context.Context, path string, fields storage.Fields) error {
	collection, data, err := encode(path, fields)
	if err != nil {
		return err
	}
	now := s.now().UnixNano()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (path, collection, fields_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET fields_json = excluded.fields_json, updated_at = excluded.updated_at`,
		path, collection, data, now, now)
	if err != nil {
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (*storage.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, collection, fields_json, created_at, updated_at
		 FROM documents WHERE path = ?`, path)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return doc, err
}

func (s *Store) List(ctx context.Context, collection string, order storage.Order) ([]*storage.Document, error) {
	query := `SELECT path, collection, fields_json, created_at, updated_at
		 FROM documents WHERE collection = ? ORDER BY created_at DESC, rowid DESC`
	if order == storage.OrderOldestFirst {
		query = `SELECT path, collection, fields_json, created_at, updated_at
		 FROM documents WHERE collection = ? ORDER BY created_at ASC, rowid ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []*storage.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*storage.Document, error) {
	var (
		doc                  storage.Document
		fieldsJSON           string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&doc.Path, &doc.Collection, &fieldsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", doc.Path, err)
	}
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}

func encode(path string, fields storage.Fields) (string, string, error) {
	collection, err := storage.CollectionOf(path)
	if err != nil {
		return "", "", err
	}
	if fields == nil {
		fields = storage.Fields{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode document %s: %w", path, err)
	}
	return collection, string(data), nil
}
