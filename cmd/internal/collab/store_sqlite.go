package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-node Store backed by a local SQLite file.
//
// Unlike PostgresStore it owns its database handle; Close releases it.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the drafts table exists.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("collab: empty sqlite path")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLite away from SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS drafts (
  id         TEXT PRIMARY KEY,
  content    BLOB,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle (readiness).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Load(ctx context.Context, documentID string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("collab: nil store")
	}

	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM drafts WHERE id = ?`, documentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if content == nil {
		return nil, false, nil
	}
	return content, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, documentID string, state []byte) error {
	if s == nil || s.db == nil {
		return errors.New("collab: nil store")
	}
	if documentID == "" {
		return ErrInvalidDocumentID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts (id, content, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		documentID, state,
	)
	return err
}
