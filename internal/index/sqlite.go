package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	path       TEXT PRIMARY KEY,
	embedding  BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore is the default embedding store, a single-file database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the embeddings database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes internally but concurrent write
	// connections still contend; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, row Row) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (path, embedding, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET embedding = excluded.embedding, updated_at = excluded.updated_at`,
		row.Path, EncodeVector(row.Embedding), row.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("index: upsert %s: %w", row.Path, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE path = ?`, path); err != nil {
		return fmt.Errorf("index: delete %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) All(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, embedding, updated_at FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("index: scan embeddings: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var path string
		var blob []byte
		var updatedMs int64
		if err := rows.Scan(&path, &blob, &updatedMs); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("index: row %s: %w", path, err)
		}
		out = append(out, Row{Path: path, Embedding: vec, UpdatedAt: time.UnixMilli(updatedMs).UTC()})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
