// Package pg provides the Postgres-backed embedding store.
package pg

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/recall/internal/index"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements index.EmbeddingStore backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using the given DSN.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("index: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("index: ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("index: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("index: create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies embedded schema migrations to the database.
func Migrate(dsn string) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("index: migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(dsn string) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("index: migrate down: %w", err)
	}
	return nil
}

// MigrateVersion reports the current schema version and dirty flag.
func MigrateVersion(dsn string) (uint, bool, error) {
	m, err := newMigrator(dsn)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	v, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index: version: %w", err)
	}
	return v, dirty, nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5 driver scheme.
func migrateURL(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") {
		return "pgx5://" + strings.TrimPrefix(dsn, "postgres://")
	}
	if strings.HasPrefix(dsn, "postgresql://") {
		return "pgx5://" + strings.TrimPrefix(dsn, "postgresql://")
	}
	return dsn
}

func (s *Store) Upsert(ctx context.Context, row index.Row) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embeddings (path, embedding, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (path) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`,
		row.Path, index.EncodeVector(row.Embedding), row.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("index: upsert %s: %w", row.Path, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM embeddings WHERE path = $1`, path); err != nil {
		return fmt.Errorf("index: delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) All(ctx context.Context) ([]index.Row, error) {
	rows, err := s.pool.Query(ctx, `SELECT path, embedding, updated_at FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("index: scan embeddings: %w", err)
	}
	defer rows.Close()

	var out []index.Row
	for rows.Next() {
		var path string
		var blob []byte
		var updatedMs int64
		if err := rows.Scan(&path, &blob, &updatedMs); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		vec, err := index.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("index: row %s: %w", path, err)
		}
		out = append(out, index.Row{Path: path, Embedding: vec, UpdatedAt: time.UnixMilli(updatedMs).UTC()})
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
