package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockKey int64 = 2026101701

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the chunk and lock tables. dimensions fixes the width
// of the embedding column so that the hnsw index can be built.
func EnsureSchema(ctx context.Context, db *sql.DB, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("ensure schema: embedding dimensions must be positive, got %d", dimensions)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS paper_chunks (
	id TEXT PRIMARY KEY,
	paper_id TEXT NOT NULL,
	format TEXT NOT NULL DEFAULT 'pdf',
	page_number INTEGER,
	section_id TEXT,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	content TEXT NOT NULL,
	embedding vector(%d),
	embedding_model TEXT,
	embedded_at TIMESTAMPTZ,
	content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
	CHECK (start_offset < end_offset)
);

CREATE INDEX IF NOT EXISTS idx_paper_chunks_paper ON paper_chunks(paper_id, id);
CREATE INDEX IF NOT EXISTS idx_paper_chunks_embedding ON paper_chunks USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS idx_paper_chunks_tsv ON paper_chunks USING gin (content_tsv);

CREATE TABLE IF NOT EXISTS embedding_locks (
	paper_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL
);
`, dimensions)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
