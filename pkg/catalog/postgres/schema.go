// Package postgres provides the PostgreSQL-backed implementation of the
// catalog storage interfaces: books with pgvector embeddings, the purchase
// log, the book→product cross-reference, the durable search-query cache,
// and the feedback log.
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 384)
//	if err != nil { … }
//	defer store.Close()
//
//	candidates, _ := store.Nearest(ctx, vec, nil, 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlBooksStatic = `
CREATE TABLE IF NOT EXISTS purchases (
    id            BIGSERIAL    PRIMARY KEY,
    user_id       BIGINT       NOT NULL,
    book_id       BIGINT       NOT NULL,
    purchased_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_purchases_user_id
    ON purchases (user_id);

CREATE TABLE IF NOT EXISTS products (
    id         BIGSERIAL  PRIMARY KEY,
    reference  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS search_query_cache (
    query       TEXT         PRIMARY KEY,
    response    TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS recommendation_feedback (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     BIGINT       NOT NULL DEFAULT 0,
    book_id     BIGINT       NOT NULL,
    query       TEXT         NOT NULL DEFAULT '',
    positive    BOOLEAN      NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_book_id
    ON recommendation_feedback (book_id);
`

// ddlBooks returns the books DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlBooks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS books (
    id           BIGSERIAL  PRIMARY KEY,
    reference    TEXT       NOT NULL DEFAULT '',
    title        TEXT       NOT NULL,
    author       TEXT       NOT NULL DEFAULT '',
    description  TEXT       NOT NULL DEFAULT '',
    embedding    vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_books_title_lower
    ON books (lower(title));

CREATE INDEX IF NOT EXISTS idx_books_reference
    ON books (reference);

CREATE INDEX IF NOT EXISTS idx_books_embedding
    ON books USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured encoder model (e.g. 384 for
// all-MiniLM-L6-v2). Changing it after the first migration requires a manual
// schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlBooks(embeddingDimensions),
		ddlBooksStatic,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
