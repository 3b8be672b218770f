package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/shelfwise/pkg/catalog"
)

// Compile-time interface checks.
var (
	_ catalog.BookStore     = (*Store)(nil)
	_ catalog.QueryCache    = (*Store)(nil)
	_ catalog.FeedbackStore = (*Store)(nil)
)

// Store is the central PostgreSQL-backed catalog store. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool

	// onContentChange, when set, is invoked after a book write transaction
	// has committed, with the IDs of books whose title or description
	// changed. The maintenance pipeline registers itself here so embedding
	// jobs never observe a half-written record.
	onContentChange func(ctx context.Context, bookIDs []int64)
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the configured
// encoder (e.g. [catalog.EmbeddingDimensions]).
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector
	// columns can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SetContentChangeHook registers fn to be called after every committed book
// write whose title or description changed. Must be called during startup,
// before any writes; the hook is not synchronized.
func (s *Store) SetContentChangeHook(fn func(ctx context.Context, bookIDs []int64)) {
	s.onContentChange = fn
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
