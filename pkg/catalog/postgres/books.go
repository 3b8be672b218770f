package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/shelfwise/pkg/catalog"
)

// Nearest implements [catalog.Searcher]. It finds the k books whose
// embeddings are closest (cosine distance) to vec, excluding the given IDs.
// Books without a stored embedding never qualify. Results are ordered by
// ascending distance (most similar first).
func (s *Store) Nearest(ctx context.Context, vec []float32, exclude []int64, k int) ([]catalog.Candidate, error) {
	queryVec := pgvector.NewVector(vec)

	args := []any{queryVec}
	excludeClause := ""
	if len(exclude) > 0 {
		args = append(args, exclude)
		excludeClause = fmt.Sprintf("AND NOT (id = ANY($%d))", len(args))
	}
	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, reference, title, author, description, embedding,
		       embedding <=> $1 AS distance
		FROM   books
		WHERE  embedding IS NOT NULL
		%s
		ORDER  BY distance
		LIMIT  %s`, excludeClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog store: nearest: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Candidate, error) {
		var (
			c   catalog.Candidate
			vec pgvector.Vector
		)
		if err := row.Scan(
			&c.Book.ID,
			&c.Book.Reference,
			&c.Book.Title,
			&c.Book.Author,
			&c.Book.Description,
			&vec,
			&c.Distance,
		); err != nil {
			return catalog.Candidate{}, err
		}
		c.Book.Embedding = vec.Slice()
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store: scan candidates: %w", err)
	}
	if results == nil {
		results = []catalog.Candidate{}
	}
	return results, nil
}

// GetByTitle implements [catalog.BookStore]. An exact match is preferred;
// otherwise the lookup falls back to case-insensitive matching. When several
// books share a title the lowest ID wins, so repeated lookups are
// deterministic.
func (s *Store) GetByTitle(ctx context.Context, title string) (catalog.Book, error) {
	const q = `
		SELECT id, reference, title, author, description, embedding
		FROM   books
		WHERE  lower(title) = lower($1)
		ORDER  BY (title = $1) DESC, id
		LIMIT  1`

	book, err := s.scanBook(s.pool.QueryRow(ctx, q, title))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Book{}, catalog.ErrTitleNotFound
	}
	if err != nil {
		return catalog.Book{}, fmt.Errorf("catalog store: get by title: %w", err)
	}
	return book, nil
}

// GetBatch implements [catalog.BookStore].
func (s *Store) GetBatch(ctx context.Context, ids []int64) ([]catalog.Book, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `
		SELECT id, reference, title, author, description, embedding
		FROM   books
		WHERE  id = ANY($1)
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog store: get batch: %w", err)
	}

	books, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Book, error) {
		return s.scanBook(row)
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store: scan books: %w", err)
	}
	return books, nil
}

// ListIDs implements [catalog.BookStore].
func (s *Store) ListIDs(ctx context.Context, missingOnly bool) ([]int64, error) {
	q := `SELECT id FROM books ORDER BY id`
	if missingOnly {
		q = `SELECT id FROM books WHERE embedding IS NULL ORDER BY id`
	}

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog store: list ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("catalog store: scan ids: %w", err)
	}
	return ids, nil
}

// UpdateEmbeddings implements [catalog.BookStore]. All updates run in one
// transaction; the maintenance pipeline has already dropped per-book
// failures before calling this, so the batch either lands fully or not at
// all at the storage level.
func (s *Store) UpdateEmbeddings(ctx context.Context, embeddings map[int64][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalog store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `UPDATE books SET embedding = $2 WHERE id = $1`
	for id, vec := range embeddings {
		if _, err := tx.Exec(ctx, q, id, pgvector.NewVector(vec)); err != nil {
			return fmt.Errorf("catalog store: update embedding %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("catalog store: commit embeddings: %w", err)
	}
	return nil
}

// UpsertBook inserts or updates a book and returns its ID. When the write
// changed the title or description (or created the book), the registered
// content-change hook fires after the transaction has committed, so an
// embedding job never observes a half-written record.
func (s *Store) UpsertBook(ctx context.Context, b catalog.Book) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id             int64
		contentChanged bool
	)
	if b.ID == 0 {
		const q = `
			INSERT INTO books (reference, title, author, description)
			VALUES ($1, $2, $3, $4)
			RETURNING id`
		if err := tx.QueryRow(ctx, q, b.Reference, b.Title, b.Author, b.Description).Scan(&id); err != nil {
			return 0, fmt.Errorf("catalog store: insert book: %w", err)
		}
		contentChanged = true
	} else {
		// Compare against the stored row before updating so the hook only
		// fires for content-relevant changes (title or description).
		var prevTitle, prevDesc string
		if err := tx.QueryRow(ctx,
			`SELECT title, description FROM books WHERE id = $1`, b.ID,
		).Scan(&prevTitle, &prevDesc); err != nil {
			return 0, fmt.Errorf("catalog store: load book %d: %w", b.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE books SET reference = $2, title = $3, author = $4, description = $5 WHERE id = $1`,
			b.ID, b.Reference, b.Title, b.Author, b.Description,
		); err != nil {
			return 0, fmt.Errorf("catalog store: update book %d: %w", b.ID, err)
		}
		id = b.ID
		contentChanged = prevTitle != b.Title || prevDesc != b.Description
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("catalog store: commit book: %w", err)
	}

	if contentChanged && s.onContentChange != nil {
		s.onContentChange(ctx, []int64{id})
	}
	return id, nil
}

// PurchasedBookIDs implements [catalog.BookStore].
func (s *Store) PurchasedBookIDs(ctx context.Context, userID int64) ([]int64, error) {
	const q = `SELECT DISTINCT book_id FROM purchases WHERE user_id = $1`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("catalog store: purchased ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("catalog store: scan purchased ids: %w", err)
	}
	return ids, nil
}

// PurchasedEmbeddings implements [catalog.BookStore]. Books without a stored
// embedding are skipped.
func (s *Store) PurchasedEmbeddings(ctx context.Context, userID int64) ([][]float32, error) {
	const q = `
		SELECT b.embedding
		FROM   books b
		JOIN   purchases p ON p.book_id = b.id
		WHERE  p.user_id = $1
		  AND  b.embedding IS NOT NULL`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("catalog store: purchased embeddings: %w", err)
	}
	vecs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]float32, error) {
		var v pgvector.Vector
		if err := row.Scan(&v); err != nil {
			return nil, err
		}
		return v.Slice(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store: scan embeddings: %w", err)
	}
	return vecs, nil
}

// ProductIDsByReference implements [catalog.BookStore].
func (s *Store) ProductIDsByReference(ctx context.Context, refs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	const q = `SELECT reference, id FROM products WHERE reference = ANY($1)`

	rows, err := s.pool.Query(ctx, q, refs)
	if err != nil {
		return nil, fmt.Errorf("catalog store: product ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ref string
			id  int64
		)
		if err := rows.Scan(&ref, &id); err != nil {
			return nil, fmt.Errorf("catalog store: scan product id: %w", err)
		}
		out[ref] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog store: product ids: %w", err)
	}
	return out, nil
}

// scanBook scans one books row. The embedding column may be NULL.
func (s *Store) scanBook(row pgx.Row) (catalog.Book, error) {
	var (
		b   catalog.Book
		vec *pgvector.Vector
	)
	if err := row.Scan(&b.ID, &b.Reference, &b.Title, &b.Author, &b.Description, &vec); err != nil {
		return catalog.Book{}, err
	}
	if vec != nil {
		b.Embedding = vec.Slice()
	}
	return b, nil
}

// normalizeQuery is shared by the durable query cache: queries differing only
// in case or surrounding whitespace hit the same entry.
func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
