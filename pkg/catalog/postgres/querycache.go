package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/shelfwise/pkg/catalog"
)

// Get implements [catalog.QueryCache]. The query is normalized (lower-cased,
// trimmed) before lookup so "Space Opera " and "space opera" share an entry.
func (s *Store) Get(ctx context.Context, query string) (string, bool, error) {
	const q = `SELECT response FROM search_query_cache WHERE query = $1`

	var response string
	err := s.pool.QueryRow(ctx, q, normalizeQuery(query)).Scan(&response)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query cache: get: %w", err)
	}
	return response, true, nil
}

// PutIfAbsent implements [catalog.QueryCache]. ON CONFLICT DO NOTHING makes
// concurrent writers converge on a single stored value: the first insert
// wins and later ones are no-ops.
func (s *Store) PutIfAbsent(ctx context.Context, query, response string) error {
	const q = `
		INSERT INTO search_query_cache (query, response)
		VALUES ($1, $2)
		ON CONFLICT (query) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, normalizeQuery(query), response); err != nil {
		return fmt.Errorf("query cache: put: %w", err)
	}
	return nil
}

// Save implements [catalog.FeedbackStore].
func (s *Store) Save(ctx context.Context, fb catalog.Feedback) error {
	const q = `
		INSERT INTO recommendation_feedback (user_id, book_id, query, positive)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, fb.UserID, fb.BookID, fb.Query, fb.Positive); err != nil {
		return fmt.Errorf("feedback store: save: %w", err)
	}
	return nil
}
