// Package reranker defines the Provider interface for cross-encoder
// reranking backends.
//
// A cross-encoder scores a (query, document) pair jointly, which is more
// precise than comparing their embeddings but far more expensive, so the
// engine only applies it to the small candidate pool produced by vector
// retrieval. Reranking is always optional: when the backend is unavailable
// the engine falls back to distance order.
//
// Implementations must be safe for concurrent use.
package reranker

import "context"

// Provider is the abstraction over any cross-encoder reranking backend.
type Provider interface {
	// Rerank scores each document against the query and returns one score
	// per document, in the same order as documents. Larger scores mean more
	// relevant. Returns an error if the request fails or ctx is cancelled;
	// callers treat any error as "keep the existing order".
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)

	// ModelID returns the backend model identifier (e.g.
	// "cross-encoder/ms-marco-MiniLM-L-6-v2"). Used for logging.
	ModelID() string
}
