// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// An embeddings provider maps text to a dense float32 vector of fixed length.
// The recommendation engine uses these vectors for catalog similarity search:
// book title + description on the write side (maintenance pipeline), queries
// and hypothetical passages on the read side (retrieval).
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different Provider
// instances must not be mixed in one similarity computation unless both use
// the same model and space — the books table's vector column is sized to one
// dimension at migration time.
type Provider interface {
	// Embed computes the embedding vector for a single text. Returns a
	// float32 slice of length Dimensions() or an error if the request fails
	// or ctx is cancelled. Text is passed through verbatim; any
	// model-specific prefixing is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in one
	// provider call. The returned slice has the same length and order as
	// texts. On error the entire result is nil — partial results are not
	// returned; the maintenance pipeline handles per-item degradation by
	// falling back to single Embed calls.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific embedding model identifier
	// (e.g. "all-minilm", "text-embedding-3-small"). Used for logging.
	ModelID() string
}
