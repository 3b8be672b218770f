// Package catalog defines the book catalog data model and the storage
// interfaces the recommendation engine depends on.
//
// The catalog itself (ingestion, pricing, stock) is owned by an external
// system; this package only models the read side the engine needs — books
// with their embedding vectors, the purchase log, the book→product
// cross-reference, the durable search-query cache, and the feedback log.
package catalog

import (
	"context"
	"errors"
	"time"
)

// EmbeddingDimensions is the fixed length of every book embedding vector.
// It must match the output dimension of the configured encoder model
// (384 for all-MiniLM-class sentence encoders).
const EmbeddingDimensions = 384

// Sentinel errors for input-class failures. These are resolved locally by
// callers into descriptive responses and never carry stack traces to users.
var (
	// ErrTitleNotFound indicates no book matched the requested title.
	ErrTitleNotFound = errors.New("catalog: no book with that title")

	// ErrNoEmbedding indicates the referenced book has no stored embedding
	// yet and therefore cannot participate in similarity search.
	ErrNoEmbedding = errors.New("catalog: book has no embedding")
)

// Book is a single catalog item. Embedding is nil until the maintenance
// pipeline has processed the book; a book with a nil Embedding is excluded
// from every similarity search.
type Book struct {
	// ID is the catalog-internal identity.
	ID int64

	// Reference is the cross-reference key linking this book to a sellable
	// product in the store system. May be empty for books not yet on sale.
	Reference string

	Title       string
	Author      string
	Description string

	// Embedding is the dense vector for Title + Description, length
	// EmbeddingDimensions. Mutated only by the maintenance pipeline.
	Embedding []float32
}

// EmbedText returns the text the maintenance pipeline encodes for this book.
func (b Book) EmbedText() string {
	if b.Description == "" {
		return b.Title
	}
	return b.Title + " " + b.Description
}

// Purchase is one row of the append-only purchase log. It is consumed as a
// read-only signal for history-based recommendation.
type Purchase struct {
	UserID      int64
	BookID      int64
	PurchasedAt time.Time
}

// Candidate is a book annotated with retrieval and reranking scores. It
// exists only for the duration of one recommendation computation and is
// never persisted.
type Candidate struct {
	Book Book

	// Distance is the cosine distance from the query vector; smaller is
	// more similar.
	Distance float64

	// Score is the cross-encoder relevance score; larger is more relevant.
	// Zero until the candidate has passed through reranking.
	Score float64
}

// Recommendation is the externally visible result unit.
type Recommendation struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Reference   string `json:"reference"`

	// ProductID is the sellable product mapped through Reference. Nil when
	// the book has no product mapping; such entries are dropped from
	// history-based results (they cannot be added to a cart) but retained
	// in query-based results.
	ProductID *int64 `json:"product_id"`

	Reason string `json:"reason"`
}

// Feedback is a user signal about one recommendation, accepted and persisted
// for later analysis.
type Feedback struct {
	// UserID is zero for anonymous feedback.
	UserID    int64
	BookID    int64
	Query     string
	Positive  bool
	CreatedAt time.Time
}

// Searcher performs nearest-neighbour search over the persisted book set.
type Searcher interface {
	// Nearest returns up to k books ordered by ascending cosine distance to
	// vec, excluding the given book IDs. Books without a stored embedding
	// never appear in the result. An empty result is valid, not an error.
	Nearest(ctx context.Context, vec []float32, exclude []int64, k int) ([]Candidate, error)
}

// BookStore is the read/write surface the engine needs over the catalog.
type BookStore interface {
	Searcher

	// GetByTitle finds a book by exact or case-insensitive title match.
	// When several books share a title the one with the lowest ID wins.
	// Returns ErrTitleNotFound when nothing matches.
	GetByTitle(ctx context.Context, title string) (Book, error)

	// GetBatch returns the books with the given IDs. Unknown IDs are
	// silently omitted.
	GetBatch(ctx context.Context, ids []int64) ([]Book, error)

	// ListIDs returns all book IDs, or only those missing an embedding when
	// missingOnly is set. Ordered by ID for deterministic batching.
	ListIDs(ctx context.Context, missingOnly bool) ([]int64, error)

	// UpdateEmbeddings persists new embeddings for the given books. Books
	// absent from the map are untouched.
	UpdateEmbeddings(ctx context.Context, embeddings map[int64][]float32) error

	// PurchasedBookIDs returns the IDs of every book the user has bought.
	// An unknown user yields an empty slice, not an error.
	PurchasedBookIDs(ctx context.Context, userID int64) ([]int64, error)

	// PurchasedEmbeddings returns the stored embeddings of the user's
	// purchased books, skipping books without one.
	PurchasedEmbeddings(ctx context.Context, userID int64) ([][]float32, error)

	// ProductIDsByReference maps book reference keys to sellable product
	// IDs. References with no product are absent from the result.
	ProductIDsByReference(ctx context.Context, refs []string) (map[string]int64, error)
}

// QueryCache is the durable write-once cache for streamed query responses.
type QueryCache interface {
	// Get returns the cached response for the normalized query, or
	// ("", false, nil) on a miss.
	Get(ctx context.Context, query string) (string, bool, error)

	// PutIfAbsent stores the response unless one already exists for the
	// normalized query. Concurrent writers converge on a single stored
	// value; later writers are no-ops.
	PutIfAbsent(ctx context.Context, query, response string) error
}

// FeedbackStore persists recommendation feedback.
type FeedbackStore interface {
	Save(ctx context.Context, fb Feedback) error
}

// MeanEmbedding computes the element-wise mean of the given vectors. It
// returns nil when vecs is empty. Vectors shorter than the first one are
// ignored rather than panicking; stored embeddings all share one dimension.
func MeanEmbedding(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dims := len(vecs[0])
	sum := make([]float64, dims)
	n := 0
	for _, v := range vecs {
		if len(v) != dims {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	mean := make([]float32, dims)
	for i, s := range sum {
		mean[i] = float32(s / float64(n))
	}
	return mean
}
