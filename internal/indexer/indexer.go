// Package indexer keeps stored book embeddings in sync with catalog text.
//
// Embedding work never runs inline with a catalog write: the storage layer
// fires a post-commit hook that dispatches an "embed_books" job, and the
// indexer consumes those jobs out of band. Per-item encode failures are
// logged and skipped; the batch persists whatever succeeded.
package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/shelfwise/internal/observe"
	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/dispatch"
	"github.com/MrWong99/shelfwise/pkg/provider/embeddings"
)

const (
	// JobEmbedBooks is the dispatcher job name for embedding a book batch.
	JobEmbedBooks = "embed_books"

	// DefaultBatchSize is the reindex chunk size, bounding per-job memory
	// and latency.
	DefaultBatchSize = 50
)

// EmbedArgs is the payload of a JobEmbedBooks job.
type EmbedArgs struct {
	BookIDs []int64 `json:"book_ids"`
}

// Indexer recomputes and persists book embeddings.
type Indexer struct {
	books   catalog.BookStore
	encoder embeddings.Provider
	jobs    dispatch.Dispatcher
	metrics *observe.Metrics
}

// New creates an Indexer. metrics may be nil.
func New(books catalog.BookStore, encoder embeddings.Provider, jobs dispatch.Dispatcher, metrics *observe.Metrics) *Indexer {
	return &Indexer{books: books, encoder: encoder, jobs: jobs, metrics: metrics}
}

// Register wires the JobEmbedBooks handler into a dispatcher that supports
// local handlers.
func (ix *Indexer) Register(reg interface {
	Handle(name string, h dispatch.Handler)
}) {
	reg.Handle(JobEmbedBooks, ix.HandleJob)
}

// HandleJob is the dispatch.Handler for JobEmbedBooks.
func (ix *Indexer) HandleJob(ctx context.Context, job dispatch.Job) error {
	var args EmbedArgs
	if err := job.UnmarshalArgs(&args); err != nil {
		return fmt.Errorf("indexer: job %s: %w", job.ID, err)
	}
	return ix.EmbedBatch(ctx, args.BookIDs)
}

// EmbedBatch recomputes embeddings for the given books from their current
// title and description and persists every one that encoded successfully.
// A failed item is logged and skipped, not retried here; at-least-once
// redelivery or the next reindex picks it up.
func (ix *Indexer) EmbedBatch(ctx context.Context, bookIDs []int64) error {
	if len(bookIDs) == 0 {
		return nil
	}

	books, err := ix.books.GetBatch(ctx, bookIDs)
	if err != nil {
		return fmt.Errorf("indexer: loading batch: %w", err)
	}

	updated := make(map[int64][]float32, len(books))
	failed := 0
	for _, b := range books {
		vec, err := ix.encoder.Embed(ctx, b.EmbedText())
		if err != nil {
			failed++
			slog.Error("indexer: encoding book failed", "book_id", b.ID, "title", b.Title, "err", err)
			continue
		}
		updated[b.ID] = vec
	}
	ix.countEmbedded(ctx, len(updated), failed)

	if len(updated) == 0 {
		slog.Warn("indexer: batch produced no embeddings", "requested", len(bookIDs))
		return nil
	}

	if err := ix.books.UpdateEmbeddings(ctx, updated); err != nil {
		return fmt.Errorf("indexer: persisting batch: %w", err)
	}
	slog.Info("indexer: batch embedded", "requested", len(bookIDs), "updated", len(updated), "failed", failed)
	return nil
}

// Reindex dispatches embedding jobs for the whole catalog, or only for books
// missing an embedding when missingOnly is set. IDs are chunked into batches
// of batchSize (DefaultBatchSize when <= 0); ceil(n/batchSize) jobs are
// dispatched. Returns the number of books scheduled.
func (ix *Indexer) Reindex(ctx context.Context, missingOnly bool, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	ids, err := ix.books.ListIDs(ctx, missingOnly)
	if err != nil {
		return 0, fmt.Errorf("indexer: listing books: %w", err)
	}
	if len(ids) == 0 {
		slog.Info("indexer: nothing to reindex", "missing_only", missingOnly)
		return 0, nil
	}

	batches := 0
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		if err := ix.jobs.Dispatch(ctx, JobEmbedBooks, EmbedArgs{BookIDs: ids[start:end]}); err != nil {
			return start, fmt.Errorf("indexer: dispatching batch %d: %w", batches, err)
		}
		batches++
	}
	slog.Info("indexer: reindex scheduled", "books", len(ids), "batches", batches, "missing_only", missingOnly)
	return len(ids), nil
}

// ContentChangeHook returns a function suitable for the catalog store's
// post-commit hook: it dispatches an embedding job for the changed books.
// Dispatch failure is logged, never propagated into the write path.
func (ix *Indexer) ContentChangeHook() func(ctx context.Context, bookIDs []int64) {
	return func(ctx context.Context, bookIDs []int64) {
		// The job must outlive the originating request.
		if err := ix.jobs.Dispatch(context.WithoutCancel(ctx), JobEmbedBooks, EmbedArgs{BookIDs: bookIDs}); err != nil {
			slog.Error("indexer: dispatching post-commit embed job failed", "book_ids", bookIDs, "err", err)
		}
	}
}

func (ix *Indexer) countEmbedded(ctx context.Context, ok, failed int) {
	if ix.metrics == nil {
		return
	}
	if ok > 0 {
		ix.metrics.ItemsEmbedded.Add(ctx, int64(ok),
			metric.WithAttributes(attribute.String("status", "ok")))
	}
	if failed > 0 {
		ix.metrics.ItemsEmbedded.Add(ctx, int64(failed),
			metric.WithAttributes(attribute.String("status", "failed")))
	}
}
