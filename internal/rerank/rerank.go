// Package rerank re-scores retrieval candidates with a cross-encoder for
// precision. Vector distance treats query and document independently; the
// cross-encoder sees the pair together, which separates near-ties in the
// candidate pool far better — at the price of one scoring call per
// document, which is why only the retrieved pool is reranked, never the
// whole catalog.
package rerank

import (
	"context"
	"log/slog"
	"sort"

	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/provider/reranker"
)

// Engine reranks candidate pools. Safe for concurrent use.
type Engine struct {
	scorer reranker.Provider
}

// New creates an Engine over the given reranker backend. A nil scorer is
// allowed and makes every Rerank call fall back to distance order.
func New(scorer reranker.Provider) *Engine {
	return &Engine{scorer: scorer}
}

// Rerank scores each candidate's title + description against the query and
// returns the topK candidates in descending score order. When the backend
// is missing or fails, the pool's existing (distance) order is kept and
// truncated to topK — reranking failure degrades, it is never fatal.
func (e *Engine) Rerank(ctx context.Context, query string, pool []catalog.Candidate, topK int) []catalog.Candidate {
	if len(pool) == 0 {
		return nil
	}

	if e.scorer == nil {
		return truncate(pool, topK)
	}

	docs := make([]string, len(pool))
	for i, c := range pool {
		doc := c.Book.Title
		if c.Book.Description != "" {
			doc += ". " + c.Book.Description
		}
		docs[i] = doc
	}

	scores, err := e.scorer.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(pool) {
		slog.Error("rerank: scoring failed, falling back to distance order",
			"query", query, "candidates", len(pool), "err", err)
		return truncate(pool, topK)
	}

	ranked := make([]catalog.Candidate, len(pool))
	copy(ranked, pool)
	for i := range ranked {
		ranked[i].Score = scores[i]
	}

	// Stable sort keeps distance order among equal scores deterministic.
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	slog.Info("rerank: scored pool", "query", query, "candidates", len(ranked), "model", e.scorer.ModelID())
	return truncate(ranked, topK)
}

// truncate returns a copy of the first min(topK, len) candidates.
func truncate(pool []catalog.Candidate, topK int) []catalog.Candidate {
	if topK > len(pool) {
		topK = len(pool)
	}
	out := make([]catalog.Candidate, topK)
	copy(out, pool[:topK])
	return out
}
