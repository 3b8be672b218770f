package recommend

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/shelfwise/pkg/provider/embeddings"
	"github.com/MrWong99/shelfwise/pkg/provider/reranker"
)

// The encoder and reranker backends are constructed lazily and at most once
// per process: model handles are expensive to set up (dimension probing,
// connection checks) and must be shared across requests, never torn down per
// call. sync.OnceValues gives the init-once guarantee; a failed init is
// sticky and surfaces as a per-call error that the pipeline's fallback paths
// absorb.

type lazyEncoder struct {
	get func() (embeddings.Provider, error)
}

func newLazyEncoder(factory func() (embeddings.Provider, error)) *lazyEncoder {
	return &lazyEncoder{get: sync.OnceValues(factory)}
}

var _ embeddings.Provider = (*lazyEncoder)(nil)

func (l *lazyEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	p, err := l.get()
	if err != nil {
		return nil, fmt.Errorf("recommend: encoder unavailable: %w", err)
	}
	return p.Embed(ctx, text)
}

func (l *lazyEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p, err := l.get()
	if err != nil {
		return nil, fmt.Errorf("recommend: encoder unavailable: %w", err)
	}
	return p.EmbedBatch(ctx, texts)
}

func (l *lazyEncoder) Dimensions() int {
	p, err := l.get()
	if err != nil {
		return 0
	}
	return p.Dimensions()
}

func (l *lazyEncoder) ModelID() string {
	p, err := l.get()
	if err != nil {
		return ""
	}
	return p.ModelID()
}

type lazyScorer struct {
	get func() (reranker.Provider, error)
}

func newLazyScorer(factory func() (reranker.Provider, error)) *lazyScorer {
	return &lazyScorer{get: sync.OnceValues(factory)}
}

var _ reranker.Provider = (*lazyScorer)(nil)

func (l *lazyScorer) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	p, err := l.get()
	if err != nil {
		return nil, fmt.Errorf("recommend: reranker unavailable: %w", err)
	}
	return p.Rerank(ctx, query, documents)
}

func (l *lazyScorer) ModelID() string {
	p, err := l.get()
	if err != nil {
		return ""
	}
	return p.ModelID()
}
