// Package mock provides a test double for the reranker.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/shelfwise/pkg/provider/reranker"
)

// Compile-time interface check.
var _ reranker.Provider = (*Provider)(nil)

// RerankCall records a single invocation of Rerank.
type RerankCall struct {
	// Ctx is the context passed to Rerank.
	Ctx context.Context
	// Query is the query string passed to Rerank.
	Query string
	// Documents is a copy of the document slice passed to Rerank.
	Documents []string
}

// Provider is a mock implementation of reranker.Provider.
type Provider struct {
	mu sync.Mutex

	// Scores is returned by Rerank. When shorter than the document slice,
	// missing entries are zero.
	Scores []float64

	// Err, if non-nil, is returned as the error from Rerank.
	Err error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// RerankCalls records every call to Rerank in order.
	RerankCalls []RerankCall
}

// Rerank records the call and returns Scores, Err.
func (p *Provider) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(documents))
	copy(cp, documents)
	p.RerankCalls = append(p.RerankCalls, RerankCall{Ctx: ctx, Query: query, Documents: cp})
	if p.Err != nil {
		return nil, p.Err
	}
	scores := make([]float64, len(documents))
	copy(scores, p.Scores)
	return scores, nil
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}
