// Package tei provides a reranker provider backed by a Text Embeddings
// Inference (TEI) compatible HTTP service.
//
// TEI (https://github.com/huggingface/text-embeddings-inference) serves
// cross-encoder models such as cross-encoder/ms-marco-MiniLM-L-6-v2 behind a
// simple POST /rerank endpoint; several other rerank servers expose the same
// wire format.
//
// Example:
//
//	p, err := tei.New("http://localhost:8081", "cross-encoder/ms-marco-MiniLM-L-6-v2")
//	scores, err := p.Rerank(ctx, "space opera", docs)
package tei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/shelfwise/pkg/provider/reranker"
)

// DefaultModel is the reference cross-encoder for the book catalog.
const DefaultModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"

// Ensure Provider implements the reranker.Provider interface at compile time.
var _ reranker.Provider = (*Provider)(nil)

// Provider implements reranker.Provider against a TEI-compatible server.
// It is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout time.Duration
	apiKey  string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithAPIKey sets a bearer token sent on every request, for deployments
// behind an authenticating proxy.
func WithAPIKey(key string) Option {
	return func(c *config) {
		c.apiKey = key
	}
}

// New constructs a new TEI Provider. baseURL must point at the rerank
// server (e.g. "http://localhost:8081"); a trailing slash is stripped.
// model is informational — TEI serves a single model per instance — and
// defaults to DefaultModel when empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tei reranker: baseURL must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     cfg.apiKey,
		httpClient: httpClient,
	}, nil
}

// rerankRequest is the JSON request body sent to POST /rerank.
type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

// rerankResult is one element of the JSON response array.
type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank implements reranker.Provider. The server may return results in
// relevance order; scores are mapped back to input order via the index
// field, so the returned slice always lines up with documents.
func (p *Provider) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: documents})
	if err != nil {
		return nil, fmt.Errorf("tei reranker: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tei reranker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tei reranker: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tei reranker: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("tei reranker: decode response: %w", err)
	}

	scores := make([]float64, len(documents))
	seen := 0
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("tei reranker: index %d out of range for %d documents", r.Index, len(documents))
		}
		scores[r.Index] = r.Score
		seen++
	}
	if seen != len(documents) {
		return nil, fmt.Errorf("tei reranker: expected %d scores, got %d", len(documents), seen)
	}
	return scores, nil
}

// ModelID implements reranker.Provider.
func (p *Provider) ModelID() string {
	return p.model
}
