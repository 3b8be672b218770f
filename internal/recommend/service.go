// Package recommend orchestrates the recommendation pipeline: retrieval over
// the vector store, query reformulation, cross-encoder reranking, reason
// generation, and caching. Every model-bound stage is bounded by a timeout
// and degrades to a documented fallback instead of failing the request; the
// worst user-visible outcome of any backend failure is an empty list.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/shelfwise/internal/cache"
	"github.com/MrWong99/shelfwise/internal/explain"
	"github.com/MrWong99/shelfwise/internal/observe"
	"github.com/MrWong99/shelfwise/internal/reform"
	"github.com/MrWong99/shelfwise/internal/rerank"
	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/provider/embeddings"
	"github.com/MrWong99/shelfwise/pkg/provider/llm"
	"github.com/MrWong99/shelfwise/pkg/provider/reranker"
)

const (
	// DefaultTopK is the result size when the caller passes topK <= 0.
	DefaultTopK = 5

	// DefaultCandidateBudget bounds the combined candidate pool gathered
	// across query variants before reranking.
	DefaultCandidateBudget = 20

	// DefaultProfilePool is how many nearest neighbors the profile path
	// retrieves before sampling topK of them for variety.
	DefaultProfilePool = 20

	// expansionFanout caps concurrent per-variant retrievals.
	expansionFanout = 4
)

// Timeouts bounds each model-bound pipeline stage. A timeout is treated
// exactly like any other backend failure: the stage's fallback applies.
type Timeouts struct {
	Encode   time.Duration
	Retrieve time.Duration
	Rerank   time.Duration
	Generate time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Encode <= 0 {
		t.Encode = 15 * time.Second
	}
	if t.Retrieve <= 0 {
		t.Retrieve = 5 * time.Second
	}
	if t.Rerank <= 0 {
		t.Rerank = 15 * time.Second
	}
	if t.Generate <= 0 {
		t.Generate = 2 * time.Minute
	}
}

// Deps are the collaborators a Service needs. Books, Model, and Encoder are
// required; everything else is optional and its absence disables the
// corresponding feature (caching, reranking, metrics) gracefully.
type Deps struct {
	// Books is the catalog plus vector search surface.
	Books catalog.BookStore

	// Queries is the durable write-once cache for streamed query responses.
	Queries catalog.QueryCache

	// Results is the ephemeral TTL cache for computed recommendation lists.
	Results *cache.Cache

	// Model is the generative backend for reformulation and reasons.
	Model llm.Provider

	// Encoder constructs the embedding backend. Called at most once, on
	// first use.
	Encoder func() (embeddings.Provider, error)

	// Scorer constructs the cross-encoder backend. Called at most once, on
	// first use. Nil disables reranking (distance order is kept).
	Scorer func() (reranker.Provider, error)

	// Metrics receives stage durations and cache/result counters.
	Metrics *observe.Metrics
}

// Option customises a Service.
type Option func(*Service)

// WithTopK sets the default result size for calls passing topK <= 0.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithCandidateBudget sets the combined candidate pool size for the query
// path.
func WithCandidateBudget(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.candidates = k
		}
	}
}

// WithProfilePool sets the retrieval pool size for the profile path.
func WithProfilePool(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.profilePool = k
		}
	}
}

// WithExpansions sets how many query variations are requested from the model.
func WithExpansions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.expansions = n
		}
	}
}

// WithTimeouts sets per-stage timeouts. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(s *Service) {
		s.timeouts = t
	}
}

// Service computes recommendations. Safe for concurrent use.
type Service struct {
	books   catalog.BookStore
	queries catalog.QueryCache
	results *cache.Cache

	model     llm.Provider
	encoder   embeddings.Provider
	ranker    *rerank.Engine
	reformer  *reform.Reformer
	explainer *explain.Generator

	metrics *observe.Metrics

	topK        int
	candidates  int
	profilePool int
	expansions  int
	timeouts    Timeouts

	// sample returns k distinct indices in [0, n). Uniform without
	// replacement by default; swapped in tests for determinism.
	sample func(n, k int) []int
}

// New creates a Service from deps.
func New(deps Deps, opts ...Option) (*Service, error) {
	if deps.Books == nil {
		return nil, fmt.Errorf("recommend: Books is required")
	}
	if deps.Model == nil {
		return nil, fmt.Errorf("recommend: Model is required")
	}
	if deps.Encoder == nil {
		return nil, fmt.Errorf("recommend: Encoder is required")
	}

	enc := newLazyEncoder(deps.Encoder)
	var scorer reranker.Provider
	if deps.Scorer != nil {
		scorer = newLazyScorer(deps.Scorer)
	}

	s := &Service{
		books:       deps.Books,
		queries:     deps.Queries,
		results:     deps.Results,
		model:       deps.Model,
		encoder:     enc,
		ranker:      rerank.New(scorer),
		reformer:    reform.New(deps.Model, enc),
		explainer:   explain.New(deps.Model),
		metrics:     deps.Metrics,
		topK:        DefaultTopK,
		candidates:  DefaultCandidateBudget,
		profilePool: DefaultProfilePool,
		expansions:  reform.DefaultVariations,
		sample: func(n, k int) []int {
			return rand.Perm(n)[:k]
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timeouts.applyDefaults()
	return s, nil
}

// ByProfile recommends books based on the user's purchase history. Unknown
// users, users without purchases, and users whose purchases lack embeddings
// all yield an empty list, never an error. Entries that cannot be mapped to
// a sellable product are dropped (they cannot be added to a cart).
func (s *Service) ByProfile(ctx context.Context, userID int64, topK int) ([]catalog.Recommendation, error) {
	topK = s.clampTopK(topK)
	key := cache.Key("profile", strconv.FormatInt(userID, 10), topK)
	if cached, ok := s.cachedResult(ctx, "profile", key); ok {
		return cached, nil
	}

	embs, err := s.books.PurchasedEmbeddings(ctx, userID)
	if err != nil {
		slog.Error("recommend: loading purchase embeddings failed", "user_id", userID, "err", err)
		return []catalog.Recommendation{}, nil
	}
	mean := catalog.MeanEmbedding(embs)
	if mean == nil {
		return []catalog.Recommendation{}, nil
	}

	exclude, err := s.books.PurchasedBookIDs(ctx, userID)
	if err != nil {
		slog.Error("recommend: loading purchased IDs failed", "user_id", userID, "err", err)
		exclude = nil
	}

	pool := s.nearest(ctx, mean, exclude, s.profilePool)
	if len(pool) == 0 {
		return []catalog.Recommendation{}, nil
	}

	// Sample topK from the pool and re-sort by distance: repeated calls for
	// the same profile surface different books. Intentional variety, not a
	// ranking bug.
	picked := s.samplePool(pool, topK)

	reasons := s.profileReasons(ctx, picked)
	products := s.productMap(ctx, picked)

	recs := assemble(picked, reasons, products, true)
	s.storeResult(ctx, "profile", key, recs)
	return recs, nil
}

// ByTitle recommends books similar to the one with the given title. Returns
// an error wrapping catalog.ErrTitleNotFound for unknown titles and
// catalog.ErrNoEmbedding for books not yet indexed. Unmapped products are
// retained with a nil product ID.
func (s *Service) ByTitle(ctx context.Context, title string, topK int) ([]catalog.Recommendation, error) {
	topK = s.clampTopK(topK)
	key := cache.Key("title", title, topK)
	if cached, ok := s.cachedResult(ctx, "title", key); ok {
		return cached, nil
	}

	book, err := s.books.GetByTitle(ctx, title)
	if err != nil {
		return nil, err
	}
	if len(book.Embedding) == 0 {
		return nil, fmt.Errorf("recommend: %q: %w", title, catalog.ErrNoEmbedding)
	}

	pool := s.nearest(ctx, book.Embedding, []int64{book.ID}, topK)
	if len(pool) == 0 {
		return []catalog.Recommendation{}, nil
	}

	reasons := s.queryReasons(ctx, title, pool)
	products := s.productMap(ctx, pool)

	recs := assemble(pool, reasons, products, false)
	s.storeResult(ctx, "title", key, recs)
	return recs, nil
}

// ByQuery recommends books matching a free-text query: expansion fan-out
// retrieval, cross-encoder reranking, then reason generation. Entries
// without a product mapping are retained with a nil product ID.
func (s *Service) ByQuery(ctx context.Context, query string, topK int) ([]catalog.Recommendation, error) {
	topK = s.clampTopK(topK)
	key := cache.Key("query", query, topK)
	if cached, ok := s.cachedResult(ctx, "query", key); ok {
		return cached, nil
	}

	pool := s.queryPool(ctx, query)
	if len(pool) == 0 {
		return []catalog.Recommendation{}, nil
	}

	ranked := s.rerankPool(ctx, query, pool, topK)
	reasons := s.queryReasons(ctx, query, ranked)
	products := s.productMap(ctx, ranked)

	recs := assemble(ranked, reasons, products, false)
	s.storeResult(ctx, "query", key, recs)
	return recs, nil
}

// Search returns catalog items semantically matching query without reason
// generation, using a hypothetical document embedding for recall. Backend
// failure yields an empty list.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]catalog.Candidate, error) {
	topK = s.clampTopK(topK)

	hctx, cancel := context.WithTimeout(ctx, s.timeouts.Generate)
	defer cancel()
	vec, err := s.reformer.HydeEmbedding(hctx, query)
	if err != nil {
		slog.Error("recommend: search embedding failed", "query", query, "err", err)
		return []catalog.Candidate{}, nil
	}

	return s.nearest(ctx, vec, nil, topK), nil
}

// --- pipeline stages ---

// queryPool retrieves the candidate pool for a free-text query: one
// retrieval per expanded variant, deduplicated by book ID preserving variant
// order, capped at the candidate budget.
func (s *Service) queryPool(ctx context.Context, query string) []catalog.Candidate {
	variants := s.reformer.Expand(ctx, query, s.expansions)

	perVariant := s.candidates / 2
	if len(variants) <= 1 || perVariant < 1 {
		perVariant = s.candidates
	}

	results := make([][]catalog.Candidate, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expansionFanout)
	for i, variant := range variants {
		g.Go(func() error {
			vec, err := s.encode(gctx, variant)
			if err != nil {
				slog.Warn("recommend: encoding query variant failed", "variant", variant, "err", err)
				return nil
			}
			results[i] = s.nearest(gctx, vec, nil, perVariant)
			return nil
		})
	}
	_ = g.Wait() // retrieval errors degrade per-variant, never abort

	seen := make(map[int64]struct{}, s.candidates)
	var pool []catalog.Candidate
	for _, res := range results {
		for _, c := range res {
			if _, dup := seen[c.Book.ID]; dup {
				continue
			}
			seen[c.Book.ID] = struct{}{}
			pool = append(pool, c)
			if len(pool) == s.candidates {
				return pool
			}
		}
	}

	slog.Info("recommend: expansion retrieval", "query", query, "variants", len(variants), "candidates", len(pool))
	return pool
}

func (s *Service) encode(ctx context.Context, text string) ([]float32, error) {
	ectx, cancel := context.WithTimeout(ctx, s.timeouts.Encode)
	defer cancel()
	defer s.timed(ctx, func(m *observe.Metrics) metric.Float64Histogram { return m.EncodeDuration })()

	vec, err := s.encoder.Embed(ectx, text)
	if err != nil {
		s.providerError(ctx, s.encoder.ModelID(), "encode")
		return nil, err
	}
	return vec, nil
}

func (s *Service) nearest(ctx context.Context, vec []float32, exclude []int64, k int) []catalog.Candidate {
	rctx, cancel := context.WithTimeout(ctx, s.timeouts.Retrieve)
	defer cancel()
	defer s.timed(ctx, func(m *observe.Metrics) metric.Float64Histogram { return m.RetrieveDuration })()

	pool, err := s.books.Nearest(rctx, vec, exclude, k)
	if err != nil {
		slog.Error("recommend: vector search failed", "err", err)
		return nil
	}
	return pool
}

func (s *Service) rerankPool(ctx context.Context, query string, pool []catalog.Candidate, topK int) []catalog.Candidate {
	rctx, cancel := context.WithTimeout(ctx, s.timeouts.Rerank)
	defer cancel()
	defer s.timed(ctx, func(m *observe.Metrics) metric.Float64Histogram { return m.RerankDuration })()

	return s.ranker.Rerank(rctx, query, pool, topK)
}

func (s *Service) profileReasons(ctx context.Context, cands []catalog.Candidate) []string {
	gctx, cancel := context.WithTimeout(ctx, s.timeouts.Generate)
	defer cancel()
	defer s.timed(ctx, func(m *observe.Metrics) metric.Float64Histogram { return m.GenerateDuration })()

	return s.explainer.ForProfile(gctx, cands)
}

func (s *Service) queryReasons(ctx context.Context, query string, cands []catalog.Candidate) []string {
	gctx, cancel := context.WithTimeout(ctx, s.timeouts.Generate)
	defer cancel()
	defer s.timed(ctx, func(m *observe.Metrics) metric.Float64Histogram { return m.GenerateDuration })()

	return s.explainer.ForQuery(gctx, query, cands)
}

func (s *Service) productMap(ctx context.Context, cands []catalog.Candidate) map[string]int64 {
	refs := make([]string, 0, len(cands))
	for _, c := range cands {
		if c.Book.Reference != "" {
			refs = append(refs, c.Book.Reference)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	products, err := s.books.ProductIDsByReference(ctx, refs)
	if err != nil {
		slog.Error("recommend: product mapping failed", "err", err)
		return nil
	}
	return products
}

// samplePool picks k candidates uniformly without replacement and restores
// ascending distance order within the sample.
func (s *Service) samplePool(pool []catalog.Candidate, k int) []catalog.Candidate {
	if k > len(pool) {
		k = len(pool)
	}
	idx := s.sample(len(pool), k)
	picked := make([]catalog.Candidate, 0, k)
	for _, i := range idx {
		picked = append(picked, pool[i])
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].Distance < picked[j].Distance })
	return picked
}

// assemble zips candidates with their reasons and product mapping. When
// dropUnmapped is set, candidates without a sellable product are omitted.
func assemble(cands []catalog.Candidate, reasons []string, products map[string]int64, dropUnmapped bool) []catalog.Recommendation {
	recs := make([]catalog.Recommendation, 0, len(cands))
	for i, c := range cands {
		rec := catalog.Recommendation{
			Title:       c.Book.Title,
			Author:      c.Book.Author,
			Description: c.Book.Description,
			Reference:   c.Book.Reference,
		}
		if i < len(reasons) {
			rec.Reason = reasons[i]
		}
		if pid, ok := products[c.Book.Reference]; ok {
			rec.ProductID = &pid
		} else if dropUnmapped {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// --- caching and metrics plumbing ---

func (s *Service) clampTopK(topK int) int {
	if topK <= 0 {
		return s.topK
	}
	return topK
}

func (s *Service) cachedResult(ctx context.Context, op, key string) ([]catalog.Recommendation, bool) {
	if s.results == nil {
		return nil, false
	}
	var recs []catalog.Recommendation
	hit := s.results.GetJSON(key, &recs)
	s.countCache(ctx, "ephemeral", op, hit)
	return recs, hit
}

func (s *Service) storeResult(ctx context.Context, op, key string, recs []catalog.Recommendation) {
	if s.results != nil {
		s.results.SetJSON(key, recs)
	}
	if s.metrics != nil {
		s.metrics.Recommendations.Add(ctx, int64(len(recs)),
			metric.WithAttributes(attribute.String("mode", op)))
	}
}

func (s *Service) countCache(ctx context.Context, kind, op string, hit bool) {
	if s.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	s.metrics.CacheEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", kind),
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

func (s *Service) providerError(ctx context.Context, provider, stage string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("stage", stage),
	))
}

// timed returns a func recording elapsed time on the picked histogram when
// called. No-op without metrics.
func (s *Service) timed(ctx context.Context, pick func(*observe.Metrics) metric.Float64Histogram) func() {
	if s.metrics == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		observe.RecordStage(ctx, pick(s.metrics), time.Since(start).Seconds())
	}
}
