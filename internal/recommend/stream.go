package recommend

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/shelfwise/internal/explain"
	"github.com/MrWong99/shelfwise/internal/observe"
	"github.com/MrWong99/shelfwise/pkg/provider/llm"
)

// minDurableLen guards the durable cache against near-empty or garbled
// model output: shorter accumulated responses are not worth caching.
const minDurableLen = 10

// streamFallback is emitted when the model cannot start a stream at all.
const streamFallback = "We're having trouble generating recommendations right now. Please try again later."

// finalizeTimeout bounds the durable cache write after the consumer is done.
const finalizeTimeout = 5 * time.Second

// StreamByQuery streams the recommendation response for a free-text query,
// invoking emit for every chunk as it arrives.
//
// A durable-cache hit is emitted as one chunk with no model call. An empty
// candidate pool emits the literal "[]". Otherwise the model's token stream
// is forwarded chunk by chunk while being accumulated; once complete, the
// full text is written to the durable cache with insert-if-absent semantics
// so concurrent identical queries converge on one stored value. If emit
// returns an error (consumer gone), generation is abandoned and nothing is
// cached. Concatenated chunks equal the full non-streamed response text for
// the same model and cache state.
func (s *Service) StreamByQuery(ctx context.Context, query string, topK int, emit func(chunk string) error) error {
	topK = s.clampTopK(topK)

	if s.queries != nil {
		text, ok, err := s.queries.Get(ctx, query)
		if err != nil {
			slog.Error("recommend: durable cache read failed", "query", query, "err", err)
		}
		s.countCache(ctx, "durable", "stream", ok)
		if ok {
			return emit(text)
		}
	}

	pool := s.queryPool(ctx, query)
	ranked := s.rerankPool(ctx, query, pool, topK)
	if len(ranked) == 0 {
		return emit("[]")
	}

	prompt := explain.QueryPrompt(query, ranked)

	gctx, cancel := context.WithTimeout(ctx, s.timeouts.Generate)
	defer cancel()
	done := s.timed(ctx, func(m *observe.Metrics) metric.Float64Histogram { return m.GenerateDuration })

	ch, err := s.model.StreamCompletion(gctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	})
	if err != nil {
		done()
		slog.Error("recommend: starting stream failed", "query", query, "model", s.model.ModelID(), "err", err)
		s.providerError(ctx, s.model.ModelID(), "generate")
		return emit(streamFallback)
	}

	var buf strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			done()
			slog.Error("recommend: stream failed mid-generation",
				"query", query, "model", s.model.ModelID(), "detail", chunk.Text)
			s.providerError(ctx, s.model.ModelID(), "generate")
			// Chunks already sent stand; an incomplete buffer is never cached.
			return nil
		}
		if chunk.Text == "" {
			continue
		}
		if err := emit(chunk.Text); err != nil {
			// Consumer disconnected: abandon generation, no cache write.
			cancel()
			for range ch {
			}
			return err
		}
		buf.WriteString(chunk.Text)
	}
	done()

	if err := ctx.Err(); err != nil {
		return err
	}
	if gctx.Err() != nil {
		slog.Error("recommend: stream timed out", "query", query, "model", s.model.ModelID())
		s.providerError(ctx, s.model.ModelID(), "generate")
		return nil
	}

	if s.queries != nil && buf.Len() > minDurableLen {
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer fcancel()
		if err := s.queries.PutIfAbsent(fctx, query, buf.String()); err != nil {
			slog.Error("recommend: durable cache write failed", "query", query, "err", err)
		}
	}
	return nil
}
