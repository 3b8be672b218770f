// Package reform rewrites user queries to improve retrieval recall.
//
// Two independent strategies are offered, selectable per call:
//
//   - Expansion: the model proposes alternative phrasings and sub-themes of
//     the query, each retrieved separately and pooled.
//   - HyDE (hypothetical document embedding): the model writes a short
//     passage that would ideally satisfy the query, and that passage is
//     embedded instead of the raw query — a descriptive passage sits much
//     closer to real catalog descriptions in embedding space than a
//     three-word query does.
//
// Both strategies degrade to the plain query on any model failure; neither
// ever returns an error to the caller.
package reform

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/shelfwise/internal/llmjson"
	"github.com/MrWong99/shelfwise/pkg/provider/embeddings"
	"github.com/MrWong99/shelfwise/pkg/provider/llm"
)

const (
	// DefaultVariations is how many alternative phrasings Expand requests.
	DefaultVariations = 3

	// maxVariations caps the total result set regardless of what the model
	// returns.
	maxVariations = 5

	// expansionTemperature favours varied phrasings.
	expansionTemperature = 0.7
)

const expandPromptFormat = `You are a helpful search assistant.
Generate %d different search queries based on this user input: %q.
Include synonyms, related sub-genres, or specific themes.

Return ONLY a JSON array of strings.
Example: ["original query", "synonym 1", "related theme"]

Do not explain. Just JSON.`

const hydePromptFormat = `You are a helpful book expert.
Write a short, detailed description (3-4 sentences) of a hypothetical book that would perfectly answer this query: %q.
Do not mention real books. Focus on the plot, themes, and style.`

// Reformer generates query variations and hypothetical-document embeddings.
// Safe for concurrent use.
type Reformer struct {
	model   llm.Provider
	encoder embeddings.Provider
}

// New creates a Reformer over the given model and encoder.
func New(model llm.Provider, encoder embeddings.Provider) *Reformer {
	return &Reformer{model: model, encoder: encoder}
}

// Expand returns between 1 and 5 query variations, always including the
// original query (prepended when the model omits it). n <= 0 falls back to
// DefaultVariations. This path never fails: any model error or unparsable
// output degrades to just the original query.
func (r *Reformer) Expand(ctx context.Context, query string, n int) []string {
	if n <= 0 {
		n = DefaultVariations
	}

	resp, err := r.model.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(expandPromptFormat, n, query),
		}},
		Temperature: expansionTemperature,
	})
	if err != nil || resp == nil {
		slog.Error("reform: expansion failed", "query", query, "err", err)
		return []string{query}
	}

	variations, err := llmjson.ParseStringArray(resp.Content)
	if err != nil {
		slog.Error("reform: expansion output unparsable", "query", query, "err", err)
		return []string{query}
	}

	// Drop empties; the model occasionally pads with blank strings.
	variations = slices.DeleteFunc(variations, func(s string) bool { return s == "" })

	if !slices.Contains(variations, query) {
		variations = append([]string{query}, variations...)
	}
	if len(variations) > maxVariations {
		variations = variations[:maxVariations]
	}

	slog.Info("reform: expanded query", "query", query, "variations", len(variations))
	return variations
}

// HydeEmbedding embeds a model-written hypothetical passage for the query.
// When generation fails or produces nothing usable, it falls back to
// embedding the raw query text; encoder errors are returned as-is since
// without a vector there is nothing to search with.
func (r *Reformer) HydeEmbedding(ctx context.Context, query string) ([]float32, error) {
	resp, err := r.model.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(hydePromptFormat, query),
		}},
		Temperature: expansionTemperature,
	})
	if err != nil || resp == nil {
		slog.Error("reform: hyde generation failed", "query", query, "err", err)
		return r.encoder.Embed(ctx, query)
	}

	passage := llmjson.StripReasoning(resp.Content)
	if passage == "" {
		slog.Warn("reform: hyde produced empty passage", "query", query)
		return r.encoder.Embed(ctx, query)
	}

	vec, err := r.encoder.Embed(ctx, passage)
	if err != nil {
		slog.Error("reform: hyde embedding failed", "query", query, "err", err)
		return r.encoder.Embed(ctx, query)
	}
	return vec, nil
}
