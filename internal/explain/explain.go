// Package explain turns a ranked candidate list into per-book reasons via a
// single LLM call. Reason generation is strictly best-effort: the model may
// return malformed JSON, too few entries, or nothing at all, and every one
// of those cases degrades to canned reasons rather than failing the
// recommendation.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/shelfwise/internal/llmjson"
	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/provider/llm"
)

// Canned reasons used when the model output is missing or unusable. The
// history and query flavors differ so a degraded response still reads in
// context.
const (
	historyParseFallback = "Recommended because it's similar to your taste."
	historyPadFallback   = "A great choice based on your history."
	historyModelFallback = "Recommended based on your history."

	queryParseFallback = "Highly relevant matching based on your query."
	queryPadFallback   = "A great match for your interests."
)

const profilePromptTemplate = `You are a helpful book expert.

Here are %d books recommended for a user:
%s

Write a short, engaging 1-sentence reason for recommending EACH book.

Return the reasons as a list of valid JSON strings.
Example format: ["Reason for book 1", "Reason for book 2", "Reason for book 3"]

Strictly return ONLY the JSON list. No other text.`

const queryPromptTemplate = `Below is a list of books retrieved from a database for the query: "%s"
CONTEXT:
%s

TASK: Professional Bookstore AI. Provide a valid JSON array of strings. Each string is a 1-sentence reason why a book matches the query.
FORMAT: ["Reason for first book", "Reason for second book", ...]
EXAMPLE: ["A classic novel about love.", "Perfect for beginners in the genre.", "Highly recommended by critics."]
RULES:
- Return ONLY the JSON array of strings.
- NO keys or objects (e.g., do NOT use "Reason 1": ...).
- No introductory or concluding text.
- No explanations of why you can't access real-time data.`

// Generator produces recommendation reasons. Safe for concurrent use.
type Generator struct {
	model llm.Provider
}

// New creates a Generator backed by the given chat model.
func New(model llm.Provider) *Generator {
	return &Generator{model: model}
}

// FormatContext renders candidates as the book context block shared by all
// reason prompts.
func FormatContext(cands []catalog.Candidate) string {
	lines := make([]string, len(cands))
	for i, c := range cands {
		lines[i] = fmt.Sprintf("Title: %s, Author: %s, Description: %s",
			c.Book.Title, c.Book.Author, c.Book.Description)
	}
	return strings.Join(lines, "\n")
}

// QueryPrompt builds the reason prompt for a free-text query over the given
// candidates. Exposed so the streaming path can send the identical prompt
// and relay raw model chunks.
func QueryPrompt(query string, cands []catalog.Candidate) string {
	return fmt.Sprintf(queryPromptTemplate, query, FormatContext(cands))
}

// ForProfile generates one reason per candidate for purchase-history
// recommendations. It always returns exactly len(cands) reasons.
func (g *Generator) ForProfile(ctx context.Context, cands []catalog.Candidate) []string {
	prompt := fmt.Sprintf(profilePromptTemplate, len(cands), FormatContext(cands))
	return g.reasons(ctx, prompt, len(cands), 0.7, historyModelFallback, historyParseFallback, historyPadFallback)
}

// ForQuery generates one reason per candidate for query recommendations.
// It always returns exactly len(cands) reasons.
func (g *Generator) ForQuery(ctx context.Context, query string, cands []catalog.Candidate) []string {
	return g.reasons(ctx, QueryPrompt(query, cands), len(cands), 0.1, queryParseFallback, queryParseFallback, queryPadFallback)
}

func (g *Generator) reasons(ctx context.Context, prompt string, n int, temperature float64, modelFallback, parseFallback, padFallback string) []string {
	if n == 0 {
		return nil
	}

	resp, err := g.model.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
	})
	if err != nil || resp == nil {
		slog.Error("explain: reason generation failed", "model", g.model.ModelID(), "err", err)
		return repeat(modelFallback, n)
	}

	reasons, err := llmjson.ParseStringArray(resp.Content)
	if err != nil {
		slog.Warn("explain: unparsable reason list", "model", g.model.ModelID(), "err", err)
		return repeat(parseFallback, n)
	}

	// Pad short lists, trim long ones; position i must always explain book i.
	for len(reasons) < n {
		reasons = append(reasons, padFallback)
	}
	return reasons[:n]
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
