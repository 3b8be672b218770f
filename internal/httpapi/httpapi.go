// Package httpapi exposes the recommendation engine over a thin JSON HTTP
// surface. All heavy lifting lives in internal/recommend; handlers here only
// parse input, map errors to status codes, and shape responses.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/shelfwise/internal/recommend"
	"github.com/MrWong99/shelfwise/pkg/catalog"
)

// maxTopK caps the per-request result count so a single request cannot force
// an oversized retrieval.
const maxTopK = 50

// Recommender is the engine surface the API depends on.
type Recommender interface {
	ByProfile(ctx context.Context, userID int64, topK int) ([]catalog.Recommendation, error)
	ByTitle(ctx context.Context, title string, topK int) ([]catalog.Recommendation, error)
	ByQuery(ctx context.Context, query string, topK int) ([]catalog.Recommendation, error)
	StreamByQuery(ctx context.Context, query string, topK int, emit func(chunk string) error) error
	Search(ctx context.Context, query string, topK int) ([]catalog.Candidate, error)
}

var _ Recommender = (*recommend.Service)(nil)

// Handler holds the dependencies shared by all API endpoints.
type Handler struct {
	engine   Recommender
	feedback catalog.FeedbackStore
	log      *slog.Logger
}

// New creates an API handler. feedback may be nil, in which case the
// feedback endpoint responds 503.
func New(engine Recommender, feedback catalog.FeedbackStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, feedback: feedback, log: log}
}

// Register mounts all API routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/recommendations/user/{userID}", h.ByProfile)
		r.Get("/recommendations/title", h.ByTitle)
		r.Get("/recommendations/query", h.ByQuery)
		r.Get("/recommendations/query/stream", h.StreamByQuery)
		r.Get("/search", h.Search)
		r.Post("/feedback", h.Feedback)
	})
}

// ByProfile serves history-based recommendations for one user.
func (h *Handler) ByProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "userID must be a positive integer")
		return
	}
	recs, err := h.engine.ByProfile(r.Context(), userID, topK(r))
	if err != nil {
		h.internalError(w, r, "profile recommendation", err)
		return
	}
	writeJSON(w, http.StatusOK, recommendationList(recs))
}

// ByTitle serves recommendations similar to a named book.
func (h *Handler) ByTitle(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	if title == "" {
		writeError(w, http.StatusBadRequest, "title parameter is required")
		return
	}
	recs, err := h.engine.ByTitle(r.Context(), title, topK(r))
	switch {
	case errors.Is(err, catalog.ErrTitleNotFound):
		writeError(w, http.StatusNotFound, "no book with that title")
		return
	case errors.Is(err, catalog.ErrNoEmbedding):
		writeError(w, http.StatusUnprocessableEntity, "book has not been indexed yet")
		return
	case err != nil:
		h.internalError(w, r, "title recommendation", err)
		return
	}
	writeJSON(w, http.StatusOK, recommendationList(recs))
}

// ByQuery serves recommendations for a free-text query.
func (h *Handler) ByQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}
	recs, err := h.engine.ByQuery(r.Context(), query, topK(r))
	if err != nil {
		h.internalError(w, r, "query recommendation", err)
		return
	}
	writeJSON(w, http.StatusOK, recommendationList(recs))
}

// StreamByQuery serves the streamed variant of ByQuery. Chunks are written
// as they arrive and flushed individually; the concatenated body equals the
// non-streamed model output for the same query and cache state.
func (h *Handler) StreamByQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	err := h.engine.StreamByQuery(r.Context(), query, topK(r), func(chunk string) error {
		if _, werr := w.Write([]byte(chunk)); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Status line is already out; all we can do is log and close.
		h.log.Error("stream aborted", "query", query, "error", err)
	}
}

// searchResult is one semantic-search hit.
type searchResult struct {
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Description string  `json:"description"`
	Reference   string  `json:"reference"`
	Distance    float64 `json:"distance"`
}

// Search serves raw semantic search without reranking or explanations.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}
	cands, err := h.engine.Search(r.Context(), query, topK(r))
	if err != nil {
		h.internalError(w, r, "search", err)
		return
	}
	results := make([]searchResult, 0, len(cands))
	for _, c := range cands {
		results = append(results, searchResult{
			Title:       c.Book.Title,
			Author:      c.Book.Author,
			Description: c.Book.Description,
			Reference:   c.Book.Reference,
			Distance:    c.Distance,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// feedbackRequest is the POST /feedback body.
type feedbackRequest struct {
	UserID   int64  `json:"user_id"`
	BookID   int64  `json:"book_id"`
	Query    string `json:"query"`
	Positive bool   `json:"positive"`
}

// Feedback records a user signal about one recommendation.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	if h.feedback == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback is not enabled")
		return
	}
	var req feedbackRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BookID <= 0 {
		writeError(w, http.StatusBadRequest, "book_id must be a positive integer")
		return
	}
	err := h.feedback.Save(r.Context(), catalog.Feedback{
		UserID:   req.UserID,
		BookID:   req.BookID,
		Query:    req.Query,
		Positive: req.Positive,
	})
	if err != nil {
		h.internalError(w, r, "save feedback", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// topK parses the top_k query parameter, clamped to [1, maxTopK]. Absent or
// unparsable values fall back to the engine default.
func topK(r *http.Request) int {
	raw := r.URL.Query().Get("top_k")
	if raw == "" {
		return recommend.DefaultTopK
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 1 {
		return recommend.DefaultTopK
	}
	return min(k, maxTopK)
}

// recommendationList wraps recommendations so the response is always an
// object, never a bare JSON array.
func recommendationList(recs []catalog.Recommendation) map[string]any {
	if recs == nil {
		recs = []catalog.Recommendation{}
	}
	return map[string]any{"recommendations": recs}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.log.Error(op+" failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
