package tei_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/shelfwise/pkg/provider/reranker/tei"
)

// mockRerankServer starts a test HTTP server that handles /rerank requests
// and returns the given (index, score) pairs regardless of input.
func mockRerankServer(t *testing.T, results []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("unexpected path: got %q, want /rerank", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: got %q, want POST", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Query string   `json:"query"`
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			t.Error("empty query in rerank request")
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(results); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

// TestNew_EmptyBaseURL verifies that a base URL is required.
func TestNew_EmptyBaseURL(t *testing.T) {
	_, err := tei.New("", "")
	if err == nil {
		t.Fatal("expected error for empty baseURL, got nil")
	}
}

// TestNew_DefaultModel verifies that an empty model falls back to the
// reference cross-encoder.
func TestNew_DefaultModel(t *testing.T) {
	p, err := tei.New("http://127.0.0.1:19999", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != tei.DefaultModel {
		t.Errorf("ModelID(): got %q, want %q", p.ModelID(), tei.DefaultModel)
	}
}

// TestRerank_ScoresInInputOrder verifies that scores returned by the server
// in relevance order are mapped back to input order via the index field.
func TestRerank_ScoresInInputOrder(t *testing.T) {
	srv := mockRerankServer(t, []map[string]any{
		{"index": 2, "score": 0.9},
		{"index": 0, "score": 0.5},
		{"index": 1, "score": 0.1},
	})
	defer srv.Close()

	p, err := tei.New(srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	scores, err := p.Rerank(context.Background(), "space opera", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}

	want := []float64{0.5, 0.1, 0.9}
	if len(scores) != len(want) {
		t.Fatalf("got %d scores, want %d", len(scores), len(want))
	}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores[%d]: got %v, want %v", i, scores[i], want[i])
		}
	}
}

// TestRerank_EmptyDocuments verifies that no request is issued for an empty
// document slice.
func TestRerank_EmptyDocuments(t *testing.T) {
	p, err := tei.New("http://127.0.0.1:19999", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	scores, err := p.Rerank(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("Rerank(nil): unexpected error: %v", err)
	}
	if scores != nil {
		t.Errorf("Rerank(nil): expected nil, got %v", scores)
	}
}

// TestRerank_MissingScores verifies that a short response is rejected rather
// than silently zero-filling — the engine must fall back to distance order.
func TestRerank_MissingScores(t *testing.T) {
	srv := mockRerankServer(t, []map[string]any{
		{"index": 0, "score": 0.5},
	})
	defer srv.Close()

	p, err := tei.New(srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Rerank(context.Background(), "q", []string{"a", "b"}); err == nil {
		t.Fatal("expected error for missing scores, got nil")
	}
}

// TestRerank_ServerError verifies that a non-200 status is surfaced as an
// error.
func TestRerank_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := tei.New(srv.URL, "", tei.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Rerank(context.Background(), "q", []string{"a"}); err == nil {
		t.Fatal("expected error for 503 response, got nil")
	}
}

// TestRerank_Unreachable verifies connection failures are returned as errors.
func TestRerank_Unreachable(t *testing.T) {
	p, err := tei.New("http://127.0.0.1:19999", "", tei.WithTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Rerank(context.Background(), "q", []string{"a"}); err == nil {
		t.Fatal("expected error for unreachable server, got nil")
	}
}
