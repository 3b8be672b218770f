package recommend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/provider/llm"
	llmmock "github.com/MrWong99/shelfwise/pkg/provider/llm/mock"
)

// streamModel answers expansion prompts via Complete and plays back chunks
// for the streamed response.
func streamModel(expansion string, chunks ...string) *llmmock.Provider {
	p := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: expansion}, nil
		},
	}
	for _, c := range chunks {
		p.StreamChunks = append(p.StreamChunks, llm.Chunk{Text: c})
	}
	p.StreamChunks = append(p.StreamChunks, llm.Chunk{FinishReason: "stop"})
	return p
}

func singleBookStore() *fakeStore {
	store := &fakeStore{products: map[string]int64{}}
	store.nearestFn = func(_ []float32, _ []int64, _ int) []catalog.Candidate {
		return []catalog.Candidate{{Book: catalog.Book{ID: 1, Title: "A"}, Distance: 0.1}}
	}
	return store
}

func TestStreamByQuery_DurableCacheHitEmitsSingleChunk(t *testing.T) {
	qc := newFakeQueryCache()
	qc.entries["space opera"] = `["Cached reason."]`

	model := &llmmock.Provider{}
	s := newTestService(t, Deps{Books: singleBookStore(), Model: model, Queries: qc})

	var chunks []string
	err := s.StreamByQuery(context.Background(), "space opera", 3, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamByQuery: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != `["Cached reason."]` {
		t.Errorf("got chunks %v, want single cached chunk", chunks)
	}
	if len(model.StreamCalls)+len(model.CompleteCalls) != 0 {
		t.Error("cache hit must not invoke the model")
	}
}

func TestStreamByQuery_EmptyPoolEmitsEmptyMarker(t *testing.T) {
	qc := newFakeQueryCache()
	model := streamModel(`["q"]`)
	s := newTestService(t, Deps{Books: &fakeStore{}, Model: model, Queries: qc})

	var chunks []string
	err := s.StreamByQuery(context.Background(), "q", 3, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamByQuery: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "[]" {
		t.Errorf("got chunks %v, want [\"[]\"]", chunks)
	}
	if len(model.StreamCalls) != 0 {
		t.Error("empty pool must not start a model stream")
	}
}

func TestStreamByQuery_ForwardsChunksAndFinalizes(t *testing.T) {
	qc := newFakeQueryCache()
	model := streamModel(`["q"]`, `["A grand `, `space `, `adventure."]`)
	s := newTestService(t, Deps{Books: singleBookStore(), Model: model, Queries: qc})

	var got []string
	err := s.StreamByQuery(context.Background(), "q", 3, func(c string) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamByQuery: %v", err)
	}

	full := strings.Join(got, "")
	want := `["A grand space adventure."]`
	if full != want {
		t.Errorf("concatenated chunks = %q, want %q", full, want)
	}
	if len(got) != 3 {
		t.Errorf("got %d chunks, want 3 (forwarded incrementally)", len(got))
	}

	// The accumulated text must be durably cached, and a replay must serve
	// it without a new stream.
	if stored := qc.entries["q"]; stored != want {
		t.Errorf("cached value = %q, want %q", stored, want)
	}
	streamCalls := len(model.StreamCalls)
	var replay []string
	if err := s.StreamByQuery(context.Background(), "q", 3, func(c string) error {
		replay = append(replay, c)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(model.StreamCalls) != streamCalls {
		t.Error("cached replay must not start a new stream")
	}
	if strings.Join(replay, "") != want {
		t.Errorf("replay = %q, want %q", strings.Join(replay, ""), want)
	}
}

func TestStreamByQuery_ShortOutputNotCached(t *testing.T) {
	qc := newFakeQueryCache()
	model := streamModel(`["q"]`, "[]")
	s := newTestService(t, Deps{Books: singleBookStore(), Model: model, Queries: qc})

	if err := s.StreamByQuery(context.Background(), "q", 3, func(string) error { return nil }); err != nil {
		t.Fatalf("StreamByQuery: %v", err)
	}
	if len(qc.puts) != 0 {
		t.Error("near-empty output must not be cached")
	}
}

func TestStreamByQuery_ConsumerGoneAbandonsCacheWrite(t *testing.T) {
	qc := newFakeQueryCache()
	model := streamModel(`["q"]`, "chunk one that is long enough, ", "chunk two")
	s := newTestService(t, Deps{Books: singleBookStore(), Model: model, Queries: qc})

	consumerErr := errors.New("client disconnected")
	calls := 0
	err := s.StreamByQuery(context.Background(), "q", 3, func(string) error {
		calls++
		if calls > 1 {
			return consumerErr
		}
		return nil
	})
	if !errors.Is(err, consumerErr) {
		t.Errorf("err = %v, want the consumer error", err)
	}
	if len(qc.puts) != 0 {
		t.Error("no cache write after consumer disconnect")
	}
}

func TestStreamByQuery_MidStreamErrorKeepsSentChunksUncached(t *testing.T) {
	qc := newFakeQueryCache()
	model := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: `["q"]`}, nil
		},
		StreamChunks: []llm.Chunk{
			{Text: "a partial answer that is fairly long"},
			{Text: "model fell over", FinishReason: "error"},
		},
	}
	s := newTestService(t, Deps{Books: singleBookStore(), Model: model, Queries: qc})

	var got []string
	err := s.StreamByQuery(context.Background(), "q", 3, func(c string) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("mid-stream failure must not surface: %v", err)
	}
	if len(got) != 1 || got[0] != "a partial answer that is fairly long" {
		t.Errorf("got chunks %v", got)
	}
	if len(qc.puts) != 0 {
		t.Error("incomplete buffer must not be cached")
	}
}

func TestStreamByQuery_StartFailureEmitsFallback(t *testing.T) {
	qc := newFakeQueryCache()
	model := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: `["q"]`}, nil
		},
		StreamErr: errors.New("connection refused"),
	}
	s := newTestService(t, Deps{Books: singleBookStore(), Model: model, Queries: qc})

	var got []string
	err := s.StreamByQuery(context.Background(), "q", 3, func(c string) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("start failure must degrade, got: %v", err)
	}
	if len(got) != 1 || got[0] != streamFallback {
		t.Errorf("got chunks %v, want the fallback message", got)
	}
	if len(qc.puts) != 0 {
		t.Error("fallback output must not be cached")
	}
}

func TestStreamByQuery_ConcurrentFinalizeConvergesOnOneValue(t *testing.T) {
	qc := newFakeQueryCache()
	// Simulate two racing finalize writes directly against the cache
	// contract: only the first value sticks.
	if err := qc.PutIfAbsent(context.Background(), "q", "first response"); err != nil {
		t.Fatal(err)
	}
	if err := qc.PutIfAbsent(context.Background(), "q", "second response"); err != nil {
		t.Fatal(err)
	}
	if qc.entries["q"] != "first response" {
		t.Errorf("stored = %q, want the first writer's value", qc.entries["q"])
	}
}
