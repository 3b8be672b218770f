package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/dispatch"
	"github.com/MrWong99/shelfwise/pkg/dispatch/inproc"
)

// flakyEncoder fails for configured texts and embeds everything else.
type flakyEncoder struct {
	failFor map[string]bool
}

func (e *flakyEncoder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.failFor[text] {
		return nil, errors.New("encode failed")
	}
	return []float32{0.1, 0.2}, nil
}

func (e *flakyEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *flakyEncoder) Dimensions() int { return 2 }

func (e *flakyEncoder) ModelID() string { return "test-encoder" }

// testStore is a minimal catalog.BookStore for indexer tests.
type testStore struct {
	mu      sync.Mutex
	books   map[int64]catalog.Book
	ids     []int64
	updates []map[int64][]float32

	updateErr error
}

func (s *testStore) Nearest(context.Context, []float32, []int64, int) ([]catalog.Candidate, error) {
	return nil, nil
}

func (s *testStore) GetByTitle(context.Context, string) (catalog.Book, error) {
	return catalog.Book{}, catalog.ErrTitleNotFound
}

func (s *testStore) GetBatch(_ context.Context, ids []int64) ([]catalog.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Book
	for _, id := range ids {
		if b, ok := s.books[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *testStore) ListIDs(context.Context, bool) ([]int64, error) { return s.ids, nil }

func (s *testStore) UpdateEmbeddings(_ context.Context, embs map[int64][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, embs)
	return nil
}

func (s *testStore) PurchasedBookIDs(context.Context, int64) ([]int64, error) { return nil, nil }

func (s *testStore) PurchasedEmbeddings(context.Context, int64) ([][]float32, error) {
	return nil, nil
}

func (s *testStore) ProductIDsByReference(context.Context, []string) (map[string]int64, error) {
	return nil, nil
}

// recordingDispatcher captures dispatched jobs.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, name string, args any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	job, err := dispatch.NewJob(name, args)
	if err != nil {
		return err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func TestEmbedBatch_PersistsSuccessesSkipsFailures(t *testing.T) {
	store := &testStore{books: map[int64]catalog.Book{
		1: {ID: 1, Title: "Good", Description: "fine"},
		2: {ID: 2, Title: "Bad", Description: "broken"},
		3: {ID: 3, Title: "Also Good", Description: "fine"},
	}}
	enc := &flakyEncoder{failFor: map[string]bool{"Bad broken": true}}
	ix := New(store, enc, &recordingDispatcher{}, nil)

	if err := ix.EmbedBatch(context.Background(), []int64{1, 2, 3}); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	if len(store.updates) != 1 {
		t.Fatalf("got %d update calls, want 1", len(store.updates))
	}
	upd := store.updates[0]
	if len(upd) != 2 {
		t.Fatalf("got %d updated books, want 2 (failure skipped)", len(upd))
	}
	if _, ok := upd[2]; ok {
		t.Error("the failed book must not be persisted")
	}
	if _, ok := upd[1]; !ok {
		t.Error("book 1 missing from the persisted batch")
	}
}

func TestEmbedBatch_EmptyAndUnknownIDs(t *testing.T) {
	store := &testStore{books: map[int64]catalog.Book{}}
	ix := New(store, &flakyEncoder{}, &recordingDispatcher{}, nil)

	if err := ix.EmbedBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if err := ix.EmbedBatch(context.Background(), []int64{404}); err != nil {
		t.Fatalf("unknown IDs: %v", err)
	}
	if len(store.updates) != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestReindex_ChunksIntoBatches(t *testing.T) {
	ids := make([]int64, 120)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	store := &testStore{ids: ids}
	disp := &recordingDispatcher{}
	ix := New(store, &flakyEncoder{}, disp, nil)

	n, err := ix.Reindex(context.Background(), false, 50)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if n != 120 {
		t.Errorf("scheduled = %d, want 120", n)
	}
	// ceil(120/50) = 3 jobs: 50, 50, 20.
	if len(disp.jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(disp.jobs))
	}

	var total int
	for i, job := range disp.jobs {
		if job.Name != JobEmbedBooks {
			t.Errorf("job %d name = %q, want %q", i, job.Name, JobEmbedBooks)
		}
		var args EmbedArgs
		if err := job.UnmarshalArgs(&args); err != nil {
			t.Fatalf("job %d args: %v", i, err)
		}
		total += len(args.BookIDs)
	}
	if total != 120 {
		t.Errorf("jobs cover %d books, want 120", total)
	}
}

func TestReindex_DefaultBatchSize(t *testing.T) {
	store := &testStore{ids: []int64{1, 2, 3}}
	disp := &recordingDispatcher{}
	ix := New(store, &flakyEncoder{}, disp, nil)

	if _, err := ix.Reindex(context.Background(), true, 0); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if len(disp.jobs) != 1 {
		t.Errorf("got %d jobs, want 1", len(disp.jobs))
	}
}

func TestReindex_DispatchFailureStops(t *testing.T) {
	store := &testStore{ids: []int64{1, 2, 3}}
	disp := &recordingDispatcher{err: errors.New("broker down")}
	ix := New(store, &flakyEncoder{}, disp, nil)

	if _, err := ix.Reindex(context.Background(), false, 2); err == nil {
		t.Error("dispatch failure must surface")
	}
}

func TestHandleJob_RoundTripThroughDispatcher(t *testing.T) {
	store := &testStore{books: map[int64]catalog.Book{
		1: {ID: 1, Title: "Dune", Description: "sand"},
	}}
	disp := inproc.New()
	disp.Synchronous = true

	ix := New(store, &flakyEncoder{}, disp, nil)
	ix.Register(disp)

	if err := disp.Dispatch(context.Background(), JobEmbedBooks, EmbedArgs{BookIDs: []int64{1}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(store.updates) != 1 {
		t.Fatalf("got %d update calls, want 1", len(store.updates))
	}
	if _, ok := store.updates[0][1]; !ok {
		t.Error("book 1 embedding not persisted via the job path")
	}
}

func TestContentChangeHook_DispatchesEmbedJob(t *testing.T) {
	disp := &recordingDispatcher{}
	ix := New(&testStore{}, &flakyEncoder{}, disp, nil)

	hook := ix.ContentChangeHook()
	hook(context.Background(), []int64{7})

	if len(disp.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(disp.jobs))
	}
	var args EmbedArgs
	if err := disp.jobs[0].UnmarshalArgs(&args); err != nil {
		t.Fatal(err)
	}
	if len(args.BookIDs) != 1 || args.BookIDs[0] != 7 {
		t.Errorf("job args = %v, want [7]", args.BookIDs)
	}
}
