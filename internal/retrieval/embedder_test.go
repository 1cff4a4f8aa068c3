package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockBackend struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockBackend) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}

// wordTokenizer treats each space-separated word as one token.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	out := make([]int, len(strings.Fields(text)))
	for i := range out {
		out[i] = i
	}
	return out
}

func (wordTokenizer) Decode(tokens []int) string {
	return strings.Repeat("w ", len(tokens))
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i+1) * 0.001
	}
	return v
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	var gotModel string
	mock := &mockBackend{embedFn: func(_ context.Context, model, _ string) ([]float32, error) {
		gotModel = model
		return makeVector(384), nil
	}}
	e := NewEmbedder(mock, "nomic-embed-text", nil, 0)

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
	if gotModel != "nomic-embed-text" {
		t.Errorf("model = %q", gotModel)
	}
}

func TestEmbed_BackendError(t *testing.T) {
	mock := &mockBackend{embedFn: func(context.Context, string, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}
	e := NewEmbedder(mock, "m", nil, 0)

	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEmbed_EmptyVectorIsError(t *testing.T) {
	mock := &mockBackend{embedFn: func(context.Context, string, string) ([]float32, error) {
		return nil, nil
	}}
	e := NewEmbedder(mock, "m", nil, 0)

	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestEmbed_TruncatesToTokenBudget(t *testing.T) {
	var sent string
	mock := &mockBackend{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		sent = text
		return makeVector(4), nil
	}}
	e := NewEmbedder(mock, "m", wordTokenizer{}, 3)

	if _, err := e.Embed(context.Background(), "one two three four five"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if n := len(strings.Fields(sent)); n != 3 {
		t.Errorf("sent %d tokens, want 3 (%q)", n, sent)
	}

	if _, err := e.Embed(context.Background(), "short text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if sent != "short text" {
		t.Errorf("text under budget was altered: %q", sent)
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	mock := &mockBackend{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}}
	e := NewEmbedder(mock, "m", nil, 0)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Errorf("vecs[%d] = %v, want [%d]", i, v, i+1)
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	e := NewEmbedder(&mockBackend{}, "m", nil, 0)
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", vecs, err)
	}
}

func TestEmbedBatch_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	mock := &mockBackend{embedFn: func(context.Context, string, string) ([]float32, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
		return makeVector(2), nil
	}}
	e := NewEmbedder(mock, "m", nil, 0)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "t"
	}
	if _, err := e.EmbedBatch(context.Background(), texts); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if peak > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", peak)
	}
}

func TestEmbedBatch_ErrorPropagates(t *testing.T) {
	mock := &mockBackend{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		if text == "bad" {
			return nil, errors.New("boom")
		}
		return makeVector(2), nil
	}}
	e := NewEmbedder(mock, "m", nil, 0)

	if _, err := e.EmbedBatch(context.Background(), []string{"ok", "bad", "ok"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetrieverSearch(t *testing.T) {
	store := openTestStore(t)
	mustUpsert(t, store, makeItem("c1", "alice", 0), []float32{1, 0})
	mustUpsert(t, store, makeItem("c2", "alice", 1), []float32{0, 1})

	mock := &mockBackend{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		if strings.Contains(text, "second") {
			return []float32{0, 1}, nil
		}
		return []float32{1, 0}, nil
	}}
	r := NewRetriever(NewEmbedder(mock, "m", nil, 0), store)

	got, err := r.Search(context.Background(), "alice", "the second one", SearchOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Context.ID != "c2" {
		t.Errorf("Search = %+v, want c2", got)
	}

	empty, err := r.Search(context.Background(), "alice", "   ", SearchOptions{Limit: 1})
	if err != nil || empty != nil {
		t.Errorf("blank query = %v, %v", empty, err)
	}

	recent, err := r.Recent(context.Background(), "alice", 1, "", nil)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "c2" {
		t.Errorf("Recent = %v, want [c2]", ids(recent))
	}
}
