package rerank

import (
	"context"
	"errors"
	"testing"
)

// mockScorer scores (query, document) pairs via an exact key lookup,
// defaulting to 0.5 for unlisted pairs.
type mockScorer map[string]float32

func (m mockScorer) Score(_ context.Context, query, document string) (float32, error) {
	if v, ok := m[query+"|"+document]; ok {
		return v, nil
	}
	return 0.5, nil
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, string, string) (float32, error) {
	return 0, errors.New("model unavailable")
}

func TestReranker_Disabled_PassesThrough(t *testing.T) {
	r := New(mockScorer{}, Config{Enabled: false})
	cands := []Candidate{{DocID: "a", Content: "x"}, {DocID: "b", Content: "y"}}
	got := r.Rerank(context.Background(), "q", cands, 2)
	if len(got) != 2 || got[0].DocID != "a" || got[1].DocID != "b" {
		t.Fatalf("expected pass-through order, got %+v", got)
	}
	for i, res := range got {
		if res.OriginalRank != i || res.NewRank != i {
			t.Errorf("pass-through result %d: ranks not preserved: %+v", i, res)
		}
	}
}

func TestReranker_NilScorer_PassesThrough(t *testing.T) {
	r := New(nil, Config{Enabled: true})
	cands := []Candidate{{DocID: "a", Content: "x"}}
	got := r.Rerank(context.Background(), "q", cands, 1)
	if len(got) != 1 || got[0].DocID != "a" {
		t.Fatalf("expected pass-through with nil scorer, got %+v", got)
	}
}

func TestReranker_EmptyCandidates(t *testing.T) {
	r := New(mockScorer{}, Config{Enabled: true})
	got := r.Rerank(context.Background(), "q", nil, 5)
	if len(got) != 0 {
		t.Errorf("expected no results for empty candidates, got %d", len(got))
	}
}

func TestReranker_ReordersByScore(t *testing.T) {
	scorer := mockScorer{
		"q|low":  0.1,
		"q|high": 0.9,
	}
	r := New(scorer, Config{Enabled: true, BatchSize: 32})
	cands := []Candidate{
		{DocID: "low-doc", Content: "low"},
		{DocID: "high-doc", Content: "high"},
	}
	got := r.Rerank(context.Background(), "q", cands, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].DocID != "high-doc" {
		t.Errorf("expected high-doc first, got %s", got[0].DocID)
	}
	if got[0].NewRank != 0 || got[1].NewRank != 1 {
		t.Errorf("new ranks not assigned correctly: %+v", got)
	}
}

func TestReranker_TruncatesToK(t *testing.T) {
	r := New(mockScorer{}, Config{Enabled: true})
	cands := []Candidate{{DocID: "a"}, {DocID: "b"}, {DocID: "c"}}
	got := r.Rerank(context.Background(), "q", cands, 2)
	if len(got) != 2 {
		t.Errorf("expected results truncated to k=2, got %d", len(got))
	}
}

func TestReranker_ScorerError_FailsOpen(t *testing.T) {
	r := New(failingScorer{}, Config{Enabled: true})
	cands := []Candidate{{DocID: "a", Content: "x"}, {DocID: "b", Content: "y"}}
	got := r.Rerank(context.Background(), "q", cands, 2)
	if len(got) != 2 || got[0].DocID != "a" || got[1].DocID != "b" {
		t.Fatalf("expected fail-open pass-through order, got %+v", got)
	}
	if got[0].Score != 0 || got[1].Score != 0 {
		t.Errorf("fail-open results should carry zero score, got %+v", got)
	}
}

func TestReranker_BatchesAcrossBatchSize(t *testing.T) {
	scorer := mockScorer{}
	r := New(scorer, Config{Enabled: true, BatchSize: 1})
	cands := []Candidate{{DocID: "a", Content: "x"}, {DocID: "b", Content: "y"}, {DocID: "c", Content: "z"}}
	got := r.Rerank(context.Background(), "q", cands, 3)
	if len(got) != 3 {
		t.Fatalf("expected all 3 candidates scored across batches, got %d", len(got))
	}
}

func TestReranker_MaxDocCharsTruncatesBeforeScoring(t *testing.T) {
	var seen string
	scorer := scoringFunc(func(_ context.Context, _ string, document string) (float32, error) {
		seen = document
		return 1, nil
	})
	r := New(scorer, Config{Enabled: true, MaxDocChars: 3})
	cands := []Candidate{{DocID: "a", Content: "abcdef"}}
	r.Rerank(context.Background(), "q", cands, 1)
	if seen != "abc" {
		t.Errorf("expected document truncated to 3 chars, got %q", seen)
	}
}

type scoringFunc func(ctx context.Context, query, document string) (float32, error)

func (f scoringFunc) Score(ctx context.Context, query, document string) (float32, error) {
	return f(ctx, query, document)
}
