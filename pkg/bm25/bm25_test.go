package bm25

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIndex_Search_FindsMatchingDoc(t *testing.T) {
	idx := New(Config{})
	idx.Index("doc1", "the quick brown fox jumps over the lazy dog")
	idx.Index("doc2", "completely unrelated content about gardening")

	results := idx.Search("quick fox", 10)
	if len(results) == 0 {
		t.Fatal("expected at least one match")
	}
	if results[0].DocID != "doc1" {
		t.Errorf("expected doc1 to rank first, got %s", results[0].DocID)
	}
}

func TestIndex_Search_RareTermMatchesOnlyItsDoc(t *testing.T) {
	idx := New(Config{})
	idx.Index("common", "apple apple apple banana")
	idx.Index("rare", "apple zygote")

	results := idx.Search("zygote", 10)
	if len(results) != 1 || results[0].DocID != "rare" {
		t.Fatalf("expected only 'rare' to match 'zygote', got %+v", results)
	}
}

func TestIndex_Search_RespectsK(t *testing.T) {
	idx := New(Config{})
	idx.Index("a", "shared term here")
	idx.Index("b", "shared term there")
	idx.Index("c", "shared term everywhere")

	results := idx.Search("shared", 2)
	if len(results) != 2 {
		t.Errorf("expected results truncated to k=2, got %d", len(results))
	}
}

func TestIndex_Remove_DropsDocFromPostings(t *testing.T) {
	idx := New(Config{})
	idx.Index("doc1", "unique keyword here")
	idx.Remove("doc1")

	if idx.DocCount() != 0 {
		t.Errorf("expected DocCount 0 after remove, got %d", idx.DocCount())
	}
	results := idx.Search("unique", 10)
	if len(results) != 0 {
		t.Errorf("expected no results after remove, got %+v", results)
	}
}

func TestIndex_Index_IsIdempotentOnReindex(t *testing.T) {
	idx := New(Config{})
	idx.Index("doc1", "original content words")
	idx.Index("doc1", "replaced content entirely")

	if idx.DocCount() != 1 {
		t.Fatalf("expected exactly one doc after re-index, got %d", idx.DocCount())
	}
	results := idx.Search("original", 10)
	if len(results) != 0 {
		t.Errorf("expected old content to no longer match, got %+v", results)
	}
	results = idx.Search("replaced", 10)
	if len(results) != 1 {
		t.Errorf("expected new content to match, got %+v", results)
	}
}

func TestIndex_Search_NoMatchingTerms(t *testing.T) {
	idx := New(Config{})
	idx.Index("doc1", "some content")
	results := idx.Search("nonexistent query words", 10)
	if len(results) != 0 {
		t.Errorf("expected no results, got %+v", results)
	}
}

func TestIndex_PersistAndLoad_RoundTrip(t *testing.T) {
	idx := New(Config{K1: 1.5, B: 0.8})
	idx.Index("doc1", "roundtrip persistence test content")
	idx.Index("doc2", "more content for the index")
	idx.SetLastSyncedVectorCount(42)

	dir := t.TempDir()
	path := filepath.Join(dir, "bm25.bin")
	if err := idx.Persist(path); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	loaded := New(Config{})
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DocCount() != 2 {
		t.Errorf("DocCount after load = %d, want 2", loaded.DocCount())
	}
	if loaded.LastSyncedVectorCount() != 42 {
		t.Errorf("LastSyncedVectorCount after load = %d, want 42", loaded.LastSyncedVectorCount())
	}
	results := loaded.Search("roundtrip", 10)
	if len(results) != 1 || results[0].DocID != "doc1" {
		t.Errorf("expected doc1 to match after reload, got %+v", results)
	}
}

func TestIndex_Load_MissingFileIsNotAnError(t *testing.T) {
	idx := New(Config{})
	err := idx.Load(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	if err != nil {
		t.Errorf("expected no error for missing file, got %v", err)
	}
}

func TestIndex_Load_RejectsFormatVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(path, []byte("not a real msgpack bm25 snapshot but long enough"), 0o644); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}
	idx := New(Config{})
	if err := idx.Load(path); err == nil {
		t.Error("expected Load to reject a corrupt/incompatible file")
	}
}

func TestDefaultTokeniser_DropsStopWordsAndShortTokens(t *testing.T) {
	tok := DefaultTokeniser{}
	got := tok.Tokenise("The cat is on a mat")
	for _, w := range got {
		if defaultStopWords[w] {
			t.Errorf("expected stop word %q to be dropped", w)
		}
		if len([]rune(w)) < 2 {
			t.Errorf("expected short token %q to be dropped", w)
		}
	}
}

func TestStemmingTokeniser_ReducesToCommonStem(t *testing.T) {
	tok := StemmingTokeniser{}
	a := tok.Tokenise("indexing")
	b := tok.Tokenise("indexed")
	if len(a) == 0 || len(b) == 0 {
		t.Fatal("expected non-empty tokenisation")
	}
	if a[0] != b[0] {
		t.Errorf("expected 'indexing' and 'indexed' to share a stem, got %q vs %q", a[0], b[0])
	}
}
