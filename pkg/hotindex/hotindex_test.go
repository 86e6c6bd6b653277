package hotindex

import (
	"errors"
	"testing"
	"time"

	"github.com/vecgen/retrieval/pkg/ann"
	"github.com/vecgen/retrieval/pkg/chunk"
)

func newTestIndex(t *testing.T, maxSize int) *Index {
	t.Helper()
	dim := 4
	backend := ann.New("flat")
	if err := backend.Create(ann.Params{Dimension: dim}); err != nil {
		t.Fatalf("backend Create failed: %v", err)
	}
	return New(Config{Backend: backend, Dim: dim, MaxSize: maxSize})
}

func TestIndex_Add_AssignsDocIDWhenEmpty(t *testing.T) {
	idx := newTestIndex(t, 100)
	ids, err := idx.Add([]chunk.Chunk{{Vector: []float32{1, 2, 3, 4}, Content: "hello"}})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected a generated doc_id, got %v", ids)
	}
	if idx.Size() != 1 {
		t.Errorf("Size() = %d, want 1", idx.Size())
	}
}

func TestIndex_Add_PreservesExplicitDocID(t *testing.T) {
	idx := newTestIndex(t, 100)
	ids, err := idx.Add([]chunk.Chunk{{DocID: "my-doc", Vector: []float32{1, 2, 3, 4}}})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if ids[0] != "my-doc" {
		t.Errorf("DocID = %q, want my-doc", ids[0])
	}
}

func TestIndex_Add_DimensionMismatchRejectsWholeBatch(t *testing.T) {
	idx := newTestIndex(t, 100)
	_, err := idx.Add([]chunk.Chunk{
		{DocID: "ok", Vector: []float32{1, 2, 3, 4}},
		{DocID: "bad", Vector: []float32{1, 2}},
	})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if idx.Size() != 0 {
		t.Errorf("expected all-or-nothing: Size() = %d, want 0", idx.Size())
	}
}

func TestIndex_Add_OverCapacityWithNoArchiveHookFails(t *testing.T) {
	idx := newTestIndex(t, 1)
	if _, err := idx.Add([]chunk.Chunk{{Vector: []float32{1, 2, 3, 4}}}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	_, err := idx.Add([]chunk.Chunk{{Vector: []float32{1, 2, 3, 4}}})
	if err == nil {
		t.Fatal("expected capacity exceeded error")
	}
}

func TestIndex_Add_OverCapacityRunsArchiveHookThenSucceeds(t *testing.T) {
	idx := newTestIndex(t, 1)
	if _, err := idx.Add([]chunk.Chunk{{DocID: "old", Vector: []float32{1, 2, 3, 4}}}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	archived := false
	idx.SetArchiveHook(func() error {
		archived = true
		return idx.Remove("old")
	})
	if _, err := idx.Add([]chunk.Chunk{{DocID: "new", Vector: []float32{5, 6, 7, 8}}}); err != nil {
		t.Fatalf("second Add failed after archive hook: %v", err)
	}
	if !archived {
		t.Error("expected archive hook to run")
	}
}

func TestIndex_Add_OverCapacityArchiveHookErrorPropagates(t *testing.T) {
	idx := newTestIndex(t, 1)
	if _, err := idx.Add([]chunk.Chunk{{Vector: []float32{1, 2, 3, 4}}}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	idx.SetArchiveHook(func() error { return errors.New("archive failed") })
	_, err := idx.Add([]chunk.Chunk{{Vector: []float32{5, 6, 7, 8}}})
	if err == nil {
		t.Fatal("expected archive hook failure to propagate")
	}
}

func TestIndex_Remove_PhysicallyDeletesOnFlat(t *testing.T) {
	idx := newTestIndex(t, 100)
	ids, _ := idx.Add([]chunk.Chunk{{DocID: "doc-1", Vector: []float32{1, 2, 3, 4}}})
	if err := idx.Remove(ids[0]); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if idx.Size() != 0 {
		t.Errorf("Size() after remove = %d, want 0", idx.Size())
	}
	if _, ok := idx.Get("doc-1"); ok {
		t.Error("expected doc-1 to be gone after remove")
	}
}

func TestIndex_Remove_MissingDocIDErrors(t *testing.T) {
	idx := newTestIndex(t, 100)
	if err := idx.Remove("ghost"); err == nil {
		t.Error("expected error removing a missing doc_id")
	}
}

func TestIndex_Search_FiltersOutRemoved(t *testing.T) {
	idx := newTestIndex(t, 100)
	idx.Add([]chunk.Chunk{{DocID: "a", Vector: []float32{1, 0, 0, 0}}})
	idx.Add([]chunk.Chunk{{DocID: "b", Vector: []float32{0, 1, 0, 0}}})
	if err := idx.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	results, err := idx.Search([]float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.DocID == "a" {
			t.Error("removed doc 'a' should not appear in search results")
		}
	}
}

func TestIndex_Get_ReturnsStoredChunk(t *testing.T) {
	idx := newTestIndex(t, 100)
	idx.Add([]chunk.Chunk{{DocID: "doc-1", Content: "hello world", Vector: []float32{1, 2, 3, 4}}})
	c, ok := idx.Get("doc-1")
	if !ok {
		t.Fatal("expected doc-1 to be found")
	}
	if c.Content != "hello world" {
		t.Errorf("Content = %q, want 'hello world'", c.Content)
	}
	if len(c.Vector) != 4 {
		t.Errorf("expected vector to be recovered, got %v", c.Vector)
	}
}

func TestIndex_IterOlderThan_OnlyYieldsOlderChunks(t *testing.T) {
	idx := newTestIndex(t, 100)
	old := time.Now().Add(-48 * time.Hour)
	idx.Add([]chunk.Chunk{{DocID: "old-doc", Vector: []float32{1, 2, 3, 4}, CreatedAt: old}})
	idx.Add([]chunk.Chunk{{DocID: "new-doc", Vector: []float32{5, 6, 7, 8}, CreatedAt: time.Now()}})

	var seen []string
	err := idx.IterOlderThan(time.Now().Add(-24*time.Hour), func(docID string, vector []float32, c chunk.Chunk) bool {
		seen = append(seen, docID)
		return true
	})
	if err != nil {
		t.Fatalf("IterOlderThan failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "old-doc" {
		t.Errorf("expected only old-doc visited, got %v", seen)
	}
}

func TestIndex_DocIDsAndRemoveDocIDs(t *testing.T) {
	idx := newTestIndex(t, 100)
	idx.Add([]chunk.Chunk{{DocID: "a", Vector: []float32{1, 2, 3, 4}}})
	idx.Add([]chunk.Chunk{{DocID: "b", Vector: []float32{5, 6, 7, 8}}})
	ids := idx.DocIDs()
	if len(ids) != 2 {
		t.Fatalf("DocIDs() = %v, want 2 entries", ids)
	}
	idx.RemoveDocIDs([]string{"a"})
	if idx.Size() != 1 {
		t.Errorf("Size() after RemoveDocIDs = %d, want 1", idx.Size())
	}
}

func TestIndex_RemoveMany_CountsSuccessfulRemovals(t *testing.T) {
	idx := newTestIndex(t, 100)
	idx.Add([]chunk.Chunk{{DocID: "a", Vector: []float32{1, 2, 3, 4}}})
	n, err := idx.RemoveMany([]string{"a", "ghost"})
	if err != nil {
		t.Fatalf("RemoveMany failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RemoveMany removed count = %d, want 1", n)
	}
}
