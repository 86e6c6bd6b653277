package coldindex

import (
	"testing"

	"github.com/vecgen/retrieval/pkg/ann"
	"github.com/vecgen/retrieval/pkg/chunk"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dim := 4
	backend := ann.New("flat")
	if err := backend.Create(ann.Params{Dimension: dim}); err != nil {
		t.Fatalf("backend Create failed: %v", err)
	}
	return New(Config{Backend: backend, Dim: dim})
}

func TestIndex_Add_RequiresDocID(t *testing.T) {
	idx := newTestIndex(t)
	err := idx.Add([]chunk.Chunk{{Vector: []float32{1, 2, 3, 4}}})
	if err == nil {
		t.Error("expected error adding a chunk with no doc_id")
	}
}

func TestIndex_Add_DimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)
	err := idx.Add([]chunk.Chunk{{DocID: "a", Vector: []float32{1, 2}}})
	if err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestIndex_Add_ThenSearchFindsIt(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.Add([]chunk.Chunk{{DocID: "a", Content: "hi", Vector: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	results, err := idx.Search([]float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].DocID != "a" {
		t.Fatalf("expected doc 'a', got %+v", results)
	}
}

func TestIndex_SoftDelete_FiltersFromSearch(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{{DocID: "a", Vector: []float32{1, 0, 0, 0}}})
	if err := idx.SoftDelete("a"); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	results, err := idx.Search([]float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected soft-deleted doc filtered out, got %+v", results)
	}
	if idx.Size() != 0 {
		t.Errorf("Size() after soft delete = %d, want 0", idx.Size())
	}
}

func TestIndex_SoftDelete_MissingDocIDErrors(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.SoftDelete("ghost"); err == nil {
		t.Error("expected error soft-deleting a missing doc_id")
	}
}

func TestIndex_SoftDelete_Idempotent(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{{DocID: "a", Vector: []float32{1, 0, 0, 0}}})
	if err := idx.SoftDelete("a"); err != nil {
		t.Fatalf("first SoftDelete failed: %v", err)
	}
	if err := idx.SoftDelete("a"); err != nil {
		t.Fatalf("second SoftDelete should also succeed, got %v", err)
	}
	if idx.SoftDeletedCount() != 1 {
		t.Errorf("SoftDeletedCount() = %d, want 1", idx.SoftDeletedCount())
	}
}

func TestIndex_DeletionRate(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{
		{DocID: "a", Vector: []float32{1, 0, 0, 0}},
		{DocID: "b", Vector: []float32{0, 1, 0, 0}},
	})
	idx.SoftDelete("a")
	if rate := idx.DeletionRate(); rate != 0.5 {
		t.Errorf("DeletionRate() = %v, want 0.5", rate)
	}
}

func TestIndex_ShouldRebuild_FiresOnlyWhenBothThresholdsExceeded(t *testing.T) {
	idx := newTestIndex(t)
	for i := 0; i < 10; i++ {
		idx.Add([]chunk.Chunk{{DocID: string(rune('a' + i)), Vector: []float32{float32(i), 0, 0, 0}}})
	}
	for i := 0; i < 5; i++ {
		idx.SoftDelete(string(rune('a' + i)))
	}
	if idx.ShouldRebuild(0.3, 10) {
		t.Error("expected no rebuild trigger when count threshold not exceeded")
	}
	if !idx.ShouldRebuild(0.3, 3) {
		t.Error("expected rebuild trigger when both ratio and count thresholds exceeded")
	}
}

func TestIndex_Rebuild_DrainsSoftDeletedEntries(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{
		{DocID: "a", Content: "keep", Vector: []float32{1, 0, 0, 0}},
		{DocID: "b", Content: "drop", Vector: []float32{0, 1, 0, 0}},
	})
	idx.SoftDelete("b")

	newBackend := ann.New("flat")
	if err := newBackend.Create(ann.Params{Dimension: 4}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := idx.Rebuild(newBackend); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("Size() after rebuild = %d, want 1", idx.Size())
	}
	if idx.SoftDeletedCount() != 0 {
		t.Errorf("expected soft-delete set cleared after rebuild, got %d", idx.SoftDeletedCount())
	}
	c, ok := idx.Get("a")
	if !ok || c.Content != "keep" {
		t.Errorf("expected surviving doc 'a' retained after rebuild, got %+v ok=%v", c, ok)
	}
	if _, ok := idx.Get("b"); ok {
		t.Error("expected deleted doc 'b' to be gone after rebuild")
	}
}

func TestIndex_DocIDsAndRemoveDocIDs(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{
		{DocID: "a", Vector: []float32{1, 0, 0, 0}},
		{DocID: "b", Vector: []float32{0, 1, 0, 0}},
	})
	ids := idx.DocIDs()
	if len(ids) != 2 {
		t.Fatalf("DocIDs() = %v, want 2 entries", ids)
	}
	idx.RemoveDocIDs([]string{"a"})
	if _, ok := idx.Get("a"); ok {
		t.Error("expected 'a' purged after RemoveDocIDs")
	}
	if _, ok := idx.Get("b"); !ok {
		t.Error("expected 'b' to remain after RemoveDocIDs")
	}
}
