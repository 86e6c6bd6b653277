package ann

import (
	"path/filepath"
	"testing"
)

func randVectors(n, dim int, seed uint32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			seed = seed*1103515245 + 12345
			v[d] = float32(seed%1000) / 1000.0
		}
		out[i] = v
	}
	return out
}

func idsUpTo(n int) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids
}

// newTrainedBackend builds and, if needed, trains a backend of the given
// family so every contract test below can exercise Add/Search uniformly.
func newTrainedBackend(t *testing.T, family string, dim int, vectors [][]float32) Backend {
	t.Helper()
	b := New(family)
	params := Params{Dimension: dim, NList: 4, NProbe: 2, PQSegments: 4, PQBits: 8, M: 8, EfConstruction: 50, EfSearch: 20}
	if err := b.Create(params); err != nil {
		t.Fatalf("%s Create failed: %v", family, err)
	}
	if !b.IsTrained() {
		if err := b.Train(vectors); err != nil {
			t.Fatalf("%s Train failed: %v", family, err)
		}
	}
	return b
}

func TestNew_DefaultsToFlatForUnknownFamily(t *testing.T) {
	b := New("something-unrecognised")
	if _, ok := b.(*Flat); !ok {
		t.Errorf("New with unknown family should default to *Flat, got %T", b)
	}
}

func TestBackend_AddAndSearch_FindsExactMatch(t *testing.T) {
	for _, family := range []string{"flat", "ivf", "ivfpq", "hnsw"} {
		t.Run(family, func(t *testing.T) {
			dim := 16
			vectors := randVectors(50, dim, 7)
			b := newTrainedBackend(t, family, dim, vectors)
			if err := b.Add(vectors, idsUpTo(len(vectors))); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			if b.Size() != len(vectors) {
				t.Errorf("Size() = %d, want %d", b.Size(), len(vectors))
			}
			results, err := b.Search(vectors[5], 1)
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if len(results) == 0 {
				t.Fatal("expected at least one result")
			}
			if results[0].InternalID != 5 {
				t.Errorf("expected id 5 to be its own nearest neighbour, got %d (distance %v)", results[0].InternalID, results[0].Distance)
			}
		})
	}
}

func TestBackend_Search_DimensionMismatchErrors(t *testing.T) {
	for _, family := range []string{"flat", "ivf", "ivfpq", "hnsw"} {
		t.Run(family, func(t *testing.T) {
			dim := 8
			vectors := randVectors(20, dim, 3)
			b := newTrainedBackend(t, family, dim, vectors)
			if err := b.Add(vectors, idsUpTo(len(vectors))); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			_, err := b.Search(make([]float32, dim+1), 1)
			if err == nil {
				t.Error("expected a dimension mismatch error")
			}
		})
	}
}

func TestBackend_Search_KLargerThanCorpusReturnsAll(t *testing.T) {
	for _, family := range []string{"flat", "ivf", "hnsw"} {
		t.Run(family, func(t *testing.T) {
			dim := 8
			vectors := randVectors(5, dim, 11)
			b := newTrainedBackend(t, family, dim, vectors)
			if err := b.Add(vectors, idsUpTo(len(vectors))); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			results, err := b.Search(vectors[0], 100)
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if len(results) != len(vectors) {
				t.Errorf("expected all %d vectors returned, got %d", len(vectors), len(results))
			}
		})
	}
}

func TestBackend_PersistAndLoad_RoundTrip(t *testing.T) {
	for _, family := range []string{"flat", "ivf", "ivfpq"} {
		t.Run(family, func(t *testing.T) {
			dim := 12
			vectors := randVectors(30, dim, 5)
			b := newTrainedBackend(t, family, dim, vectors)
			if err := b.Add(vectors, idsUpTo(len(vectors))); err != nil {
				t.Fatalf("Add failed: %v", err)
			}

			path := filepath.Join(t.TempDir(), family+".bin")
			if err := b.Persist(path); err != nil {
				t.Fatalf("Persist failed: %v", err)
			}

			loaded := New(family)
			if err := loaded.Load(path); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Size() != b.Size() {
				t.Errorf("loaded Size() = %d, want %d", loaded.Size(), b.Size())
			}
		})
	}
}

func TestFlat_Remove_PhysicallyDeletes(t *testing.T) {
	dim := 8
	vectors := randVectors(10, dim, 1)
	b := newTrainedBackend(t, "flat", dim, vectors)
	if err := b.Add(vectors, idsUpTo(len(vectors))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	n, err := b.Remove([]uint32{0, 1})
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Remove returned %d, want 2", n)
	}
	if b.Size() != 8 {
		t.Errorf("Size() after remove = %d, want 8", b.Size())
	}
	if !b.SupportsRemove() {
		t.Error("Flat should report SupportsRemove() == true")
	}
}

func TestHNSW_SupportsRemove_ReportsFalse(t *testing.T) {
	b := New("hnsw")
	if b.SupportsRemove() {
		t.Error("HNSW should report SupportsRemove() == false, it tombstones instead")
	}
}

func TestHNSW_Remove_TombstonesAndShrinksSize(t *testing.T) {
	dim := 8
	vectors := randVectors(10, dim, 9)
	b := newTrainedBackend(t, "hnsw", dim, vectors)
	if err := b.Add(vectors, idsUpTo(len(vectors))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	before := b.Size()
	n, err := b.Remove([]uint32{0})
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Remove returned %d, want 1", n)
	}
	if b.Size() != before-1 {
		t.Errorf("Size() after tombstone = %d, want %d", b.Size(), before-1)
	}
	results, err := b.Search(vectors[0], len(vectors))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.InternalID == 0 {
			t.Error("tombstoned id 0 should not appear in search results")
		}
	}
}

func TestIVF_Add_BeforeTrainFails(t *testing.T) {
	idx := &IVF{}
	if err := idx.Create(Params{Dimension: 8, NList: 4, NProbe: 2}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := idx.Add([][]float32{{1, 2, 3, 4, 5, 6, 7, 8}}, []uint32{0})
	if err == nil {
		t.Error("expected Add before Train to fail")
	}
}

func TestIVFPQ_SupportsRemove_ReportsFalse(t *testing.T) {
	b := New("ivfpq")
	if b.SupportsRemove() {
		t.Error("IVFPQ should report SupportsRemove() == false")
	}
}
