package ann

import (
	"os"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vecgen/retrieval/pkg/vecerr"
	"github.com/vecgen/retrieval/pkg/vector"
)

// flatFormatVersion gates snapshot compatibility the same way the teacher's
// vectorIndexFormatVersion does for VectorIndex.Save/Load.
const flatFormatVersion = "1.0.0"

// Flat is the exact brute-force backend: every Search scans the full
// vector set and sorts by L2 distance. Grounded on the teacher's
// VectorIndex (pkg/search/vector_index.go), which keeps a map of raw
// vectors and scans them linearly rather than maintaining any auxiliary
// structure. Flat cannot physically remove without leaving the id space
// non-contiguous to scan around, so removal here is a real map delete
// (unlike HNSW/IVF it has no neighbour lists to repair) and SupportsRemove
// reports true — spec.md's fallback-to-tombstone path is exercised by HNSW,
// not Flat.
type Flat struct {
	dim     int
	vectors map[uint32][]float32
}

func (f *Flat) Create(params Params) error {
	f.dim = params.Dimension
	f.vectors = make(map[uint32][]float32)
	return nil
}

func (f *Flat) Train(_ [][]float32) error { return nil }
func (f *Flat) IsTrained() bool           { return true }

func (f *Flat) Add(vectors [][]float32, ids []uint32) error {
	if len(vectors) != len(ids) {
		return vecerr.New(vecerr.KindConfigError, "ann.Flat.Add: vectors/ids length mismatch")
	}
	for i, v := range vectors {
		if len(v) != f.dim {
			return vecerr.New(vecerr.KindDimensionMismatch, "ann.Flat.Add: vector dimension mismatch")
		}
		cp := make([]float32, len(v))
		copy(cp, v)
		f.vectors[ids[i]] = cp
	}
	return nil
}

func (f *Flat) Remove(ids []uint32) (int, error) {
	removed := 0
	for _, id := range ids {
		if _, ok := f.vectors[id]; ok {
			delete(f.vectors, id)
			removed++
		}
	}
	return removed, nil
}

func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.dim {
		return nil, vecerr.New(vecerr.KindDimensionMismatch, "ann.Flat.Search: query dimension mismatch")
	}
	results := make([]Result, 0, len(f.vectors))
	for id, v := range f.vectors {
		results = append(results, Result{InternalID: id, Distance: vector.L2Distance(query, v)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].InternalID < results[j].InternalID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func (f *Flat) Size() int            { return len(f.vectors) }
func (f *Flat) SupportsRemove() bool { return true }

// VectorAt returns the stored vector for an internal id, used by tiers
// that need direct access for archive streaming or persistence rehydration
// (e.g. HNSW's VectorLookup callback when Flat backs the source tier).
func (f *Flat) VectorAt(id uint32) ([]float32, error) {
	v, ok := f.vectors[id]
	if !ok {
		return nil, vecerr.New(vecerr.KindNotFound, "ann.Flat.VectorAt: internal id not found")
	}
	return v, nil
}

type flatSnapshot struct {
	FormatVersion string             `msgpack:"format_version"`
	Dim           int                `msgpack:"dim"`
	Vectors       map[uint32][]float32 `msgpack:"vectors"`
}

func (f *Flat) Persist(path string) error {
	snap := flatSnapshot{FormatVersion: flatFormatVersion, Dim: f.dim, Vectors: f.vectors}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.Flat.Persist: create temp file", err)
	}
	if err := msgpack.NewEncoder(file).Encode(&snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return vecerr.Wrap(vecerr.KindPersistError, "ann.Flat.Persist: encode", err)
	}
	if err := file.Close(); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.Flat.Persist: close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.Flat.Persist: rename", err)
	}
	return nil
}

func (f *Flat) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vecerr.Wrap(vecerr.KindPersistError, "ann.Flat.Load: open", err)
	}
	defer file.Close()

	var snap flatSnapshot
	if err := msgpack.NewDecoder(file).Decode(&snap); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.Flat.Load: decode", err)
	}
	if snap.FormatVersion != flatFormatVersion {
		return vecerr.New(vecerr.KindPersistError, "ann.Flat.Load: format version mismatch, rebuild required")
	}
	if snap.Dim != f.dim && f.dim != 0 {
		return vecerr.New(vecerr.KindDimensionMismatch, "ann.Flat.Load: dimension mismatch against open config")
	}
	f.dim = snap.Dim
	if snap.Vectors == nil {
		snap.Vectors = make(map[uint32][]float32)
	}
	f.vectors = snap.Vectors
	return nil
}
