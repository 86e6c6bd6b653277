// Package ann defines the ANN backend contract (§4.1) and its concrete
// implementations: Flat (exact), IVF, IVFPQ, and HNSW. Hot and Cold own one
// backend each and translate doc_id <-> internal id through an overlay; the
// backends themselves only ever see internal integer ids.
package ann

import "github.com/vecgen/retrieval/pkg/vecerr"

// Result is one scored hit returned by Search, sorted ascending by Distance
// (lower is more similar) by every backend.
type Result struct {
	InternalID uint32
	Distance   float32
}

// Params carries the superset of tunables every backend variant accepts.
// Irrelevant fields for a given variant are ignored (e.g. Flat ignores
// everything but Dimension).
type Params struct {
	Dimension int

	// IVF / IVFPQ
	NList  int
	NProbe int

	// IVFPQ
	PQSegments int // "m": number of sub-vectors
	PQBits     int // "nbits" per sub-vector code

	// HNSW
	M              int
	EfConstruction int
	EfSearch       int
}

// Backend is the contract every ANN index family implements. Implementations
// are not safe for concurrent use without an external lock; Hot and Cold
// each hold a sync.RWMutex around their backend (§7 of the spec).
type Backend interface {
	// Create (re)initializes the backend for a given dimension and params.
	// Must be called once, before Train/Add.
	Create(params Params) error

	// Train fits the backend's internal quantizer on a sample of vectors.
	// No-op for Flat and HNSW; required for IVF/IVFPQ before the first Add.
	Train(sampleVectors [][]float32) error

	// IsTrained reports whether Train has been called (or is unnecessary).
	IsTrained() bool

	// Add inserts vectors under the given internal ids. len(vectors) must
	// equal len(ids).
	Add(vectors [][]float32, ids []uint32) error

	// Remove deletes the given internal ids and reports how many were
	// actually present. Returns vecerr.KindBackendUnavailable-wrapped
	// ErrRemoveUnsupported if the backend cannot physically remove; callers
	// fall back to tombstoning in that case.
	Remove(ids []uint32) (int, error)

	// Search returns the k nearest neighbours to query, ascending by
	// distance.
	Search(query []float32, k int) ([]Result, error)

	// Size returns the number of live vectors held by the backend.
	Size() int

	// Persist writes the backend's full state to path.
	Persist(path string) error

	// Load replaces the backend's state with what's stored at path.
	Load(path string) error

	// SupportsRemove reports whether Remove can physically delete.
	SupportsRemove() bool
}

// ErrRemoveUnsupported is wrapped into a vecerr.Error by backends whose
// underlying structure cannot physically remove entries.
var ErrRemoveUnsupported = vecerr.New(vecerr.KindBackendUnavailable, "backend does not support physical remove")

// New constructs a zero-value backend for the given family. Create must
// still be called before use.
func New(family string) Backend {
	switch family {
	case "ivf":
		return &IVF{}
	case "ivfpq":
		return &IVFPQ{}
	case "hnsw":
		return &HNSW{}
	default:
		return &Flat{}
	}
}
