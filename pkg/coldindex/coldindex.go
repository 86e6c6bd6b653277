// Package coldindex implements the archive tier: read-optimised, populated
// only by migration/archive, soft-delete only during normal operation.
// Grounded on the teacher's HNSWIndex.TombstoneRatio/ShouldRebuild pair
// (pkg/search/hnsw_index.go), generalised to any backend via the ratio
// spec.md §4.4 names directly.
package coldindex

import (
	"sync"

	"github.com/vecgen/retrieval/pkg/ann"
	"github.com/vecgen/retrieval/pkg/chunk"
	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Index is the Cold tier.
type Index struct {
	mu sync.RWMutex

	backend ann.Backend
	dim     int

	nextInternalID uint32
	docToInternal  map[string]uint32
	internalToDoc  map[uint32]string
	contents       map[string]string
	metadata       map[string]chunk.Metadata

	softDeleted map[string]bool

	oversampleFactor int // default 3, per spec.md §4.4
}

// Config configures a new Cold index.
type Config struct {
	Backend          ann.Backend
	Dim              int
	OversampleFactor int
}

// New constructs an empty Cold index over an already-created backend.
func New(cfg Config) *Index {
	oversample := cfg.OversampleFactor
	if oversample <= 0 {
		oversample = 3
	}
	return &Index{
		backend:          cfg.Backend,
		dim:              cfg.Dim,
		nextInternalID:   1,
		docToInternal:    make(map[string]uint32),
		internalToDoc:    make(map[uint32]string),
		contents:         make(map[string]string),
		metadata:         make(map[string]chunk.Metadata),
		softDeleted:      make(map[string]bool),
		oversampleFactor: oversample,
	}
}

// Size returns the number of live (non-soft-deleted) vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docToInternal) - len(idx.softDeleted)
}

// Add inserts chunks into Cold. Called only by migration/archive
// (spec.md §4.4); doc_ids must already be assigned by the caller.
func (idx *Index) Add(chunks []chunk.Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, c := range chunks {
		if len(c.Vector) != idx.dim {
			return vecerr.New(vecerr.KindDimensionMismatch, "coldindex.Add: vector dimension mismatch")
		}
		if c.DocID == "" {
			return vecerr.New(vecerr.KindConfigError, "coldindex.Add: chunk missing doc_id")
		}
	}

	vectors := make([][]float32, len(chunks))
	ids := make([]uint32, len(chunks))
	for i, c := range chunks {
		ids[i] = idx.nextInternalID
		idx.nextInternalID++
		vectors[i] = c.Vector
	}
	if err := idx.backend.Add(vectors, ids); err != nil {
		return vecerr.Wrap(vecerr.KindBackendUnavailable, "coldindex.Add: backend add failed", err)
	}
	for i, c := range chunks {
		idx.docToInternal[c.DocID] = ids[i]
		idx.internalToDoc[ids[i]] = c.DocID
		idx.contents[c.DocID] = c.Content
		idx.metadata[c.DocID] = c.Metadata
	}
	return nil
}

// SoftDelete marks docID as deleted. Idempotent (spec.md §4.4).
func (idx *Index) SoftDelete(docID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.docToInternal[docID]; !ok {
		return vecerr.New(vecerr.KindNotFound, "coldindex.SoftDelete: doc_id not found")
	}
	idx.softDeleted[docID] = true
	return nil
}

// DeletionRate returns |soft_deleted| / size, the ratio spec.md §4.4 gates
// rebuild on.
func (idx *Index) DeletionRate() float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := len(idx.docToInternal)
	if total == 0 {
		return 0
	}
	return float64(len(idx.softDeleted)) / float64(total)
}

// SoftDeletedCount returns |soft_deleted|.
func (idx *Index) SoftDeletedCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.softDeleted)
}

// ShouldRebuild reports whether the rebuild trigger of spec.md §4.4 has
// fired: deletion_rate > ratioThreshold AND |soft_deleted| > countThreshold.
func (idx *Index) ShouldRebuild(ratioThreshold float64, countThreshold int) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := len(idx.docToInternal)
	if total == 0 {
		return false
	}
	rate := float64(len(idx.softDeleted)) / float64(total)
	return rate > ratioThreshold && len(idx.softDeleted) > countThreshold
}

// Search oversamples internally (default 3k), filters soft-deleted
// entries, and returns up to k results (spec.md §4.4).
func (idx *Index) Search(qv []float32, k int) ([]chunk.Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	raw, err := idx.backend.Search(qv, k*idx.oversampleFactor)
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindBackendUnavailable, "coldindex.Search: backend search failed", err)
	}
	out := make([]chunk.Result, 0, k)
	for _, r := range raw {
		docID, ok := idx.internalToDoc[r.InternalID]
		if !ok || idx.softDeleted[docID] {
			continue
		}
		out = append(out, chunk.Result{
			DocID:    docID,
			Score:    r.Distance,
			Content:  idx.contents[docID],
			Metadata: idx.metadata[docID],
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Rebuild drains soft-deleted entries by reconstructing the backend from
// surviving entries (spec.md §4.4). newBackend must already be Create'd
// (and Train'd, if the family requires it) for the same dimension.
func (idx *Index) Rebuild(newBackend ann.Backend) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	survivingDocs := make([]string, 0, len(idx.docToInternal)-len(idx.softDeleted))
	for docID := range idx.docToInternal {
		if !idx.softDeleted[docID] {
			survivingDocs = append(survivingDocs, docID)
		}
	}

	vectors := make([][]float32, 0, len(survivingDocs))
	newIDs := make([]uint32, 0, len(survivingDocs))
	newInternalToDoc := make(map[uint32]string, len(survivingDocs))
	newDocToInternal := make(map[string]uint32, len(survivingDocs))

	var nextID uint32 = 1
	for _, docID := range survivingDocs {
		oldID := idx.docToInternal[docID]
		v, err := idx.vectorOf(oldID)
		if err != nil {
			continue
		}
		vectors = append(vectors, v)
		newIDs = append(newIDs, nextID)
		newInternalToDoc[nextID] = docID
		newDocToInternal[docID] = nextID
		nextID++
	}

	if err := newBackend.Add(vectors, newIDs); err != nil {
		return vecerr.Wrap(vecerr.KindBackendUnavailable, "coldindex.Rebuild: backend add failed", err)
	}

	newContents := make(map[string]string, len(survivingDocs))
	newMetadata := make(map[string]chunk.Metadata, len(survivingDocs))
	for _, docID := range survivingDocs {
		if _, ok := newDocToInternal[docID]; !ok {
			continue
		}
		newContents[docID] = idx.contents[docID]
		newMetadata[docID] = idx.metadata[docID]
	}

	idx.backend = newBackend
	idx.docToInternal = newDocToInternal
	idx.internalToDoc = newInternalToDoc
	idx.contents = newContents
	idx.metadata = newMetadata
	idx.softDeleted = make(map[string]bool)
	idx.nextInternalID = nextID
	return nil
}

func (idx *Index) vectorOf(internalID uint32) ([]float32, error) {
	if h, ok := idx.backend.(*ann.HNSW); ok {
		return h.VectorAt(internalID)
	}
	if f, ok := idx.backend.(*ann.Flat); ok {
		return f.VectorAt(internalID)
	}
	if v, ok := idx.backend.(*ann.IVF); ok {
		return v.VectorAt(internalID)
	}
	return nil, vecerr.New(vecerr.KindBackendUnavailable, "coldindex: backend does not expose direct vector lookup")
}

// Get returns the full chunk for docID, used by the migrator to read
// vectors and metadata out of Cold for a rebuild or a backend migration.
func (idx *Index) Get(docID string) (chunk.Chunk, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	internalID, ok := idx.docToInternal[docID]
	if !ok || idx.softDeleted[docID] {
		return chunk.Chunk{}, false
	}
	vec, err := idx.vectorOf(internalID)
	if err != nil {
		return chunk.Chunk{}, false
	}
	return chunk.Chunk{
		DocID:    docID,
		Content:  idx.contents[docID],
		Metadata: idx.metadata[docID],
		Vector:   vec,
	}, true
}

// Backend exposes the underlying ANN backend for persistence and migration.
func (idx *Index) Backend() ann.Backend { return idx.backend }

// SetBackend swaps in a new backend along with the doc_id<->internal_id
// mapping assigned while building it, used by the migrator's atomic swap.
// Mirrors Rebuild's map regeneration above: the old internal ids don't
// resolve against the new backend.
func (idx *Index) SetBackend(b ann.Backend, docToInternal map[string]uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	internalToDoc := make(map[uint32]string, len(docToInternal))
	var maxID uint32
	for docID, id := range docToInternal {
		internalToDoc[id] = docID
		if id > maxID {
			maxID = id
		}
	}

	contents := make(map[string]string, len(docToInternal))
	metadata := make(map[string]chunk.Metadata, len(docToInternal))
	for docID := range docToInternal {
		contents[docID] = idx.contents[docID]
		metadata[docID] = idx.metadata[docID]
	}

	idx.backend = b
	idx.docToInternal = docToInternal
	idx.internalToDoc = internalToDoc
	idx.contents = contents
	idx.metadata = metadata
	idx.softDeleted = make(map[string]bool)
	idx.nextInternalID = maxID + 1
}

// DocIDs returns every doc_id currently held (live and soft-deleted), used
// by the crash recovery reconciliation pass.
func (idx *Index) DocIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.docToInternal))
	for docID := range idx.docToInternal {
		out = append(out, docID)
	}
	return out
}

// RemoveDocIDs drops doc_ids outright from Cold's bookkeeping without
// touching the backend, used by the crash-recovery reconciliation pass to
// purge orphaned entries that have no routing record.
func (idx *Index) RemoveDocIDs(docIDs []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, docID := range docIDs {
		if internalID, ok := idx.docToInternal[docID]; ok {
			delete(idx.internalToDoc, internalID)
		}
		delete(idx.docToInternal, docID)
		delete(idx.contents, docID)
		delete(idx.metadata, docID)
		delete(idx.softDeleted, docID)
	}
}
