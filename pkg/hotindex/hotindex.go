// Package hotindex implements the churnable tier: absorbs new inserts,
// serves low-latency search, and permits per-doc physical deletion.
// Grounded on the teacher's HNSWIndex/VectorIndex locking discipline
// (pkg/search/hnsw_index.go, pkg/search/vector_index.go): a single
// sync.RWMutex guards the backend plus the doc_id<->internal id overlay.
package hotindex

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vecgen/retrieval/pkg/ann"
	"github.com/vecgen/retrieval/pkg/chunk"
	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Index is the Hot tier.
type Index struct {
	mu sync.RWMutex

	backend ann.Backend
	dim     int
	maxSize int

	nextInternalID uint32
	docToInternal  map[string]uint32
	internalToDoc  map[uint32]string
	contents       map[string]string
	metadata       map[string]chunk.Metadata
	createdAt      map[string]time.Time

	// tombstones queues doc_ids the backend couldn't physically remove;
	// they're filtered from search and drained on the next rebuild/
	// migration, per spec.md §4.1's unsupported-remove fallback.
	tombstones map[string]bool

	// archiveOnCapacity is called by Add when a call would exceed maxSize;
	// it performs one synchronous archive pass, mirroring spec.md §4.3's
	// "attempting one synchronous archive pass" before raising
	// CapacityExceeded. Injected to avoid an import cycle with the
	// Generational Store, which owns both tiers and the archive flow.
	archiveOnCapacity func() error
}

// Config configures a new Hot index.
type Config struct {
	Backend ann.Backend
	Dim     int
	MaxSize int
}

// New constructs an empty Hot index over an already-created backend.
func New(cfg Config) *Index {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1_000_000
	}
	return &Index{
		backend:        cfg.Backend,
		dim:            cfg.Dim,
		maxSize:        maxSize,
		nextInternalID: 1,
		docToInternal:  make(map[string]uint32),
		internalToDoc:  make(map[uint32]string),
		contents:       make(map[string]string),
		metadata:       make(map[string]chunk.Metadata),
		createdAt:      make(map[string]time.Time),
		tombstones:     make(map[string]bool),
	}
}

// SetArchiveHook installs the synchronous archive-pass callback used when
// Add would exceed MaxSize.
func (idx *Index) SetArchiveHook(fn func() error) { idx.archiveOnCapacity = fn }

// Size returns the number of live (non-tombstoned) vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docToInternal) - len(idx.tombstones)
}

// Add inserts chunks, assigning a fresh doc_id to each if unset. All-or-
// nothing: if any vector fails dimension validation, nothing is applied
// (spec.md §4.3 "all-or-nothing per call at the persistence boundary").
func (idx *Index) Add(chunks []chunk.Chunk) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.docToInternal)+len(chunks) > idx.maxSize {
		if idx.archiveOnCapacity != nil {
			// The archive pass reads and removes Hot entries through this
			// index's own locking methods, so it runs with the lock released.
			idx.mu.Unlock()
			err := idx.archiveOnCapacity()
			idx.mu.Lock()
			if err != nil {
				return nil, vecerr.Wrap(vecerr.KindCapacityExceeded, "hotindex.Add: archive pass failed", err)
			}
		}
		if len(idx.docToInternal)+len(chunks) > idx.maxSize {
			return nil, vecerr.New(vecerr.KindCapacityExceeded, "hotindex.Add: would exceed max_size")
		}
	}

	for _, c := range chunks {
		if len(c.Vector) != idx.dim {
			return nil, vecerr.New(vecerr.KindDimensionMismatch, "hotindex.Add: vector dimension mismatch")
		}
	}

	docIDs := make([]string, len(chunks))
	vectors := make([][]float32, len(chunks))
	ids := make([]uint32, len(chunks))
	for i, c := range chunks {
		docID := c.DocID
		if docID == "" {
			docID = uuid.New().String()
		}
		docIDs[i] = docID
		vectors[i] = c.Vector
		ids[i] = idx.nextInternalID
		idx.nextInternalID++
	}

	if err := idx.backend.Add(vectors, ids); err != nil {
		return nil, vecerr.Wrap(vecerr.KindBackendUnavailable, "hotindex.Add: backend add failed", err)
	}

	now := time.Now()
	for i, c := range chunks {
		docID := docIDs[i]
		idx.docToInternal[docID] = ids[i]
		idx.internalToDoc[ids[i]] = docID
		idx.contents[docID] = c.Content
		idx.metadata[docID] = c.Metadata
		created := c.CreatedAt
		if created.IsZero() {
			created = now
		}
		idx.createdAt[docID] = created
	}
	return docIDs, nil
}

// Remove deletes doc_id physically if the backend supports it, otherwise
// tombstones it for the next rebuild (spec.md §4.3).
func (idx *Index) Remove(docID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	internalID, ok := idx.docToInternal[docID]
	if !ok {
		return vecerr.New(vecerr.KindNotFound, "hotindex.Remove: doc_id not found")
	}

	if idx.backend.SupportsRemove() {
		if _, err := idx.backend.Remove([]uint32{internalID}); err != nil {
			return vecerr.Wrap(vecerr.KindBackendUnavailable, "hotindex.Remove: backend remove failed", err)
		}
		delete(idx.docToInternal, docID)
		delete(idx.internalToDoc, internalID)
		delete(idx.contents, docID)
		delete(idx.metadata, docID)
		delete(idx.createdAt, docID)
		delete(idx.tombstones, docID)
		return nil
	}

	idx.tombstones[docID] = true
	return nil
}

// PendingTombstones returns the doc_ids queued for removal at the next
// rebuild/migration because the backend couldn't physically remove them.
func (idx *Index) PendingTombstones() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.tombstones))
	for id := range idx.tombstones {
		out = append(out, id)
	}
	return out
}

// Search returns up to k nearest chunks to qv, with tombstoned doc_ids
// filtered (spec.md §4.3).
func (idx *Index) Search(qv []float32, k int) ([]chunk.Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// Oversample inside the backend to absorb tombstone filtering without
	// starving the caller of k live results.
	raw, err := idx.backend.Search(qv, k+len(idx.tombstones))
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindBackendUnavailable, "hotindex.Search: backend search failed", err)
	}
	out := make([]chunk.Result, 0, k)
	for _, r := range raw {
		docID, ok := idx.internalToDoc[r.InternalID]
		if !ok || idx.tombstones[docID] {
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

// IterOlderThan streams (doc_id, vector, metadata) for every live,
// non-tombstoned chunk created before threshold, used by the archive flow
// (spec.md §4.3, §4.11). fn is called under the read lock; it must not
// call back into the index.
func (idx *Index) IterOlderThan(threshold time.Time, fn func(docID string, vector []float32, c chunk.Chunk) bool) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type entry struct {
		docID     string
		createdAt time.Time
	}
	entries := make([]entry, 0, len(idx.docToInternal))
	for docID := range idx.docToInternal {
		if idx.tombstones[docID] {
			continue
		}
		if idx.createdAt[docID].Before(threshold) {
			entries = append(entries, entry{docID, idx.createdAt[docID]})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].createdAt.Before(entries[j].createdAt) })

	for _, e := range entries {
		internalID := idx.docToInternal[e.docID]
		vec, err := idx.vectorOf(internalID)
		if err != nil {
			continue
		}
		c := chunk.Chunk{
			DocID:     e.docID,
			Content:   idx.contents[e.docID],
			Metadata:  idx.metadata[e.docID],
			CreatedAt: idx.createdAt[e.docID],
			Vector:    vec,
		}
		if !fn(e.docID, vec, c) {
			break
		}
	}
	return nil
}

// vectorOf reads a stored vector through the VectorAt accessor that the
// HNSW, Flat and IVF backends expose (reached by type assertion, without
// widening the ann.Backend contract); any other backend, IVF-PQ included,
// returns a KindBackendUnavailable error.
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
	return nil, vecerr.New(vecerr.KindBackendUnavailable, "hotindex: backend does not expose direct vector lookup")
}

// RemoveMany calls Remove for every doc_id (physical removal where the
// backend supports it, a tombstone otherwise) and returns how many were
// found, used by the store's archive commit and by its rollback of a Hot
// insert whose routing write failed.
func (idx *Index) RemoveMany(docIDs []string) (int, error) {
	removed := 0
	for _, id := range docIDs {
		if err := idx.Remove(id); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Get returns the full chunk for docID, used by the migrator and by the
// store's BM25 catch-up sync to read vectors, content and metadata out of Hot.
func (idx *Index) Get(docID string) (chunk.Chunk, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	internalID, ok := idx.docToInternal[docID]
	if !ok || idx.tombstones[docID] {
		return chunk.Chunk{}, false
	}
	vec, err := idx.vectorOf(internalID)
	if err != nil {
		return chunk.Chunk{}, false
	}
	return chunk.Chunk{
		DocID:     docID,
		Content:   idx.contents[docID],
		Metadata:  idx.metadata[docID],
		CreatedAt: idx.createdAt[docID],
		Vector:    vec,
	}, true
}

// Backend exposes the underlying ANN backend for persistence and migration.
func (idx *Index) Backend() ann.Backend { return idx.backend }

// SetBackend swaps in a new backend along with the doc_id<->internal_id
// mapping that was assigned while building it, used by the migrator's
// atomic swap step (spec.md §4.8). The old backend's internal ids are
// meaningless against the new backend, so docToInternal/internalToDoc are
// replaced wholesale rather than left pointing at stale ids, mirroring
// coldindex.Rebuild's map regeneration.
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
	createdAt := make(map[string]time.Time, len(docToInternal))
	for docID := range docToInternal {
		contents[docID] = idx.contents[docID]
		metadata[docID] = idx.metadata[docID]
		createdAt[docID] = idx.createdAt[docID]
	}

	idx.backend = b
	idx.docToInternal = docToInternal
	idx.internalToDoc = internalToDoc
	idx.contents = contents
	idx.metadata = metadata
	idx.createdAt = createdAt
	idx.tombstones = make(map[string]bool)
	idx.nextInternalID = maxID + 1
}

// DocIDs returns every doc_id currently held, tombstoned ones included,
// used by the crash
// recovery reconciliation pass.
func (idx *Index) DocIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.docToInternal))
	for docID := range idx.docToInternal {
		out = append(out, docID)
	}
	return out
}

// RemoveDocIDs removes doc_ids with no routing record through Remove
// (physically, or as a tombstone where the backend can't remove), used by
// the crash-recovery reconciliation pass on store open (SPEC_FULL.md §6).
func (idx *Index) RemoveDocIDs(docIDs []string) {
	for _, docID := range docIDs {
		_ = idx.Remove(docID)
	}
}
