package ann

import (
	"container/heap"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vecgen/retrieval/pkg/vecerr"
	"github.com/vecgen/retrieval/pkg/vector"
)

// hnswFormatVersionGraphOnly mirrors the teacher's hnswIndexFormatVersionGraphOnly:
// a persisted HNSW snapshot carries only the graph (levels + neighbour
// lists), never the vector payload, which is reconstructed on load via a
// VectorLookup callback supplied by the owning tier.
const hnswFormatVersionGraphOnly = "graph-only/1.0.0"

const levelMultiplier = 1.0 / 0.693147180559945 // 1/ln(2), teacher's randomLevel() constant

// HNSW is the multi-layer proximity graph backend. Grounded on the
// teacher's HNSWIndex (pkg/search/hnsw_index.go): struct-of-arrays node
// metadata (nodeLevel, neighbor lists per level), tombstone-based delete
// with liveCount tracking, entry-point reselection when the entry point or
// the current max-level node is removed, and a random level draw of
// `floor(-ln(r) * levelMultiplier * 0.3)`.
type HNSW struct {
	dim            int
	m              int
	efConstruction int
	efSearch       int

	vectors   map[uint32][]float32
	nodeLevel map[uint32]int
	neighbors map[uint32][][]uint32 // neighbors[id][level] = neighbor ids
	deleted   map[uint32]bool
	liveCount int

	hasEntryPoint bool
	entryPoint    uint32
	maxLevel      int

	rng          *rand.Rand
	vectorLookup VectorLookup
}

// SetVectorLookup installs the callback Load uses to rehydrate vectors
// after restoring the graph-only snapshot. The owning tier (Hot/Cold) calls
// this once at open time, before Load, since it alone holds the
// authoritative flat vector store — mirroring how the teacher threads a
// VectorLookup into LoadHNSWIndex.
func (h *HNSW) SetVectorLookup(fn VectorLookup) { h.vectorLookup = fn }

func (h *HNSW) Create(params Params) error {
	h.dim = params.Dimension
	h.m = params.M
	if h.m < 1 {
		h.m = 16
	}
	h.efConstruction = params.EfConstruction
	if h.efConstruction < 1 {
		h.efConstruction = 200
	}
	h.efSearch = params.EfSearch
	if h.efSearch < 1 {
		h.efSearch = 64
	}
	h.vectors = make(map[uint32][]float32)
	h.nodeLevel = make(map[uint32]int)
	h.neighbors = make(map[uint32][][]uint32)
	h.deleted = make(map[uint32]bool)
	h.liveCount = 0
	h.hasEntryPoint = false
	h.maxLevel = 0
	h.rng = rand.New(rand.NewSource(1))
	return nil
}

func (h *HNSW) Train(_ [][]float32) error { return nil }
func (h *HNSW) IsTrained() bool           { return true }

func (h *HNSW) randomLevel() int {
	r := h.rng.Float64()
	if r <= 0 {
		r = 1e-12
	}
	level := int(math.Floor(-math.Log(r) * levelMultiplier * 0.3))
	if level < 0 {
		level = 0
	}
	return level
}

func (h *HNSW) Add(vectors [][]float32, ids []uint32) error {
	if len(vectors) != len(ids) {
		return vecerr.New(vecerr.KindConfigError, "ann.HNSW.Add: vectors/ids length mismatch")
	}
	for i, v := range vectors {
		if err := h.addOne(ids[i], v); err != nil {
			return err
		}
	}
	return nil
}

func (h *HNSW) addOne(id uint32, v []float32) error {
	if len(v) != h.dim {
		return vecerr.New(vecerr.KindDimensionMismatch, "ann.HNSW.Add: vector dimension mismatch")
	}
	cp := make([]float32, len(v))
	copy(cp, v)
	h.vectors[id] = cp
	level := h.randomLevel()
	h.nodeLevel[id] = level
	h.neighbors[id] = make([][]uint32, level+1)
	delete(h.deleted, id)
	h.liveCount++

	if !h.hasEntryPoint {
		h.hasEntryPoint = true
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > level; l-- {
		ep = h.searchLayerSingle(v, ep, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(v, ep, h.efConstruction, l)
		selected := h.selectNeighbors(v, candidates, h.m)
		h.neighbors[id][l] = selected
		for _, n := range selected {
			h.insertNeighborAtLevel(n, l, id)
		}
		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	return nil
}

func (h *HNSW) insertNeighborAtLevel(nodeID uint32, level int, newNeighbor uint32) {
	lvls := h.neighbors[nodeID]
	if level >= len(lvls) {
		return
	}
	lvls[level] = append(lvls[level], newNeighbor)
	if len(lvls[level]) > h.m*2 {
		v := h.vectors[nodeID]
		lvls[level] = h.selectNeighbors(v, lvls[level], h.m)
	}
}

// searchLayerSingle is a greedy single-path descent used while dropping
// down through upper layers before the real ef-width search at the target
// level, matching the teacher's two-phase descent.
func (h *HNSW) searchLayerSingle(query []float32, entry uint32, level int) uint32 {
	current := entry
	currentDist := h.distanceTo(query, current)
	for {
		improved := false
		for _, n := range h.neighborsAt(current, level) {
			if h.deleted[n] {
				continue
			}
			d := h.distanceTo(query, n)
			if d < currentDist {
				currentDist = d
				current = n
				improved = true
			}
		}
		if !improved {
			return current
		}
	}
}

type hnswDistItem struct {
	id   uint32
	dist float32
}

// candidateHeap is a max-heap on distance, used to keep the closest ef
// candidates seen so far, matching the teacher's searchLayerHeapPooled.
type candidateHeap []hnswDistItem

func (c candidateHeap) Len() int            { return len(c) }
func (c candidateHeap) Less(i, j int) bool  { return c[i].dist > c[j].dist }
func (c candidateHeap) Swap(i, j int)       { c[i], c[j] = c[j], c[i] }
func (c *candidateHeap) Push(x interface{}) { *c = append(*c, x.(hnswDistItem)) }
func (c *candidateHeap) Pop() interface{} {
	old := *c
	n := len(old)
	item := old[n-1]
	*c = old[:n-1]
	return item
}

func (h *HNSW) distanceTo(query []float32, id uint32) float32 {
	return vector.L2Distance(query, h.vectors[id])
}

func (h *HNSW) neighborsAt(id uint32, level int) []uint32 {
	lvls := h.neighbors[id]
	if level >= len(lvls) {
		return nil
	}
	return lvls[level]
}

// searchLayer returns up to ef candidate ids at level, sorted ascending by
// distance to query (closest first).
func (h *HNSW) searchLayer(query []float32, entry uint32, ef int, level int) []uint32 {
	visited := map[uint32]bool{entry: true}
	candidates := &candidateHeap{}
	heap.Init(candidates)
	entryDist := h.distanceTo(query, entry)
	heap.Push(candidates, hnswDistItem{entry, entryDist})

	result := []hnswDistItem{{entry, entryDist}}
	frontier := []uint32{entry}

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, n := range h.neighborsAt(next, level) {
			if visited[n] || h.deleted[n] {
				continue
			}
			visited[n] = true
			d := h.distanceTo(query, n)
			result = append(result, hnswDistItem{n, d})
			if candidates.Len() < ef {
				heap.Push(candidates, hnswDistItem{n, d})
				frontier = append(frontier, n)
			} else if d < (*candidates)[0].dist {
				heap.Pop(candidates)
				heap.Push(candidates, hnswDistItem{n, d})
				frontier = append(frontier, n)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
	if len(result) > ef {
		result = result[:ef]
	}
	ids := make([]uint32, len(result))
	for i, r := range result {
		ids[i] = r.id
	}
	return ids
}

// selectNeighbors keeps the m closest candidates to query, a simplified
// stand-in for the teacher's heuristic diversified selection
// (selectNeighbors in hnsw_index.go also biases toward spatial spread; this
// keeps pure nearest-m, adequate at the scale this engine targets).
func (h *HNSW) selectNeighbors(query []float32, candidates []uint32, m int) []uint32 {
	type cd struct {
		id   uint32
		dist float32
	}
	cds := make([]cd, 0, len(candidates))
	seen := make(map[uint32]bool)
	for _, c := range candidates {
		if seen[c] || h.deleted[c] {
			continue
		}
		seen[c] = true
		cds = append(cds, cd{c, h.distanceTo(query, c)})
	}
	sort.Slice(cds, func(i, j int) bool { return cds[i].dist < cds[j].dist })
	if m > len(cds) {
		m = len(cds)
	}
	out := make([]uint32, m)
	for i := 0; i < m; i++ {
		out[i] = cds[i].id
	}
	return out
}

// Remove tombstones ids rather than unlinking them from every neighbour
// list (that would require touching O(M) lists per delete); tombstoned
// nodes are skipped during traversal and search. The entry point is
// reselected if it was removed, mirroring reselectEntryPointLocked.
func (h *HNSW) Remove(ids []uint32) (int, error) {
	removed := 0
	needReselect := false
	for _, id := range ids {
		if _, ok := h.vectors[id]; !ok || h.deleted[id] {
			continue
		}
		h.deleted[id] = true
		h.liveCount--
		removed++
		if h.hasEntryPoint && (id == h.entryPoint || h.nodeLevel[id] == h.maxLevel) {
			needReselect = true
		}
	}
	if needReselect {
		h.reselectEntryPoint()
	}
	return removed, nil
}

func (h *HNSW) reselectEntryPoint() {
	bestID, bestLevel := uint32(0), -1
	found := false
	for id, lvl := range h.nodeLevel {
		if h.deleted[id] {
			continue
		}
		if lvl > bestLevel {
			bestID, bestLevel, found = id, lvl, true
		}
	}
	if !found {
		h.hasEntryPoint = false
		h.entryPoint = 0
		h.maxLevel = 0
		return
	}
	h.entryPoint = bestID
	h.maxLevel = bestLevel
}

func (h *HNSW) Search(query []float32, k int) ([]Result, error) {
	if len(query) != h.dim {
		return nil, vecerr.New(vecerr.KindDimensionMismatch, "ann.HNSW.Search: query dimension mismatch")
	}
	if !h.hasEntryPoint {
		return nil, nil
	}
	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(query, ep, l)
	}
	ef := h.efSearch
	if k > ef {
		ef = k
	}
	candidates := h.searchLayer(query, ep, ef, 0)
	results := make([]Result, 0, len(candidates))
	for _, id := range candidates {
		if h.deleted[id] {
			continue
		}
		results = append(results, Result{InternalID: id, Distance: h.distanceTo(query, id)})
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

func (h *HNSW) Size() int { return h.liveCount }

// VectorAt returns the stored vector for an internal id.
func (h *HNSW) VectorAt(id uint32) ([]float32, error) {
	v, ok := h.vectors[id]
	if !ok {
		return nil, vecerr.New(vecerr.KindNotFound, "ann.HNSW.VectorAt: internal id not found")
	}
	return v, nil
}

// SupportsRemove reports false: HNSW tombstones rather than physically
// unlinking, so Hot falls back to the tombstone queue per spec.md §4.1 even
// though Remove above "succeeds" — the graph structure itself never shrinks
// without a rebuild.
func (h *HNSW) SupportsRemove() bool { return false }

// TombstoneRatio mirrors the teacher's TombstoneRatio/ShouldRebuild pair,
// used by Cold (§4.4) to decide when a rebuild is due.
func (h *HNSW) TombstoneRatio() float64 {
	total := len(h.vectors)
	if total == 0 {
		return 0
	}
	return float64(len(h.deleted)) / float64(total)
}

type hnswNodeSnapshot struct {
	Level     int        `msgpack:"level"`
	Neighbors [][]uint32 `msgpack:"neighbors"`
	Deleted   bool       `msgpack:"deleted"`
}

type hnswSnapshot struct {
	FormatVersion  string                      `msgpack:"format_version"`
	Dim            int                         `msgpack:"dim"`
	M              int                         `msgpack:"m"`
	EfConstruction int                         `msgpack:"ef_construction"`
	EfSearch       int                         `msgpack:"ef_search"`
	HasEntryPoint  bool                        `msgpack:"has_entry_point"`
	EntryPoint     uint32                      `msgpack:"entry_point"`
	MaxLevel       int                         `msgpack:"max_level"`
	LiveCount      int                         `msgpack:"live_count"`
	Nodes          map[uint32]hnswNodeSnapshot `msgpack:"nodes"`
}

// VectorLookup resolves a vector by internal id when reloading a
// graph-only snapshot, supplied by the owning tier (which keeps the
// authoritative vector store). Mirrors the teacher's VectorLookup type.
type VectorLookup func(id uint32) ([]float32, bool)

// ErrNoVectorLookup is returned by Load if SetVectorLookup was never called.
var ErrNoVectorLookup = vecerr.New(vecerr.KindConfigError, "ann.HNSW.Load: no vector lookup installed, call SetVectorLookup first")

// Persist writes the graph only (levels, neighbour lists, tombstones) —
// never the vector payload — matching hnswIndexFormatVersionGraphOnly.
func (h *HNSW) Persist(path string) error {
	nodes := make(map[uint32]hnswNodeSnapshot, len(h.nodeLevel))
	for id, lvl := range h.nodeLevel {
		nodes[id] = hnswNodeSnapshot{Level: lvl, Neighbors: h.neighbors[id], Deleted: h.deleted[id]}
	}
	snap := hnswSnapshot{
		FormatVersion:  hnswFormatVersionGraphOnly,
		Dim:            h.dim,
		M:              h.m,
		EfConstruction: h.efConstruction,
		EfSearch:       h.efSearch,
		HasEntryPoint:  h.hasEntryPoint,
		EntryPoint:     h.entryPoint,
		MaxLevel:       h.maxLevel,
		LiveCount:      h.liveCount,
		Nodes:          nodes,
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.HNSW.Persist: create temp file", err)
	}
	if err := msgpack.NewEncoder(file).Encode(&snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return vecerr.Wrap(vecerr.KindPersistError, "ann.HNSW.Persist: encode", err)
	}
	if err := file.Close(); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.HNSW.Persist: close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.HNSW.Persist: rename", err)
	}
	return nil
}

// Load restores the graph and rehydrates each node's vector through the
// installed VectorLookup, exactly as LoadHNSWIndex does with its
// VectorLookup parameter.
func (h *HNSW) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vecerr.Wrap(vecerr.KindPersistError, "ann.HNSW.Load: open", err)
	}
	defer file.Close()
	if h.vectorLookup == nil {
		return ErrNoVectorLookup
	}
	lookup := h.vectorLookup
	var snap hnswSnapshot
	if err := msgpack.NewDecoder(file).Decode(&snap); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.HNSW.Load: decode", err)
	}
	if snap.FormatVersion != hnswFormatVersionGraphOnly {
		return vecerr.New(vecerr.KindPersistError, "ann.HNSW.Load: format version mismatch, rebuild required")
	}
	h.dim, h.m, h.efConstruction, h.efSearch = snap.Dim, snap.M, snap.EfConstruction, snap.EfSearch
	h.hasEntryPoint, h.entryPoint, h.maxLevel, h.liveCount = snap.HasEntryPoint, snap.EntryPoint, snap.MaxLevel, snap.LiveCount
	h.vectors = make(map[uint32][]float32, len(snap.Nodes))
	h.nodeLevel = make(map[uint32]int, len(snap.Nodes))
	h.neighbors = make(map[uint32][][]uint32, len(snap.Nodes))
	h.deleted = make(map[uint32]bool)
	if h.rng == nil {
		h.rng = rand.New(rand.NewSource(1))
	}
	for id, n := range snap.Nodes {
		h.nodeLevel[id] = n.Level
		h.neighbors[id] = n.Neighbors
		if n.Deleted {
			h.deleted[id] = true
		}
		if v, ok := lookup(id); ok {
			h.vectors[id] = v
		}
	}
	return nil
}
