package ann

import (
	"math"
	"os"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vecgen/retrieval/pkg/vecerr"
	"github.com/vecgen/retrieval/pkg/vector"
)

const ivfFormatVersion = "1.0.0"

// IVF is the coarse-quantiser + inverted-lists backend: vectors are
// assigned to their nearest of NList centroids (trained by a small k-means
// run) and Search probes only the NProbe closest lists. Grounded on the
// teacher's IVF-HNSW hybrid persistence helpers in pkg/search/hnsw_index.go
// (SaveIVFHNSW/LoadIVFHNSWCluster/DeriveIVFCentroidsFromClusters) and the
// ivfpqList postings-list shape in pkg/search/ivfpq_types.go, simplified to
// hold raw vectors per list rather than PQ codes (see IVFPQ for the
// compressed variant).
type IVF struct {
	dim     int
	nlist   int
	nprobe  int
	trained bool

	centroids [][]float32
	lists     [][]ivfEntry // one posting list per centroid
}

type ivfEntry struct {
	ID     uint32
	Vector []float32
}

func (idx *IVF) Create(params Params) error {
	idx.dim = params.Dimension
	idx.nlist = params.NList
	if idx.nlist < 1 {
		idx.nlist = 16
	}
	idx.nprobe = params.NProbe
	if idx.nprobe < 1 {
		idx.nprobe = 1
	}
	idx.centroids = nil
	idx.lists = make([][]ivfEntry, idx.nlist)
	idx.trained = false
	return nil
}

func (idx *IVF) IsTrained() bool { return idx.trained }

// Train runs a bounded k-means (Lloyd's algorithm) over sampleVectors to
// produce NList centroids. Mirrors the teacher's kmeans training style
// (pkg/gpu/kmeans.go's CPU fallback shape: init by sampling points, then
// iterate assign/update) without the GPU acceleration path, which has no
// home in this module (see DESIGN.md).
func (idx *IVF) Train(sampleVectors [][]float32) error {
	if len(sampleVectors) == 0 {
		return vecerr.New(vecerr.KindConfigError, "ann.IVF.Train: no sample vectors")
	}
	n := idx.nlist
	if n > len(sampleVectors) {
		n = len(sampleVectors)
	}
	if n < 1 {
		n = 1
	}
	centroids := make([][]float32, n)
	step := len(sampleVectors) / n
	if step < 1 {
		step = 1
	}
	for i := 0; i < n; i++ {
		src := sampleVectors[(i*step)%len(sampleVectors)]
		c := make([]float32, len(src))
		copy(c, src)
		centroids[i] = c
	}

	const maxIterations = 25
	assign := make([]int, len(sampleVectors))
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range sampleVectors {
			best, bestDist := 0, float32(math.MaxFloat32)
			for c, centroid := range centroids {
				d := vector.L2Distance(v, centroid)
				if d < bestDist {
					bestDist, best = d, c
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		sums := make([][]float64, n)
		counts := make([]int, n)
		for c := range sums {
			sums[c] = make([]float64, idx.dim)
		}
		for i, v := range sampleVectors {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
		if !changed {
			break
		}
	}
	idx.centroids = centroids
	idx.nlist = n
	idx.lists = make([][]ivfEntry, n)
	idx.trained = true
	return nil
}

func (idx *IVF) nearestCentroids(v []float32, n int) []int {
	type cd struct {
		idx  int
		dist float32
	}
	cds := make([]cd, len(idx.centroids))
	for i, c := range idx.centroids {
		cds[i] = cd{i, vector.L2Distance(v, c)}
	}
	sort.Slice(cds, func(i, j int) bool { return cds[i].dist < cds[j].dist })
	if n > len(cds) {
		n = len(cds)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = cds[i].idx
	}
	return out
}

func (idx *IVF) Add(vectors [][]float32, ids []uint32) error {
	if !idx.trained {
		return vecerr.New(vecerr.KindConfigError, "ann.IVF.Add: backend not trained")
	}
	if len(vectors) != len(ids) {
		return vecerr.New(vecerr.KindConfigError, "ann.IVF.Add: vectors/ids length mismatch")
	}
	for i, v := range vectors {
		if len(v) != idx.dim {
			return vecerr.New(vecerr.KindDimensionMismatch, "ann.IVF.Add: vector dimension mismatch")
		}
		c := idx.nearestCentroids(v, 1)[0]
		cp := make([]float32, len(v))
		copy(cp, v)
		idx.lists[c] = append(idx.lists[c], ivfEntry{ID: ids[i], Vector: cp})
	}
	return nil
}

// Remove is supported: IVF holds raw vectors per list, so deletion is a
// linear scan-and-splice over every list (the owning list of an id is not
// tracked, so the cost grows with total corpus size).
func (idx *IVF) Remove(ids []uint32) (int, error) {
	want := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	removed := 0
	for li, list := range idx.lists {
		kept := list[:0]
		for _, e := range list {
			if want[e.ID] {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		idx.lists[li] = kept
	}
	return removed, nil
}

func (idx *IVF) Search(query []float32, k int) ([]Result, error) {
	if len(query) != idx.dim {
		return nil, vecerr.New(vecerr.KindDimensionMismatch, "ann.IVF.Search: query dimension mismatch")
	}
	if !idx.trained {
		return nil, vecerr.New(vecerr.KindConfigError, "ann.IVF.Search: backend not trained")
	}
	probe := idx.nearestCentroids(query, idx.nprobe)
	results := make([]Result, 0)
	for _, li := range probe {
		for _, e := range idx.lists[li] {
			results = append(results, Result{InternalID: e.ID, Distance: vector.L2Distance(query, e.Vector)})
		}
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

func (idx *IVF) Size() int {
	n := 0
	for _, l := range idx.lists {
		n += len(l)
	}
	return n
}

func (idx *IVF) SupportsRemove() bool { return true }

// VectorAt scans the owning posting list for id's stored vector.
func (idx *IVF) VectorAt(id uint32) ([]float32, error) {
	for _, list := range idx.lists {
		for _, e := range list {
			if e.ID == id {
				return e.Vector, nil
			}
		}
	}
	return nil, vecerr.New(vecerr.KindNotFound, "ann.IVF.VectorAt: internal id not found")
}

type ivfSnapshot struct {
	FormatVersion string       `msgpack:"format_version"`
	Dim           int          `msgpack:"dim"`
	NList         int          `msgpack:"nlist"`
	NProbe        int          `msgpack:"nprobe"`
	Trained       bool         `msgpack:"trained"`
	Centroids     [][]float32  `msgpack:"centroids"`
	Lists         [][]ivfEntry `msgpack:"lists"`
}

func (idx *IVF) Persist(path string) error {
	snap := ivfSnapshot{
		FormatVersion: ivfFormatVersion,
		Dim:           idx.dim,
		NList:         idx.nlist,
		NProbe:        idx.nprobe,
		Trained:       idx.trained,
		Centroids:     idx.centroids,
		Lists:         idx.lists,
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVF.Persist: create temp file", err)
	}
	if err := msgpack.NewEncoder(file).Encode(&snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVF.Persist: encode", err)
	}
	if err := file.Close(); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVF.Persist: close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVF.Persist: rename", err)
	}
	return nil
}

func (idx *IVF) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVF.Load: open", err)
	}
	defer file.Close()
	var snap ivfSnapshot
	if err := msgpack.NewDecoder(file).Decode(&snap); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVF.Load: decode", err)
	}
	if snap.FormatVersion != ivfFormatVersion {
		return vecerr.New(vecerr.KindPersistError, "ann.IVF.Load: format version mismatch, rebuild required")
	}
	idx.dim, idx.nlist, idx.nprobe, idx.trained = snap.Dim, snap.NList, snap.NProbe, snap.Trained
	idx.centroids = snap.Centroids
	idx.lists = snap.Lists
	if idx.lists == nil {
		idx.lists = make([][]ivfEntry, idx.nlist)
	}
	return nil
}
