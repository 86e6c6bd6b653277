package ann

import (
	"math"
	"os"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vecgen/retrieval/pkg/vecerr"
	"github.com/vecgen/retrieval/pkg/vector"
)

const ivfpqFormatVersion = "1.0.0"

// codebook holds one sub-quantiser's centroids, grounded on the teacher's
// ivfpqCodebook{SubDim,Codeword} (pkg/search/ivfpq_types.go).
type codebook struct {
	SubDim   int
	Codeword [][]float32
}

// pqList is a posting list of (id, residual-code) pairs for one coarse
// centroid, grounded on the teacher's ivfpqList{IDs,CodeSize,Codes} packed
// byte layout. PQBits is fixed at 8 here (one byte per segment), matching
// spec.md §4.2's `nbits = 8` for the adaptive selector's IVFPQ rule.
type pqList struct {
	IDs   []uint32
	Codes []byte // len(IDs) * segments bytes
}

// IVFPQ is IVF with product-quantised residuals: each vector's
// centroid-subtracted residual is split into PQSegments sub-vectors, each
// quantised to one of 256 codewords (1 byte). Search approximates distance
// via a precomputed lookup table over the query's own residual, the same
// asymmetric-distance-computation shape the teacher's ivfpqScratch.lut is
// built for.
type IVFPQ struct {
	dim      int
	nlist    int
	nprobe   int
	segments int
	trained  bool

	centroids [][]float32
	codebooks []codebook
	lists     []pqList
}

func (idx *IVFPQ) Create(params Params) error {
	idx.dim = params.Dimension
	idx.nlist = params.NList
	if idx.nlist < 1 {
		idx.nlist = 16
	}
	idx.nprobe = params.NProbe
	if idx.nprobe < 1 {
		idx.nprobe = 1
	}
	idx.segments = params.PQSegments
	if idx.segments < 1 {
		idx.segments = 8
	}
	for idx.dim%idx.segments != 0 && idx.segments > 1 {
		idx.segments--
	}
	idx.lists = make([]pqList, idx.nlist)
	idx.trained = false
	return nil
}

func (idx *IVFPQ) IsTrained() bool { return idx.trained }

func kmeansCentroids(samples [][]float32, n, dim int) [][]float32 {
	if n > len(samples) {
		n = len(samples)
	}
	if n < 1 {
		n = 1
	}
	centroids := make([][]float32, n)
	step := len(samples) / n
	if step < 1 {
		step = 1
	}
	for i := 0; i < n; i++ {
		src := samples[(i*step)%len(samples)]
		c := make([]float32, len(src))
		copy(c, src)
		centroids[i] = c
	}
	assign := make([]int, len(samples))
	for iter := 0; iter < 25; iter++ {
		changed := false
		for i, v := range samples {
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
			sums[c] = make([]float64, dim)
		}
		for i, v := range samples {
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
	return centroids
}

// Train fits the coarse IVF centroids, then per-segment PQ codebooks of 256
// codewords each over the residuals (sampleVectors minus their assigned
// coarse centroid), mirroring the two-stage IVF-then-PQ training the
// teacher's compressed ANN profile assumes (pkg/search/ann_profile.go).
func (idx *IVFPQ) Train(sampleVectors [][]float32) error {
	if len(sampleVectors) == 0 {
		return vecerr.New(vecerr.KindConfigError, "ann.IVFPQ.Train: no sample vectors")
	}
	idx.centroids = kmeansCentroids(sampleVectors, idx.nlist, idx.dim)
	idx.nlist = len(idx.centroids)
	idx.lists = make([]pqList, idx.nlist)

	subDim := idx.dim / idx.segments
	residuals := make([][]float32, len(sampleVectors))
	for i, v := range sampleVectors {
		c := idx.assign(v)
		r := make([]float32, idx.dim)
		for d := range v {
			r[d] = v[d] - idx.centroids[c][d]
		}
		residuals[i] = r
	}

	idx.codebooks = make([]codebook, idx.segments)
	for s := 0; s < idx.segments; s++ {
		sub := make([][]float32, len(residuals))
		for i, r := range residuals {
			sub[i] = r[s*subDim : (s+1)*subDim]
		}
		words := kmeansCentroids(sub, 256, subDim)
		idx.codebooks[s] = codebook{SubDim: subDim, Codeword: words}
	}
	idx.trained = true
	return nil
}

func (idx *IVFPQ) assign(v []float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for c, centroid := range idx.centroids {
		d := vector.L2Distance(v, centroid)
		if d < bestDist {
			bestDist, best = d, c
		}
	}
	return best
}

func (idx *IVFPQ) nearestCentroidIDs(v []float32, n int) []int {
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

func (idx *IVFPQ) encode(residual []float32) []byte {
	code := make([]byte, idx.segments)
	subDim := idx.dim / idx.segments
	for s := 0; s < idx.segments; s++ {
		sub := residual[s*subDim : (s+1)*subDim]
		best, bestDist := 0, float32(math.MaxFloat32)
		for w, word := range idx.codebooks[s].Codeword {
			d := vector.L2Distance(sub, word)
			if d < bestDist {
				bestDist, best = d, w
			}
		}
		code[s] = byte(best)
	}
	return code
}

func (idx *IVFPQ) Add(vectors [][]float32, ids []uint32) error {
	if !idx.trained {
		return vecerr.New(vecerr.KindConfigError, "ann.IVFPQ.Add: backend not trained")
	}
	if len(vectors) != len(ids) {
		return vecerr.New(vecerr.KindConfigError, "ann.IVFPQ.Add: vectors/ids length mismatch")
	}
	for i, v := range vectors {
		if len(v) != idx.dim {
			return vecerr.New(vecerr.KindDimensionMismatch, "ann.IVFPQ.Add: vector dimension mismatch")
		}
		c := idx.assign(v)
		residual := make([]float32, idx.dim)
		for d := range v {
			residual[d] = v[d] - idx.centroids[c][d]
		}
		code := idx.encode(residual)
		list := &idx.lists[c]
		list.IDs = append(list.IDs, ids[i])
		list.Codes = append(list.Codes, code...)
	}
	return nil
}

// Remove is unsupported: codes are packed contiguously per list and
// removing one requires rewriting the whole list's byte slice. IVFPQ's
// compressed layout prioritises scan density over cheap deletion, matching
// the teacher's own append-only ivfpqList.appendCode — callers fall back to
// tombstoning (Hot) or always do (Cold), per spec.md §4.1.
func (idx *IVFPQ) Remove(_ []uint32) (int, error) {
	return 0, ErrRemoveUnsupported
}

func (idx *IVFPQ) Search(query []float32, k int) ([]Result, error) {
	if len(query) != idx.dim {
		return nil, vecerr.New(vecerr.KindDimensionMismatch, "ann.IVFPQ.Search: query dimension mismatch")
	}
	if !idx.trained {
		return nil, vecerr.New(vecerr.KindConfigError, "ann.IVFPQ.Search: backend not trained")
	}
	probe := idx.nearestCentroidIDs(query, idx.nprobe)
	subDim := idx.dim / idx.segments

	results := make([]Result, 0)
	for _, c := range probe {
		residual := make([]float32, idx.dim)
		for d := range query {
			residual[d] = query[d] - idx.centroids[c][d]
		}
		// Per-segment squared distance lookup table for this query's
		// residual against every codeword, the asymmetric-distance trick
		// the teacher's ivfpqScratch.lut exists for.
		lut := make([][]float32, idx.segments)
		for s := 0; s < idx.segments; s++ {
			sub := residual[s*subDim : (s+1)*subDim]
			lut[s] = make([]float32, len(idx.codebooks[s].Codeword))
			for w, word := range idx.codebooks[s].Codeword {
				d := vector.L2Distance(sub, word)
				lut[s][w] = d * d
			}
		}
		list := idx.lists[c]
		for i, id := range list.IDs {
			var sqDist float32
			base := i * idx.segments
			for s := 0; s < idx.segments; s++ {
				sqDist += lut[s][list.Codes[base+s]]
			}
			results = append(results, Result{InternalID: id, Distance: float32(math.Sqrt(float64(sqDist)))})
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

func (idx *IVFPQ) Size() int {
	n := 0
	for _, l := range idx.lists {
		n += len(l.IDs)
	}
	return n
}

func (idx *IVFPQ) SupportsRemove() bool { return false }

type ivfpqSnapshot struct {
	FormatVersion string     `msgpack:"format_version"`
	Dim           int        `msgpack:"dim"`
	NList         int        `msgpack:"nlist"`
	NProbe        int        `msgpack:"nprobe"`
	Segments      int        `msgpack:"segments"`
	Trained       bool       `msgpack:"trained"`
	Centroids     [][]float32 `msgpack:"centroids"`
	Codebooks     []codebook `msgpack:"codebooks"`
	Lists         []pqList   `msgpack:"lists"`
}

func (idx *IVFPQ) Persist(path string) error {
	snap := ivfpqSnapshot{
		FormatVersion: ivfpqFormatVersion,
		Dim:           idx.dim,
		NList:         idx.nlist,
		NProbe:        idx.nprobe,
		Segments:      idx.segments,
		Trained:       idx.trained,
		Centroids:     idx.centroids,
		Codebooks:     idx.codebooks,
		Lists:         idx.lists,
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVFPQ.Persist: create temp file", err)
	}
	if err := msgpack.NewEncoder(file).Encode(&snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVFPQ.Persist: encode", err)
	}
	if err := file.Close(); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVFPQ.Persist: close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVFPQ.Persist: rename", err)
	}
	return nil
}

func (idx *IVFPQ) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVFPQ.Load: open", err)
	}
	defer file.Close()
	var snap ivfpqSnapshot
	if err := msgpack.NewDecoder(file).Decode(&snap); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "ann.IVFPQ.Load: decode", err)
	}
	if snap.FormatVersion != ivfpqFormatVersion {
		return vecerr.New(vecerr.KindPersistError, "ann.IVFPQ.Load: format version mismatch, rebuild required")
	}
	idx.dim, idx.nlist, idx.nprobe, idx.segments, idx.trained =
		snap.Dim, snap.NList, snap.NProbe, snap.Segments, snap.Trained
	idx.centroids = snap.Centroids
	idx.codebooks = snap.Codebooks
	idx.lists = snap.Lists
	if idx.lists == nil {
		idx.lists = make([]pqList, idx.nlist)
	}
	return nil
}
