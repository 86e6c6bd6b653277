// Package bm25 implements the BM25 inverted-index manager (spec.md §4.9):
// tokenisation, postings, and standard BM25 scoring. Grounded on the
// teacher's FulltextIndexV2 (pkg/search/fulltext_index_v2.go) — posting
// lists of (doc, term frequency) pairs, a precomputed per-term IDF, and
// heap-free top-k since corpora here are expected to stay well under the
// teacher's scale where a min-heap pruning pass earns its complexity.
package bm25

import (
	"math"
	"os"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vecgen/retrieval/pkg/vecerr"
)

const bm25FormatVersion = "1.0.0"

// Result is one scored hit, feeding into fusion as a ranked list
// (spec.md §4.9 "Query output").
type Result struct {
	DocID string
	Score float64
}

type posting struct {
	DocID string
	TF    int
}

// Index is the BM25 inverted index.
type Index struct {
	mu sync.RWMutex

	tokeniser Tokeniser
	k1        float64
	b         float64

	postings      map[string][]posting // term -> postings
	docLength     map[string]int
	totalDocLen   int64
	lastSyncedVectorCount int
}

// Config configures a new BM25 index.
type Config struct {
	Tokeniser Tokeniser
	K1        float64 // default 1.2
	B         float64 // default 0.75
}

// New constructs an empty BM25 index.
func New(cfg Config) *Index {
	tok := cfg.Tokeniser
	if tok == nil {
		tok = DefaultTokeniser{}
	}
	k1 := cfg.K1
	if k1 <= 0 {
		k1 = 1.2
	}
	b := cfg.B
	if b <= 0 {
		b = 0.75
	}
	return &Index{
		tokeniser: tok,
		k1:        k1,
		b:         b,
		postings:  make(map[string][]posting),
		docLength: make(map[string]int),
	}
}

// Index tokenises and indexes a single document's content, replacing any
// prior postings for docID (idempotent re-index on content update).
func (idx *Index) Index(docID, content string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(docID)

	tokens := idx.tokeniser.Tokenise(content)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	for term, count := range tf {
		idx.postings[term] = append(idx.postings[term], posting{DocID: docID, TF: count})
	}
	idx.docLength[docID] = len(tokens)
	idx.totalDocLen += int64(len(tokens))
}

// IndexBatch indexes many documents at once.
func (idx *Index) IndexBatch(docs map[string]string) {
	for docID, content := range docs {
		idx.Index(docID, content)
	}
}

// Remove drops docID from every posting list it appears in.
func (idx *Index) Remove(docID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(docID)
}

func (idx *Index) removeLocked(docID string) {
	length, existed := idx.docLength[docID]
	if !existed {
		return
	}
	for term, list := range idx.postings {
		kept := list[:0]
		for _, p := range list {
			if p.DocID != docID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(idx.postings, term)
		} else {
			idx.postings[term] = kept
		}
	}
	delete(idx.docLength, docID)
	idx.totalDocLen -= int64(length)
}

func (idx *Index) avgDocLength() float64 {
	if len(idx.docLength) == 0 {
		return 0
	}
	return float64(idx.totalDocLen) / float64(len(idx.docLength))
}

// idf computes log(1 + (N - df + 0.5)/(df + 0.5)), clamped >= 0, matching
// the teacher's calculateIDFLocked.
func (idx *Index) idf(term string) float64 {
	n := float64(len(idx.docLength))
	df := float64(len(idx.postings[term]))
	if df == 0 {
		return 0
	}
	v := math.Log(1 + (n-df+0.5)/(df+0.5))
	if v < 0 {
		return 0
	}
	return v
}

// Search tokenises query, scores every candidate document by the sum of
// per-term BM25 scores, and returns the top k by score descending
// (spec.md §4.9's scoring formula).
func (idx *Index) Search(query string, k int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	terms := idx.tokeniser.Tokenise(query)
	avgLen := idx.avgDocLength()
	scores := make(map[string]float64)

	for _, term := range terms {
		list, ok := idx.postings[term]
		if !ok {
			continue
		}
		idfVal := idx.idf(term)
		if idfVal == 0 {
			continue
		}
		for _, p := range list {
			docLen := float64(idx.docLength[p.DocID])
			tf := float64(p.TF)
			denom := tf + idx.k1*(1-idx.b+idx.b*docLen/nonZero(avgLen))
			scores[p.DocID] += idfVal * (tf * (idx.k1 + 1)) / denom
		}
	}

	results := make([]Result, 0, len(scores))
	for docID, score := range scores {
		results = append(results, Result{DocID: docID, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// LastSyncedVectorCount reports the vector count BM25 was last caught up
// to, used by the store's open-time sync protocol (spec.md §4.9).
func (idx *Index) LastSyncedVectorCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastSyncedVectorCount
}

// SetLastSyncedVectorCount records the sync watermark after an incremental
// catch-up pass.
func (idx *Index) SetLastSyncedVectorCount(n int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lastSyncedVectorCount = n
}

// Contains reports whether docID currently has postings in the index, used
// by the store's open-time catch-up sync to find the gap against the
// routing table (spec.md §4.9).
func (idx *Index) Contains(docID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.docLength[docID]
	return ok
}

// DocCount returns the number of documents currently indexed.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docLength)
}

type bm25Snapshot struct {
	FormatVersion         string              `msgpack:"format_version"`
	K1                    float64             `msgpack:"k1"`
	B                     float64             `msgpack:"b"`
	Postings              map[string][]posting `msgpack:"postings"`
	DocLength             map[string]int      `msgpack:"doc_length"`
	TotalDocLen           int64               `msgpack:"total_doc_len"`
	LastSyncedVectorCount int                 `msgpack:"last_synced_vector_count"`
}

// Persist writes vocabulary, postings, and last_synced_vector_count to
// path via write-to-temp-then-rename, matching spec.md §6's bm25.bin
// layout description.
func (idx *Index) Persist(path string) error {
	idx.mu.RLock()
	snap := bm25Snapshot{
		FormatVersion:         bm25FormatVersion,
		K1:                    idx.k1,
		B:                     idx.b,
		Postings:              idx.postings,
		DocLength:             idx.docLength,
		TotalDocLen:           idx.totalDocLen,
		LastSyncedVectorCount: idx.lastSyncedVectorCount,
	}
	idx.mu.RUnlock()

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "bm25.Persist: create temp file", err)
	}
	if err := msgpack.NewEncoder(file).Encode(&snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return vecerr.Wrap(vecerr.KindPersistError, "bm25.Persist: encode", err)
	}
	if err := file.Close(); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "bm25.Persist: close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "bm25.Persist: rename", err)
	}
	return nil
}

// Load restores state from path. Missing files are not an error: a fresh
// store simply starts with an empty index (sync protocol will catch up).
func (idx *Index) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vecerr.Wrap(vecerr.KindPersistError, "bm25.Load: open", err)
	}
	defer file.Close()

	var snap bm25Snapshot
	if err := msgpack.NewDecoder(file).Decode(&snap); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "bm25.Load: decode", err)
	}
	if snap.FormatVersion != bm25FormatVersion {
		return vecerr.New(vecerr.KindPersistError, "bm25.Load: format version mismatch, rebuild required")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.k1, idx.b = snap.K1, snap.B
	idx.postings = snap.Postings
	if idx.postings == nil {
		idx.postings = make(map[string][]posting)
	}
	idx.docLength = snap.DocLength
	if idx.docLength == nil {
		idx.docLength = make(map[string]int)
	}
	idx.totalDocLen = snap.TotalDocLen
	idx.lastSyncedVectorCount = snap.LastSyncedVectorCount
	return nil
}
