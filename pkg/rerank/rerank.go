// Package rerank implements the cross-encoder reranker contract
// (spec.md §4.10). Grounded on the teacher's LocalReranker
// (pkg/search/local_rerank.go): a Scorer interface, batching, and a
// fail-open contract — a scorer error (logged as a warning) or an
// unavailable scorer skips reranking rather than failing the search.
package rerank

import (
	"context"
	"log"
	"sort"
)

// Candidate is one item offered to the reranker.
type Candidate struct {
	DocID   string
	Content string
}

// Result is one rescored hit.
type Result struct {
	DocID        string
	OriginalRank int
	NewRank      int
	Score        float32
}

// CrossEncoder is the injected model contract (spec.md §6's "cross
// encoder"). Score returns a relevance score for (query, document); higher
// is more relevant.
type CrossEncoder interface {
	Score(ctx context.Context, query, document string) (float32, error)
}

// Config controls batching and fail-open behaviour.
type Config struct {
	Enabled     bool
	BatchSize   int     // default 32, spec.md §4.10
	MaxDocChars int     // truncate documents before scoring; 0 disables
	Timeout     int     // seconds; carried in the config, Rerank does not apply it
}

// Reranker wraps a CrossEncoder with the batching/fail-open contract.
type Reranker struct {
	scorer CrossEncoder
	cfg    Config
}

// New constructs a Reranker. scorer may be nil, in which case Rerank
// always passes candidates through unchanged (model "not loaded").
func New(scorer CrossEncoder, cfg Config) *Reranker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Reranker{scorer: scorer, cfg: cfg}
}

// Rerank scores every candidate and returns the top k ordered by score
// descending. On any batch error, on a disabled config, or on a nil
// scorer, it fails open: up to k candidates are returned in their original
// order with NewRank == OriginalRank (a warning is logged only for a
// scorer error), as
// spec.md §4.10 and the teacher's passThrough path specify.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, k int) []Result {
	if !r.cfg.Enabled || r.scorer == nil {
		return r.passThrough(candidates, k)
	}

	scores := make([]float32, len(candidates))
	for start := 0; start < len(candidates); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		for i := start; i < end; i++ {
			doc := candidates[i].Content
			if r.cfg.MaxDocChars > 0 && len(doc) > r.cfg.MaxDocChars {
				doc = doc[:r.cfg.MaxDocChars]
			}
			score, err := r.scorer.Score(ctx, query, doc)
			if err != nil {
				log.Printf("⚠️ rerank: scorer failed on doc %s, failing open: %v", candidates[i].DocID, err)
				return r.passThrough(candidates, k)
			}
			scores[i] = score
		}
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{DocID: c.DocID, OriginalRank: i, Score: scores[i]}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	for i := range results {
		results[i].NewRank = i
	}
	if k < len(results) {
		results = results[:k]
	}
	return results
}

func (r *Reranker) passThrough(candidates []Candidate, k int) []Result {
	out := make([]Result, 0, len(candidates))
	for i, c := range candidates {
		out = append(out, Result{DocID: c.DocID, OriginalRank: i, NewRank: i, Score: 0})
		if len(out) == k {
			break
		}
	}
	return out
}
