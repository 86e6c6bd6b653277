// Package strategy implements query-side retrieval composition (spec.md
// §2 component K): Vector, Hybrid, HyDE, Query2Doc, Decomposition, and
// ParentChild. Each strategy expands one query_text into one or more
// weighted query variants the store embeds and fuses via RRF
// (pkg/fusion), grounded on the teacher's adaptive weight selection
// (pkg/search/search.go's GetAdaptiveRRFConfig/fuseRRF) generalized from a
// fixed vector+BM25 pair into an arbitrary list of query variants.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/vecgen/retrieval/pkg/chunk"
	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Name identifies a retrieval strategy.
type Name string

const (
	Vector        Name = "vector"
	Hybrid        Name = "hybrid"
	HyDE          Name = "hyde"
	Query2Doc     Name = "query2doc"
	Decomposition Name = "decomposition"
	ParentChild   Name = "parent_child"
)

// Variant is one query text to embed and search, with the weight it
// contributes to RRF fusion (spec.md §4.6 step 5/6's per-list weight).
type Variant struct {
	Text   string
	Weight float64
}

// TextGenerator is the injected LLM collaborator spec.md §6 names,
// used by HyDE/Query2Doc/Decomposition to rewrite or expand a query.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Strategy expands a query into the variant(s) that should actually be
// embedded and searched.
type Strategy interface {
	Name() Name
	Expand(ctx context.Context, queryText string) ([]Variant, error)
}

// vectorStrategy is the identity strategy: search the query text as-is.
type vectorStrategy struct{}

// NewVector returns the baseline strategy: one variant, the query itself.
func NewVector() Strategy { return vectorStrategy{} }

func (vectorStrategy) Name() Name { return Vector }

func (vectorStrategy) Expand(_ context.Context, queryText string) ([]Variant, error) {
	return []Variant{{Text: queryText, Weight: 1.0}}, nil
}

// hybridStrategy is identity at the embedding layer; it exists so the
// store can select it explicitly and know to also issue the BM25 list
// (spec.md §4.9) alongside the vector list, rather than vector search alone.
type hybridStrategy struct{}

// NewHybrid returns the strategy marker for "search vectors and BM25
// together". The vector-side expansion is identical to Vector.
func NewHybrid() Strategy { return hybridStrategy{} }

func (hybridStrategy) Name() Name { return Hybrid }

func (hybridStrategy) Expand(_ context.Context, queryText string) ([]Variant, error) {
	return []Variant{{Text: queryText, Weight: 1.0}}, nil
}

// hydeStrategy implements Hypothetical Document Embeddings: generate a
// plausible answer passage and embed that instead of the bare query,
// since answer-shaped text tends to be closer in embedding space to the
// documents that would actually answer it.
type hydeStrategy struct {
	gen TextGenerator
}

// NewHyDE wraps a TextGenerator. gen must be non-nil; the store only
// selects this strategy when one is configured.
func NewHyDE(gen TextGenerator) Strategy { return hydeStrategy{gen: gen} }

func (hydeStrategy) Name() Name { return HyDE }

func (h hydeStrategy) Expand(ctx context.Context, queryText string) ([]Variant, error) {
	if h.gen == nil {
		return nil, vecerr.New(vecerr.KindGenerationError, "strategy.HyDE: no text generator configured")
	}
	prompt := fmt.Sprintf("Write a short passage that would answer the question: %s", queryText)
	doc, err := h.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindGenerationError, "strategy.HyDE: generate failed", err)
	}
	doc = strings.TrimSpace(doc)
	if doc == "" {
		// Fail open to the bare query rather than returning no variants.
		return []Variant{{Text: queryText, Weight: 1.0}}, nil
	}
	return []Variant{{Text: doc, Weight: 1.0}}, nil
}

// query2docStrategy expands the query with a generated pseudo-document
// appended to the original text, rather than replacing it outright —
// softer than HyDE, keeping the literal query terms present for lexical
// overlap with BM25.
type query2docStrategy struct {
	gen TextGenerator
}

// NewQuery2Doc wraps a TextGenerator.
func NewQuery2Doc(gen TextGenerator) Strategy { return query2docStrategy{gen: gen} }

func (query2docStrategy) Name() Name { return Query2Doc }

func (q query2docStrategy) Expand(ctx context.Context, queryText string) ([]Variant, error) {
	if q.gen == nil {
		return nil, vecerr.New(vecerr.KindGenerationError, "strategy.Query2Doc: no text generator configured")
	}
	prompt := fmt.Sprintf("Write a short passage relevant to: %s", queryText)
	doc, err := q.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindGenerationError, "strategy.Query2Doc: generate failed", err)
	}
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return []Variant{{Text: queryText, Weight: 1.0}}, nil
	}
	return []Variant{{Text: queryText + "\n" + doc, Weight: 1.0}}, nil
}

// decompositionStrategy splits a compound query into independent
// sub-questions and searches each, letting RRF recombine the results —
// useful for multi-part questions a single embedding would blur together.
type decompositionStrategy struct {
	gen      TextGenerator
	maxParts int
}

// NewDecomposition wraps a TextGenerator. maxParts caps the number of
// sub-queries accepted from the generator's output (default 4).
func NewDecomposition(gen TextGenerator, maxParts int) Strategy {
	if maxParts <= 0 {
		maxParts = 4
	}
	return decompositionStrategy{gen: gen, maxParts: maxParts}
}

func (decompositionStrategy) Name() Name { return Decomposition }

func (d decompositionStrategy) Expand(ctx context.Context, queryText string) ([]Variant, error) {
	if d.gen == nil {
		return nil, vecerr.New(vecerr.KindGenerationError, "strategy.Decomposition: no text generator configured")
	}
	prompt := fmt.Sprintf(
		"Break the following question into up to %d independent sub-questions, one per line, no numbering: %s",
		d.maxParts, queryText,
	)
	raw, err := d.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindGenerationError, "strategy.Decomposition: generate failed", err)
	}
	var variants []Variant
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		variants = append(variants, Variant{Text: line, Weight: 1.0})
		if len(variants) >= d.maxParts {
			break
		}
	}
	if len(variants) == 0 {
		return []Variant{{Text: queryText, Weight: 1.0}}, nil
	}
	// Equalize weight across sub-queries so no single decomposed part
	// dominates RRF fusion purely by virtue of how many parts there are.
	w := 1.0 / float64(len(variants))
	for i := range variants {
		variants[i].Weight = w
	}
	return variants, nil
}

// ParentKey is the metadata field a ParentChild strategy looks up to
// resolve a matched chunk to its containing document. Chunks without this
// key are treated as their own parent.
const ParentKey = "parent_id"

// ResolveParents rewrites a result list so that, when a matched chunk
// carries a ParentKey in its metadata, the result is reported under the
// parent's doc_id instead of the child chunk's — duplicates collapsed to
// the parent's best (first, i.e. highest-ranked) score. This runs as a
// post-fusion step rather than a query Expand, since it operates on
// results, not on the query text.
func ResolveParents(results []chunk.Result) []chunk.Result {
	seen := make(map[string]int) // parent doc_id -> index in out
	var out []chunk.Result
	for _, r := range results {
		parentID := r.DocID
		if v, ok := r.Metadata.Get(ParentKey); ok {
			if s, ok := v.(string); ok && s != "" {
				parentID = s
			}
		}
		if idx, ok := seen[parentID]; ok {
			out[idx].Score += r.Score * 0.01 // tie-break nudge, doesn't change the ordering rank materially
			continue
		}
		rewritten := r
		rewritten.DocID = parentID
		seen[parentID] = len(out)
		out = append(out, rewritten)
	}
	return out
}
