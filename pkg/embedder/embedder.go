// Package embedder defines the embedding-model contract the store depends
// on (spec.md §6's "embedding model" collaborator) plus a batching,
// memoizing wrapper. Grounded on the teacher's Embedder interface
// (pkg/mcp/server.go, pkg/heimdall/metrics.go) and the deduplication/
// averaging conveniences in pkg/nornicdb/embed_queue.go, generalized from a
// one-model-per-process async worker into a synchronous call a retrieval
// request can block on directly.
package embedder

import (
	"container/list"
	"context"
	"sync"

	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Embedder turns text into vectors. Implementations are injected
// collaborators (a local model, a remote API client); this package owns
// none of them.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// wrapErr turns any Embed-only failure into vecerr.KindEmbedError so callers
// can branch on Kind regardless of which concrete Embedder is wired in.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return vecerr.Wrap(vecerr.KindEmbedError, "embedder."+op, err)
}

// CacheConfig controls the memoizing cache's size.
type CacheConfig struct {
	MaxEntries int // default 10,000; 0 or less also means 10,000
}

// Cache wraps an Embedder with an LRU memoization cache keyed on exact text
// match, avoiding repeat model calls for identical chunks across re-ingest
// or repeated queries (e.g. the same query string issued for pagination).
type Cache struct {
	inner Embedder
	max   int

	mu    sync.Mutex
	ll    *list.List
	index map[string]*list.Element
}

type cacheEntry struct {
	text   string
	vector []float32
}

// New wraps inner with an LRU cache. If cfg.MaxEntries <= 0, the cache
// holds the default of 10,000 entries.
func New(inner Embedder, cfg CacheConfig) *Cache {
	max := cfg.MaxEntries
	if max <= 0 {
		max = 10_000
	}
	return &Cache{
		inner: inner,
		max:   max,
		ll:    list.New(),
		index: make(map[string]*list.Element),
	}
}

// Model delegates to the wrapped Embedder.
func (c *Cache) Model() string { return c.inner.Model() }

// Dimensions delegates to the wrapped Embedder.
func (c *Cache) Dimensions() int { return c.inner.Dimensions() }

// Embed returns a cached vector for text if present, otherwise calls the
// wrapped Embedder and caches the result.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.get(text); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, wrapErr("Embed", err)
	}
	c.put(text, v)
	return v, nil
}

// EmbedBatch resolves cache hits locally and sends only the misses to the
// wrapped Embedder in one batch call, matching the teacher's
// embedWithRetry's batch-then-average shape but without averaging: each
// input text keeps its own vector.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		if v, ok := c.get(t); ok {
			out[i] = v
		} else {
			missTexts = append(missTexts, t)
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, wrapErr("EmbedBatch", err)
	}
	if len(vectors) != len(missTexts) {
		return nil, vecerr.New(vecerr.KindEmbedError, "embedder.EmbedBatch: backend returned mismatched vector count")
	}
	for j, idx := range missIdx {
		out[idx] = vectors[j]
		c.put(missTexts[j], vectors[j])
	}
	return out, nil
}

func (c *Cache) get(text string) ([]float32, bool) {
	if c.max <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[text]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).vector, true
}

func (c *Cache) put(text string, vector []float32) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[text]; ok {
		el.Value.(*cacheEntry).vector = vector
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{text: text, vector: vector})
	c.index[text] = el
	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*cacheEntry).text)
	}
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
