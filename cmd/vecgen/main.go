// vecgen is a demo CLI wiring a Generational Store end-to-end: ingest
// files from a directory, then serve ad hoc queries against them. It uses
// a deterministic hashing embedder so the demo runs with no external
// model dependency; real deployments inject a proper Embedder
// (spec.md §6).
//
// Usage:
//
//	go run ./cmd/vecgen ingest --root data/demo --dir ./docs
//	go run ./cmd/vecgen search --root data/demo --query "how does archiving work"
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/vecgen/retrieval/pkg/config"
	"github.com/vecgen/retrieval/pkg/store"
)

// hashEmbedder is a deterministic, model-free stand-in Embedder: it hashes
// each lowercased whitespace-separated token into a fixed-width vector. It exists only so
// this demo CLI runs without network access or a GPU; it is not a
// meaningful relevance model.
type hashEmbedder struct {
	dim int
}

func (h hashEmbedder) Dimensions() int { return h.dim }
func (h hashEmbedder) Model() string   { return "demo-hash-embedder" }

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, h.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < h.dim; i++ {
			v[i] += float32(sum[i%len(sum)]) / 255.0
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "ingest":
		runIngest(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vecgen <ingest|search|stats> [flags]")
}

func openStore(root string, dim int) (*store.Store, error) {
	cfg := config.DefaultConfig()
	cfg.RootDir = root
	cfg.Dimension = dim
	for _, sub := range []string{"hot", "cold"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return store.Open(cfg, store.Dependencies{Embedder: hashEmbedder{dim: dim}})
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	root := fs.String("root", "data/demo", "store root directory")
	dir := fs.String("dir", "", "directory of text files to ingest")
	dim := fs.Int("dim", 256, "embedding dimension")
	fs.Parse(args)

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "missing --dir")
		os.Exit(2)
	}

	s, err := openStore(*root, *dim)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	entries, err := os.ReadDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read dir failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(*dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, err)
			continue
		}
		ids, err := s.AddDocuments(ctx, e.Name(), []store.Input{{Content: string(data)}})
		if err != nil {
			fmt.Fprintf(os.Stderr, "ingest %s failed: %v\n", path, err)
			continue
		}
		total += len(ids)
		fmt.Printf("ingested %s -> %v\n", e.Name(), ids)
	}
	fmt.Printf("done: %d chunks ingested\n", total)
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	root := fs.String("root", "data/demo", "store root directory")
	dim := fs.Int("dim", 256, "embedding dimension")
	query := fs.String("query", "", "query text")
	k := fs.Int("k", 5, "number of results")
	fs.Parse(args)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "missing --query")
		os.Exit(2)
	}

	s, err := openStore(*root, *dim)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	results, strategyUsed, err := s.Search(context.Background(), *query, *k, store.SearchOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "search failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("strategy=%s results=%d\n", strategyUsed, len(results))
	for i, r := range results {
		snippet := r.Content
		if len(snippet) > 120 {
			snippet = snippet[:120] + "..."
		}
		fmt.Printf("%d. %s (score=%.4f) %s\n", i+1, r.DocID, r.Score, snippet)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	root := fs.String("root", "data/demo", "store root directory")
	dim := fs.Int("dim", 256, "embedding dimension")
	fs.Parse(args)

	s, err := openStore(*root, *dim)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	stats, err := s.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("hot=%d cold=%d routing_total=%d bm25_docs=%d needs_archive=%v needs_cold_rebuild=%v\n",
		stats.HotSize, stats.ColdSize, stats.Routing.Total, stats.BM25DocCount, stats.NeedsArchive, stats.NeedsColdRebuild)
}
