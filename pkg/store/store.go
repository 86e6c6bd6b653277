// Package store implements the Generational Store (spec.md §4.6): the
// public orchestrator wiring Hot/Cold tiers, the routing table, BM25, the
// adaptive selector, the migrator, the reranker, and the archive scheduler
// into the engine's single entry point. Grounded on the teacher's top-level
// `Service`/`DB` wiring (pkg/search/search.go, pkg/nornicdb/db_admin.go):
// one struct owning every collaborator, concurrent tier dispatch via
// errgroup, and an open-time reconciliation pass.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vecgen/retrieval/pkg/ann"
	"github.com/vecgen/retrieval/pkg/archive"
	"github.com/vecgen/retrieval/pkg/bm25"
	"github.com/vecgen/retrieval/pkg/chunk"
	"github.com/vecgen/retrieval/pkg/coldindex"
	"github.com/vecgen/retrieval/pkg/config"
	"github.com/vecgen/retrieval/pkg/embedder"
	"github.com/vecgen/retrieval/pkg/fusion"
	"github.com/vecgen/retrieval/pkg/hotindex"
	"github.com/vecgen/retrieval/pkg/migrator"
	"github.com/vecgen/retrieval/pkg/rerank"
	"github.com/vecgen/retrieval/pkg/routing"
	"github.com/vecgen/retrieval/pkg/selector"
	"github.com/vecgen/retrieval/pkg/strategy"
	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Input is one document chunk offered to AddDocuments, prior to embedding.
type Input struct {
	Content  string
	Metadata chunk.Metadata
}

// SearchOptions configures one search call (spec.md §6's search surface).
type SearchOptions struct {
	Strategy  strategy.Name
	Filters   chunk.Metadata // exact-match filter, spec.md §4.6 step 4
	UseRerank bool
}

// SearchResult is one scored hit; Search returns the strategy that produced
// the results alongside the slice.
type SearchResult struct {
	DocID    string
	Score    float32
	Content  string
	Metadata chunk.Metadata
}

// buildSettings is the small compatibility snapshot computed at Open,
// grounded on pkg/search/build_settings.go. It is held in memory only: it
// is not persisted and not compared against anything on reopen.
type buildSettings struct {
	BM25FormatTag    string
	VectorFormatTag  string
	HNSWM            int
	HNSWEfConstruct  int
	HNSWEfSearch     int
	WHot, WCold, WBM25 float64
}

// Store is the Generational Store.
type Store struct {
	cfg config.Config

	mu        sync.RWMutex
	hot       *hotindex.Index
	cold      *coldindex.Index
	routing   *routing.Table
	bm25Index *bm25.Index

	embed    embedder.Embedder
	reranker *rerank.Reranker
	migrate  *migrator.Migrator
	strategies map[strategy.Name]strategy.Strategy

	archiveSched *archive.Scheduler

	jobsMu sync.Mutex
	jobs   map[string]migrator.Job

	buildSettings buildSettings

	// Advisory set at Open when the saved backend type differs from what
	// the selector would now pick (spec.md §4.7); never auto-applied.
	openAdvisory *selector.Advisory

	hotBackendType  config.BackendType
	coldBackendType config.BackendType

	perfMu      sync.Mutex
	perfSamples []PerformanceSample
}

// PerformanceSample is one timed operation, rolled up into the average
// selector.Advise consults (spec.md §3 PerformanceSample).
type PerformanceSample struct {
	Operation  string
	DurationMS float64
	K          int
	Ts         time.Time
}

// maxPerfSamples bounds the rolling window fed to selector.Advise; old
// samples age out so a transient slow patch doesn't pin the advisory on
// forever.
const maxPerfSamples = 200

func (s *Store) recordPerf(sample PerformanceSample) {
	s.perfMu.Lock()
	defer s.perfMu.Unlock()
	s.perfSamples = append(s.perfSamples, sample)
	if len(s.perfSamples) > maxPerfSamples {
		s.perfSamples = s.perfSamples[len(s.perfSamples)-maxPerfSamples:]
	}
}

// rollingAvgLatencyMS returns the mean duration of the search samples
// currently in the window, the input selector.Advise compares against
// target_latency_ms (spec.md §4.2).
func (s *Store) rollingAvgLatencyMS() float64 {
	s.perfMu.Lock()
	defer s.perfMu.Unlock()
	if len(s.perfSamples) == 0 {
		return 0
	}
	var total float64
	for _, sample := range s.perfSamples {
		total += sample.DurationMS
	}
	return total / float64(len(s.perfSamples))
}

// Dependencies are the injected collaborators spec.md §6 names.
type Dependencies struct {
	Embedder      embedder.Embedder
	TextGenerator strategy.TextGenerator // optional, enables HyDE/Query2Doc/Decomposition
	CrossEncoder  rerank.CrossEncoder    // optional, enables reranking
	Clock         func() time.Time       // optional, defaults to time.Now
}

// Open loads (or initializes) the store rooted at cfg.RootDir: routing
// table, Hot/Cold backends, BM25 index, and runs the crash-recovery
// reconciliation pass before returning (spec.md §4.7, SPEC_FULL.md §6).
func Open(cfg config.Config, deps Dependencies) (*Store, error) {
	if deps.Embedder == nil {
		return nil, vecerr.New(vecerr.KindConfigError, "store.Open: embedder is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	for _, sub := range []string{"hot", "cold"} {
		if err := os.MkdirAll(filepath.Join(cfg.RootDir, sub), 0o755); err != nil {
			return nil, vecerr.Wrap(vecerr.KindPersistError, "store.Open: create tier directory", err)
		}
	}

	rt, err := routing.Open(filepath.Join(cfg.RootDir, "routing.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:        cfg,
		routing:    rt,
		embed:      deps.Embedder,
		migrate:    migrator.New(),
		jobs:       make(map[string]migrator.Job),
		strategies: make(map[strategy.Name]strategy.Strategy),
	}

	s.strategies[strategy.Vector] = strategy.NewVector()
	s.strategies[strategy.Hybrid] = strategy.NewHybrid()
	// ParentChild only changes how results are resolved after fusion
	// (ResolveParents below); its query expansion is the plain identity.
	s.strategies[strategy.ParentChild] = strategy.NewVector()
	if deps.TextGenerator != nil {
		s.strategies[strategy.HyDE] = strategy.NewHyDE(deps.TextGenerator)
		s.strategies[strategy.Query2Doc] = strategy.NewQuery2Doc(deps.TextGenerator)
		s.strategies[strategy.Decomposition] = strategy.NewDecomposition(deps.TextGenerator, 4)
	}

	s.reranker = rerank.New(deps.CrossEncoder, rerank.Config{
		Enabled:   cfg.EnableReranker,
		BatchSize: 32,
	})

	routingStats, err := rt.Stats()
	if err != nil {
		return nil, err
	}

	hotDecision := s.resolveDecision(routingStats.Hot, cfg.HotIndexType)
	coldDecision := s.resolveDecision(routingStats.Cold, cfg.ColdIndexType)

	hotBackend := ann.New(string(hotDecision.Type))
	if err := hotBackend.Create(hotDecision.Family); err != nil {
		return nil, err
	}
	if err := hotBackend.Load(filepath.Join(cfg.RootDir, "hot", "index.bin")); err != nil {
		return nil, err
	}
	s.hotBackendType = hotDecision.Type
	s.hot = hotindex.New(hotindex.Config{Backend: hotBackend, Dim: cfg.Dimension, MaxSize: cfg.HotIndexMaxSize})
	s.hot.SetArchiveHook(func() error {
		_, err := s.ArchiveOld(context.Background(), false)
		return err
	})

	coldBackend := ann.New(string(coldDecision.Type))
	if err := coldBackend.Create(coldDecision.Family); err != nil {
		return nil, err
	}
	if err := coldBackend.Load(filepath.Join(cfg.RootDir, "cold", "index.bin")); err != nil {
		return nil, err
	}
	s.coldBackendType = coldDecision.Type
	s.cold = coldindex.New(coldindex.Config{Backend: coldBackend, Dim: cfg.Dimension})

	if cfg.EnableBM25 {
		s.bm25Index = bm25.New(bm25.Config{K1: cfg.BM25K1, B: cfg.BM25B})
		if err := s.bm25Index.Load(filepath.Join(cfg.RootDir, "bm25.bin")); err != nil {
			return nil, err
		}
	}

	sched, err := archive.New(archive.Config{
		Schedule:       cfg.ArchiveSchedule,
		ArchiveAgeDays: cfg.ArchiveAgeDays,
		BatchSize:      cfg.ArchiveBatchSize,
		RunBudget:      time.Duration(cfg.ArchiveRunBudgetSeconds) * time.Second,
	}, s.hot, s.cold, clock)
	if err != nil {
		return nil, err
	}
	s.archiveSched = sched

	s.buildSettings = buildSettings{
		BM25FormatTag:   "1.0.0",
		VectorFormatTag: "1.0.0",
		HNSWM:           hotDecision.Family.M,
		HNSWEfConstruct: hotDecision.Family.EfConstruction,
		HNSWEfSearch:    hotDecision.Family.EfSearch,
		WHot:            cfg.WHot,
		WCold:           cfg.WCold,
		WBM25:           cfg.WBM25,
	}

	if cfg.ANNAutoSelect {
		currentSaved := cfg.HotIndexType
		wanted := selector.Select(selector.Input{VectorCount: routingStats.Hot, Dimension: cfg.Dimension}).Type
		if currentSaved != "" && currentSaved != wanted {
			s.openAdvisory = &selector.Advisory{Active: true, SuggestedType: wanted, Diagnostics: []selector.Diagnostic{{
				Code:    "saved_backend_type_mismatch",
				Message: fmt.Sprintf("Hot was saved as %s but the selector now picks %s; call Migrate to switch", currentSaved, wanted),
			}}}
		}
	}

	if err := s.reconcile(); err != nil {
		return nil, err
	}

	if s.bm25Index != nil {
		if err := s.syncBM25CatchUp(routingStats.Total); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// syncBM25CatchUp incrementally re-indexes any routed doc_id the persisted
// BM25 index is missing, the open-time reconciliation spec.md §4.9
// requires: "if last_synced_vector_count < routing_table.total,
// incrementally index the missing doc_ids (read their content through the
// store)". Grounded on bm25_index_manager.py's sync_incremental(), which
// walks the vector store's doc_id index for ids not yet in its own
// postings and reads their content back through the store rather than a
// separate content cache.
func (s *Store) syncBM25CatchUp(total int) error {
	if s.bm25Index.LastSyncedVectorCount() >= total {
		return nil
	}
	routed, err := s.routing.AllDocIDs()
	if err != nil {
		return err
	}
	for docID, tier := range routed {
		if s.bm25Index.Contains(docID) {
			continue
		}
		var c chunk.Chunk
		var ok bool
		switch tier {
		case routing.TierHot:
			c, ok = s.hot.Get(docID)
		case routing.TierCold:
			c, ok = s.cold.Get(docID)
		}
		if !ok {
			continue
		}
		s.bm25Index.Index(docID, c.Content)
	}
	s.bm25Index.SetLastSyncedVectorCount(total)
	return nil
}

// resolveDecision applies the adaptive selector's size-banded rule
// (spec.md §4.2). savedType is only honoured as a hard override when
// auto_select is off; otherwise the corpus-size rule always governs,
// matching spec.md §4.7's "selector consulted only at store open" wiring.
func (s *Store) resolveDecision(vectorCount int, savedType config.BackendType) selector.Decision {
	override := config.BackendType("")
	if !s.cfg.ANNAutoSelect {
		override = savedType
	}
	d := selector.Select(selector.Input{
		VectorCount:       vectorCount,
		Dimension:         s.cfg.Dimension,
		MemoryBudgetBytes: int64(s.cfg.MemoryBudgetMB) * 1024 * 1024,
		TargetLatencyMS:   s.cfg.TargetLatencyMS,
		Override:          override,
	})
	return selector.ApplyQuality(d, selector.Quality(s.cfg.ANNQualityPreset))
}

// reconcile drops any doc_id present in Hot or Cold but absent from the
// routing table — the crash-recovery pass of SPEC_FULL.md §6, grounded on
// the teacher's storage-recovery "preserve then rebuild" posture. Routing
// records with no Hot/Cold entry are neither logged nor removed.
func (s *Store) reconcile() error {
	routed, err := s.routing.AllDocIDs()
	if err != nil {
		return err
	}

	var orphanedHot, orphanedCold []string
	for _, id := range s.hot.DocIDs() {
		if _, ok := routed[id]; !ok {
			orphanedHot = append(orphanedHot, id)
		}
	}
	for _, id := range s.cold.DocIDs() {
		if _, ok := routed[id]; !ok {
			orphanedCold = append(orphanedCold, id)
		}
	}
	if len(orphanedHot) > 0 {
		s.hot.RemoveDocIDs(orphanedHot)
	}
	if len(orphanedCold) > 0 {
		s.cold.RemoveDocIDs(orphanedCold)
	}
	return nil
}

// Close persists every component's on-disk state and releases the routing
// table's handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hot.Backend().Persist(filepath.Join(s.cfg.RootDir, "hot", "index.bin")); err != nil {
		return err
	}
	if err := s.cold.Backend().Persist(filepath.Join(s.cfg.RootDir, "cold", "index.bin")); err != nil {
		return err
	}
	if s.bm25Index != nil {
		if err := s.bm25Index.Persist(filepath.Join(s.cfg.RootDir, "bm25.bin")); err != nil {
			return err
		}
	}
	return s.routing.Close()
}

// AddDocuments embeds content, inserts into Hot, writes routing records,
// and updates BM25 (spec.md §4.6's write path).
func (s *Store) AddDocuments(ctx context.Context, fileID string, inputs []Input) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	texts := make([]string, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Content
	}
	vectors, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	chunks := make([]chunk.Chunk, len(inputs))
	for i, in := range inputs {
		chunks[i] = chunk.Chunk{
			FileID:   fileID,
			Content:  in.Content,
			Metadata: in.Metadata,
			Vector:   vectors[i],
		}
	}

	docIDs, err := s.hot.Add(chunks)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	records := make([]routing.Record, len(docIDs))
	for i, id := range docIDs {
		records[i] = routing.Record{DocID: id, Tier: routing.TierHot, FileID: fileID, CreatedAt: now}
		s.migrate.RecordWrite(chunk.Chunk{DocID: id, Content: chunks[i].Content, Vector: chunks[i].Vector})
	}
	if err := s.routing.PutMany(records); err != nil {
		// Undo the Hot insert so a routing-table write failure never leaves
		// orphaned, searchable doc_ids behind (spec.md §4.3: "ANN mutations
		// must be undone if the routing-table write fails").
		if _, rbErr := s.hot.RemoveMany(docIDs); rbErr != nil {
			return nil, vecerr.Wrap(vecerr.KindPersistError, "store.AddDocuments: routing write failed and hot rollback also failed", err)
		}
		return nil, err
	}

	if s.bm25Index != nil {
		for i, id := range docIDs {
			s.bm25Index.Index(id, chunks[i].Content)
		}
	}

	return docIDs, nil
}

// DeleteByFile removes every doc_id routed under fileID: physically from
// Hot, soft-deleted in Cold, routing records dropped, BM25 updated
// (spec.md §4.6's delete_by_file).
func (s *Store) DeleteByFile(fileID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.routing.ByFileID(fileID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records {
		var err error
		switch rec.Tier {
		case routing.TierHot:
			err = s.hot.Remove(rec.DocID)
		case routing.TierCold:
			err = s.cold.SoftDelete(rec.DocID)
		}
		if err != nil && !vecerr.Is(err, vecerr.KindNotFound) {
			return removed, err
		}
		if err := s.routing.Delete(rec.DocID); err != nil {
			return removed, err
		}
		if s.bm25Index != nil {
			s.bm25Index.Remove(rec.DocID)
		}
		removed++
	}
	return removed, nil
}

// Search executes spec.md §4.6's search algorithm: embed, dispatch Hot/
// Cold/BM25 concurrently, fuse via RRF, optionally rerank.
func (s *Store) Search(ctx context.Context, queryText string, k int, opts SearchOptions) ([]SearchResult, strategy.Name, error) {
	started := time.Now()
	defer func() {
		s.recordPerf(PerformanceSample{Operation: "search", DurationMS: float64(time.Since(started).Microseconds()) / 1000, K: k, Ts: started})
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	name := opts.Strategy
	if name == "" {
		name = strategy.Vector
	}
	strat, ok := s.strategies[name]
	if !ok {
		return nil, name, vecerr.New(vecerr.KindConfigError, fmt.Sprintf("store.Search: strategy %q not available", name))
	}

	variants, err := strat.Expand(ctx, queryText)
	if err != nil {
		return nil, name, err
	}

	oversample := s.cfg.GlobalOversampleFactor
	if opts.UseRerank && s.cfg.EnableReranker {
		oversample = s.cfg.GlobalOversampleFactorWithRerank
	}
	hotK := int(ceil(float64(k) * s.cfg.HotSearchOversample * oversample))
	coldK := int(ceil(float64(k) * s.cfg.ColdSearchOversample * oversample))
	if hotK < k {
		hotK = k
	}
	if coldK < k {
		coldK = k
	}

	var lists []fusion.List
	var listsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	contents := make(map[string]string)
	metas := make(map[string]chunk.Metadata)
	var contentsMu sync.Mutex

	for _, v := range variants {
		variant := v
		qv, err := s.embed.Embed(ctx, variant.Text)
		if err != nil {
			return nil, name, err
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			hits, err := s.hot.Search(qv, hotK)
			if err != nil {
				return err
			}
			ids := make([]string, len(hits))
			dist := make(map[string]float32, len(hits))
			contentsMu.Lock()
			for i, h := range hits {
				ids[i] = h.DocID
				dist[h.DocID] = h.Score
				contents[h.DocID] = h.Content
				metas[h.DocID] = h.Metadata
			}
			contentsMu.Unlock()
			listsMu.Lock()
			lists = append(lists, fusion.List{Weight: s.cfg.WHot * variant.Weight, IDs: ids, Distances: dist})
			listsMu.Unlock()
			return nil
		})

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			hits, err := s.cold.Search(qv, coldK)
			if err != nil {
				return err
			}
			ids := make([]string, len(hits))
			dist := make(map[string]float32, len(hits))
			contentsMu.Lock()
			for i, h := range hits {
				ids[i] = h.DocID
				dist[h.DocID] = h.Score
				contents[h.DocID] = h.Content
				metas[h.DocID] = h.Metadata
			}
			contentsMu.Unlock()
			listsMu.Lock()
			lists = append(lists, fusion.List{Weight: s.cfg.WCold * variant.Weight, IDs: ids, Distances: dist})
			listsMu.Unlock()
			return nil
		})

		if s.cfg.EnableBM25 && s.bm25Index != nil && (name == strategy.Hybrid || s.cfg.WBM25 > 0) {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				hits := s.bm25Index.Search(variant.Text, hotK+coldK)
				ids := make([]string, len(hits))
				for i, h := range hits {
					ids[i] = h.DocID
				}
				listsMu.Lock()
				lists = append(lists, fusion.List{Weight: s.cfg.WBM25 * variant.Weight, IDs: ids})
				listsMu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, name, err
	}

	if ctx.Err() != nil {
		// Caller dropped the request: in-flight backend queries already ran
		// to completion above; short-circuit fusion/rerank per spec.md §4.6
		// "Cancellation".
		return nil, name, ctx.Err()
	}

	fused := fusion.Fuse(lists, fusion.DefaultK)

	filtered := make([]fusion.Result, 0, len(fused))
	for _, f := range fused {
		if opts.Filters != nil && !matchesFilter(metas[f.DocID], opts.Filters) {
			continue
		}
		filtered = append(filtered, f)
	}

	if name == strategy.ParentChild {
		asResults := make([]chunk.Result, len(filtered))
		for i, f := range filtered {
			asResults[i] = chunk.Result{DocID: f.DocID, Score: f.Distance, Content: contents[f.DocID], Metadata: metas[f.DocID]}
		}
		asResults = strategy.ResolveParents(asResults)
		out := make([]SearchResult, 0, k)
		for _, r := range asResults {
			out = append(out, SearchResult{DocID: r.DocID, Score: r.Score, Content: r.Content, Metadata: r.Metadata})
			if len(out) == k {
				break
			}
		}
		return out, name, nil
	}

	if opts.UseRerank && s.cfg.EnableReranker {
		poolSize := s.cfg.RerankPoolSize
		if poolSize <= 0 || poolSize > len(filtered) {
			poolSize = len(filtered)
		}
		pool := filtered[:poolSize]
		candidates := make([]rerank.Candidate, len(pool))
		for i, f := range pool {
			candidates[i] = rerank.Candidate{DocID: f.DocID, Content: contents[f.DocID]}
		}
		rescored := s.reranker.Rerank(ctx, queryText, candidates, k)
		out := make([]SearchResult, len(rescored))
		for i, r := range rescored {
			out[i] = SearchResult{DocID: r.DocID, Score: r.Score, Content: contents[r.DocID], Metadata: metas[r.DocID]}
		}
		return out, name, nil
	}

	if k < len(filtered) {
		filtered = filtered[:k]
	}
	out := make([]SearchResult, len(filtered))
	for i, f := range filtered {
		out[i] = SearchResult{DocID: f.DocID, Score: float32(f.Score), Content: contents[f.DocID], Metadata: metas[f.DocID]}
	}
	return out, name, nil
}

func matchesFilter(meta chunk.Metadata, filters chunk.Metadata) bool {
	for k, v := range filters {
		mv, ok := meta.Get(k)
		if !ok || mv != v {
			return false
		}
	}
	return true
}

func ceil(v float64) float64 {
	i := float64(int64(v))
	if v > i {
		return i + 1
	}
	return i
}

// ArchiveOld runs one archive pass, moving aged Hot records to Cold
// (spec.md §4.11). force ignores archive_age_days and archives everything
// currently in Hot.
func (s *Store) ArchiveOld(ctx context.Context, force bool) (archive.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit := func(docIDs []string, vectors [][]float32, chunks []chunk.Chunk) error {
		coldChunks := make([]chunk.Chunk, len(chunks))
		for i, c := range chunks {
			coldChunks[i] = chunk.Chunk{DocID: docIDs[i], FileID: c.FileID, Content: c.Content, Metadata: c.Metadata, CreatedAt: c.CreatedAt, Vector: vectors[i]}
		}
		if err := s.cold.Add(coldChunks); err != nil {
			return err
		}
		if err := s.routing.SetTierMany(docIDs, routing.TierCold); err != nil {
			return err
		}
		if _, err := s.hot.RemoveMany(docIDs); err != nil {
			return err
		}
		return nil
	}

	return s.archiveSched.Run(ctx, force, commit)
}

// RebuildResult reports the outcome of a Cold rebuild pass.
type RebuildResult struct {
	Reason string
	Before int
	After  int
}

// RebuildCold drains Cold's soft-deleted entries if the rebuild trigger of
// spec.md §4.4 has fired, or unconditionally if manual is true.
func (s *Store) RebuildCold(manual bool) (RebuildResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	triggered := s.cold.ShouldRebuild(s.cfg.ColdSoftDeleteRatioThreshold, s.cfg.ColdSoftDeleteCountThreshold)
	if !manual && !triggered {
		return RebuildResult{Reason: "not_needed"}, nil
	}

	before := s.cold.Size()
	decision := s.resolveDecision(before, s.cfg.ColdIndexType)
	newBackend := ann.New(string(decision.Type))
	if err := newBackend.Create(decision.Family); err != nil {
		return RebuildResult{}, err
	}
	if err := s.cold.Rebuild(newBackend); err != nil {
		return RebuildResult{}, err
	}
	s.coldBackendType = decision.Type
	reason := "manual"
	if triggered {
		reason = "deletion_rate_threshold"
	}
	return RebuildResult{Reason: reason, Before: before, After: s.cold.Size()}, nil
}

// Stats reports aggregate counts across tiers, routing, and BM25 (spec.md
// §4.6's stats() surface).
type Stats struct {
	HotSize          int
	ColdSize         int
	Routing          routing.Stats
	BM25DocCount     int
	NeedsArchive     bool
	NeedsColdRebuild bool
	OpenAdvisory     *selector.Advisory
	LatencyAdvisory  selector.Advisory
}

// Stats returns the current aggregate view.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, err := s.routing.Stats()
	if err != nil {
		return Stats{}, err
	}
	bm25Count := 0
	if s.bm25Index != nil {
		bm25Count = s.bm25Index.DocCount()
	}

	// spec.md §4.2's latency-triggered advisory: rolling average search
	// latency against target_latency_ms for Hot's current backend. This is
	// advisory only — Stats() never calls Migrate on the caller's behalf.
	latencyAdvisory := selector.Advise(
		selector.Input{VectorCount: rs.Hot, Dimension: s.cfg.Dimension, TargetLatencyMS: s.cfg.TargetLatencyMS},
		s.hotBackendType,
		s.rollingAvgLatencyMS(),
	)

	return Stats{
		HotSize:          s.hot.Size(),
		ColdSize:         s.cold.Size(),
		Routing:          rs,
		BM25DocCount:     bm25Count,
		NeedsArchive:     s.hot.Size() >= s.cfg.HotIndexMaxSize,
		NeedsColdRebuild: s.cold.ShouldRebuild(s.cfg.ColdSoftDeleteRatioThreshold, s.cfg.ColdSoftDeleteCountThreshold),
		OpenAdvisory:     s.openAdvisory,
		LatencyAdvisory:  latencyAdvisory,
	}, nil
}

// Migrate switches Hot or Cold to a new backend type via the migrator's
// five-phase protocol (spec.md §4.8) and returns the job snapshot.
func (s *Store) Migrate(ctx context.Context, tier routing.Tier, toType config.BackendType, sampleQueries [][]float32) (migrator.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var source migrator.Source
	var vectorCount int
	switch tier {
	case routing.TierHot:
		source = s.hot
		vectorCount = s.hot.Size()
	case routing.TierCold:
		source = s.cold
		vectorCount = s.cold.Size()
	default:
		return migrator.Job{}, vecerr.New(vecerr.KindConfigError, "store.Migrate: unknown tier")
	}

	// Migrate always honours the caller's explicit target type, regardless
	// of auto_select — this is the manual override path spec.md §6's
	// migrate(target_tier, target_type, params) names, not the open-time rule.
	decision := selector.ApplyQuality(
		selector.Select(selector.Input{VectorCount: vectorCount, Dimension: s.cfg.Dimension, Override: toType}),
		selector.Quality(s.cfg.ANNQualityPreset),
	)
	newBackend := ann.New(string(decision.Type))
	if err := newBackend.Create(decision.Family); err != nil {
		return migrator.Job{}, err
	}

	jobID := fmt.Sprintf("migrate-%s-%s-%d", tier, toType, len(s.jobs))
	cfg := migrator.Config{
		BatchSize:         s.cfg.MigrationBatchSize,
		ValidationQueries: s.cfg.MigrationValidationQueries,
		RecallThreshold:   s.cfg.MigrationRecallThreshold,
	}
	job := s.migrate.Run(jobID, source, newBackend, string(toType), s.cfg.Dimension, sampleQueries, cfg)
	if job.Phase == migrator.PhaseDone {
		switch tier {
		case routing.TierHot:
			s.hotBackendType = decision.Type
		case routing.TierCold:
			s.coldBackendType = decision.Type
		}
	}

	s.jobsMu.Lock()
	s.jobs[jobID] = job
	s.jobsMu.Unlock()

	return job, nil
}

// MigrationStatus returns the last known snapshot of jobID.
func (s *Store) MigrationStatus(jobID string) (migrator.Job, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

