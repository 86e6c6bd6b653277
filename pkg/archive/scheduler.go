// Package archive implements the archive scheduler (spec.md §4.11):
// cron-driven Hot->Cold migration of aged chunks. Cron parsing is adopted
// from the wider Go ecosystem (github.com/robfig/cron/v3) since the
// teacher's own scheduling is ad hoc timer-based; this module reuses only
// cron's expression parser, not its background dispatcher, so the run
// loop stays under the store's own goroutine/context control
// (spec.md §5's suspension-point discipline).
package archive

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vecgen/retrieval/pkg/chunk"
	"github.com/vecgen/retrieval/pkg/routing"
	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Report is the per-run summary spec.md §4.11 step 5 names.
type Report struct {
	Archived      int
	HotSizeBefore int
	HotSizeAfter  int
	ColdSizeBefore int
	ColdSizeAfter int
}

// HotSource is the subset of hotindex.Index the scheduler reads/writes.
type HotSource interface {
	Size() int
	IterOlderThan(threshold time.Time, fn func(docID string, vector []float32, c chunk.Chunk) bool) error
	RemoveMany(docIDs []string) (int, error)
}

// ColdSink is the subset of coldindex.Index the scheduler writes to.
type ColdSink interface {
	Size() int
	Add(chunks []chunk.Chunk) error
}

// RoutingSink is the subset of routing.Table the scheduler needs to flip
// tiers atomically per batch.
type RoutingSink interface {
	SetTierMany(docIDs []string, tier routing.Tier) error
}

// Config controls the scheduler's cadence and per-run budget.
type Config struct {
	Schedule        string // cron expression, default "0 2 * * *"
	ArchiveAgeDays  int    // default 30
	BatchSize       int    // default 1000
	RunBudget       time.Duration // default 30 minutes
}

// Scheduler runs periodic (or manually triggered) archive passes.
type Scheduler struct {
	cfg   Config
	hot   HotSource
	cold  ColdSink
	now   func() time.Time
	sched cron.Schedule
}

// New parses cfg.Schedule and constructs a Scheduler. now defaults to
// time.Now (injected for testability per spec.md §6's Clock collaborator).
func New(cfg Config, hot HotSource, cold ColdSink, now func() time.Time) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 2 * * *"
	}
	if cfg.ArchiveAgeDays <= 0 {
		cfg.ArchiveAgeDays = 30
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindConfigError, "archive.New: invalid cron schedule", err)
	}
	return &Scheduler{cfg: cfg, hot: hot, cold: cold, now: now, sched: sched}, nil
}

// NextRun reports when the schedule next fires after from.
func (s *Scheduler) NextRun(from time.Time) time.Time { return s.sched.Next(from) }

// archiveTierFn flips the routing table tier and removes the batch from
// Hot; injected by the Generational Store since it alone holds both the
// routing table and Hot, avoiding an import cycle.
type archiveTierFn func(docIDs []string, vectors [][]float32, chunks []chunk.Chunk) error

// Run executes one archive pass: stream Hot records older than
// archive_age_days in batches, hand each batch to commit (which the store
// wires to write-Cold -> flip-routing -> remove-from-Hot), until either a
// batch comes back empty or the run budget expires. A partial run is safe
// (spec.md §4.11 step 4).
func (s *Scheduler) Run(ctx context.Context, force bool, commit archiveTierFn) (Report, error) {
	report := Report{HotSizeBefore: s.hot.Size(), ColdSizeBefore: s.cold.Size()}
	cutoff := s.now().Add(-time.Duration(s.cfg.ArchiveAgeDays) * 24 * time.Hour)
	if force {
		// Hot stamps created_at from the wall clock, not s.now, so force
		// uses a cutoff later than any timestamp Hot can hold.
		cutoff = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	deadline := s.now().Add(s.cfg.RunBudget)

	for {
		if ctx.Err() != nil {
			break
		}
		if s.now().After(deadline) {
			log.Printf("🧹 archive: run budget exceeded, stopping with partial progress")
			break
		}

		hotBefore := s.hot.Size()

		var batchDocIDs []string
		var batchVectors [][]float32
		var batchChunks []chunk.Chunk
		err := s.hot.IterOlderThan(cutoff, func(docID string, vector []float32, c chunk.Chunk) bool {
			batchDocIDs = append(batchDocIDs, docID)
			batchVectors = append(batchVectors, vector)
			batchChunks = append(batchChunks, c)
			return len(batchDocIDs) < s.cfg.BatchSize
		})
		if err != nil {
			return report, vecerr.Wrap(vecerr.KindPersistError, "archive.Run: iterate hot failed", err)
		}
		if len(batchDocIDs) == 0 {
			break
		}

		if err := commit(batchDocIDs, batchVectors, batchChunks); err != nil {
			return report, vecerr.Wrap(vecerr.KindPersistError, "archive.Run: commit batch failed", err)
		}
		report.Archived += len(batchDocIDs)

		if len(batchDocIDs) < s.cfg.BatchSize {
			break
		}
		if s.hot.Size() >= hotBefore {
			// commit reported success but Hot didn't shrink: iterating the
			// same cutoff again would just replay this batch forever.
			log.Printf("🧹 archive: commit did not reduce hot size, stopping to avoid re-scanning the same batch")
			break
		}
	}

	report.HotSizeAfter = s.hot.Size()
	report.ColdSizeAfter = s.cold.Size()
	return report, nil
}
