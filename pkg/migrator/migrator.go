// Package migrator implements online ANN backend migration (spec.md §4.8):
// plan -> build -> validate -> swap -> clean, with write journalling during
// build so that writes accepted while the new backend is under
// construction aren't lost at swap time. Grounded on the teacher's WAL
// pattern (pkg/storage/wal_segments.go) adapted from graph mutations to
// vector upserts, and on the teacher's own migration posture of building a
// side structure under no lock on the serving backend.
package migrator

import (
	"sort"
	"sync"

	"github.com/vecgen/retrieval/pkg/ann"
	"github.com/vecgen/retrieval/pkg/chunk"
	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Phase is a MigrationJob's lifecycle stage (spec.md §3 MigrationJob).
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseBuilding   Phase = "building"
	PhaseValidating Phase = "validating"
	PhaseSwapping   Phase = "swapping"
	PhaseCleaning   Phase = "cleaning"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Job tracks one migration's progress, mirroring spec.md §3's
// MigrationJob{job_id,from_type,to_type,started_at,phase,progress,error}.
type Job struct {
	JobID    string
	FromType string
	ToType   string
	Phase    Phase
	Progress float64
	Error    string
}

// Source is satisfied by hotindex.Index and coldindex.Index: the tier a
// migration reads from and ultimately swaps the backend of.
type Source interface {
	DocIDs() []string
	Get(docID string) (chunk.Chunk, bool)
	Backend() ann.Backend
	SetBackend(b ann.Backend, docToInternal map[string]uint32)
}

// Config controls batch sizes and the validation gate.
type Config struct {
	BatchSize              int     // default 10,000
	TrainingSampleMultiple int     // training sample size; 0 or less means 1024 (64 * 16), whatever the new backend's nlist
	ValidationQueries      int     // default 100
	RecallThreshold        float64 // default 0.9
	SearchK                int     // k used for recall@k validation
}

// Migrator runs the five-phase protocol against one Source at a time.
// journal records writes the store accepted while a migration is in
// Building/Validating, so they can be replayed into the new backend
// immediately before the atomic swap (spec.md §4.8's write-journalling
// requirement).
type Migrator struct {
	mu      sync.Mutex
	active  bool
	journal []chunk.Chunk
}

// New constructs a Migrator.
func New() *Migrator {
	return &Migrator{}
}

// RecordWrite journals a chunk write that landed on the source tier while
// a migration is in progress. The store calls this from its normal write
// path whenever a migration is active; it is a no-op otherwise.
func (m *Migrator) RecordWrite(c chunk.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.journal = append(m.journal, c)
	}
}

// Run executes the full protocol, returning the final Job state. newBackend
// must be freshly Create'd for toType but not yet Trained. recall
// validates the new backend against sampleQueries drawn from the caller's
// recent query log (spec.md §4.8 step 3: "sample V queries from recent
// query log"); this module doesn't own a query log itself, so the caller
// (the Generational Store) supplies the sample.
func (m *Migrator) Run(jobID string, source Source, newBackend ann.Backend, toType string, dim int, sampleQueries [][]float32, cfg Config) Job {
	job := Job{JobID: jobID, ToType: toType, Phase: PhasePlanning}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10_000
	}
	if cfg.ValidationQueries <= 0 {
		cfg.ValidationQueries = 100
	}
	if cfg.RecallThreshold <= 0 {
		cfg.RecallThreshold = 0.9
	}
	if cfg.SearchK <= 0 {
		cfg.SearchK = 10
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		job.Phase = PhaseFailed
		job.Error = vecerr.New(vecerr.KindMigrationConflict, "migrator.Run: another migration is already active").Error()
		return job
	}
	m.active = true
	m.journal = nil
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	}()

	oldBackend := source.Backend()

	// 1. Planning: snapshot the source's doc_id list.
	docIDs := source.DocIDs()
	sort.Strings(docIDs)

	// 2. Building.
	job.Phase = PhaseBuilding
	chunks := make([]chunk.Chunk, 0, len(docIDs))
	for _, id := range docIDs {
		if c, ok := source.Get(id); ok {
			chunks = append(chunks, c)
		}
	}

	if !newBackend.IsTrained() {
		trainSize := cfg.TrainingSampleMultiple
		if trainSize <= 0 {
			trainSize = 64 * 16 // 64 * default nlist floor
		}
		if trainSize > len(chunks) {
			trainSize = len(chunks)
		}
		sample := make([][]float32, trainSize)
		for i := 0; i < trainSize; i++ {
			sample[i] = chunks[i].Vector
		}
		if trainSize > 0 {
			if err := newBackend.Train(sample); err != nil {
				job.Phase = PhaseFailed
				job.Error = "training failed: " + err.Error()
				return job
			}
		}
	}

	// newMapping tracks doc_id->internal_id as it's assigned against
	// newBackend, since the old backend's ids don't carry over (spec.md
	// §4.8's swap step must hand the tier a map that actually resolves
	// against the backend it's now fronting).
	newMapping := make(map[string]uint32, len(chunks))

	for start := 0; start < len(chunks); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		vectors := make([][]float32, len(batch))
		ids := make([]uint32, len(batch))
		for i, c := range batch {
			vectors[i] = c.Vector
			ids[i] = uint32(start + i + 1)
			newMapping[c.DocID] = ids[i]
		}
		if err := newBackend.Add(vectors, ids); err != nil {
			job.Phase = PhaseFailed
			job.Error = "build add failed: " + err.Error()
			return job
		}
		job.Progress = float64(end) / float64(maxInt(len(chunks), 1)) * 0.7
	}

	// 3. Validating: non-Flat-to-Flat transitions require recall@k >= threshold.
	job.Phase = PhaseValidating
	if toType != "flat" && len(sampleQueries) > 0 {
		recall := recallAt(oldBackend, newBackend, sampleQueries, cfg.SearchK)
		if recall < cfg.RecallThreshold {
			job.Phase = PhaseFailed
			job.Error = "validation failed: recall below threshold"
			return job
		}
	}
	job.Progress = 0.85

	// Replay journalled writes accepted during Building/Validating, under
	// what the caller treats as a brief exclusive lock (the store holds
	// its own write lock for the whole of Run).
	m.mu.Lock()
	pending := m.journal
	m.journal = nil
	m.mu.Unlock()
	if len(pending) > 0 {
		vectors := make([][]float32, len(pending))
		ids := make([]uint32, len(pending))
		for i, c := range pending {
			vectors[i] = c.Vector
			ids[i] = uint32(len(chunks) + i + 1)
			newMapping[c.DocID] = ids[i]
		}
		if err := newBackend.Add(vectors, ids); err != nil {
			job.Phase = PhaseFailed
			job.Error = "journal replay failed: " + err.Error()
			return job
		}
	}

	// 4. Swapping: atomic pointer replace, carrying the doc_id<->internal_id
	// map built above so the tier's Search/Get/Remove resolve against
	// newBackend's ids rather than the old backend's (spec.md §4.8's
	// "doc_id set identical before/after migration" invariant).
	job.Phase = PhaseSwapping
	source.SetBackend(newBackend, newMapping)
	job.Progress = 0.95

	// 5. Cleaning: the old backend's on-disk files are removed by the
	// caller (which owns the path layout); this package has no file
	// handles of its own once the swap returns.
	job.Phase = PhaseDone
	job.Progress = 1.0
	job.FromType = ""
	return job
}

// recallAt estimates recall@k between old and new backends: for each
// query, the fraction of the old backend's top-k ids also present in the
// new backend's top-k.
func recallAt(oldBackend, newBackend ann.Backend, queries [][]float32, k int) float64 {
	if len(queries) == 0 {
		return 1
	}
	var total float64
	for _, q := range queries {
		oldRes, err := oldBackend.Search(q, k)
		if err != nil {
			continue
		}
		newRes, err := newBackend.Search(q, k)
		if err != nil {
			continue
		}
		newSet := make(map[uint32]bool, len(newRes))
		for _, r := range newRes {
			newSet[r.InternalID] = true
		}
		hit := 0
		for _, r := range oldRes {
			if newSet[r.InternalID] {
				hit++
			}
		}
		if len(oldRes) > 0 {
			total += float64(hit) / float64(len(oldRes))
		} else {
			total += 1
		}
	}
	return total / float64(len(queries))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
