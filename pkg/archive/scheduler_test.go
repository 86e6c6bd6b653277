package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vecgen/retrieval/pkg/chunk"
	"github.com/vecgen/retrieval/pkg/routing"
)

type fakeRecord struct {
	vector    []float32
	chunk     chunk.Chunk
	createdAt time.Time
}

type fakeHot struct {
	records map[string]fakeRecord
}

func newFakeHot() *fakeHot { return &fakeHot{records: make(map[string]fakeRecord)} }

func (f *fakeHot) Size() int { return len(f.records) }

func (f *fakeHot) IterOlderThan(threshold time.Time, fn func(docID string, vector []float32, c chunk.Chunk) bool) error {
	for docID, rec := range f.records {
		if rec.createdAt.Before(threshold) {
			if !fn(docID, rec.vector, rec.chunk) {
				break
			}
		}
	}
	return nil
}

func (f *fakeHot) RemoveMany(docIDs []string) (int, error) {
	n := 0
	for _, id := range docIDs {
		if _, ok := f.records[id]; ok {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}

type fakeCold struct {
	chunks map[string]chunk.Chunk
}

func newFakeCold() *fakeCold { return &fakeCold{chunks: make(map[string]chunk.Chunk)} }

func (f *fakeCold) Size() int { return len(f.chunks) }

func (f *fakeCold) Add(chunks []chunk.Chunk) error {
	for _, c := range chunks {
		f.chunks[c.DocID] = c
	}
	return nil
}

func testCommit(hot *fakeHot, cold *fakeCold, rt *routing.Table) archiveTierFn {
	return func(docIDs []string, vectors [][]float32, chunks []chunk.Chunk) error {
		if err := cold.Add(chunks); err != nil {
			return err
		}
		if rt != nil {
			if err := rt.SetTierMany(docIDs, routing.TierCold); err != nil {
				return err
			}
		}
		_, err := hot.RemoveMany(docIDs)
		return err
	}
}

func seedHot(hot *fakeHot, docID string, age time.Duration, now time.Time) {
	hot.records[docID] = fakeRecord{
		vector:    []float32{1, 2, 3},
		chunk:     chunk.Chunk{DocID: docID, Content: "x"},
		createdAt: now.Add(-age),
	}
}

func TestScheduler_New_DefaultsAppliedAndScheduleParsed(t *testing.T) {
	hot, cold := newFakeHot(), newFakeCold()
	s, err := New(Config{}, hot, cold, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.cfg.ArchiveAgeDays != 30 || s.cfg.BatchSize != 1000 {
		t.Errorf("expected default ArchiveAgeDays/BatchSize applied, got %+v", s.cfg)
	}
}

func TestScheduler_New_RejectsInvalidCron(t *testing.T) {
	hot, cold := newFakeHot(), newFakeCold()
	_, err := New(Config{Schedule: "not a cron expression"}, hot, cold, nil)
	if err == nil {
		t.Error("expected an error for an invalid cron expression")
	}
}

func TestScheduler_Run_ArchivesOnlyOlderThanCutoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hot, cold := newFakeHot(), newFakeCold()
	seedHot(hot, "old", 40*24*time.Hour, now)
	seedHot(hot, "new", 1*time.Hour, now)

	s, err := New(Config{ArchiveAgeDays: 30, BatchSize: 100}, hot, cold, func() time.Time { return now })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := s.Run(context.Background(), false, testCommit(hot, cold, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Archived != 1 {
		t.Fatalf("Archived = %d, want 1", report.Archived)
	}
	if _, stillHot := hot.records["new"]; !stillHot {
		t.Error("expected 'new' to remain in hot")
	}
	if _, inCold := cold.chunks["old"]; !inCold {
		t.Error("expected 'old' to have moved to cold")
	}
}

func TestScheduler_Run_ForceArchivesEverything(t *testing.T) {
	now := time.Now()
	hot, cold := newFakeHot(), newFakeCold()
	seedHot(hot, "a", 1*time.Hour, now)
	seedHot(hot, "b", 2*time.Hour, now)

	s, err := New(Config{BatchSize: 100}, hot, cold, func() time.Time { return now })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := s.Run(context.Background(), true, testCommit(hot, cold, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Archived != 2 {
		t.Errorf("Archived = %d, want 2", report.Archived)
	}
	if hot.Size() != 0 {
		t.Errorf("expected hot emptied, Size() = %d", hot.Size())
	}
}

func TestScheduler_Run_NoEligibleRecordsIsNoOp(t *testing.T) {
	now := time.Now()
	hot, cold := newFakeHot(), newFakeCold()
	seedHot(hot, "new", 1*time.Hour, now)

	s, err := New(Config{ArchiveAgeDays: 30}, hot, cold, func() time.Time { return now })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := s.Run(context.Background(), false, testCommit(hot, cold, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Archived != 0 {
		t.Errorf("Archived = %d, want 0", report.Archived)
	}
}

func TestScheduler_Run_StopsOnContextCancellation(t *testing.T) {
	now := time.Now()
	hot, cold := newFakeHot(), newFakeCold()
	seedHot(hot, "a", 1*time.Hour, now)

	s, err := New(Config{BatchSize: 1}, hot, cold, func() time.Time { return now })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := s.Run(ctx, true, testCommit(hot, cold, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Archived != 0 {
		t.Errorf("expected no progress after immediate cancellation, got %d", report.Archived)
	}
}

func TestScheduler_Run_CommitErrorPropagates(t *testing.T) {
	now := time.Now()
	hot, cold := newFakeHot(), newFakeCold()
	seedHot(hot, "a", 1*time.Hour, now)

	s, err := New(Config{}, hot, cold, func() time.Time { return now })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	failingCommit := func(docIDs []string, vectors [][]float32, chunks []chunk.Chunk) error {
		return errors.New("cold write failed")
	}
	_, err = s.Run(context.Background(), true, failingCommit)
	if err == nil {
		t.Error("expected commit failure to propagate from Run")
	}
}

func TestScheduler_Run_StopsIfCommitDoesNotShrinkHot(t *testing.T) {
	now := time.Now()
	hot, cold := newFakeHot(), newFakeCold()
	for i := 0; i < 3; i++ {
		seedHot(hot, string(rune('a'+i)), 1*time.Hour, now)
	}

	s, err := New(Config{BatchSize: 3}, hot, cold, func() time.Time { return now })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// A commit that reports success but never removes anything from hot
	// must not cause Run to loop forever re-scanning the same full batch.
	noopCommit := func(docIDs []string, vectors [][]float32, chunks []chunk.Chunk) error {
		cold.Add(chunks)
		return nil
	}
	done := make(chan struct{})
	var report Report
	go func() {
		report, err = s.Run(context.Background(), true, noopCommit)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return: commit-without-shrinkage caused an infinite loop")
	}
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Archived != 3 {
		t.Errorf("Archived = %d, want 3 (one batch, then stopped)", report.Archived)
	}
}

func TestScheduler_NextRun_AdvancesPastFrom(t *testing.T) {
	hot, cold := newFakeHot(), newFakeCold()
	s, err := New(Config{Schedule: "0 2 * * *"}, hot, cold, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := s.NextRun(from)
	if !next.After(from) {
		t.Errorf("expected NextRun to return a time after %v, got %v", from, next)
	}
}
