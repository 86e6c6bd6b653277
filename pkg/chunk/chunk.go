// Package chunk defines the Chunk entity (spec.md §3) shared by every tier
// and orchestration package. It has no package of its own in the original
// component table because the distilled spec treats it as a plain data
// record, but Hot, Cold, and the Generational Store all need a common type
// to pass chunks between them without an import cycle.
package chunk

import "time"

// Metadata is a flat string-keyed bag of primitive values (string,
// float64, bool) — spec.md §3 explicitly restricts Chunk metadata to
// primitives, no nested maps or arrays, matching the teacher's own
// indexable-property convention (SearchableProperties in
// pkg/search/search.go).
type Metadata map[string]interface{}

// Get returns the value for key along with whether it was present, used by
// the Generational Store's exact-match filter (spec.md §4.6 step 4).
func (m Metadata) Get(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Chunk is the atomic indexed unit.
type Chunk struct {
	DocID     string
	FileID    string
	Content   string
	Metadata  Metadata
	CreatedAt time.Time
	Vector    []float32
}

// Result is one scored hit returned from a tier or the orchestrator's
// search path.
type Result struct {
	DocID    string
	Score    float32 // L2 distance; lower is more similar
	Content  string
	Metadata Metadata
}
