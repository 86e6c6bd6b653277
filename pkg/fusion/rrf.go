// Package fusion implements Reciprocal Rank Fusion (spec.md §4.6 step 5-6),
// grounded verbatim on the teacher's fuseRRF (pkg/search/search.go): build
// a 1-indexed rank map per input list, score doc_id by weight/(k+rank),
// sum across lists, sort descending.
package fusion

import "sort"

// List is one ranked input to fuse: ids in rank order (index 0 = rank 1),
// alongside the tier's reported distance for each id (used for tie-break).
type List struct {
	Weight    float64
	IDs       []string
	Distances map[string]float32
}

// Result is one fused hit.
type Result struct {
	DocID    string
	Score    float64
	Distance float32 // smallest distance seen across contributing lists
}

// DefaultK is the RRF rank-offset constant (spec.md §4.6: "C = 60").
const DefaultK = 60

// Fuse combines lists via RRF with rank constant k, sorted descending by
// score; ties are broken by smaller distance, then lexicographic doc_id,
// exactly as spec.md §4.6 step 5 specifies.
func Fuse(lists []List, k int) []Result {
	if k <= 0 {
		k = DefaultK
	}
	scores := make(map[string]float64)
	distances := make(map[string]float32)
	hasDistance := make(map[string]bool)

	for _, list := range lists {
		for rank, id := range list.IDs {
			component := list.Weight / float64(k+rank+1) // rank is 1-indexed
			scores[id] += component
			if d, ok := list.Distances[id]; ok {
				if !hasDistance[id] || d < distances[id] {
					distances[id] = d
					hasDistance[id] = true
				}
			}
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{DocID: id, Score: score, Distance: distances[id]})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].DocID < results[j].DocID
	})
	return results
}
