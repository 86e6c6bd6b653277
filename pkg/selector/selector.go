// Package selector implements the adaptive index selector (spec.md §4.2):
// corpus-size-driven backend choice, plus a non-auto-migrating upgrade
// advisory grounded on the teacher's diagnostics-list pattern
// (pkg/search/ann_profile.go's ResolveCompressedANNProfile).
package selector

import (
	"math"

	"github.com/vecgen/retrieval/pkg/ann"
	"github.com/vecgen/retrieval/pkg/config"
)

// Decision is the selector's output: a backend family plus the concrete
// params that family should be created with.
type Decision struct {
	Family ann.Params
	Type   config.BackendType
}

// Input carries the selector's decision inputs (spec.md §4.2).
type Input struct {
	VectorCount       int
	Dimension         int
	MemoryBudgetBytes int64
	TargetLatencyMS   int
	Override          config.BackendType // empty means "no override"
}

// Select applies the decision rule of spec.md §4.2, returning the backend
// type and its parameters. An Override short-circuits the rule.
func Select(in Input) Decision {
	if in.Override != "" {
		return Decision{Type: in.Override, Family: paramsFor(in.Override, in)}
	}

	switch {
	case in.VectorCount < 10_000:
		return Decision{Type: config.BackendFlat, Family: ann.Params{Dimension: in.Dimension}}

	case in.VectorCount < 100_000:
		nlist := clampInt(int(math.Sqrt(float64(in.VectorCount))), 16, 256)
		nprobe := maxInt(1, nlist/10)
		return Decision{
			Type: config.BackendIVF,
			Family: ann.Params{
				Dimension: in.Dimension,
				NList:     nlist,
				NProbe:    nprobe,
			},
		}

	case in.VectorCount < 1_000_000:
		rawMemory := int64(in.VectorCount) * int64(in.Dimension) * 4
		if in.MemoryBudgetBytes > 0 && rawMemory > in.MemoryBudgetBytes/2 {
			m := nearestPowerOf2Divisor(in.Dimension, 64)
			nlist := clampInt(int(math.Sqrt(float64(in.VectorCount))), 16, 256)
			return Decision{
				Type: config.BackendIVFPQ,
				Family: ann.Params{
					Dimension:  in.Dimension,
					NList:      nlist,
					NProbe:     maxInt(1, nlist/10),
					PQSegments: m,
					PQBits:     8,
				},
			}
		}
		nlist := clampInt(int(math.Sqrt(float64(in.VectorCount))), 16, 256)
		return Decision{
			Type: config.BackendIVF,
			Family: ann.Params{
				Dimension: in.Dimension,
				NList:     nlist,
				NProbe:    maxInt(1, nlist/10),
			},
		}

	default:
		return Decision{
			Type: config.BackendHNSW,
			Family: ann.Params{
				Dimension:      in.Dimension,
				M:              32,
				EfConstruction: 200,
				EfSearch:       64,
			},
		}
	}
}

func paramsFor(t config.BackendType, in Input) ann.Params {
	d := Select(Input{VectorCount: in.VectorCount, Dimension: in.Dimension, MemoryBudgetBytes: in.MemoryBudgetBytes})
	if d.Type == t {
		return d.Family
	}
	// Override to a family the size rule wouldn't have picked: fall back
	// to that family's own defaults rather than borrowing another
	// family's params.
	switch t {
	case config.BackendIVF:
		nlist := clampInt(int(math.Sqrt(float64(maxInt(in.VectorCount, 1)))), 16, 256)
		return ann.Params{Dimension: in.Dimension, NList: nlist, NProbe: maxInt(1, nlist/10)}
	case config.BackendIVFPQ:
		nlist := clampInt(int(math.Sqrt(float64(maxInt(in.VectorCount, 1)))), 16, 256)
		return ann.Params{Dimension: in.Dimension, NList: nlist, NProbe: maxInt(1, nlist/10), PQSegments: nearestPowerOf2Divisor(in.Dimension, 64), PQBits: 8}
	case config.BackendHNSW:
		return ann.Params{Dimension: in.Dimension, M: 32, EfConstruction: 200, EfSearch: 64}
	default:
		return ann.Params{Dimension: in.Dimension}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// nearestPowerOf2Divisor finds the largest power-of-2 that evenly divides
// dim, clipped to max — spec.md §4.2's "m = nearest_power_of_2_divisor_of
// (dimension) clipped to 64".
func nearestPowerOf2Divisor(dim, max int) int {
	best := 1
	for p := 1; p <= dim && p <= max; p *= 2 {
		if dim%p == 0 {
			best = p
		}
	}
	return best
}

// Quality is a global preset overriding individual backend parameters
// without changing the family the decision rule picked, grounded on
// pkg/search/ann_quality.go's ANNQuality enum.
type Quality string

const (
	QualityFast       Quality = "fast"
	QualityBalanced   Quality = "balanced"
	QualityAccurate   Quality = "accurate"
	QualityCompressed Quality = "compressed"
)

// ApplyQuality tunes d.Family's knobs in place for the given preset. It
// never changes d.Type.
func ApplyQuality(d Decision, q Quality) Decision {
	switch q {
	case QualityFast:
		d.Family.EfSearch = maxInt(16, d.Family.EfSearch/2)
		d.Family.NProbe = maxInt(1, d.Family.NProbe/2)
	case QualityAccurate:
		d.Family.EfSearch *= 2
		d.Family.NProbe *= 2
	case QualityCompressed:
		if d.Type == config.BackendIVFPQ {
			d.Family.PQBits = 8
		}
	case QualityBalanced, "":
		// leave as the size rule picked
	}
	return d
}

// Diagnostic is a non-fatal configuration note, mirroring the teacher's
// CompressedActivationDiagnostic{Code,Message}.
type Diagnostic struct {
	Code    string
	Message string
}

// Advisory is the non-auto-migrating upgrade advice spec.md §4.2 describes:
// "if rolling average latency > target_latency_ms AND current backend is a
// lower tier than the rule-of-thumb suggests, emit an advisory". It never
// triggers a migration on its own.
type Advisory struct {
	Active        bool
	SuggestedType config.BackendType
	Diagnostics   []Diagnostic
}

// tierRank orders backend families from cheapest to most capable, used to
// decide whether the current backend is "a lower tier than the rule-of-
// thumb suggests".
var tierRank = map[config.BackendType]int{
	config.BackendFlat:  0,
	config.BackendIVF:   1,
	config.BackendIVFPQ: 2,
	config.BackendHNSW:  3,
}

// Advise computes the upgrade advisory for the current state of a tier.
func Advise(in Input, currentType config.BackendType, rollingAvgLatencyMS float64) Advisory {
	suggested := Select(Input{VectorCount: in.VectorCount, Dimension: in.Dimension, MemoryBudgetBytes: in.MemoryBudgetBytes}).Type
	if rollingAvgLatencyMS <= float64(in.TargetLatencyMS) {
		return Advisory{Active: false}
	}
	if tierRank[currentType] >= tierRank[suggested] {
		return Advisory{Active: false}
	}
	return Advisory{
		Active:        true,
		SuggestedType: suggested,
		Diagnostics: []Diagnostic{{
			Code:    "latency_above_target",
			Message: "rolling average search latency exceeds target_latency_ms and a higher-tier backend is available",
		}},
	}
}
