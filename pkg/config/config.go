// Package config holds the Generational Store's configuration surface:
// a Config struct with sane defaults, resolved from environment variables
// through envutil, plus an allow-listed per-store override mechanism
// mirroring the teacher's dbconfig key registry.
package config

import (
	"strings"

	"github.com/vecgen/retrieval/pkg/envutil"
)

// BackendType names an ANN backend family.
type BackendType string

const (
	BackendFlat  BackendType = "flat"
	BackendIVF   BackendType = "ivf"
	BackendIVFPQ BackendType = "ivfpq"
	BackendHNSW  BackendType = "hnsw"
)

// ANNQuality is a global preset that tunes backend parameters without
// changing the backend family the adaptive selector chose.
type ANNQuality string

const (
	QualityFast       ANNQuality = "fast"
	QualityBalanced   ANNQuality = "balanced"
	QualityAccurate   ANNQuality = "accurate"
	QualityCompressed ANNQuality = "compressed"
)

// Config is the Generational Store's full configuration. Every field maps
// 1:1 onto a recognised option from the store's configuration surface.
type Config struct {
	RootDir   string
	Dimension int

	EnableGenerationalIndex bool

	HotIndexMaxSize int
	HotIndexType    BackendType
	ColdIndexType   BackendType

	ArchiveAgeDays   int
	ArchiveSchedule  string
	ArchiveBatchSize int
	ArchiveRunBudgetSeconds int

	HotSearchOversample  float64
	ColdSearchOversample float64
	GlobalOversampleFactor float64
	GlobalOversampleFactorWithRerank float64

	WHot  float64
	WCold float64
	WBM25 float64

	EnableBM25 bool
	BM25K1     float64
	BM25B      float64
	BM25PersistIntervalSeconds int

	EnableReranker bool
	RerankPoolSize int

	ANNAutoSelect    bool
	ANNQualityPreset ANNQuality
	MemoryBudgetMB   int
	TargetLatencyMS  int

	RequestTimeoutSeconds int

	ColdSoftDeleteRatioThreshold float64
	ColdSoftDeleteCountThreshold int

	MigrationBatchSize         int
	MigrationValidationQueries int
	MigrationRecallThreshold   float64
}

// DefaultConfig returns the Config populated from environment variables,
// falling back to spec-mandated defaults for anything unset.
func DefaultConfig() Config {
	return Config{
		RootDir:   envutil.Get("VECGEN_ROOT_DIR", "./data"),
		Dimension: envutil.GetInt("VECGEN_DIMENSION", 1536),

		EnableGenerationalIndex: envutil.GetBoolLoose("VECGEN_ENABLE_GENERATIONAL_INDEX", true),

		HotIndexMaxSize: envutil.GetInt("VECGEN_HOT_INDEX_MAX_SIZE", 1_000_000),
		HotIndexType:    BackendType(envutil.Get("VECGEN_HOT_INDEX_TYPE", string(BackendFlat))),
		ColdIndexType:   BackendType(envutil.Get("VECGEN_COLD_INDEX_TYPE", string(BackendHNSW))),

		ArchiveAgeDays:          envutil.GetInt("VECGEN_ARCHIVE_AGE_DAYS", 30),
		ArchiveSchedule:         envutil.Get("VECGEN_ARCHIVE_SCHEDULE", "0 2 * * *"),
		ArchiveBatchSize:        envutil.GetInt("VECGEN_ARCHIVE_BATCH_SIZE", 1000),
		ArchiveRunBudgetSeconds: envutil.GetInt("VECGEN_ARCHIVE_RUN_BUDGET_SECONDS", 30*60),

		HotSearchOversample:              envutil.GetFloat("VECGEN_HOT_SEARCH_OVERSAMPLE", 0.7),
		ColdSearchOversample:             envutil.GetFloat("VECGEN_COLD_SEARCH_OVERSAMPLE", 0.5),
		GlobalOversampleFactor:           envutil.GetFloat("VECGEN_GLOBAL_OVERSAMPLE_FACTOR", 1.5),
		GlobalOversampleFactorWithRerank: envutil.GetFloat("VECGEN_GLOBAL_OVERSAMPLE_FACTOR_RERANK", 3.0),

		WHot:  envutil.GetFloat("VECGEN_W_HOT", 0.7),
		WCold: envutil.GetFloat("VECGEN_W_COLD", 0.3),
		WBM25: envutil.GetFloat("VECGEN_W_BM25", 0.3),

		EnableBM25:                 envutil.GetBoolLoose("VECGEN_ENABLE_BM25", true),
		BM25K1:                     envutil.GetFloat("VECGEN_BM25_K1", 1.2),
		BM25B:                      envutil.GetFloat("VECGEN_BM25_B", 0.75),
		BM25PersistIntervalSeconds: envutil.GetInt("VECGEN_BM25_PERSIST_INTERVAL_SECONDS", 30),

		EnableReranker: envutil.GetBoolLoose("VECGEN_ENABLE_RERANKER", false),
		RerankPoolSize: envutil.GetInt("VECGEN_RERANK_POOL_SIZE", 20),

		ANNAutoSelect:    envutil.GetBoolLoose("VECGEN_FAISS_INDEX_AUTO_SELECT", true),
		ANNQualityPreset: ANNQuality(envutil.Get("VECGEN_ANN_QUALITY", string(QualityBalanced))),
		MemoryBudgetMB:   envutil.GetInt("VECGEN_MEMORY_BUDGET_MB", 4096),
		TargetLatencyMS:  envutil.GetInt("VECGEN_TARGET_LATENCY_MS", 100),

		RequestTimeoutSeconds: envutil.GetInt("VECGEN_REQUEST_TIMEOUT_SECONDS", 30),

		ColdSoftDeleteRatioThreshold: envutil.GetFloat("VECGEN_COLD_SOFT_DELETE_RATIO_THRESHOLD", 0.3),
		ColdSoftDeleteCountThreshold: envutil.GetInt("VECGEN_COLD_SOFT_DELETE_COUNT_THRESHOLD", 1000),

		MigrationBatchSize:         envutil.GetInt("VECGEN_MIGRATION_BATCH_SIZE", 10_000),
		MigrationValidationQueries: envutil.GetInt("VECGEN_MIGRATION_VALIDATION_QUERIES", 100),
		MigrationRecallThreshold:   envutil.GetFloat("VECGEN_MIGRATION_RECALL_THRESHOLD", 0.9),
	}
}

// KeyMeta describes one allowed per-store override key, mirroring the
// teacher's dbconfig.KeyMeta shape.
type KeyMeta struct {
	Key      string
	Type     string // "string", "number", "boolean", "duration"
	Category string
}

// AllowedKeys returns the keys a caller may override on a per-store basis
// (e.g. through an admin API that sits above this module). Keys outside
// this list are rejected rather than silently applied.
func AllowedKeys() []KeyMeta {
	return []KeyMeta{
		{"VECGEN_DIMENSION", "number", "Core"},
		{"VECGEN_ENABLE_GENERATIONAL_INDEX", "boolean", "Core"},
		{"VECGEN_HOT_INDEX_MAX_SIZE", "number", "Tiers"},
		{"VECGEN_HOT_INDEX_TYPE", "string", "Tiers"},
		{"VECGEN_COLD_INDEX_TYPE", "string", "Tiers"},
		{"VECGEN_ARCHIVE_AGE_DAYS", "number", "Archive"},
		{"VECGEN_ARCHIVE_SCHEDULE", "string", "Archive"},
		{"VECGEN_ARCHIVE_BATCH_SIZE", "number", "Archive"},
		{"VECGEN_HOT_SEARCH_OVERSAMPLE", "number", "Fusion"},
		{"VECGEN_COLD_SEARCH_OVERSAMPLE", "number", "Fusion"},
		{"VECGEN_W_HOT", "number", "Fusion"},
		{"VECGEN_W_COLD", "number", "Fusion"},
		{"VECGEN_W_BM25", "number", "Fusion"},
		{"VECGEN_ENABLE_BM25", "boolean", "BM25"},
		{"VECGEN_BM25_K1", "number", "BM25"},
		{"VECGEN_BM25_B", "number", "BM25"},
		{"VECGEN_ENABLE_RERANKER", "boolean", "Rerank"},
		{"VECGEN_RERANK_POOL_SIZE", "number", "Rerank"},
		{"VECGEN_FAISS_INDEX_AUTO_SELECT", "boolean", "Selector"},
		{"VECGEN_ANN_QUALITY", "string", "Selector"},
		{"VECGEN_MEMORY_BUDGET_MB", "number", "Selector"},
		{"VECGEN_TARGET_LATENCY_MS", "number", "Selector"},
	}
}

// AllowedKeysSet returns AllowedKeys indexed by key name.
func AllowedKeysSet() map[string]KeyMeta {
	set := make(map[string]KeyMeta, len(AllowedKeys()))
	for _, m := range AllowedKeys() {
		set[m.Key] = m
	}
	return set
}

// IsAllowedKey reports whether key may be set as a per-store override.
// Lookups are case-sensitive; surrounding whitespace is trimmed from key
// before it is matched against AllowedKeys.
func IsAllowedKey(key string) bool {
	_, ok := AllowedKeysSet()[strings.TrimSpace(key)]
	return ok
}
