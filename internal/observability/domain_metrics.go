package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	embeddingCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_embedding_cache_lookups_total",
			Help: "Embedding cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)
	embeddingCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlpilot_embedding_cache_evictions_total",
			Help: "Entries evicted from the in-process embedding cache.",
		},
	)
	vectorStoreRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlpilot_vector_store_records",
			Help: "Current number of stored question/SQL examples.",
		},
	)
	snapshotSaveSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_snapshot_save_seconds",
			Help:    "Vector store snapshot save latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
	snapshotFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_snapshot_failures_total",
			Help: "Vector store snapshot failures by operation.",
		},
		[]string{"op"},
	)
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_sql_validations_total",
			Help: "SQL validations by outcome.",
		},
		[]string{"outcome"},
	)
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_generations_total",
			Help: "Generation requests by outcome.",
		},
		[]string{"outcome"},
	)
	generationLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_generation_latency_ms",
			Help:    "End-to-end generation latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)
	schemaRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_schema_refresh_total",
			Help: "Schema extractions by source and result.",
		},
		[]string{"source", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		embeddingCacheLookups,
		embeddingCacheEvictions,
		vectorStoreRecords,
		snapshotSaveSeconds,
		snapshotFailuresTotal,
		validationsTotal,
		generationsTotal,
		generationLatencyMs,
		schemaRefreshTotal,
	)
}

func ObserveCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	embeddingCacheLookups.WithLabelValues(tier, result).Inc()
}

func IncrementCacheEvictions() {
	embeddingCacheEvictions.Inc()
}

func SetVectorStoreRecords(n int) {
	if n < 0 {
		n = 0
	}
	vectorStoreRecords.Set(float64(n))
}

func ObserveSnapshotSave(elapsed time.Duration, err error) {
	if err != nil {
		snapshotFailuresTotal.WithLabelValues("save").Inc()
		return
	}
	snapshotSaveSeconds.Observe(elapsed.Seconds())
}

func IncrementSnapshotLoadFailure() {
	snapshotFailuresTotal.WithLabelValues("load").Inc()
}

func ObserveValidation(outcome string) {
	validationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveGeneration(outcome string, elapsed time.Duration) {
	generationsTotal.WithLabelValues(outcome).Inc()
	generationLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveSchemaExtract(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	schemaRefreshTotal.WithLabelValues(source, result).Inc()
}
