// Package metrics declares the Prometheus collectors exported by doppler.
// Collectors register on the default registry at init; the server exposes
// them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KVCacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_kv_cache_writes_total",
		Help: "KV cache update calls by layout and source (host, device, recorded)",
	}, []string{"layout", "source"})

	KVCacheTokensWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_kv_cache_tokens_written_total",
		Help: "Token positions written into KV caches, summed over layers",
	}, []string{"layout"})

	KVCacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_kv_cache_evictions_total",
		Help: "Positions evicted from sliding windows, summed over layers",
	}, []string{"layout"})

	KVCacheOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_kv_cache_overflows_total",
		Help: "Writes rejected because they exceed cache capacity",
	}, []string{"layout"})

	KVCachePagesAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppler_kv_cache_pages_allocated_total",
		Help: "Pages allocated by paged KV caches",
	})

	KVCacheReservedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doppler_kv_cache_reserved_bytes",
		Help: "Bytes reserved by live KV caches",
	}, []string{"layout"})

	KVCacheCompression = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_kv_cache_compression_decisions_total",
		Help: "Tiered cache compression gating outcomes",
	}, []string{"requested", "resolved", "gating"})

	Readbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_readbacks_total",
		Help: "Device to host readbacks by reason",
	}, []string{"reason"})

	DecodeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_decode_steps_total",
		Help: "Decode steps by path (fused, fallback)",
	}, []string{"path"})

	DecodeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doppler_decode_step_seconds",
		Help:    "Wall time of one decode step",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"path"})

	SyncPointsPerStep = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doppler_decode_sync_points",
		Help:    "Host/device synchronization points per decode step",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	}, []string{"path"})

	PrefillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "doppler_prefill_seconds",
		Help:    "Wall time of prompt prefill",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	TimeToFirstToken = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "doppler_time_to_first_token_seconds",
		Help:    "Latency from generate call to first emitted fragment",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppler_tokens_generated_total",
		Help: "Tokens produced by decode",
	})

	Generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppler_generations_total",
		Help: "Generations by finish reason",
	}, []string{"reason"})

	GenerationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doppler_generations_active",
		Help: "Generations currently in progress",
	})
)

// ObserveDecode records one decode step.
func ObserveDecode(path string, d time.Duration, syncPoints uint64) {
	DecodeSteps.WithLabelValues(path).Inc()
	DecodeLatency.WithLabelValues(path).Observe(d.Seconds())
	SyncPointsPerStep.WithLabelValues(path).Observe(float64(syncPoints))
}
