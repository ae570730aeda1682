// Package metrics exposes the daemon's Prometheus collectors. All
// collectors register on the default registry and are served by
// Handler on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DownloadsTotal counts model pulls by outcome.
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_model_downloads_total",
		Help: "Model downloads by result.",
	}, []string{"result"})

	// DownloadBytesTotal counts bytes fetched from model sources,
	// including transfers that later fail verification.
	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_model_download_bytes_total",
		Help: "Bytes downloaded from model sources.",
	})

	// CacheResident tracks how many models are currently loaded.
	CacheResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_cache_resident_models",
		Help: "Models currently resident in the cache.",
	})

	// CacheEvictionsTotal counts evictions by trigger.
	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_cache_evictions_total",
		Help: "Cache evictions by trigger.",
	}, []string{"trigger"})

	// CacheCloseFailuresTotal counts engine handles that failed to
	// close during eviction and may have leaked native resources.
	CacheCloseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_cache_close_failures_total",
		Help: "Model handles that failed to close on eviction.",
	})

	// GenerationsTotal counts completed generations by finish reason.
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_generations_total",
		Help: "Completed generations by model and finish reason.",
	}, []string{"model", "reason"})

	// GenerationSeconds observes wall-clock generation latency.
	GenerationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weft_generation_duration_seconds",
		Help:    "Latency of generation requests.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// CompletionTokensTotal counts tokens produced across generations.
	CompletionTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_completion_tokens_total",
		Help: "Tokens produced by the inference engine.",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
