// Package prometheus exposes engine observations as Prometheus metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements the engine's metrics hooks on a Prometheus registry.
type Metrics struct {
	matchTotal        *prometheus.CounterVec
	matchDuration     *prometheus.HistogramVec
	batchSize         prometheus.Histogram
	batchDuration     prometheus.Histogram
	rerankerFallbacks prometheus.Counter
}

// New registers the engine metrics on reg.  Pass prometheus.DefaultRegisterer
// for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		matchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exammatch",
			Name:      "match_total",
			Help:      "Match requests by outcome status and cache origin.",
		}, []string{"status", "from_cache"}),
		matchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exammatch",
			Name:      "match_duration_seconds",
			Help:      "Wall time of a single match request.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exammatch",
			Name:      "batch_size",
			Help:      "Records per submitted batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exammatch",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a whole batch run.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		rerankerFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exammatch",
			Name:      "reranker_fallback_total",
			Help:      "Matches that fell back to retrieval scores because the reranker failed.",
		}),
	}
	reg.MustRegister(m.matchTotal, m.matchDuration, m.batchSize, m.batchDuration, m.rerankerFallbacks)
	return m
}

func (m *Metrics) ObserveMatch(status string, fromCache bool, d time.Duration) {
	cache := "false"
	if fromCache {
		cache = "true"
	}
	m.matchTotal.WithLabelValues(status, cache).Inc()
	m.matchDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) ObserveBatch(size int, d time.Duration) {
	m.batchSize.Observe(float64(size))
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRerankerFallback() {
	m.rerankerFallbacks.Inc()
}
