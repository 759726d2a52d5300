// Package metrics exposes prometheus collectors for every component,
// registered at init time and served over /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvquant_cache_updates_total",
			Help: "Total number of cache update attempts by outcome",
		},
		[]string{"outcome"}, // admitted, dropped_below_threshold
	)

	CacheInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvquant_cache_invalidations_total",
			Help: "Total number of blocks invalidated due to low salience",
		},
	)

	SpotsErasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvquant_spots_erased_total",
			Help: "Total number of full spots reclaimed",
		},
	)

	VaultTierEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvquant_vault_tier_entries",
			Help: "Current number of entries resident in each vault tier",
		},
		[]string{"tier"},
	)

	VaultPromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvquant_vault_promotions_total",
			Help: "Total number of cross-tier promotions",
		},
		[]string{"to_tier"},
	)

	QuantizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvquant_quantizations_total",
			Help: "Total number of tensors quantized by target precision",
		},
		[]string{"precision"},
	)

	QuantizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvquant_quantize_duration_seconds",
			Help:    "Time taken to quantize a tensor",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"precision"},
	)

	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvquant_scheduler_queue_depth",
			Help: "Current number of tasks waiting in the scheduler queue",
		},
	)

	SchedulerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvquant_scheduler_tasks_total",
			Help: "Total number of tasks processed by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: completed, slo_violated, cancelled
	)

	ReplicationQueueDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvquant_replication_queue_drops_total",
			Help: "Total number of replicated writes dropped due to backpressure",
		},
	)

	ReplicationFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvquant_replication_flush_duration_seconds",
			Help:    "Time taken to flush a replication batch to all peers",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		CacheUpdatesTotal,
		CacheInvalidationsTotal,
		SpotsErasedTotal,
		VaultTierEntries,
		VaultPromotionsTotal,
		QuantizationsTotal,
		QuantizeDuration,
		SchedulerQueueDepth,
		SchedulerTasksTotal,
		ReplicationQueueDropsTotal,
		ReplicationFlushDuration,
	)
}

// Handler serves the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration against a HistogramVec, recorded
// on Stop.
type Timer struct {
	start  time.Time
	hist   *prometheus.HistogramVec
	labels []string
}

// NewTimer starts a timer against hist, to be stopped with the given label
// values.
func NewTimer(hist *prometheus.HistogramVec, labels ...string) *Timer {
	return &Timer{start: time.Now(), hist: hist, labels: labels}
}

// Stop records the elapsed duration.
func (t *Timer) Stop() {
	t.hist.WithLabelValues(t.labels...).Observe(time.Since(t.start).Seconds())
}
