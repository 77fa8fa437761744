// Package metrics holds the Prometheus collectors of the graph core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kittgraph"

// Metrics groups every collector. A nil Registerer yields working,
// unregistered collectors.
type Metrics struct {
	// Hot cache
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheEntities  prometheus.Gauge

	// Persistence
	WALAppends         prometheus.Counter
	WALFailures        prometheus.Counter
	Compactions        prometheus.Counter
	CompactionsSkipped prometheus.Counter
	CompactionLatency  prometheus.Histogram
	ReplayedEntries    prometheus.Counter
	ReplayFailures     prometheus.Counter

	// Registry
	Operations *prometheus.CounterVec

	// Background queue
	TaskFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Hot cache lookups served from memory",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Hot cache lookups that missed",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entities evicted by the LRU policy",
		}),
		CacheEntities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entities",
			Help:      "Entities currently held by the hot cache",
		}),
		WALAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_appends_total",
			Help:      "Mutations appended to the write-ahead log",
		}),
		WALFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_append_failures_total",
			Help:      "Write-ahead log appends that failed",
		}),
		Compactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Completed snapshot compactions",
		}),
		CompactionsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_skipped_total",
			Help:      "Compactions dropped because one was already running",
		}),
		CompactionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Duration of snapshot compactions",
			Buckets:   prometheus.DefBuckets,
		}),
		ReplayedEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_replayed_entries_total",
			Help:      "WAL entries replayed during recovery",
		}),
		ReplayFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_replay_failures_total",
			Help:      "WAL entries that failed to replay",
		}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_operations_total",
			Help:      "Registry operations by name and outcome",
		}, []string{"operation", "status"}), // status: ok/conflict/error
		TaskFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_task_failures_total",
			Help:      "Background tasks that failed or were dropped",
		}, []string{"task"}),
	}
}
