package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for portal-sync
type Metrics struct {
	// Request lifecycle metrics
	RequestsRegistered   prometheus.Counter
	RequestsDeduplicated prometheus.Counter
	RequestsByStatus     *prometheus.CounterVec
	RequestTimeouts      prometheus.Counter
	ActiveRequests       prometheus.Gauge
	RequestHistorySize   prometheus.Gauge
	RequestDuration      prometheus.Histogram

	// Storage consistency metrics
	AtomicUpdatesTotal    prometheus.Counter
	UpdateConflictsTotal  prometheus.Counter
	ConflictRetriesTotal  prometheus.Counter
	UpdateDuration        prometheus.Histogram
	LockTimeoutsTotal     prometheus.Counter
	LocksHeld             prometheus.Gauge
	RollbacksTotal        prometheus.Counter
	BackupsRetained       prometheus.Gauge
	IntegrityChecksTotal  prometheus.Counter
	IntegrityIssuesFound  prometheus.Gauge
	WriteVerifyFailsTotal prometheus.Counter

	// Merge/sync metrics
	MergedRecordsTotal  prometheus.Counter
	SkippedRecordsTotal prometheus.Counter
	SyncFailuresTotal   prometheus.Counter

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "tracker",
			Name:      "requests_registered_total",
			Help:      "Total number of requests registered with the lifecycle tracker",
		}),
		RequestsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "tracker",
			Name:      "requests_deduplicated_total",
			Help:      "Total number of requests dropped as in-window repeats",
		}),
		RequestsByStatus: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "tracker",
			Name:      "requests_finished_total",
			Help:      "Total number of requests reaching a terminal status",
		}, []string{"status"}),
		RequestTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "tracker",
			Name:      "request_timeouts_total",
			Help:      "Total number of requests that hit their individual timeout",
		}),
		ActiveRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "portalsync",
			Subsystem: "tracker",
			Name:      "active_requests",
			Help:      "Number of requests currently pending",
		}),
		RequestHistorySize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "portalsync",
			Subsystem: "tracker",
			Name:      "history_size",
			Help:      "Number of finished requests retained in history",
		}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "portalsync",
			Subsystem: "tracker",
			Name:      "request_duration_seconds",
			Help:      "Histogram of tracked request durations",
			Buckets:   prometheus.DefBuckets,
		}),

		AtomicUpdatesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "atomic_updates_total",
			Help:      "Total number of successful atomic updates",
		}),
		UpdateConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "update_conflicts_total",
			Help:      "Total number of optimistic-lock version conflicts detected",
		}),
		ConflictRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "conflict_retries_total",
			Help:      "Total number of conflict-triggered retries",
		}),
		UpdateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "atomic_update_duration_seconds",
			Help:      "Histogram of atomic update durations including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		LockTimeoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "lock_timeouts_total",
			Help:      "Total number of lock acquisitions that timed out",
		}),
		LocksHeld: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "locks_held",
			Help:      "Number of advisory locks currently held",
		}),
		RollbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "rollbacks_total",
			Help:      "Total number of rollback writes performed",
		}),
		BackupsRetained: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "backups_retained",
			Help:      "Number of payload snapshots retained across all keys",
		}),
		IntegrityChecksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "integrity_checks_total",
			Help:      "Total number of integrity scans performed",
		}),
		IntegrityIssuesFound: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "integrity_issues",
			Help:      "Issues found by the most recent integrity scan",
		}),
		WriteVerifyFailsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "storage",
			Name:      "write_verification_failures_total",
			Help:      "Total number of post-write read-back mismatches",
		}),

		MergedRecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "sync",
			Name:      "merged_records_total",
			Help:      "Total number of incoming records merged into the store",
		}),
		SkippedRecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "sync",
			Name:      "skipped_records_total",
			Help:      "Total number of incoming records dropped by validation",
		}),
		SyncFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "portalsync",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Total number of failed sync attempts",
		}),

		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "portalsync",
			Subsystem: "system",
			Name:      "memory_usage_bytes",
			Help:      "Current heap allocation in bytes",
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "portalsync",
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		}),
	}
}

// UpdateSystemStats updates system-level gauges
func (m *Metrics) UpdateSystemStats(heapBytes int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(heapBytes))
	m.GoroutinesTotal.Set(float64(goroutines))
}
