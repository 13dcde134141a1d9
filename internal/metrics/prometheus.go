package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage engine
type Metrics struct {
	// Operation metrics
	PutsTotal      prometheus.Counter
	PutDuration    prometheus.Histogram
	PutBytes       prometheus.Histogram
	GetsTotal      prometheus.Counter
	GetDuration    prometheus.Histogram
	GetMissesTotal prometheus.Counter
	DeletesTotal   prometheus.Counter
	CASTotal       *prometheus.CounterVec
	ScansTotal     prometheus.Counter

	// Log metrics
	LogAppendsTotal   prometheus.Counter
	LogAppendDuration prometheus.Histogram
	LogSyncsTotal     prometheus.Counter
	LogSyncDuration   prometheus.Histogram
	LogSizeBytes      prometheus.Gauge

	// Page store metrics
	PagesTotal      prometheus.Gauge
	PageWritesTotal prometheus.Counter
	PageReadsTotal  prometheus.Counter
	PagesFreedTotal prometheus.Counter

	// Index metrics
	IndexEntriesTotal prometheus.Gauge

	// Reclamation metrics
	EpochCurrent   prometheus.Gauge
	RetiredTotal   prometheus.Counter
	ReclaimedTotal prometheus.Counter

	// Recovery metrics
	RecoveriesTotal  prometheus.Counter
	RecoveryDuration prometheus.Histogram
	ReplayedEntries  prometheus.Histogram
	TruncatedTails   prometheus.Counter

	// System metrics
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all engine metrics registered on the given registerer.
// Tests pass a private registry so parallel engines never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "puts_total",
			Help:      "Total number of put operations",
		}),
		PutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "put_duration_seconds",
			Help:      "Histogram of put durations",
			Buckets:   prometheus.DefBuckets,
		}),
		PutBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "put_bytes",
			Help:      "Histogram of put sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}),
		GetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "gets_total",
			Help:      "Total number of get operations",
		}),
		GetDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "get_duration_seconds",
			Help:      "Histogram of get durations",
			Buckets:   prometheus.DefBuckets,
		}),
		GetMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "get_misses_total",
			Help:      "Total number of gets that found no key",
		}),
		DeletesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "deletes_total",
			Help:      "Total number of delete operations",
		}),
		CASTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "cas_total",
			Help:      "Total number of compare-and-swap operations by outcome",
		}, []string{"outcome"}),
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "engine",
			Name:      "scans_total",
			Help:      "Total number of range scans",
		}),

		LogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "log",
			Name:      "appends_total",
			Help:      "Total number of log appends",
		}),
		LogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loam",
			Subsystem: "log",
			Name:      "append_duration_seconds",
			Help:      "Histogram of log append durations",
			Buckets:   prometheus.DefBuckets,
		}),
		LogSyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "log",
			Name:      "syncs_total",
			Help:      "Total number of log fsyncs",
		}),
		LogSyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loam",
			Subsystem: "log",
			Name:      "sync_duration_seconds",
			Help:      "Histogram of log fsync durations",
			Buckets:   prometheus.DefBuckets,
		}),
		LogSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loam",
			Subsystem: "log",
			Name:      "size_bytes",
			Help:      "Current log size in bytes",
		}),

		PagesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loam",
			Subsystem: "pagestore",
			Name:      "pages_total",
			Help:      "Current number of pages in the store file",
		}),
		PageWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "pagestore",
			Name:      "record_writes_total",
			Help:      "Total number of record writes",
		}),
		PageReadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "pagestore",
			Name:      "record_reads_total",
			Help:      "Total number of record reads",
		}),
		PagesFreedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "pagestore",
			Name:      "records_freed_total",
			Help:      "Total number of records freed for reuse",
		}),

		IndexEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loam",
			Subsystem: "index",
			Name:      "entries_total",
			Help:      "Current number of live keys in the index",
		}),

		EpochCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loam",
			Subsystem: "epoch",
			Name:      "current",
			Help:      "Current global epoch",
		}),
		RetiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "epoch",
			Name:      "retired_total",
			Help:      "Total number of objects retired for deferred reclamation",
		}),
		ReclaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "epoch",
			Name:      "reclaimed_total",
			Help:      "Total number of retired objects reclaimed",
		}),

		RecoveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "recovery",
			Name:      "recoveries_total",
			Help:      "Total number of recovery passes",
		}),
		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loam",
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Histogram of recovery pass durations",
			Buckets:   prometheus.DefBuckets,
		}),
		ReplayedEntries: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loam",
			Subsystem: "recovery",
			Name:      "replayed_entries",
			Help:      "Histogram of log entries replayed per recovery",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		TruncatedTails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loam",
			Subsystem: "recovery",
			Name:      "truncated_tails_total",
			Help:      "Total number of torn log tails truncated during recovery",
		}),

		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loam",
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available disk space in bytes",
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loam",
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage",
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loam",
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		}),
	}
}

// RecordPut records metrics for a put operation
func (m *Metrics) RecordPut(duration float64, bytes int) {
	m.PutsTotal.Inc()
	m.PutDuration.Observe(duration)
	m.PutBytes.Observe(float64(bytes))
}

// RecordGet records metrics for a get operation
func (m *Metrics) RecordGet(duration float64, hit bool) {
	m.GetsTotal.Inc()
	m.GetDuration.Observe(duration)
	if !hit {
		m.GetMissesTotal.Inc()
	}
}

// RecordCAS records a compare-and-swap outcome
func (m *Metrics) RecordCAS(outcome string) {
	m.CASTotal.WithLabelValues(outcome).Inc()
}

// RecordLogAppend records a log append
func (m *Metrics) RecordLogAppend(duration float64) {
	m.LogAppendsTotal.Inc()
	m.LogAppendDuration.Observe(duration)
}

// RecordLogSync records a log fsync
func (m *Metrics) RecordLogSync(duration float64) {
	m.LogSyncsTotal.Inc()
	m.LogSyncDuration.Observe(duration)
}

// RecordRecovery records a completed recovery pass
func (m *Metrics) RecordRecovery(duration float64, replayed int, tailTruncated bool) {
	m.RecoveriesTotal.Inc()
	m.RecoveryDuration.Observe(duration)
	m.ReplayedEntries.Observe(float64(replayed))
	if tailTruncated {
		m.TruncatedTails.Inc()
	}
}

// UpdateEpochStats updates reclamation gauges and counters
func (m *Metrics) UpdateEpochStats(epoch, retiredDelta, reclaimedDelta uint64) {
	m.EpochCurrent.Set(float64(epoch))
	if retiredDelta > 0 {
		m.RetiredTotal.Add(float64(retiredDelta))
	}
	if reclaimedDelta > 0 {
		m.ReclaimedTotal.Add(float64(reclaimedDelta))
	}
}

// UpdateSystemStats updates system-level gauges
func (m *Metrics) UpdateSystemStats(diskAvailable uint64, diskUsagePercent float64, goroutines int) {
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.DiskUsagePercent.Set(diskUsagePercent)
	m.GoroutinesTotal.Set(float64(goroutines))
}
