package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Table log metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_commits_total",
			Help: "Total number of successful commits by table and operation",
		},
		[]string{"table", "operation"},
	)

	CommitConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_commit_conflicts_total",
			Help: "Total number of compare-and-swap conflicts observed at the log head",
		},
		[]string{"table"},
	)

	CommitRetries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_commit_retries",
			Help:    "Number of retries a commit needed before succeeding or giving up",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"table"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_commit_duration_seconds",
			Help:    "Time taken to complete a commit, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table", "operation"},
	)

	// Maintenance metrics
	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_compaction_duration_seconds",
			Help:    "Time taken to compact a table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	ClusterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_cluster_duration_seconds",
			Help:    "Time taken to cluster (z-order) a table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	VacuumDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_vacuum_duration_seconds",
			Help:    "Time taken to vacuum a table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	FilesDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_files_deleted_total",
			Help: "Total number of data files deleted by vacuum",
		},
		[]string{"table"},
	)

	MaintenanceCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_maintenance_cycles_total",
			Help: "Total number of maintenance task cycles run, by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_cache_hits_total",
			Help: "Total number of file-set cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_cache_misses_total",
			Help: "Total number of file-set cache misses",
		},
	)

	// Actor metrics
	ActorMailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_actor_mailbox_depth",
			Help: "Current number of queued messages in an actor mailbox",
		},
		[]string{"actor"},
	)

	ActorMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_actor_messages_total",
			Help: "Total number of messages processed by an actor, by message kind",
		},
		[]string{"actor", "message"},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitConflictsTotal)
	prometheus.MustRegister(CommitRetries)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(ClusterDuration)
	prometheus.MustRegister(VacuumDuration)
	prometheus.MustRegister(FilesDeletedTotal)
	prometheus.MustRegister(MaintenanceCyclesTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(ActorMailboxDepth)
	prometheus.MustRegister(ActorMessagesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
