package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	DispatcherQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccstoc_dispatcher_queue_depth",
			Help: "Number of tasks currently queued on a dispatcher worker",
		},
		[]string{"worker"},
	)

	DispatcherInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccstoc_dispatcher_inflight_requests",
			Help: "Number of in-flight requests awaiting completion per worker",
		},
		[]string{"worker"},
	)

	DispatcherRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccstoc_dispatcher_requests_total",
			Help: "Total number of dispatcher requests by tag and outcome",
		},
		[]string{"tag", "outcome"},
	)

	// DC stats, the local equivalent of a StoC's DC_READ_STATS response.
	PendingReadBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ccstoc_stoc_pending_read_bytes",
			Help: "Bytes currently queued for RDMA read on this StoC",
		},
	)

	PendingWriteBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ccstoc_stoc_pending_write_bytes",
			Help: "Bytes currently queued for RDMA write on this StoC",
		},
	)

	RTablesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ccstoc_stoc_rtables_total",
			Help: "Total number of rtable regions held by this StoC",
		},
	)

	// RTable write/read latency
	RTableWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ccstoc_rtable_write_duration_seconds",
			Help:    "Time to persist one chunk of an SSTable to a StoC",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server_id"},
	)

	RTableReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ccstoc_rtable_read_duration_seconds",
			Help:    "Time to read one data block from a StoC",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server_id"},
	)

	// Log replication
	ReplicationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ccstoc_log_replication_latency_seconds",
			Help:    "Time for all replicas to reach WRITE_SUCCESS for one replicate call",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccstoc_log_replication_failures_total",
			Help: "Total number of log replication calls that failed, by reason",
		},
		[]string{"reason"},
	)

	// Compaction
	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ccstoc_compaction_duration_seconds",
			Help:    "Time for a compaction request to complete on a StoC",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_level", "target_level"},
	)

	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccstoc_compactions_total",
			Help: "Total number of compactions completed by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatcherQueueDepth,
		DispatcherInFlight,
		DispatcherRequestsTotal,
		PendingReadBytes,
		PendingWriteBytes,
		RTablesTotal,
		RTableWriteDuration,
		RTableReadDuration,
		ReplicationLatency,
		ReplicationFailuresTotal,
		CompactionDuration,
		CompactionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
