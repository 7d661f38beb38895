/*
Package metrics provides Prometheus metrics collection and exposition for
the compute/storage split: dispatcher queue depth, rtable write/read
latency, log replication latency, and compaction duration, plus the
generic health/readiness/liveness HTTP handlers shared by both the LTC
and StoC binaries.

# Metrics Catalog

Dispatcher:

ccstoc_dispatcher_queue_depth{worker}:
  - Type: Gauge
  - Description: tasks currently queued on one async worker

ccstoc_dispatcher_inflight_requests{worker}:
  - Type: Gauge
  - Description: requests awaiting completion on one async worker

ccstoc_dispatcher_requests_total{tag,outcome}:
  - Type: Counter
  - Description: requests processed, by wire tag and outcome (ok/error)

StoC stats (the local equivalent of a DC_READ_STATS response):

ccstoc_stoc_pending_read_bytes, ccstoc_stoc_pending_write_bytes:
  - Type: Gauge
  - Description: bytes queued for RDMA read/write on this StoC

ccstoc_stoc_rtables_total:
  - Type: Gauge
  - Description: rtable regions currently held by this StoC

RTable I/O:

ccstoc_rtable_write_duration_seconds{server_id}, ccstoc_rtable_read_duration_seconds{server_id}:
  - Type: Histogram
  - Description: per-chunk write/read latency against one StoC

Replication and compaction:

ccstoc_log_replication_latency_seconds:
  - Type: Histogram
  - Description: time for every replica to reach WRITE_SUCCESS

ccstoc_log_replication_failures_total{reason}:
  - Type: Counter

ccstoc_compaction_duration_seconds{source_level,target_level}:
  - Type: Histogram

ccstoc_compactions_total{outcome}:
  - Type: Counter

# Usage

	timer := metrics.NewTimer()
	// ... persist a chunk ...
	timer.ObserveDurationVec(metrics.RTableWriteDuration, strconv.Itoa(int(serverID)))

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
	http.HandleFunc("/live", metrics.LivenessHandler())
*/
package metrics
