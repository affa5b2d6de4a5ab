// Package metrics exposes the Prometheus metrics of the exporter.
// All metrics are defined in their respective packages (client, pagination,
// upload, queue, ...) with promauto, so this package only documents them and
// serves the default registry over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer every package registers with.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Graph client (pkg/client):
//   - graph_requests_total{status} (Counter): page requests by HTTP status or network_error
//   - graph_request_duration_seconds (Histogram): page request latency
//   - graph_errors_total{class} (Counter): errors by class (transient, fatal, throttled)
//
// Fetching (pkg/pagination):
//   - graph_fetch_pages_total{source} (Counter): pages read from api or cache
//   - graph_fetch_records_total (Counter): records read from the API
//   - graph_fetch_throttle_seconds_total (Counter): time streams spent suspended
//   - graph_fetch_window_failures_total (Counter): windows not read to the end
//
// Throttle state (pkg/ratelimit):
//   - graph_throttle_signals_total (Counter): throttle signals recorded
//   - graph_throttle_wait_seconds (Histogram): waits for a shared throttle to pass
//
// Page cache (pkg/cache):
//   - graph_page_cache_hits_total, graph_page_cache_misses_total (Counter)
//   - graph_page_cache_stored_bytes_total (Counter): bytes written to the cache
//   - graph_page_cache_errors_total{operation} (Counter)
//
// Retries (pkg/retry):
//   - graph_exporter_retries_total{operation} (Counter)
//   - graph_exporter_retry_backoff_seconds{operation} (Histogram)
//   - graph_exporter_retry_exhausted_total{operation} (Counter)
//
// Delivery (pkg/upload, pkg/queue):
//   - graph_upload_chunks_total{status} (Counter): chunks by delivery status
//   - graph_upload_inflight_pushes (Gauge): pushes in flight
//   - graph_queue_pushes_total{mode,result} (Counter)
//   - graph_queue_records_total{mode} (Counter)
//   - graph_queue_broadcast_unheard_total (Counter): records published without a subscriber
//   - graph_queue_pool_in_use (Gauge), graph_queue_pool_timeouts_total (Counter)
//
// Runs (pkg/pipeline, pkg/scheduler):
//   - graph_pipeline_runs_total{result} (Counter): runs by success, failed, invalid
//   - graph_pipeline_run_duration_seconds (Histogram)
//   - graph_pipeline_last_success_timestamp_seconds (Gauge)
//   - graph_scheduler_triggers_total (Counter)
//
// Example Prometheus Queries:
//
//   # Share of runs that lost data
//   sum(rate(graph_pipeline_runs_total{result="failed"}[1h])) /
//   sum(rate(graph_pipeline_runs_total[1h]))
//
//   # Time since the last complete run
//   time() - graph_pipeline_last_success_timestamp_seconds
//
//   # Throttling pressure
//   rate(graph_fetch_throttle_seconds_total[15m])
//
//   # P95 Graph latency
//   histogram_quantile(0.95, rate(graph_request_duration_seconds_bucket[5m]))
