// Package metrics provides the centralized Prometheus registry for the
// cache. All metrics are defined in their respective packages (engine,
// batch, storage) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Engine Metrics (pkg/engine):
//   - httpcache_hits_total{state} (Counter): Requests served from storage, by freshness state (fresh, stale)
//   - httpcache_misses_total (Counter): Lookups without a stored entry
//   - httpcache_revalidations_total{outcome} (Counter): Conditional origin exchanges (not_modified, modified)
//   - httpcache_origin_requests_total{status_class} (Counter): Origin exchanges by status class
//   - httpcache_store_skipped_total{reason} (Counter): Responses refused storage admission, by first failing rule
//   - httpcache_store_writes_total{mode} (Counter): Admitted entry writes (blocking, detached)
//   - httpcache_detached_write_failures_total (Counter): Detached writes that failed after request completion
//   - httpcache_request_duration_seconds (Histogram): End-to-end duration of one request pipeline
//
// Batch Metrics (pkg/batch):
//   - httpcache_batches_total{result} (Counter): Completed batches (success, failure)
//   - httpcache_batch_size (Histogram): Requests per batch
//
// Storage Metrics (pkg/storage):
//   - httpcache_storage_errors_total{backend, operation} (Counter): Adapter operation errors
//   - httpcache_storage_bytes_written_total{backend} (Counter): Content bytes written per backend
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(httpcache_hits_total[5m])) /
//   (sum(rate(httpcache_hits_total[5m])) + sum(rate(httpcache_misses_total[5m])))
//
//   # Revalidation Efficiency (304 share of conditional requests)
//   rate(httpcache_revalidations_total{outcome="not_modified"}[5m]) /
//   sum(rate(httpcache_revalidations_total[5m]))
//
//   # Admission Refusals by Rule
//   rate(httpcache_store_skipped_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(httpcache_request_duration_seconds_bucket[5m]))
//
//   # Detached Write Failure Rate
//   rate(httpcache_detached_write_failures_total[5m])
