package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits counts requests served from storage, labeled by
	// freshness state ("fresh" or "stale").
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_hits_total",
			Help: "Total number of requests served from the cache",
		},
		[]string{"state"},
	)

	// cacheMisses counts lookups that found no entry.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpcache_misses_total",
			Help: "Total number of lookups without a stored entry",
		},
	)

	// revalidations counts conditional origin exchanges by outcome
	// ("not_modified" or "modified").
	revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_revalidations_total",
			Help: "Total number of conditional requests sent to the origin",
		},
		[]string{"outcome"},
	)

	// originRequests counts origin exchanges by status class ("2xx",
	// "3xx", "4xx", "5xx").
	originRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_origin_requests_total",
			Help: "Total number of origin exchanges",
		},
		[]string{"status_class"},
	)

	// storeSkipped counts responses refused storage admission, labeled
	// by the first failing rule.
	storeSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_store_skipped_total",
			Help: "Total number of responses refused storage admission",
		},
		[]string{"reason"},
	)

	// storeWrites counts admitted entry writes by persistence mode
	// ("blocking" or "detached").
	storeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_store_writes_total",
			Help: "Total number of admitted entry writes",
		},
		[]string{"mode"},
	)

	// detachedWriteFailures counts detached storage writes that failed
	// after their request had already completed.
	detachedWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpcache_detached_write_failures_total",
			Help: "Total number of detached storage writes that failed",
		},
	)

	// requestDuration observes the end-to-end duration of one request
	// pipeline in seconds.
	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "httpcache_request_duration_seconds",
			Help:    "End-to-end duration of one cache request pipeline",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// statusClass buckets an HTTP status for the origin request counter.
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
