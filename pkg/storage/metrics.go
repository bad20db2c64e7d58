package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationErrors counts failed adapter operations, labeled by
	// backend and operation name. Adapters increment it themselves so
	// degraded-path errors swallowed by the engine still show up.
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_storage_errors_total",
			Help: "Total number of failed storage adapter operations",
		},
		[]string{"backend", "operation"},
	)

	// BytesWritten tracks content bytes written per backend.
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_storage_bytes_written_total",
			Help: "Total content bytes written to storage",
		},
		[]string{"backend"},
	)
)
