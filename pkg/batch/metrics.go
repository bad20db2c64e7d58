package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// batchesTotal counts completed batches by result ("success" or
	// "failure").
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpcache_batches_total",
			Help: "Total number of completed batches",
		},
		[]string{"result"},
	)

	// batchSize observes the number of requests per batch.
	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "httpcache_batch_size",
			Help:    "Number of requests per batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)
