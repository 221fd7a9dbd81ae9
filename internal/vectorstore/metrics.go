package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskrouter",
			Subsystem: "vectorstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of namespace queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "namespace"},
	)

	queryResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskrouter",
			Subsystem: "vectorstore",
			Name:      "query_results",
			Help:      "Chunks returned per query after the similarity floor",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		},
		[]string{"backend", "namespace"},
	)

	queryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "vectorstore",
			Name:      "query_errors_total",
			Help:      "Total number of failed namespace queries",
		},
		[]string{"backend", "namespace"},
	)

	indexedChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "vectorstore",
			Name:      "indexed_chunks_total",
			Help:      "Total number of chunks indexed",
		},
		[]string{"backend", "namespace"},
	)
)

func recordQuery(backend, namespace string, d time.Duration, results int, err error) {
	queryDuration.WithLabelValues(backend, namespace).Observe(d.Seconds())
	if err != nil {
		queryErrors.WithLabelValues(backend, namespace).Inc()
		return
	}
	queryResults.WithLabelValues(backend, namespace).Observe(float64(results))
}
