package search

import "github.com/prometheus/client_golang/prometheus"

var (
	CounterBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsmith_search",
			Name:      "builds_total",
			Help:      "Index builds by result.",
		},
		[]string{
			"result",
		},
	)
	CounterRowsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sheetsmith_search",
			Name:      "rows_indexed_total",
			Help:      "Rows written into index builds.",
		},
	)
	HistogramBuildSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sheetsmith_search",
			Name:      "build_seconds",
			Help:      "Duration of successful index builds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)
	CounterQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsmith_search",
			Name:      "queries_total",
			Help:      "Index queries by result.",
		},
		[]string{
			"result",
		},
	)
)

func init() {
	prometheus.MustRegister(CounterBuilds)
	prometheus.MustRegister(CounterRowsIndexed)
	prometheus.MustRegister(HistogramBuildSeconds)
	prometheus.MustRegister(CounterQueries)
}
