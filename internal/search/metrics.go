package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_search_steps_total",
		Help: "Decoding steps executed, by search strategy",
	}, []string{"strategy"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scribe_search_duration_seconds",
		Help:    "Time to decode one batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"strategy"})

	searchEarlyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_search_early_stops_total",
		Help: "Batches that finished before the length limit",
	})

	searchHeapFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_search_heap_fills_total",
		Help: "Batch items topped up with unfinished hypotheses at the length limit",
	})

	searchReorders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_search_cache_reorders_total",
		Help: "Decoder cache reorders applied before a step",
	})

	searchCompactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_search_compactions_total",
		Help: "Steps that dropped finished batch items from the model batch",
	})
)
