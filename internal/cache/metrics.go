package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_memo_hits_total",
		Help: "Translation memo lookups served from cache",
	})

	memoMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_memo_misses_total",
		Help: "Translation memo lookups that required decoding",
	})

	memoEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_memo_evictions_total",
		Help: "Translation memo entries evicted to stay within capacity",
	})

	memoEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scribe_memo_entries",
		Help: "Current number of translation memo entries",
	})
)
