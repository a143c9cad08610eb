package translate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_translate_batches_total",
		Help: "Total number of batches decoded",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scribe_translate_batch_duration_seconds",
		Help:    "Time spent decoding one batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	sentencesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_translate_sentences_total",
		Help: "Total number of sentences translated by the searcher",
	})

	sourceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_translate_source_tokens_total",
		Help: "Total number of source tokens fed to the encoder",
	})

	targetTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_translate_target_tokens_total",
		Help: "Total number of target tokens produced",
	})
)
