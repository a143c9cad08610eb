package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scribe_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"breaker"})

	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_circuit_breaker_rejections_total",
		Help: "Calls rejected while the circuit breaker was open",
	}, []string{"breaker"})

	forwardedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_forwarded_rows_total",
		Help: "Translation rows forwarded to Longbow, by outcome",
	}, []string{"status"})
)
