package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "salt_forward_circuit_state",
		Help: "State of the forwarding circuit breaker (0 closed, 1 open, 2 half-open)",
	})

	recordsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salt_flight_records_sent_total",
		Help: "Total number of record batches sent over Flight",
	}, []string{"kind"})
)
