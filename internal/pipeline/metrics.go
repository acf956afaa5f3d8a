package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "salt_pass_duration_seconds",
		Help:    "Time spent running an evaluation pass, from admission to publish",
		Buckets: prometheus.DefBuckets,
	})

	passesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "salt_passes_active",
		Help: "Number of evaluation passes currently admitted",
	})

	passErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salt_pass_errors_total",
		Help: "Total number of evaluation passes that failed",
	})

	forwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salt_forward_failures_total",
		Help: "Total number of outputs that could not be forwarded",
	})
)
