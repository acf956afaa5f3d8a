package assembler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salt_sessions_started_total",
		Help: "Total number of evaluation sessions started",
	})

	batchesAccumulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salt_batches_accumulated_total",
		Help: "Total number of evaluation batches accumulated",
	})

	jetsAccumulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salt_jets_accumulated_total",
		Help: "Total number of jets accumulated",
	})

	tracksAccumulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salt_tracks_accumulated_total",
		Help: "Total number of valid tracks accumulated",
	})

	finalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "salt_finalize_duration_seconds",
		Help:    "Time spent post-processing and writing an output file",
		Buckets: prometheus.DefBuckets,
	})

	finalizeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salt_finalize_errors_total",
		Help: "Total number of failed finalizations by cause",
	}, []string{"cause"})

	outputOverwrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salt_output_overwrites_total",
		Help: "Total number of output files replaced by a later run",
	})
)
