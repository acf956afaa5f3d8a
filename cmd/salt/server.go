package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-salt/internal/assembler"
	"github.com/23skdu/longbow-salt/internal/client"
	"github.com/23skdu/longbow-salt/internal/pipeline"
)

var (
	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "salt_request_duration_seconds",
		Help:    "Time spent processing evaluate requests",
		Buckets: prometheus.DefBuckets,
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salt_requests_total",
		Help: "Total number of evaluate requests by status code",
	}, []string{"code"})
)

var tracer = otel.Tracer("salt-server")

type Server struct {
	runner *pipeline.Runner
	alloc  memory.Allocator
}

func NewServer(runner *pipeline.Runner) *Server {
	return &Server{
		runner: runner,
		alloc:  memory.NewGoAllocator(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/evaluate", s.handleEvaluate)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, runner *pipeline.Runner) {
	srv := NewServer(runner)

	log.Info().Str("addr", addr).Msg("Starting salt HTTP server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// statusFor maps a pass error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrPathNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, assembler.ErrConfig), errors.Is(err, assembler.ErrDataConsistency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleEvaluate")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	fail := func(code int, msg string) {
		requestsTotal.WithLabelValues(fmt.Sprint(code)).Inc()
		http.Error(w, msg, code)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	req := client.RunRequest{
		Source:     q.Get("source"),
		Checkpoint: q.Get("checkpoint"),
		Output:     q.Get("output"),
		Sample:     q.Get("sample"),
	}
	if req.Source == "" {
		fail(http.StatusBadRequest, "Missing source parameter")
		return
	}
	span.SetAttributes(attribute.String("source", req.Source))

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		fail(http.StatusBadRequest, fmt.Sprintf("Failed to create IPC reader: %v", err))
		return
	}
	defer reader.Release()

	res, err := s.runner.RunRemote(ctx, req, reader)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("source", req.Source).Msg("Evaluation pass failed")
		fail(statusFor(err), err.Error())
		return
	}

	requestsTotal.WithLabelValues(fmt.Sprint(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
