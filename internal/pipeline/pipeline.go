// Package pipeline runs evaluation passes: it feeds a stream of encoded
// batches into an assembler session, then publishes and forwards the
// written file.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-salt/internal/assembler"
	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/client"
	"github.com/23skdu/longbow-salt/internal/config"
	"github.com/23skdu/longbow-salt/internal/storage"
	"github.com/23skdu/longbow-salt/internal/store"
	"github.com/23skdu/longbow-salt/internal/tasks"
)

var tracer = otel.Tracer("salt-pipeline")

// BatchReader yields encoded batches. *ipc.Reader and *flight.Reader
// implement it.
type BatchReader interface {
	Next() bool
	Record() arrow.RecordBatch
	Err() error
}

// Forwarder sends a finished record set downstream.
type Forwarder interface {
	Forward(ctx context.Context, dataset string, rs *assembler.RecordSet) error
}

type Option func(*Runner)

func WithAllocator(mem memory.Allocator) Option {
	return func(r *Runner) { r.mem = mem }
}

// WithObjectStore publishes every output under prefix in store.
func WithObjectStore(store storage.ObjectStore, prefix string) Option {
	return func(r *Runner) {
		r.store = store
		r.prefix = prefix
	}
}

// WithForwarder forwards every output to dataset. Forwarding is skipped
// while breaker is open; a nil breaker never trips.
func WithForwarder(fwd Forwarder, dataset string, breaker *client.CircuitBreaker) Option {
	return func(r *Runner) {
		r.fwd = fwd
		r.dataset = dataset
		r.breaker = breaker
	}
}

// Runner runs passes against one configuration. It is safe for concurrent
// use; at most cfg.Server.MaxConcurrent passes run at once.
type Runner struct {
	cfg     *config.Config
	mem     memory.Allocator
	sem     *semaphore.Weighted
	store   storage.ObjectStore
	prefix  string
	fwd     Forwarder
	dataset string
	breaker *client.CircuitBreaker
}

func NewRunner(cfg *config.Config, opts ...Option) *Runner {
	n := cfg.Server.MaxConcurrent
	if n < 1 {
		n = 1
	}
	r := &Runner{
		cfg: cfg,
		mem: memory.NewGoAllocator(),
		sem: semaphore.NewWeighted(n),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run assembles one pass from reader. The returned error wraps the
// assembler sentinels when the pass itself is at fault.
func (r *Runner) Run(ctx context.Context, req client.RunRequest, reader BatchReader) (client.RunResult, error) {
	ctx, span := tracer.Start(ctx, "Run", trace.WithAttributes(attribute.String("source", req.Source)))
	defer span.End()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return client.RunResult{}, fmt.Errorf("failed to acquire pass slot: %w", err)
	}
	defer r.sem.Release(1)
	passesActive.Inc()
	defer passesActive.Dec()

	start := time.Now()
	res, err := r.run(ctx, req, reader)
	if err != nil {
		span.RecordError(err)
		passErrors.Inc()
		return client.RunResult{}, err
	}
	passDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

func (r *Runner) run(ctx context.Context, req client.RunRequest, reader BatchReader) (client.RunResult, error) {
	src, err := store.Open(req.Source, r.mem)
	if err != nil {
		return client.RunResult{}, fmt.Errorf("%w: %w", assembler.ErrConfig, err)
	}
	defer src.Close()

	var train tasks.AttrSource
	if r.cfg.TrainFile != "" {
		f, err := store.Open(r.cfg.TrainFile, r.mem)
		if err != nil {
			return client.RunResult{}, fmt.Errorf("%w: training file: %w", assembler.ErrConfig, err)
		}
		defer f.Close()
		train = f
	}

	ckpt, err := r.cfg.ResolveCheckpoint(req.Checkpoint)
	if err != nil {
		return client.RunResult{}, fmt.Errorf("%w: %w", assembler.ErrConfig, err)
	}
	meta := r.cfg.RunMetadata(ckpt, req.Source, req.Output, req.Sample)

	sess, err := assembler.Begin(meta, src, train, assembler.WithAllocator(r.mem))
	if err != nil {
		return client.RunResult{}, err
	}

	batches := 0
	for reader.Next() {
		b, err := batch.Decode(reader.Record())
		if err != nil {
			return client.RunResult{}, fmt.Errorf("%w: batch %d: %w", assembler.ErrDataConsistency, batches, err)
		}
		if err := sess.Accumulate(b); err != nil {
			return client.RunResult{}, err
		}
		batches++
	}
	if err := reader.Err(); err != nil {
		return client.RunResult{}, fmt.Errorf("failed to read batches: %w", err)
	}

	rs, err := sess.Finalize(ctx)
	if err != nil {
		return client.RunResult{}, err
	}
	defer rs.Release()

	res := client.RunResult{
		Session: sess.ID(),
		Output:  rs.Path,
		Jets:    sess.Jets(),
		Batches: batches,
	}

	if r.store != nil {
		key := storage.Key(r.prefix, rs.Path)
		if err := storage.Publish(ctx, r.store, rs.Path, key); err != nil {
			return client.RunResult{}, fmt.Errorf("failed to publish %s: %w", rs.Path, err)
		}
		res.Location = r.store.Location(key)
		log.Info().Str("session", sess.ID()).Str("location", res.Location).Msg("Published output file")
	}

	r.forward(ctx, sess.ID(), rs)
	return res, nil
}

// forward is best effort: the file is already written.
func (r *Runner) forward(ctx context.Context, session string, rs *assembler.RecordSet) {
	if r.fwd == nil {
		return
	}
	send := func() error { return r.fwd.Forward(ctx, r.dataset, rs) }
	var err error
	if r.breaker != nil {
		err = r.breaker.Do(send)
	} else {
		err = send()
	}
	if err != nil {
		forwardFailures.Inc()
		log.Warn().Err(err).Str("session", session).Str("dataset", r.dataset).Msg("Failed to forward output")
	}
}
