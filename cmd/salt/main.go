package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/longbow-salt/internal/client"
	"github.com/23skdu/longbow-salt/internal/config"
	"github.com/23skdu/longbow-salt/internal/pipeline"
	"github.com/23skdu/longbow-salt/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file")
	envFile     = flag.String("env", ".env", "Path to .env file with SALT_ overrides")
	sourcePath  = flag.String("source", "", "Evaluation dataset (container file)")
	trainPath   = flag.String("train", "", "Training dataset holding class name attributes")
	predictions = flag.String("predictions", "", "Arrow IPC stream of encoded prediction batches")
	ckptPath    = flag.String("ckpt", "", "Checkpoint path; default is the best checkpoint next to the config")
	outPath     = flag.String("out", "", "Output path; default is derived from the checkpoint")
	sampleName  = flag.String("sample", "", "Sample name used in the output file name")
	serverAddr  = flag.String("server", "", "Send the pass to a salt Flight server instead of writing locally")
	listenAddr  = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr  = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	forwardAddr = flag.String("forward", "", "Flight server receiving finished outputs")
	datasetName = flag.String("dataset", "salt_outputs", "Dataset name used when forwarding outputs")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *trainPath != "" {
		cfg.TrainFile = *trainPath
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *flightAddr != "" {
		cfg.Server.Flight = *flightAddr
	}
	if *forwardAddr != "" {
		cfg.Server.Forward = *forwardAddr
	}

	ctx := context.Background()

	if *serverAddr != "" {
		if err := sendPass(ctx, *serverAddr); err != nil {
			log.Fatal().Err(err).Msg("Remote pass failed")
		}
		return
	}

	runner, closeRunner, err := newRunner(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up runner")
	}
	defer closeRunner()

	if cfg.Server.Listen != "" || cfg.Server.Flight != "" {
		if cfg.Server.Listen != "" {
			go startServer(cfg.Server.Listen, runner)
		}
		if cfg.Server.Flight != "" {
			StartFlightServer(cfg.Server.Flight, runner)
			return
		}
		select {}
	}

	if err := runFile(ctx, runner); err != nil {
		log.Fatal().Err(err).Msg("Evaluation pass failed")
	}
}

// newRunner wires the optional object store and forwarding client from cfg.
func newRunner(ctx context.Context, cfg *config.Config) (*pipeline.Runner, func(), error) {
	opts := []pipeline.Option{pipeline.WithAllocator(memory.NewGoAllocator())}
	closer := func() {}

	switch {
	case cfg.Output.S3.Bucket != "":
		s3, err := storage.NewS3ObjectStore(ctx, cfg.Output.S3)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithObjectStore(s3, cfg.Output.S3.Prefix))
		log.Info().Str("bucket", cfg.Output.S3.Bucket).Msg("Publishing outputs to S3")
	case cfg.Output.Local != "":
		local, err := storage.NewLocalObjectStore(cfg.Output.Local)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithObjectStore(local, ""))
	}

	if cfg.Server.Forward != "" {
		fc, err := client.NewFlightClient(cfg.Server.Forward)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create flight client: %w", err)
		}
		log.Info().Str("addr", cfg.Server.Forward).Str("dataset", *datasetName).Msg("Forwarding outputs to Flight server")
		opts = append(opts, pipeline.WithForwarder(fc, *datasetName, client.NewCircuitBreaker(3, 30*time.Second)))
		closer = func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}
	}
	return pipeline.NewRunner(cfg, opts...), closer, nil
}

// progressReader advances a progress bar once per batch.
type progressReader struct {
	*ipc.Reader
	bar *progressbar.ProgressBar
}

func (r *progressReader) Next() bool {
	if !r.Reader.Next() {
		return false
	}
	_ = r.bar.Add(1)
	return true
}

func openPredictions() (*ipc.Reader, func(), error) {
	if *predictions == "" {
		return nil, nil, fmt.Errorf("-predictions is required")
	}
	f, err := os.Open(*predictions)
	if err != nil {
		return nil, nil, err
	}
	reader, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to read %s: %w", *predictions, err)
	}
	return reader, func() {
		reader.Release()
		f.Close()
	}, nil
}

func runFile(ctx context.Context, runner *pipeline.Runner) error {
	if *sourcePath == "" {
		return fmt.Errorf("-source is required")
	}
	reader, closeReader, err := openPredictions()
	if err != nil {
		return err
	}
	defer closeReader()

	bar := progressbar.Default(-1, "accumulating batches")
	defer bar.Close()

	res, err := runner.Run(ctx, client.RunRequest{
		Source:     *sourcePath,
		Checkpoint: *ckptPath,
		Output:     *outPath,
		Sample:     *sampleName,
	}, &progressReader{Reader: reader, bar: bar})
	if err != nil {
		return err
	}
	_ = bar.Finish()

	log.Info().
		Str("output", res.Output).
		Str("location", res.Location).
		Int("jets", res.Jets).
		Int("batches", res.Batches).
		Msg("Evaluation pass complete")
	return nil
}

// sendPass streams the predictions to a remote salt server.
func sendPass(ctx context.Context, addr string) error {
	if *sourcePath == "" {
		return fmt.Errorf("-source is required")
	}
	reader, closeReader, err := openPredictions()
	if err != nil {
		return err
	}
	defer closeReader()

	var batches []arrow.RecordBatch
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		batches = append(batches, rec)
	}
	if err := reader.Err(); err != nil {
		return err
	}

	fc, err := client.NewFlightClient(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	log.Info().Int("batches", len(batches)).Str("server", addr).Msg("Sending pass to salt server")
	res, err := fc.SendPass(ctx, client.RunRequest{
		Source:     *sourcePath,
		Checkpoint: *ckptPath,
		Output:     *outPath,
		Sample:     *sampleName,
	}, batches)
	if err != nil {
		return err
	}
	log.Info().
		Str("session", res.Session).
		Str("output", res.Output).
		Int("jets", res.Jets).
		Msg("Remote pass complete")
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("salt"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
