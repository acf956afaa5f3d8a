// Package assembler collects the per-batch outputs of an evaluation pass
// and writes them, post-processed and joined with source columns, to one
// output container.
//
// A Session is created by Begin, fed with Accumulate once per batch in
// dataset order, and closed by Finalize. Sessions are not safe for
// concurrent use; independent sessions share no state.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/records"
	"github.com/23skdu/longbow-salt/internal/store"
	"github.com/23skdu/longbow-salt/internal/tasks"
	"github.com/23skdu/longbow-salt/internal/tensor"
	"github.com/23skdu/longbow-salt/internal/vertex"
)

var (
	// ErrConfig marks a run that cannot start with the given metadata.
	ErrConfig = errors.New("configuration error")
	// ErrDataConsistency marks outputs that do not line up with the mask or
	// the source dataset.
	ErrDataConsistency = errors.New("data consistency error")
	// ErrFinalized is returned by any call after Finalize.
	ErrFinalized = errors.New("session already finalized")
)

// ValidColumn is the track block column flagging real tracks.
const ValidColumn = "valid"

var tracer = otel.Tracer("salt-assembler")

// RunMetadata describes one evaluation pass.
type RunMetadata struct {
	// Model prefixes jet probability columns.
	Model          string
	JetBlock       string
	TrackBlock     string
	JetVariables   []string
	TrackVariables []string
	Tasks          []tasks.Spec
	WriteTracks    bool
	HalfPrecision  bool
	Vertex         vertex.Policy
	// OutputPath overrides the name derived from Checkpoint.
	OutputPath string
	Checkpoint string
	// Sample overrides the sample name taken from the source file name.
	Sample string
}

// Source is the evaluation dataset. *store.File implements it.
type Source interface {
	Path() string
	Len() int
	Slots(block string) (int, error)
	Missing(block string, names []string) ([]string, error)
	Fields(block string, names []string, jets int) (arrow.RecordBatch, error)
}

// RecordSet is the content of a written output file.
type RecordSet struct {
	Path   string
	Jets   store.Block
	Tracks *store.Block
}

// Release drops the record set's references.
func (r *RecordSet) Release() {
	r.Jets.Record.Release()
	if r.Tracks != nil {
		r.Tracks.Record.Release()
	}
}

// Option configures a Session.
type Option func(*Session)

// WithAllocator sets the allocator for output records.
func WithAllocator(mem memory.Allocator) Option {
	return func(s *Session) { s.mem = mem }
}

// Session accumulates one evaluation pass.
type Session struct {
	id    string
	meta  RunMetadata
	src   Source
	mem   memory.Allocator
	tasks []tasks.Task
	path  string
	slots int

	masks     []*tensor.Mask
	outputs   map[string][]*tensor.Matrix
	jets      int
	finalized bool
}

// Begin validates meta against the source and training files and opens a
// session. Every configuration problem is reported here rather than at
// Finalize.
func Begin(meta RunMetadata, src Source, train tasks.AttrSource, opts ...Option) (*Session, error) {
	if meta.Vertex.Rule == "" {
		meta.Vertex = vertex.DefaultPolicy()
	}
	s := &Session{
		id:      uuid.New().String(),
		meta:    meta,
		src:     src,
		mem:     memory.DefaultAllocator,
		outputs: make(map[string][]*tensor.Matrix),
		slots:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}

	ts, err := tasks.Build(meta.Tasks, tasks.Env{
		Model:    meta.Model,
		JetBlock: meta.JetBlock,
		Train:    train,
		Vertex:   meta.Vertex,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	s.tasks = ts

	if err := s.checkColumns(); err != nil {
		return nil, err
	}
	if err := s.checkSource(); err != nil {
		return nil, err
	}

	s.path = meta.OutputPath
	if s.path == "" {
		if meta.Checkpoint == "" {
			return nil, fmt.Errorf("%w: no output path and no checkpoint", ErrConfig)
		}
		s.path = OutputPath(meta.Checkpoint, src.Path(), meta.Sample)
	}

	sessionsStarted.Inc()
	log.Info().
		Str("session", s.id).
		Str("source", src.Path()).
		Str("output", s.path).
		Int("tasks", len(s.tasks)).
		Msg("Evaluation session started")
	return s, nil
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Path returns the output path.
func (s *Session) Path() string { return s.path }

// Jets returns the number of jets accumulated so far.
func (s *Session) Jets() int { return s.jets }

func (s *Session) checkSource() error {
	missing, err := s.src.Missing(s.meta.JetBlock, s.jetSourceColumns())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: jet variables %v not in %s: %w", ErrConfig, missing, s.src.Path(), store.ErrMissingField)
	}
	if !s.meta.WriteTracks {
		return nil
	}
	missing, err = s.src.Missing(s.meta.TrackBlock, s.meta.TrackVariables)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: track variables %v not in %s: %w", ErrConfig, missing, s.src.Path(), store.ErrMissingField)
	}
	slots, err := s.src.Slots(s.meta.TrackBlock)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if slots == 0 {
		return fmt.Errorf("%w: block %q of %s has no track slots", ErrConfig, s.meta.TrackBlock, s.src.Path())
	}
	return nil
}

// jetSourceColumns lists the copied jet variables followed by any other
// jet column a task reads, without repeats.
func (s *Session) jetSourceColumns() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(s.meta.JetVariables)
	for _, t := range s.tasks {
		if r, ok := t.(tasks.SourceReader); ok {
			add(r.SourceColumns())
		}
	}
	return out
}

func onTracks(t tasks.Task) bool {
	return t.Level() != batch.LevelJet
}

func (s *Session) checkColumns() error {
	check := func(block string, names []string) error {
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			if seen[n] {
				return fmt.Errorf("%w: column %q written twice to block %q: %w", ErrConfig, n, block, records.ErrDuplicateColumn)
			}
			seen[n] = true
		}
		return nil
	}

	var jetCols, trackCols []string
	for _, t := range s.tasks {
		if onTracks(t) {
			trackCols = append(trackCols, t.Columns()...)
		} else {
			jetCols = append(jetCols, t.Columns()...)
		}
	}
	if err := check(s.meta.JetBlock, append(jetCols, s.meta.JetVariables...)); err != nil {
		return err
	}
	if !s.meta.WriteTracks {
		return nil
	}
	trackCols = append(trackCols, ValidColumn)
	return check(s.meta.TrackBlock, append(trackCols, s.meta.TrackVariables...))
}

// Accumulate appends one batch. Batches must arrive in dataset order.
func (s *Session) Accumulate(b batch.Batch) error {
	if s.finalized {
		return ErrFinalized
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: batch %d: %w", ErrDataConsistency, len(s.masks), err)
	}
	// Track outputs are packed into the first slots of each jet, and copied
	// track variables are not reordered.
	if !b.Mask.IsLeading() {
		return fmt.Errorf("%w: batch %d mask has padding before real tracks", ErrDataConsistency, len(s.masks))
	}
	_, slots := b.Mask.Dims()
	if s.slots >= 0 && slots != s.slots {
		return fmt.Errorf("%w: batch %d has %d track slots, earlier batches have %d", ErrDataConsistency, len(s.masks), slots, s.slots)
	}

	for _, t := range s.tasks {
		out, ok := b.Outputs[t.Name()]
		if !ok {
			return fmt.Errorf("%w: batch %d has no output for task %q", ErrDataConsistency, len(s.masks), t.Name())
		}
		if out.Level != t.Level() {
			return fmt.Errorf("%w: task %q output is %s level, expected %s", ErrDataConsistency, t.Name(), out.Level, t.Level())
		}
	}

	s.slots = slots
	for _, t := range s.tasks {
		s.outputs[t.Name()] = append(s.outputs[t.Name()], b.Outputs[t.Name()].Values)
	}
	s.masks = append(s.masks, b.Mask)
	s.jets += b.Jets()

	batchesAccumulated.Inc()
	jetsAccumulated.Add(float64(b.Jets()))
	tracksAccumulated.Add(float64(b.Mask.Valid()))
	return nil
}

// Finalize post-processes the pass and writes the output file. Buffers are
// released whether or not it succeeds, and the session cannot be reused.
// An existing file at the output path is replaced with a warning.
func (s *Session) Finalize(ctx context.Context) (*RecordSet, error) {
	if s.finalized {
		return nil, ErrFinalized
	}
	s.finalized = true
	defer func() {
		s.masks = nil
		s.outputs = nil
	}()

	_, span := tracer.Start(ctx, "Finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("session", s.id),
		attribute.Int("jets", s.jets),
		attribute.String("output", s.path),
	)

	start := time.Now()
	rs, err := s.finalize()
	if err != nil {
		span.RecordError(err)
		cause := "data"
		if errors.Is(err, ErrConfig) {
			cause = "config"
		} else if !errors.Is(err, ErrDataConsistency) {
			cause = "io"
		}
		finalizeErrors.WithLabelValues(cause).Inc()
		return nil, err
	}
	finalizeDuration.Observe(time.Since(start).Seconds())

	log.Info().
		Str("session", s.id).
		Str("path", rs.Path).
		Int("jets", s.jets).
		Dur("duration", time.Since(start)).
		Msg("Created output file")
	return rs, nil
}

func (s *Session) finalize() (*RecordSet, error) {
	if s.jets > s.src.Len() {
		return nil, fmt.Errorf("%w: %d jets predicted, source holds %d", ErrDataConsistency, s.jets, s.src.Len())
	}

	mask, err := s.passMask()
	if err != nil {
		return nil, err
	}

	jetInputs, err := s.src.Fields(s.meta.JetBlock, s.jetSourceColumns(), s.jets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defer jetInputs.Release()
	in := tasks.Inputs{Mem: s.mem, Mask: mask, Jets: jetInputs}

	var jetRecs, trackRecs []arrow.RecordBatch
	defer func() {
		for _, r := range jetRecs {
			r.Release()
		}
		for _, r := range trackRecs {
			r.Release()
		}
	}()

	for _, t := range s.tasks {
		if onTracks(t) && !s.meta.WriteTracks {
			continue
		}
		out, err := s.taskOutput(t)
		if err != nil {
			return nil, err
		}
		rec, err := t.Infer(in, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataConsistency, err)
		}
		if onTracks(t) {
			trackRecs = append(trackRecs, rec)
		} else {
			jetRecs = append(jetRecs, rec)
		}
	}

	jetVars, err := s.src.Fields(s.meta.JetBlock, s.meta.JetVariables, s.jets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	jetRecs = append(jetRecs, jetVars)
	jets, err := records.Join(jetRecs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	rs := &RecordSet{
		Path: s.path,
		Jets: store.Block{Name: s.meta.JetBlock, Record: jets, Attrs: s.attrs()},
	}
	if s.meta.WriteTracks {
		tracks, err := s.trackRecord(mask, trackRecs)
		if err != nil {
			rs.Release()
			return nil, err
		}
		_, slots := mask.Dims()
		attrs := s.attrs()
		attrs["max_tracks"] = strconv.Itoa(slots)
		rs.Tracks = &store.Block{Name: s.meta.TrackBlock, Record: tracks, Slots: slots, Attrs: attrs}
	}

	if err := s.write(rs); err != nil {
		rs.Release()
		return nil, err
	}
	return rs, nil
}

// passMask stacks the batch masks. A pass without batches has zero jets and
// the source's slot count.
func (s *Session) passMask() (*tensor.Mask, error) {
	if len(s.masks) == 0 {
		slots := 0
		if s.meta.WriteTracks {
			slots, _ = s.src.Slots(s.meta.TrackBlock)
		}
		return tensor.NewMask(0, slots, nil), nil
	}
	mask, err := tensor.ConcatMasks(s.masks...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataConsistency, err)
	}
	if s.meta.WriteTracks {
		want, err := s.src.Slots(s.meta.TrackBlock)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		if _, slots := mask.Dims(); slots != want {
			return nil, fmt.Errorf("%w: mask has %d track slots, block %q has %d", ErrDataConsistency, slots, s.meta.TrackBlock, want)
		}
	}
	return mask, nil
}

func (s *Session) taskOutput(t tasks.Task) (*tensor.Matrix, error) {
	parts := s.outputs[t.Name()]
	if len(parts) == 0 {
		cols := len(t.Columns())
		if t.Level() == batch.LevelPair {
			cols = 1
		}
		return tensor.NewMatrix(0, cols, nil), nil
	}
	out, err := tensor.Concat(parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: task %q: %w", ErrDataConsistency, t.Name(), err)
	}
	return out, nil
}

func (s *Session) trackRecord(mask *tensor.Mask, taskRecs []arrow.RecordBatch) (arrow.RecordBatch, error) {
	pad := mask.Leading()
	valid := make([]bool, len(pad))
	for i, p := range pad {
		valid[i] = !p
	}
	validRec := records.BoolColumn(s.mem, ValidColumn, valid)
	defer validRec.Release()

	vars, err := s.src.Fields(s.meta.TrackBlock, s.meta.TrackVariables, s.jets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defer vars.Release()

	parts := append(append([]arrow.RecordBatch{}, taskRecs...), validRec, vars)
	joined, err := records.Join(parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataConsistency, err)
	}
	if !s.meta.HalfPrecision {
		return joined, nil
	}
	defer joined.Release()
	return records.HalfPrecision(s.mem, joined), nil
}

func (s *Session) attrs() map[string]string {
	attrs := map[string]string{"source": filepath.Base(s.src.Path())}
	if s.meta.Model != "" {
		attrs["model"] = s.meta.Model
	}
	if s.meta.Checkpoint != "" {
		attrs["checkpoint"] = filepath.Base(s.meta.Checkpoint)
	}
	return attrs
}

func (s *Session) write(rs *RecordSet) error {
	if _, err := os.Stat(rs.Path); err == nil {
		outputOverwrites.Inc()
		log.Warn().
			Str("session", s.id).
			Str("path", rs.Path).
			Msg("Overwriting existing output file")
	}
	if err := os.MkdirAll(filepath.Dir(rs.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	blocks := []store.Block{rs.Jets}
	if rs.Tracks != nil {
		blocks = append(blocks, *rs.Tracks)
	}
	if err := store.Write(rs.Path, s.mem, blocks...); err != nil {
		return fmt.Errorf("failed to write %s: %w", rs.Path, err)
	}
	return nil
}
