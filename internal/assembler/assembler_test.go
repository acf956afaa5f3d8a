package assembler

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/records"
	"github.com/23skdu/longbow-salt/internal/store"
	"github.com/23skdu/longbow-salt/internal/tasks"
	"github.com/23skdu/longbow-salt/internal/tensor"
)

const slots = 3

func writeSource(t *testing.T, dir string) string {
	t.Helper()
	mem := memory.NewGoAllocator()

	fb := array.NewFloat32Builder(mem)
	defer fb.Release()
	fb.AppendValues([]float32{25, 50, 75, 100}, nil)
	pt := fb.NewArray()
	defer pt.Release()

	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	ib.AppendValues([]int64{5, 4, 0, 5}, nil)
	label := ib.NewArray()
	defer label.Release()

	jets := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{
		{Name: "pt", Type: arrow.PrimitiveTypes.Float32},
		{Name: "HadronConeExclTruthLabelID", Type: arrow.PrimitiveTypes.Int64},
	}, nil), []arrow.Array{pt, label}, 4)
	defer jets.Release()

	d0 := make([]float32, 4*slots)
	for i := range d0 {
		d0[i] = float32(i)
	}
	fb.AppendValues(d0, nil)
	d0Arr := fb.NewArray()
	defer d0Arr.Release()
	tracks := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{
		{Name: "d0", Type: arrow.PrimitiveTypes.Float32},
	}, nil), []arrow.Array{d0Arr}, 4*slots)
	defer tracks.Release()

	path := filepath.Join(dir, "user.abc_mc20_ttbar_output.arrow")
	require.NoError(t, store.Write(path, mem,
		store.Block{Name: "jets", Record: jets, Attrs: map[string]string{"flavour_label": "bjets,cjets,ujets"}},
		store.Block{Name: "tracks", Record: tracks, Slots: slots},
	))
	return path
}

func openSource(t *testing.T, path string) *store.File {
	t.Helper()
	f, err := store.Open(path, memory.NewGoAllocator())
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func testMeta(dir string) RunMetadata {
	return RunMetadata{
		Model:          "salt",
		JetBlock:       "jets",
		TrackBlock:     "tracks",
		JetVariables:   []string{"pt", "HadronConeExclTruthLabelID"},
		TrackVariables: []string{"d0"},
		Tasks: []tasks.Spec{
			{Name: "jets_classification", Kind: tasks.KindClassification, Label: "flavour_label"},
			{Name: "track_origin", Kind: tasks.KindClassification, Input: tasks.InputTrack, ClassNames: []string{"Pileup", "Primary"}},
			{Name: "track_vertexing", Kind: tasks.KindVertexing},
		},
		WriteTracks: true,
		Checkpoint:  filepath.Join(dir, "ckpts", "epoch=1-val_loss=0.5.ckpt"),
	}
}

// makeBatch builds predictions for jets with the given valid track counts.
// Every pair of tracks in a jet is predicted to match.
func makeBatch(t *testing.T, counts []int) batch.Batch {
	t.Helper()
	mask, err := tensor.MaskFromCounts(slots, counts)
	require.NoError(t, err)
	jets := len(counts)
	return batch.Batch{
		Mask: mask,
		Outputs: map[string]batch.Output{
			"jets_classification": {Level: batch.LevelJet, Values: tensor.NewMatrix(jets, 3, nil)},
			"track_origin":        {Level: batch.LevelTrack, Values: tensor.NewMatrix(mask.Valid(), 2, nil)},
			"track_vertexing":     {Level: batch.LevelPair, Values: tensor.Filled(mask.Pairs(), 1, 4)},
		},
	}
}

func run(t *testing.T, meta RunMetadata, src Source, batches ...batch.Batch) *RecordSet {
	t.Helper()
	s, err := Begin(meta, src, src.(tasks.AttrSource))
	require.NoError(t, err)
	for _, b := range batches {
		require.NoError(t, s.Accumulate(b))
	}
	rs, err := s.Finalize(context.Background())
	require.NoError(t, err)
	return rs
}

func column(t *testing.T, rec arrow.RecordBatch, name string) arrow.Array {
	t.Helper()
	idx := rec.Schema().FieldIndices(name)
	require.Len(t, idx, 1, name)
	return rec.Column(idx[0])
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := openSource(t, writeSource(t, dir))
	meta := testMeta(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(meta.Checkpoint), 0o755))

	rs := run(t, meta, src, makeBatch(t, []int{2, 0}), makeBatch(t, []int{3}))
	defer rs.Release()

	assert.Equal(t, filepath.Join(dir, "ckpts", "epoch=1-val_loss=0.5__test_ttbar.arrow"), rs.Path)

	out := openSource(t, rs.Path)
	assert.Equal(t, 3, out.Len())

	jetCols, err := out.Columns("jets")
	require.NoError(t, err)
	assert.Equal(t, []string{"salt_pb", "salt_pc", "salt_pu", "pt", "HadronConeExclTruthLabelID"}, jetCols)

	jets, err := out.Fields("jets", jetCols, 3)
	require.NoError(t, err)
	defer jets.Release()
	assert.InDelta(t, 1.0/3, column(t, jets, "salt_pb").(*array.Float32).Value(0), 1e-6)
	assert.Equal(t, []float32{25, 50, 75}, column(t, jets, "pt").(*array.Float32).Float32Values())
	assert.Equal(t, []int64{5, 4, 0}, column(t, jets, "HadronConeExclTruthLabelID").(*array.Int64).Int64Values())

	trackCols, err := out.Columns("tracks")
	require.NoError(t, err)
	assert.Equal(t, []string{"Pileup", "Primary", tasks.VertexColumn, ValidColumn, "d0"}, trackCols)
	slotsOut, err := out.Slots("tracks")
	require.NoError(t, err)
	assert.Equal(t, slots, slotsOut)
	maxTracks, ok := out.Attr("tracks", "max_tracks")
	assert.True(t, ok)
	assert.Equal(t, "3", maxTracks)

	tracks, err := out.Fields("tracks", trackCols, 3)
	require.NoError(t, err)
	defer tracks.Release()
	require.Equal(t, int64(9), tracks.NumRows())

	valid := column(t, tracks, ValidColumn).(*array.Boolean)
	wantValid := []bool{true, true, false, false, false, false, true, true, true}
	for i, want := range wantValid {
		assert.Equal(t, want, valid.Value(i), "slot %d", i)
	}

	assert.Equal(t, []int64{0, 0, -1, -1, -1, -1, 0, 0, 0},
		column(t, tracks, tasks.VertexColumn).(*array.Int64).Int64Values())

	probs := column(t, tracks, "Pileup").(*array.Float32).Float32Values()
	for i, want := range wantValid {
		if want {
			assert.InDelta(t, 0.5, probs[i], 1e-6, "slot %d", i)
		} else {
			assert.True(t, math.IsInf(float64(probs[i]), -1), "slot %d", i)
		}
	}
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8}, column(t, tracks, "d0").(*array.Float32).Float32Values())
}

func TestHalfPrecision(t *testing.T) {
	dir := t.TempDir()
	src := openSource(t, writeSource(t, dir))
	meta := testMeta(dir)
	meta.HalfPrecision = true
	meta.OutputPath = filepath.Join(dir, "half.arrow")

	rs := run(t, meta, src, makeBatch(t, []int{1, 3}))
	defer rs.Release()

	schema := rs.Tracks.Record.Schema()
	for _, name := range []string{"Pileup", "Primary", "d0"} {
		f, ok := schema.FieldsByName(name)
		require.True(t, ok)
		assert.Equal(t, arrow.FLOAT16, f[0].Type.ID(), name)
	}
	f, _ := schema.FieldsByName(tasks.VertexColumn)
	assert.Equal(t, arrow.INT64, f[0].Type.ID())
	f, _ = rs.Jets.Record.Schema().FieldsByName("salt_pb")
	assert.Equal(t, arrow.FLOAT32, f[0].Type.ID())
}

func overwrites(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, outputOverwrites.Write(&m))
	return m.GetCounter().GetValue()
}

func jetProbs(t *testing.T, path string) []float32 {
	t.Helper()
	f, err := store.Open(path, memory.NewGoAllocator())
	require.NoError(t, err)
	defer f.Close()
	rec, err := f.Fields("jets", []string{"salt_pb"}, f.Len())
	require.NoError(t, err)
	defer rec.Release()
	return append([]float32(nil), rec.Column(0).(*array.Float32).Float32Values()...)
}

func TestIdempotentOutputs(t *testing.T) {
	dir := t.TempDir()
	src := openSource(t, writeSource(t, dir))

	meta := testMeta(dir)
	meta.OutputPath = filepath.Join(dir, "a", "preds.arrow")
	run(t, meta, src, makeBatch(t, []int{2, 0}), makeBatch(t, []int{3})).Release()

	other := testMeta(dir)
	other.OutputPath = filepath.Join(dir, "b", "preds.arrow")
	run(t, other, src, makeBatch(t, []int{2, 0}), makeBatch(t, []int{3})).Release()

	first, err := os.ReadFile(meta.OutputPath)
	require.NoError(t, err)
	second, err := os.ReadFile(other.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOverwrite(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	dir := t.TempDir()
	src := openSource(t, writeSource(t, dir))
	meta := testMeta(dir)
	meta.OutputPath = filepath.Join(dir, "out", "preds.arrow")

	run(t, meta, src, makeBatch(t, []int{2, 0, 3})).Release()
	assert.NotContains(t, buf.String(), "Overwriting")
	for _, p := range jetProbs(t, meta.OutputPath) {
		assert.InDelta(t, 1.0/3, p, 1e-6)
	}

	// The second run is shorter and favours the b class for its first jet.
	before := overwrites(t)
	b := makeBatch(t, []int{1, 1})
	b.Outputs["jets_classification"] = batch.Output{
		Level:  batch.LevelJet,
		Values: tensor.NewMatrix(2, 3, []float32{20, 0, 0, 0, 20, 0}),
	}
	run(t, meta, src, b).Release()

	probs := jetProbs(t, meta.OutputPath)
	require.Len(t, probs, 2)
	assert.InDelta(t, 1.0, probs[0], 1e-6)
	assert.InDelta(t, 0.0, probs[1], 1e-6)
	assert.Contains(t, buf.String(), "Overwriting existing output file")
	assert.Equal(t, before+1, overwrites(t))

	leftovers, err := filepath.Glob(filepath.Join(dir, "out", ".*tmp*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestBeginValidation(t *testing.T) {
	dir := t.TempDir()
	src := openSource(t, writeSource(t, dir))

	t.Run("missing jet variable", func(t *testing.T) {
		meta := testMeta(dir)
		meta.JetVariables = append(meta.JetVariables, "mass")
		_, err := Begin(meta, src, src)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfig))
		assert.True(t, errors.Is(err, store.ErrMissingField))
	})

	t.Run("missing track variable", func(t *testing.T) {
		meta := testMeta(dir)
		meta.TrackVariables = []string{"z0"}
		_, err := Begin(meta, src, src)
		assert.True(t, errors.Is(err, ErrConfig))
	})

	t.Run("track variables ignored without tracks", func(t *testing.T) {
		meta := testMeta(dir)
		meta.TrackVariables = []string{"z0"}
		meta.WriteTracks = false
		_, err := Begin(meta, src, src)
		assert.NoError(t, err)
	})

	t.Run("missing denominator", func(t *testing.T) {
		meta := testMeta(dir)
		meta.Tasks = append(meta.Tasks, tasks.Spec{Name: "regression", Kind: tasks.KindRegression,
			Targets: []string{"pt"}, TargetDenominators: []string{"pt_calo"}})
		_, err := Begin(meta, src, src)
		assert.True(t, errors.Is(err, ErrConfig))
	})

	t.Run("column collision", func(t *testing.T) {
		meta := testMeta(dir)
		meta.JetVariables = []string{"pt", "salt_pb"}
		_, err := Begin(meta, src, src)
		assert.True(t, errors.Is(err, ErrConfig))
		assert.True(t, errors.Is(err, records.ErrDuplicateColumn))
	})

	t.Run("unresolved class names", func(t *testing.T) {
		meta := testMeta(dir)
		meta.Tasks[0].Label = "mystery_label"
		_, err := Begin(meta, src, src)
		assert.True(t, errors.Is(err, ErrConfig))
	})

	t.Run("no output location", func(t *testing.T) {
		meta := testMeta(dir)
		meta.Checkpoint = ""
		_, err := Begin(meta, src, src)
		assert.True(t, errors.Is(err, ErrConfig))
	})
}

func TestNoJetClassification(t *testing.T) {
	dir := t.TempDir()
	src := openSource(t, writeSource(t, dir))
	meta := testMeta(dir)
	meta.OutputPath = filepath.Join(dir, "reg.arrow")
	meta.WriteTracks = false
	meta.Tasks = []tasks.Spec{{Name: "regression", Kind: tasks.KindRegression,
		Targets: []string{"pt"}, TargetDenominators: []string{"pt"}}}

	mask, err := tensor.MaskFromCounts(slots, []int{1, 2})
	require.NoError(t, err)
	b := batch.Batch{Mask: mask, Outputs: map[string]batch.Output{
		"regression": {Level: batch.LevelJet, Values: tensor.NewMatrix(2, 1, []float32{2, 0.5})},
	}}

	rs := run(t, meta, src, b)
	defer rs.Release()
	assert.Nil(t, rs.Tracks)

	rec := rs.Jets.Record
	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, "regression_pt", rec.ColumnName(0))
	assert.Equal(t, []float32{50, 25}, rec.Column(0).(*array.Float32).Float32Values())
}

func TestSessionErrors(t *testing.T) {
	dir := t.TempDir()
	src := openSource(t, writeSource(t, dir))
	meta := testMeta(dir)
	meta.OutputPath = filepath.Join(dir, "errors.arrow")

	t.Run("finalize twice", func(t *testing.T) {
		s, err := Begin(meta, src, src)
		require.NoError(t, err)
		require.NoError(t, s.Accumulate(makeBatch(t, []int{1})))
		rs, err := s.Finalize(context.Background())
		require.NoError(t, err)
		rs.Release()

		_, err = s.Finalize(context.Background())
		assert.True(t, errors.Is(err, ErrFinalized))
		assert.True(t, errors.Is(s.Accumulate(makeBatch(t, []int{1})), ErrFinalized))
	})

	t.Run("missing task output", func(t *testing.T) {
		s, err := Begin(meta, src, src)
		require.NoError(t, err)
		b := makeBatch(t, []int{1})
		delete(b.Outputs, "track_vertexing")
		assert.True(t, errors.Is(s.Accumulate(b), ErrDataConsistency))
	})

	t.Run("ragged mismatch", func(t *testing.T) {
		s, err := Begin(meta, src, src)
		require.NoError(t, err)
		b := makeBatch(t, []int{2, 0, 3})
		b.Outputs["track_origin"] = batch.Output{Level: batch.LevelTrack, Values: tensor.NewMatrix(4, 2, nil)}
		err = s.Accumulate(b)
		assert.True(t, errors.Is(err, ErrDataConsistency))
		assert.True(t, errors.Is(err, tensor.ErrRaggedMismatch))
	})

	t.Run("padding before real tracks", func(t *testing.T) {
		s, err := Begin(meta, src, src)
		require.NoError(t, err)
		mask := tensor.NewMask(1, slots, []bool{false, true, false})
		b := batch.Batch{
			Mask: mask,
			Outputs: map[string]batch.Output{
				"jets_classification": {Level: batch.LevelJet, Values: tensor.NewMatrix(1, 3, nil)},
				"track_origin":        {Level: batch.LevelTrack, Values: tensor.NewMatrix(2, 2, nil)},
				"track_vertexing":     {Level: batch.LevelPair, Values: tensor.Filled(2, 1, 4)},
			},
		}
		require.NoError(t, b.Validate())
		err = s.Accumulate(b)
		assert.True(t, errors.Is(err, ErrDataConsistency))
		assert.Equal(t, 0, s.Jets())
	})

	t.Run("wrong level", func(t *testing.T) {
		s, err := Begin(meta, src, src)
		require.NoError(t, err)
		b := makeBatch(t, []int{1})
		b.Outputs["jets_classification"] = batch.Output{Level: batch.LevelTrack, Values: tensor.NewMatrix(1, 3, nil)}
		assert.True(t, errors.Is(s.Accumulate(b), ErrDataConsistency))
	})

	t.Run("more jets than source", func(t *testing.T) {
		s, err := Begin(meta, src, src)
		require.NoError(t, err)
		require.NoError(t, s.Accumulate(makeBatch(t, []int{1, 1, 1})))
		require.NoError(t, s.Accumulate(makeBatch(t, []int{1, 1})))
		_, err = s.Finalize(context.Background())
		assert.True(t, errors.Is(err, ErrDataConsistency))
	})

	t.Run("empty pass", func(t *testing.T) {
		s, err := Begin(meta, src, src)
		require.NoError(t, err)
		rs, err := s.Finalize(context.Background())
		require.NoError(t, err)
		defer rs.Release()
		assert.Equal(t, int64(0), rs.Jets.Record.NumRows())
		assert.Equal(t, int64(0), rs.Tracks.Record.NumRows())
	})
}
