package batch

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-salt/internal/tensor"
)

func sampleBatch(t *testing.T) Batch {
	t.Helper()
	mask, err := tensor.MaskFromCounts(3, []int{2, 0, 3})
	require.NoError(t, err)

	jet := tensor.NewMatrix(3, 2, []float32{1, 2, 3, 4, 5, 6})
	track := tensor.NewMatrix(5, 1, []float32{10, 11, 30, 31, 32})
	pairs := make([]float32, 2+6)
	for i := range pairs {
		pairs[i] = float32(i)
	}
	return Batch{
		Mask: mask,
		Outputs: map[string]Output{
			"jets_classification": {Level: LevelJet, Values: jet},
			"track_origin":        {Level: LevelTrack, Values: track},
			"track_vertexing":     {Level: LevelPair, Values: tensor.NewMatrix(8, 1, pairs)},
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := sampleBatch(t)
	rec, err := NewEncoder(mem).Encode(in)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(3), rec.NumRows())
	assert.Equal(t, []string{MaskColumn, "jets_classification", "track_origin", "track_vertexing"},
		[]string{rec.ColumnName(0), rec.ColumnName(1), rec.ColumnName(2), rec.ColumnName(3)})

	out, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, in.Mask.Pad(), out.Mask.Pad())
	require.Len(t, out.Outputs, 3)
	for name, want := range in.Outputs {
		got := out.Outputs[name]
		assert.Equal(t, want.Level, got.Level, name)
		assert.Equal(t, want.Values.Data(), got.Values.Data(), name)
	}
}

func TestDecodeSliced(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec, err := NewEncoder(mem).Encode(sampleBatch(t))
	require.NoError(t, err)
	defer rec.Release()

	tail := rec.NewSlice(1, 3)
	defer tail.Release()

	out, err := Decode(tail)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Jets())
	assert.Equal(t, []int{0, 3}, out.Mask.Counts())
	assert.Equal(t, []float32{3, 4, 5, 6}, out.Outputs["jets_classification"].Values.Data())
	assert.Equal(t, []float32{30, 31, 32}, out.Outputs["track_origin"].Values.Data())
	assert.Equal(t, []float32{2, 3, 4, 5, 6, 7}, out.Outputs["track_vertexing"].Values.Data())
}

func TestValidate(t *testing.T) {
	b := sampleBatch(t)
	b.Outputs["track_origin"] = Output{Level: LevelTrack, Values: tensor.NewMatrix(4, 1, nil)}
	err := b.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrRaggedMismatch))

	b = sampleBatch(t)
	b.Outputs["track_vertexing"] = Output{Level: LevelPair, Values: tensor.NewMatrix(4, 2, nil)}
	assert.Error(t, b.Validate())

	assert.Error(t, Batch{}.Validate())
}

func TestDecodeRaggedMismatch(t *testing.T) {
	mem := memory.NewGoAllocator()

	maskB := array.NewFixedSizeListBuilder(mem, 2, arrow.FixedWidthTypes.Boolean)
	defer maskB.Release()
	mv := maskB.ValueBuilder().(*array.BooleanBuilder)
	maskB.Append(true)
	mv.AppendValues([]bool{false, true}, nil)
	mask := maskB.NewArray()
	defer mask.Release()

	trackB := array.NewListBuilder(mem, arrow.FixedSizeListOf(1, arrow.PrimitiveTypes.Float32))
	defer trackB.Release()
	rb := trackB.ValueBuilder().(*array.FixedSizeListBuilder)
	fb := rb.ValueBuilder().(*array.Float32Builder)
	trackB.Append(true)
	for _, v := range []float32{1, 2} {
		rb.Append(true)
		fb.Append(v)
	}
	track := trackB.NewArray()
	defer track.Release()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: MaskColumn, Type: mask.DataType()},
		{Name: "track_origin", Type: track.DataType()},
	}, nil)
	rec := array.NewRecordBatch(schema, []arrow.Array{mask, track}, 1)
	defer rec.Release()

	_, err := Decode(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrRaggedMismatch))
}

func TestDecodeMissingMask(t *testing.T) {
	mem := memory.NewGoAllocator()
	b := array.NewFloat32Builder(mem)
	defer b.Release()
	b.Append(1)
	arr := b.NewArray()
	defer arr.Release()

	rec := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Float32}}, nil),
		[]arrow.Array{arr}, 1)
	defer rec.Release()

	_, err := Decode(rec)
	assert.Error(t, err)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "jet", LevelJet.String())
	assert.Equal(t, "track", LevelTrack.String())
	assert.Equal(t, "pair", LevelPair.String())
	assert.Equal(t, "Level(7)", Level(7).String())
}
