package records

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-salt/internal/tensor"
)

func TestJoin(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	probs, err := FromMatrix(mem, tensor.NewMatrix(2, 3, []float32{0.1, 0.2, 0.7, 0.3, 0.3, 0.4}), []string{"pu", "pc", "pb"})
	require.NoError(t, err)
	defer probs.Release()

	ids := Int64Column(mem, "VertexIndex", []int64{0, 1})
	defer ids.Release()

	valid := BoolColumn(mem, "valid", []bool{true, false})
	defer valid.Release()

	t.Run("Column count law", func(t *testing.T) {
		joined, err := Join(probs, ids, valid)
		require.NoError(t, err)
		defer joined.Release()

		assert.Equal(t, probs.NumCols()+ids.NumCols()+valid.NumCols(), joined.NumCols())
		assert.Equal(t, int64(2), joined.NumRows())

		var names []string
		for _, f := range joined.Schema().Fields() {
			names = append(names, f.Name)
		}
		assert.Equal(t, []string{"pu", "pc", "pb", "VertexIndex", "valid"}, names)
		assert.Equal(t, float32(0.7), joined.Column(2).(*array.Float32).Value(0))
	})

	t.Run("Duplicate names", func(t *testing.T) {
		_, err := Join(ids, ids)
		assert.ErrorIs(t, err, ErrDuplicateColumn)
	})

	t.Run("Row mismatch", func(t *testing.T) {
		short := Int64Column(mem, "other", []int64{1})
		defer short.Release()
		_, err := Join(ids, short)
		assert.ErrorIs(t, err, ErrRowMismatch)
	})

	t.Run("Empty record keeps rows", func(t *testing.T) {
		e := Empty(2)
		defer e.Release()
		joined, err := Join(e, ids)
		require.NoError(t, err)
		defer joined.Release()
		assert.Equal(t, int64(1), joined.NumCols())
	})
}

func TestFromMatrixNames(t *testing.T) {
	_, err := FromMatrix(memory.NewGoAllocator(), tensor.NewMatrix(1, 2, nil), []string{"a"})
	assert.Error(t, err)
}

func TestHalfPrecision(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	probs, err := FromMatrix(mem, tensor.NewMatrix(2, 1, []float32{0.5, tensor.Sentinel}), []string{"p"})
	require.NoError(t, err)
	defer probs.Release()
	ids := Int64Column(mem, "id", []int64{4, 5})
	defer ids.Release()
	joined, err := Join(probs, ids)
	require.NoError(t, err)
	defer joined.Release()

	half := HalfPrecision(mem, joined)
	defer half.Release()

	assert.Equal(t, arrow.FLOAT16, half.Schema().Field(0).Type.ID())
	assert.Equal(t, arrow.INT64, half.Schema().Field(1).Type.ID())

	vals, err := Float64s(half.Column(0))
	require.NoError(t, err)
	assert.Equal(t, 0.5, vals[0])
	assert.Equal(t, float64(tensor.Sentinel), vals[1])
}

func TestFloat64s(t *testing.T) {
	mem := memory.NewGoAllocator()
	b := array.NewInt32Builder(mem)
	defer b.Release()
	b.AppendValues([]int32{1, -2}, nil)
	arr := b.NewArray()
	defer arr.Release()

	vals, err := Float64s(arr)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -2}, vals)

	sb := array.NewStringBuilder(mem)
	defer sb.Release()
	sb.Append("x")
	str := sb.NewArray()
	defer str.Release()
	_, err = Float64s(str)
	assert.Error(t, err)
}
