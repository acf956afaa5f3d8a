// Package records builds and combines Arrow record batches that hold one
// column per output variable.
package records

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-salt/internal/tensor"
)

var (
	ErrDuplicateColumn = errors.New("duplicate column name")
	ErrRowMismatch     = errors.New("record row counts differ")
)

// Join concatenates record batches column-wise. Columns keep their input
// order: all columns of the first record, then the second, and so on.
// The result holds its own references; inputs are not released.
func Join(recs ...arrow.RecordBatch) (arrow.RecordBatch, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("join: no records")
	}
	rows := recs[0].NumRows()
	seen := make(map[string]int)
	var fields []arrow.Field
	var cols []arrow.Array
	for i, rec := range recs {
		if rec.NumRows() != rows {
			return nil, fmt.Errorf("%w: record %d has %d rows, expected %d", ErrRowMismatch, i, rec.NumRows(), rows)
		}
		for j, f := range rec.Schema().Fields() {
			if prev, ok := seen[f.Name]; ok {
				return nil, fmt.Errorf("%w: %q in records %d and %d", ErrDuplicateColumn, f.Name, prev, i)
			}
			seen[f.Name] = i
			fields = append(fields, f)
			cols = append(cols, rec.Column(j))
		}
	}
	return array.NewRecordBatch(arrow.NewSchema(fields, nil), cols, rows), nil
}

// Empty returns a record with rows rows and no columns.
func Empty(rows int64) arrow.RecordBatch {
	return array.NewRecordBatch(arrow.NewSchema(nil, nil), nil, rows)
}

// FromMatrix turns each matrix column into a float32 column named after
// names, in order.
func FromMatrix(mem memory.Allocator, m *tensor.Matrix, names []string) (arrow.RecordBatch, error) {
	rows, cols := m.Dims()
	if len(names) != cols {
		return nil, fmt.Errorf("matrix has %d columns but %d names were given", cols, len(names))
	}

	fields := make([]arrow.Field, cols)
	arrs := make([]arrow.Array, cols)
	b := array.NewFloat32Builder(mem)
	defer b.Release()
	for j, name := range names {
		b.AppendValues(m.Col(j), nil)
		arrs[j] = b.NewArray()
		defer arrs[j].Release()
		fields[j] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float32}
	}
	return array.NewRecordBatch(arrow.NewSchema(fields, nil), arrs, int64(rows)), nil
}

// Int64Column builds a single-column record.
func Int64Column(mem memory.Allocator, name string, values []int64) arrow.RecordBatch {
	b := array.NewInt64Builder(mem)
	defer b.Release()
	b.AppendValues(values, nil)
	arr := b.NewArray()
	defer arr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: arrow.PrimitiveTypes.Int64}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{arr}, int64(len(values)))
}

// BoolColumn builds a single-column record.
func BoolColumn(mem memory.Allocator, name string, values []bool) arrow.RecordBatch {
	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	b.AppendValues(values, nil)
	arr := b.NewArray()
	defer arr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: arrow.FixedWidthTypes.Boolean}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{arr}, int64(len(values)))
}

// HalfPrecision converts every float32 column to float16. Other columns are
// shared with the input.
func HalfPrecision(mem memory.Allocator, rec arrow.RecordBatch) arrow.RecordBatch {
	fields := make([]arrow.Field, rec.NumCols())
	cols := make([]arrow.Array, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		col := rec.Column(i)
		if f.Type.ID() != arrow.FLOAT32 {
			fields[i] = f
			cols[i] = col
			continue
		}

		src := col.(*array.Float32)
		b := array.NewFloat16Builder(mem)
		b.Reserve(src.Len())
		for j := 0; j < src.Len(); j++ {
			if src.IsNull(j) {
				b.AppendNull()
				continue
			}
			b.Append(float16.New(src.Value(j)))
		}
		arr := b.NewArray()
		b.Release()
		defer arr.Release()

		fields[i] = arrow.Field{Name: f.Name, Type: arrow.FixedWidthTypes.Float16, Nullable: f.Nullable, Metadata: f.Metadata}
		cols[i] = arr
	}
	return array.NewRecordBatch(arrow.NewSchema(fields, nil), cols, rec.NumRows())
}

// Float64s reads a numeric column as float64.
func Float64s(arr arrow.Array) ([]float64, error) {
	out := make([]float64, arr.Len())
	switch a := arr.(type) {
	case *array.Float16:
		for i := range out {
			out[i] = float64(a.Value(i).Float32())
		}
	case *array.Float32:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Float64:
		copy(out, a.Float64Values())
	case *array.Int8:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Int16:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Int32:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Int64:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Uint8:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Uint16:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Uint32:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	case *array.Uint64:
		for i := range out {
			out[i] = float64(a.Value(i))
		}
	default:
		return nil, fmt.Errorf("column of type %s is not numeric", arr.DataType())
	}
	return out, nil
}
