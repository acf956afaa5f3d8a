package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-salt/internal/tensor"
)

// Encoder creates Arrow record batches from evaluation batches.
type Encoder struct {
	mem memory.Allocator
}

// NewEncoder creates a new encoder.
func NewEncoder(mem memory.Allocator) *Encoder {
	return &Encoder{mem: mem}
}

// Encode converts b into its wire form. Task columns follow the mask column
// in sorted name order.
func (e *Encoder) Encode(b Batch) (arrow.RecordBatch, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	jets, slots := b.Mask.Dims()
	counts := b.Mask.Counts()

	fields := []arrow.Field{{Name: MaskColumn, Type: arrow.FixedSizeListOf(int32(slots), arrow.FixedWidthTypes.Boolean)}}
	cols := []arrow.Array{e.encodeMask(b.Mask)}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, name := range b.Names() {
		out := b.Outputs[name]
		var arr arrow.Array
		switch out.Level {
		case LevelJet:
			arr = e.encodeJet(out.Values)
		case LevelTrack:
			arr = e.encodeTrack(out.Values, counts)
		case LevelPair:
			pairs := make([]int, len(counts))
			for i, k := range counts {
				pairs[i] = k * (k - 1)
			}
			arr = e.encodePair(out.Values, pairs)
		}
		fields = append(fields, arrow.Field{Name: name, Type: arr.DataType()})
		cols = append(cols, arr)
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecordBatch(schema, cols, int64(jets)), nil
}

func (e *Encoder) encodeMask(m *tensor.Mask) arrow.Array {
	jets, slots := m.Dims()
	lb := array.NewFixedSizeListBuilder(e.mem, int32(slots), arrow.FixedWidthTypes.Boolean)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.BooleanBuilder)
	pad := m.Pad()
	for i := 0; i < jets; i++ {
		lb.Append(true)
		vb.AppendValues(pad[i*slots:(i+1)*slots], nil)
	}
	return lb.NewArray()
}

func (e *Encoder) encodeJet(m *tensor.Matrix) arrow.Array {
	rows, cols := m.Dims()
	lb := array.NewFixedSizeListBuilder(e.mem, int32(cols), arrow.PrimitiveTypes.Float32)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for r := 0; r < rows; r++ {
		lb.Append(true)
		vb.AppendValues(m.Row(r), nil)
	}
	return lb.NewArray()
}

func (e *Encoder) encodeTrack(m *tensor.Matrix, counts []int) arrow.Array {
	_, cols := m.Dims()
	lb := array.NewListBuilder(e.mem, arrow.FixedSizeListOf(int32(cols), arrow.PrimitiveTypes.Float32))
	defer lb.Release()
	rb := lb.ValueBuilder().(*array.FixedSizeListBuilder)
	vb := rb.ValueBuilder().(*array.Float32Builder)
	r := 0
	for _, k := range counts {
		lb.Append(true)
		for j := 0; j < k; j++ {
			rb.Append(true)
			vb.AppendValues(m.Row(r), nil)
			r++
		}
	}
	return lb.NewArray()
}

func (e *Encoder) encodePair(m *tensor.Matrix, pairs []int) arrow.Array {
	lb := array.NewListBuilder(e.mem, arrow.PrimitiveTypes.Float32)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Float32Builder)
	data := m.Data()
	off := 0
	for _, n := range pairs {
		lb.Append(true)
		vb.AppendValues(data[off:off+n], nil)
		off += n
	}
	return lb.NewArray()
}

// Decode reads a batch from its wire form. The level of each task column is
// inferred from its type, and per-jet row counts are checked against the mask.
func Decode(rec arrow.RecordBatch) (Batch, error) {
	schema := rec.Schema()
	idx := schema.FieldIndices(MaskColumn)
	if len(idx) != 1 {
		return Batch{}, fmt.Errorf("decode batch: expected one %q column, found %d", MaskColumn, len(idx))
	}
	mask, err := decodeMask(rec.Column(idx[0]))
	if err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}

	b := Batch{Mask: mask, Outputs: make(map[string]Output, int(rec.NumCols())-1)}
	for i, f := range schema.Fields() {
		if i == idx[0] {
			continue
		}
		if _, dup := b.Outputs[f.Name]; dup {
			return Batch{}, fmt.Errorf("decode batch: duplicate task column %q", f.Name)
		}
		out, err := decodeOutput(rec.Column(i), mask)
		if err != nil {
			return Batch{}, fmt.Errorf("decode batch: task %q: %w", f.Name, err)
		}
		b.Outputs[f.Name] = out
	}
	return b, nil
}

func decodeMask(col arrow.Array) (*tensor.Mask, error) {
	fsl, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("mask column has type %s", col.DataType())
	}
	vals, ok := fsl.ListValues().(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("mask values have type %s", fsl.ListValues().DataType())
	}
	slots := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	jets := fsl.Len()
	pad := make([]bool, jets*slots)
	base := fsl.Offset() * slots
	for i := range pad {
		pad[i] = vals.Value(base + i)
	}
	return tensor.NewMask(jets, slots, pad), nil
}

func decodeOutput(col arrow.Array, mask *tensor.Mask) (Output, error) {
	jets, _ := mask.Dims()
	if col.Len() != jets {
		return Output{}, fmt.Errorf("%d rows for %d jets", col.Len(), jets)
	}

	switch arr := col.(type) {
	case *array.FixedSizeList:
		vals, width, err := fixedFloats(arr)
		if err != nil {
			return Output{}, err
		}
		data := vals[arr.Offset()*width : (arr.Offset()+arr.Len())*width]
		return Output{Level: LevelJet, Values: tensor.NewMatrix(jets, width, data)}, nil

	case *array.List:
		switch inner := arr.ListValues().(type) {
		case *array.FixedSizeList:
			vals, width, err := fixedFloats(inner)
			if err != nil {
				return Output{}, err
			}
			data := make([]float32, 0, mask.Valid()*width)
			for i := 0; i < jets; i++ {
				start, end := arr.ValueOffsets(i)
				if k := mask.ValidCount(i); int(end-start) != k {
					return Output{}, fmt.Errorf("jet %d has %d track rows, mask has %d valid tracks: %w",
						i, end-start, k, tensor.ErrRaggedMismatch)
				}
				lo := (inner.Offset() + int(start)) * width
				hi := (inner.Offset() + int(end)) * width
				data = append(data, vals[lo:hi]...)
			}
			return Output{Level: LevelTrack, Values: tensor.NewMatrix(len(data)/max(width, 1), width, data)}, nil

		case *array.Float32:
			vals := inner.Float32Values()
			data := make([]float32, 0, mask.Pairs())
			for i := 0; i < jets; i++ {
				start, end := arr.ValueOffsets(i)
				k := mask.ValidCount(i)
				if int(end-start) != k*(k-1) {
					return Output{}, fmt.Errorf("jet %d has %d pair scores, expected %d: %w",
						i, end-start, k*(k-1), tensor.ErrRaggedMismatch)
				}
				data = append(data, vals[start:end]...)
			}
			return Output{Level: LevelPair, Values: tensor.NewMatrix(len(data), 1, data)}, nil
		}
		return Output{}, fmt.Errorf("unsupported list value type %s", arr.ListValues().DataType())
	}
	return Output{}, fmt.Errorf("unsupported column type %s", col.DataType())
}

// fixedFloats returns the unsliced float32 values backing a fixed size list and
// the list width.
func fixedFloats(arr *array.FixedSizeList) ([]float32, int, error) {
	vals, ok := arr.ListValues().(*array.Float32)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported list value type %s", arr.ListValues().DataType())
	}
	return vals.Float32Values(), int(arr.DataType().(*arrow.FixedSizeListType).Len()), nil
}
