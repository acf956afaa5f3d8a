package tensor

import (
	"fmt"
	"math"
)

// Sentinel marks a slot with no prediction in a padded tensor.
var Sentinel = float32(math.Inf(-1))

// Matrix is a dense row-major float32 matrix. A track-level tensor of shape
// (jets, slots, D) is stored as a Matrix with jets*slots rows.
// Zero-row matrices are valid: a batch may contain no valid tracks.
type Matrix struct {
	rows int
	cols int
	data []float32
}

// NewMatrix creates a rows x cols matrix. A nil data slice allocates zeros;
// otherwise data is copied and must have exactly rows*cols elements.
func NewMatrix(rows, cols int, data []float32) *Matrix {
	if rows < 0 || cols < 0 {
		panic("NewMatrix: negative dimensions")
	}
	m := &Matrix{rows: rows, cols: cols, data: make([]float32, rows*cols)}
	if data != nil {
		if len(data) != rows*cols {
			panic("NewMatrix: provided data length does not match dimensions")
		}
		copy(m.data, data)
	}
	return m
}

// Filled creates a rows x cols matrix with every element set to v.
func Filled(rows, cols int, v float32) *Matrix {
	m := NewMatrix(rows, cols, nil)
	for i := range m.data {
		m.data[i] = v
	}
	return m
}

// Dims returns the dimensions (rows, cols) of the matrix.
func (m *Matrix) Dims() (int, int) {
	return m.rows, m.cols
}

func (m *Matrix) At(i, j int) float32 {
	return m.data[i*m.cols+j]
}

func (m *Matrix) Set(i, j int, v float32) {
	m.data[i*m.cols+j] = v
}

// Row returns a view of row i. Writes go through to the matrix.
func (m *Matrix) Row(i int) []float32 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// Data returns the underlying row-major slice.
func (m *Matrix) Data() []float32 {
	return m.data
}

// Col copies column j into a new slice.
func (m *Matrix) Col(j int) []float32 {
	out := make([]float32, m.rows)
	for i := 0; i < m.rows; i++ {
		out[i] = m.data[i*m.cols+j]
	}
	return out
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	return NewMatrix(m.rows, m.cols, m.data)
}

// SliceCols copies columns [from, to) into a new matrix.
func (m *Matrix) SliceCols(from, to int) *Matrix {
	if from < 0 || to > m.cols || from > to {
		panic(fmt.Sprintf("SliceCols: invalid range [%d, %d) for %d columns", from, to, m.cols))
	}
	out := NewMatrix(m.rows, to-from, nil)
	for i := 0; i < m.rows; i++ {
		copy(out.Row(i), m.data[i*m.cols+from:i*m.cols+to])
	}
	return out
}

// Concat stacks matrices vertically. All inputs must have the same column count.
func Concat(ms ...*Matrix) (*Matrix, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("concat: no matrices")
	}
	cols := ms[0].cols
	rows := 0
	for i, m := range ms {
		if m.cols != cols {
			return nil, fmt.Errorf("concat: matrix %d has %d columns, expected %d", i, m.cols, cols)
		}
		rows += m.rows
	}
	out := &Matrix{rows: rows, cols: cols, data: make([]float32, 0, rows*cols)}
	for _, m := range ms {
		out.data = append(out.data, m.data...)
	}
	return out, nil
}

// HStack places matrices side by side. All inputs must have the same row count.
func HStack(ms ...*Matrix) (*Matrix, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("hstack: no matrices")
	}
	rows := ms[0].rows
	cols := 0
	for i, m := range ms {
		if m.rows != rows {
			return nil, fmt.Errorf("hstack: matrix %d has %d rows, expected %d", i, m.rows, rows)
		}
		cols += m.cols
	}
	out := NewMatrix(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := out.Row(i)
		at := 0
		for _, m := range ms {
			at += copy(row[at:], m.Row(i))
		}
	}
	return out, nil
}
