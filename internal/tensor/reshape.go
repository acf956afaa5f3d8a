package tensor

import (
	"errors"
	"fmt"
)

// ErrRaggedMismatch is returned when flat per-track data does not line up
// with the valid track counts of a mask.
var ErrRaggedMismatch = errors.New("ragged row count does not match mask")

// Reshape converts flat valid-track rows into a padded (jets*slots, D) matrix.
// Rows are consumed jet by jet: jet i takes the next ValidCount(i) rows into
// its leading slots, in order. Trailing slots are set to Sentinel.
func Reshape(flat *Matrix, mask *Mask) (*Matrix, error) {
	if want := mask.Valid(); want != flat.rows {
		return nil, fmt.Errorf("%w: mask has %d valid tracks, flat data has %d rows", ErrRaggedMismatch, want, flat.rows)
	}
	out := Filled(mask.jets*mask.slots, flat.cols, Sentinel)
	offset := 0
	for i := 0; i < mask.jets; i++ {
		k := mask.ValidCount(i)
		start := i * mask.slots * flat.cols
		copy(out.data[start:start+k*flat.cols], flat.data[offset*flat.cols:(offset+k)*flat.cols])
		offset += k
	}
	return out, nil
}
