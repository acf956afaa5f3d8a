package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Softmax applies a row-wise softmax and returns a new matrix.
func Softmax(logits *Matrix) *Matrix {
	out := logits.Clone()
	buf := make([]float64, out.cols)
	for i := 0; i < out.rows; i++ {
		softmaxRow(out.Row(i), buf)
	}
	return out
}

// MaskedSoftmax applies a row-wise softmax to every row whose pad flag is
// false. Padding rows are excluded from normalisation and come out as
// exactly zero. pad must have one entry per row.
func MaskedSoftmax(logits *Matrix, pad []bool) *Matrix {
	if len(pad) != logits.rows {
		panic("MaskedSoftmax: pad length does not match rows")
	}
	out := logits.Clone()
	buf := make([]float64, out.cols)
	for i := 0; i < out.rows; i++ {
		row := out.Row(i)
		if pad[i] {
			for j := range row {
				row[j] = 0
			}
			continue
		}
		softmaxRow(row, buf)
	}
	return out
}

// softmaxRow computes exp(x - logsumexp(x)) in float64. -Inf logits map to
// zero. A row made only of -Inf has no distribution and becomes all zeros.
// +Inf logits share the whole mass equally.
func softmaxRow(row []float32, buf []float64) {
	allNegInf := true
	posInf := 0
	for j, v := range row {
		buf[j] = float64(v)
		if !math.IsInf(buf[j], -1) {
			allNegInf = false
		}
		if math.IsInf(buf[j], 1) {
			posInf++
		}
	}
	if allNegInf {
		for j := range row {
			row[j] = 0
		}
		return
	}
	if posInf > 0 {
		share := float32(1) / float32(posInf)
		for j := range row {
			row[j] = 0
			if math.IsInf(buf[j], 1) {
				row[j] = share
			}
		}
		return
	}
	lse := floats.LogSumExp(buf[:len(row)])
	for j := range row {
		row[j] = float32(math.Exp(buf[j] - lse))
	}
}

// Softplus maps x to log(1 + exp(x)) in place.
func Softplus(values []float32) {
	for i, v := range values {
		x := float64(v)
		if x > 20 {
			continue
		}
		values[i] = float32(math.Log1p(math.Exp(x)))
	}
}
