// Package batch defines one evaluation batch of model outputs and its Arrow
// wire form. A batch travels as a single record batch with one row per jet.
//
//	mask:        fixed_size_list<bool>[slots]
//	jet task:    fixed_size_list<float32>[C]
//	track task:  list<fixed_size_list<float32>[C]>  (the jet's valid tracks)
//	pair task:   list<float32>                      (the jet's k(k-1) pair logits)
package batch

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-salt/internal/tensor"
)

// MaskColumn is the name of the padding mask column.
const MaskColumn = "mask"

// Level is the granularity of a task output.
type Level int

const (
	LevelJet Level = iota
	LevelTrack
	LevelPair
)

func (l Level) String() string {
	switch l {
	case LevelJet:
		return "jet"
	case LevelTrack:
		return "track"
	case LevelPair:
		return "pair"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Output is the prediction matrix of one task for one batch.
//
// Row counts: LevelJet has one row per jet, LevelTrack one row per valid
// track (jet-major), LevelPair one row per ordered pair of distinct valid
// tracks with a single column.
type Output struct {
	Level  Level
	Values *tensor.Matrix
}

// Batch is one evaluation batch.
type Batch struct {
	Mask    *tensor.Mask
	Outputs map[string]Output
}

// Jets returns the number of jets in the batch.
func (b Batch) Jets() int {
	if b.Mask == nil {
		return 0
	}
	n, _ := b.Mask.Dims()
	return n
}

// Names returns the task names in sorted order.
func (b Batch) Names() []string {
	names := make([]string, 0, len(b.Outputs))
	for name := range b.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every output's row count against the mask.
func (b Batch) Validate() error {
	if b.Mask == nil {
		return fmt.Errorf("batch has no mask")
	}
	for _, name := range b.Names() {
		out := b.Outputs[name]
		if out.Values == nil {
			return fmt.Errorf("task %q: no values", name)
		}
		rows, cols := out.Values.Dims()
		var want int
		switch out.Level {
		case LevelJet:
			want = b.Jets()
		case LevelTrack:
			want = b.Mask.Valid()
		case LevelPair:
			want = b.Mask.Pairs()
			if cols != 1 {
				return fmt.Errorf("task %q: pair output has %d columns, expected 1", name, cols)
			}
		default:
			return fmt.Errorf("task %q: unknown level %v", name, out.Level)
		}
		if rows != want {
			return fmt.Errorf("task %q: %s output has %d rows, mask implies %d: %w",
				name, out.Level, rows, want, tensor.ErrRaggedMismatch)
		}
	}
	return nil
}
