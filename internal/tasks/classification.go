package tasks

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/records"
	"github.com/23skdu/longbow-salt/internal/tensor"
)

// Classification turns logits into class probabilities.
type Classification struct {
	name    string
	level   batch.Level
	classes []string
	columns []string
}

// NewClassification resolves the class names and output columns of s.
func NewClassification(s Spec, env Env) (*Classification, error) {
	if len(s.LabelMap) > 0 && len(s.ClassNames) == 0 {
		return nil, fmt.Errorf("class names are required when a label map is used")
	}
	c := &Classification{name: s.Name}
	switch s.Input {
	case InputJet, "":
		c.level = batch.LevelJet
	case InputTrack:
		c.level = batch.LevelTrack
	default:
		return nil, fmt.Errorf("unknown classification input %q", s.Input)
	}

	classes, err := ResolveClassNames(s.ClassNames, s.Label, env.JetBlock, env.Train)
	if err != nil {
		return nil, err
	}
	c.classes = classes

	for _, class := range classes {
		if c.level == batch.LevelJet {
			c.columns = append(c.columns, jetColumn(env.Model, class))
		} else {
			c.columns = append(c.columns, class)
		}
	}
	return c, nil
}

func (c *Classification) Name() string       { return c.name }
func (c *Classification) Level() batch.Level { return c.level }
func (c *Classification) Columns() []string  { return c.columns }

// Classes returns the class names ordered by output index.
func (c *Classification) Classes() []string { return c.classes }

// Infer applies a softmax per jet, or a masked softmax per track slot with
// padding slots written as the sentinel.
func (c *Classification) Infer(in Inputs, out *tensor.Matrix) (arrow.RecordBatch, error) {
	if err := checkWidth(c.name, out, len(c.classes)); err != nil {
		return nil, err
	}
	if c.level == batch.LevelJet {
		return records.FromMatrix(in.Mem, tensor.Softmax(out), c.columns)
	}

	padded, err := tensor.Reshape(out, in.Mask)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", c.name, err)
	}
	pad := in.Mask.Leading()
	probs := tensor.MaskedSoftmax(padded, pad)
	for i, p := range pad {
		if !p {
			continue
		}
		row := probs.Row(i)
		for j := range row {
			row[j] = tensor.Sentinel
		}
	}
	return records.FromMatrix(in.Mem, probs, c.columns)
}
