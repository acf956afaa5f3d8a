package tasks

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/records"
	"github.com/23skdu/longbow-salt/internal/tensor"
	"github.com/23skdu/longbow-salt/internal/vertex"
)

// VertexColumn is the output column of a vertexing task.
const VertexColumn = "VertexIndex"

// Vertexing groups tracks into vertices from pairwise match logits.
type Vertexing struct {
	name   string
	policy vertex.Policy
}

func (v *Vertexing) Name() string       { return v.name }
func (v *Vertexing) Level() batch.Level { return batch.LevelPair }
func (v *Vertexing) Columns() []string  { return []string{VertexColumn} }

func (v *Vertexing) Infer(in Inputs, out *tensor.Matrix) (arrow.RecordBatch, error) {
	if err := checkWidth(v.name, out, 1); err != nil {
		return nil, err
	}
	ids, err := vertex.Assign(out.Data(), in.Mask, v.policy)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", v.name, err)
	}
	return records.Int64Column(in.Mem, VertexColumn, ids), nil
}
