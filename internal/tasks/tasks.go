// Package tasks describes the prediction heads of a tagger and turns their
// raw outputs into named output columns.
package tasks

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/tensor"
	"github.com/23skdu/longbow-salt/internal/vertex"
)

// Kind selects the post-processing of a task.
type Kind string

const (
	KindClassification     Kind = "classification"
	KindRegression         Kind = "regression"
	KindGaussianRegression Kind = "gaussian_regression"
	KindVertexing          Kind = "vertexing"
)

// Input names the object a task predicts for.
type Input string

const (
	InputJet   Input = "jet"
	InputTrack Input = "track"
)

// NormParams holds the per-target normalisation used in training.
type NormParams struct {
	Mean []float32 `yaml:"mean"`
	Std  []float32 `yaml:"std"`
}

// Spec is the configuration of one task.
type Spec struct {
	Name               string      `yaml:"name"`
	Kind               Kind        `yaml:"kind"`
	Input              Input       `yaml:"input"`
	Label              string      `yaml:"label"`
	ClassNames         []string    `yaml:"class_names"`
	LabelMap           map[int]int `yaml:"label_map"`
	Targets            []string    `yaml:"targets"`
	TargetDenominators []string    `yaml:"target_denominators"`
	NormParams         *NormParams `yaml:"norm_params"`
}

// Inputs is what a task needs besides its own output at inference time.
type Inputs struct {
	Mem memory.Allocator
	// Mask is the padding mask of the whole pass.
	Mask *tensor.Mask
	// Jets holds the source jet columns a task asked for, one row per jet.
	Jets arrow.RecordBatch
}

// Task is one prediction head.
type Task interface {
	Name() string
	Level() batch.Level
	// Columns lists the output column names in order.
	Columns() []string
	// Infer post-processes the concatenated output of the pass. Jet-level
	// tasks return one row per jet, the others one row per track slot.
	Infer(in Inputs, out *tensor.Matrix) (arrow.RecordBatch, error)
}

// SourceReader is implemented by tasks that read source jet columns.
type SourceReader interface {
	SourceColumns() []string
}

// Env carries run-wide settings used to build tasks.
type Env struct {
	// Model prefixes jet classification columns.
	Model    string
	JetBlock string
	Train    AttrSource
	Vertex   vertex.Policy
}

// Build creates the tasks described by specs.
func Build(specs []Spec, env Env) ([]Task, error) {
	out := make([]Task, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("task of kind %q has no name", s.Kind)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate task name %q", s.Name)
		}
		seen[s.Name] = true

		t, err := build(s, env)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", s.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func build(s Spec, env Env) (Task, error) {
	switch s.Kind {
	case KindClassification:
		return NewClassification(s, env)
	case KindRegression:
		return NewRegression(s)
	case KindGaussianRegression:
		return NewGaussianRegression(s)
	case KindVertexing:
		if err := env.Vertex.Validate(); err != nil {
			return nil, err
		}
		return &Vertexing{name: s.Name, policy: env.Vertex}, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", s.Kind)
	}
}

func checkWidth(name string, out *tensor.Matrix, want int) error {
	if _, cols := out.Dims(); cols != want {
		return fmt.Errorf("task %q: output has %d columns, expected %d", name, cols, want)
	}
	return nil
}
