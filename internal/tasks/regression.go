package tasks

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/records"
	"github.com/23skdu/longbow-salt/internal/tensor"
)

// unnorm undoes the target scaling applied during training.
type unnorm struct {
	denominators []string
	norm         *NormParams
}

func newUnnorm(s Spec) (unnorm, error) {
	if s.Input != "" && s.Input != InputJet {
		return unnorm{}, fmt.Errorf("regression is only supported for jet-level predictions")
	}
	if len(s.Targets) == 0 {
		return unnorm{}, fmt.Errorf("no regression targets")
	}
	if len(s.TargetDenominators) > 0 && s.NormParams != nil {
		return unnorm{}, fmt.Errorf("target_denominators and norm_params cannot be used together")
	}
	if n := len(s.TargetDenominators); n > 0 && n != len(s.Targets) {
		return unnorm{}, fmt.Errorf("number of targets (%d) does not match number of target denominators (%d)", len(s.Targets), n)
	}
	if p := s.NormParams; p != nil {
		if len(p.Mean) != len(s.Targets) {
			return unnorm{}, fmt.Errorf("number of means in norm_params (%d) does not match number of targets (%d)", len(p.Mean), len(s.Targets))
		}
		if len(p.Std) != len(s.Targets) {
			return unnorm{}, fmt.Errorf("number of stds in norm_params (%d) does not match number of targets (%d)", len(p.Std), len(s.Targets))
		}
	}
	return unnorm{denominators: s.TargetDenominators, norm: s.NormParams}, nil
}

// denominator reads the source jet column that divided target t.
func (u unnorm) denominator(in Inputs, t int) ([]float64, error) {
	name := u.denominators[t]
	if in.Jets == nil {
		return nil, fmt.Errorf("denominator column %q not loaded", name)
	}
	idx := in.Jets.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("denominator column %q not loaded", name)
	}
	return records.Float64s(in.Jets.Column(idx[0]))
}

// apply un-normalises column t of m in place. Widths pass shift=false and
// are only scaled.
func (u unnorm) apply(in Inputs, m *tensor.Matrix, t int, shift bool) error {
	rows, _ := m.Dims()
	if u.norm != nil {
		mean, std := u.norm.Mean[t], u.norm.Std[t]
		for r := 0; r < rows; r++ {
			v := m.At(r, t) * std
			if shift {
				v += mean
			}
			m.Set(r, t, v)
		}
		return nil
	}
	if len(u.denominators) == 0 {
		return nil
	}
	scale, err := u.denominator(in, t)
	if err != nil {
		return err
	}
	if len(scale) != rows {
		return fmt.Errorf("denominator column has %d rows, output has %d", len(scale), rows)
	}
	for r := 0; r < rows; r++ {
		m.Set(r, t, float32(float64(m.At(r, t))*scale[r]))
	}
	return nil
}

func (u unnorm) SourceColumns() []string { return u.denominators }

// Regression predicts one value per target per jet.
type Regression struct {
	unnorm
	name    string
	columns []string
}

// NewRegression validates s and names one column per target.
func NewRegression(s Spec) (*Regression, error) {
	u, err := newUnnorm(s)
	if err != nil {
		return nil, err
	}
	r := &Regression{unnorm: u, name: s.Name}
	for _, t := range s.Targets {
		r.columns = append(r.columns, s.Name+"_"+t)
	}
	return r, nil
}

func (r *Regression) Name() string       { return r.name }
func (r *Regression) Level() batch.Level { return batch.LevelJet }
func (r *Regression) Columns() []string  { return r.columns }

func (r *Regression) Infer(in Inputs, out *tensor.Matrix) (arrow.RecordBatch, error) {
	if err := checkWidth(r.name, out, len(r.columns)); err != nil {
		return nil, err
	}
	m := out.Clone()
	for t := range r.columns {
		if err := r.apply(in, m, t, true); err != nil {
			return nil, fmt.Errorf("task %q: %w", r.name, err)
		}
	}
	return records.FromMatrix(in.Mem, m, r.columns)
}

// GaussianRegression predicts a mean and a width per target. Outputs hold
// all means followed by all raw widths.
type GaussianRegression struct {
	unnorm
	name    string
	targets int
	columns []string
}

// NewGaussianRegression validates s and names a mean and a sigma column per
// target.
func NewGaussianRegression(s Spec) (*GaussianRegression, error) {
	u, err := newUnnorm(s)
	if err != nil {
		return nil, err
	}
	g := &GaussianRegression{unnorm: u, name: s.Name, targets: len(s.Targets)}
	for _, t := range s.Targets {
		g.columns = append(g.columns, s.Name+"_"+t)
	}
	for _, t := range s.Targets {
		g.columns = append(g.columns, s.Name+"_"+t+"_sigma")
	}
	return g, nil
}

func (g *GaussianRegression) Name() string       { return g.name }
func (g *GaussianRegression) Level() batch.Level { return batch.LevelJet }
func (g *GaussianRegression) Columns() []string  { return g.columns }

// Infer applies softplus to the widths, then un-normalises means and widths.
func (g *GaussianRegression) Infer(in Inputs, out *tensor.Matrix) (arrow.RecordBatch, error) {
	if err := checkWidth(g.name, out, 2*g.targets); err != nil {
		return nil, err
	}
	means := out.SliceCols(0, g.targets)
	sigmas := out.SliceCols(g.targets, 2*g.targets)
	tensor.Softplus(sigmas.Data())

	for t := 0; t < g.targets; t++ {
		if err := g.apply(in, means, t, true); err != nil {
			return nil, fmt.Errorf("task %q: %w", g.name, err)
		}
		if err := g.apply(in, sigmas, t, false); err != nil {
			return nil, fmt.Errorf("task %q: %w", g.name, err)
		}
	}
	m, err := tensor.HStack(means, sigmas)
	if err != nil {
		return nil, err
	}
	return records.FromMatrix(in.Mem, m, g.columns)
}
