// Package vertex groups tracks of a jet into vertices from pairwise
// same-origin scores.
//
// Scores arrive as logits for every ordered pair (i, j), i != j, of the real
// tracks of a jet, i major. An unordered pair becomes an edge when its match
// probability passes the policy threshold, and vertices are the connected
// components of the resulting graph, so matches are transitive.
package vertex

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-salt/internal/tensor"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// NoVertex is the id given to padding slots. Real tracks get ids >= 0.
const NoVertex int64 = -1

// Rule combines the two directed scores of a pair into one decision.
type Rule string

const (
	// RuleMean matches when the mean of both probabilities passes the threshold.
	RuleMean Rule = "mean"
	// RuleAny matches when either direction passes the threshold.
	RuleAny Rule = "any"
	// RuleAll matches when both directions pass the threshold.
	RuleAll Rule = "all"
)

// Policy is the score-to-edge decision. Probabilities equal to the
// threshold do not match.
type Policy struct {
	Threshold float64 `yaml:"threshold" env:"THRESHOLD"`
	Rule      Rule    `yaml:"rule" env:"RULE"`
}

// DefaultPolicy matches pairs whose mean probability exceeds 0.5.
func DefaultPolicy() Policy {
	return Policy{Threshold: 0.5, Rule: RuleMean}
}

// Validate checks the threshold range and rule name.
func (p Policy) Validate() error {
	if p.Threshold < 0 || p.Threshold > 1 || math.IsNaN(p.Threshold) {
		return fmt.Errorf("vertex threshold %v outside [0, 1]", p.Threshold)
	}
	switch p.Rule {
	case RuleMean, RuleAny, RuleAll:
		return nil
	default:
		return fmt.Errorf("unknown vertex rule %q", p.Rule)
	}
}

func (p Policy) match(ab, ba float32) bool {
	pab, pba := sigmoid(ab), sigmoid(ba)
	switch p.Rule {
	case RuleAny:
		return pab > p.Threshold || pba > p.Threshold
	case RuleAll:
		return pab > p.Threshold && pba > p.Threshold
	default:
		return (pab+pba)/2 > p.Threshold
	}
}

func sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}

// Assign returns one vertex id per (jet, slot) of mask, row-major. Jet i
// consumes the next k*(k-1) scores, k = mask.ValidCount(i), and its ids are
// written to the leading k slots. Ids are the smallest track index in the
// vertex, so a track without matches keeps its own index.
func Assign(scores []float32, mask *tensor.Mask, p Policy) ([]int64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if want := mask.Pairs(); want != len(scores) {
		return nil, fmt.Errorf("%w: mask implies %d track pairs, got %d scores", tensor.ErrRaggedMismatch, want, len(scores))
	}

	jets, slots := mask.Dims()
	out := make([]int64, jets*slots)
	for i := range out {
		out[i] = NoVertex
	}

	offset := 0
	for i := 0; i < jets; i++ {
		k := mask.ValidCount(i)
		n := k * (k - 1)
		if k > 0 {
			ids := cluster(scores[offset:offset+n], k, p)
			copy(out[i*slots:i*slots+k], ids)
		}
		offset += n
	}
	return out, nil
}

// cluster labels the k tracks of one jet.
func cluster(scores []float32, k int, p Policy) []int64 {
	g := simple.NewUndirectedGraph()
	for a := 0; a < k; a++ {
		g.AddNode(simple.Node(a))
	}
	for a := 0; a < k; a++ {
		for b := a + 1; b < k; b++ {
			if p.match(scores[pairIndex(a, b, k)], scores[pairIndex(b, a, k)]) {
				g.SetEdge(simple.Edge{F: simple.Node(a), T: simple.Node(b)})
			}
		}
	}

	ids := make([]int64, k)
	for _, component := range topo.ConnectedComponents(g) {
		label := int64(math.MaxInt64)
		for _, n := range component {
			if n.ID() < label {
				label = n.ID()
			}
		}
		for _, n := range component {
			ids[n.ID()] = label
		}
	}
	return ids
}

// pairIndex locates the score of ordered pair (a, b) within one jet.
func pairIndex(a, b, k int) int {
	if b > a {
		return a*(k-1) + b - 1
	}
	return a*(k-1) + b
}
