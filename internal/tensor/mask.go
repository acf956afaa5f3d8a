package tensor

import "fmt"

// Mask is a (jets x slots) padding mask; true marks a padding slot.
type Mask struct {
	jets  int
	slots int
	pad   []bool
}

// NewMask creates a mask. pad is copied and must have jets*slots entries.
func NewMask(jets, slots int, pad []bool) *Mask {
	if len(pad) != jets*slots {
		panic("NewMask: provided pad length does not match dimensions")
	}
	m := &Mask{jets: jets, slots: slots, pad: make([]bool, len(pad))}
	copy(m.pad, pad)
	return m
}

// MaskFromCounts builds a mask whose jet i has its first counts[i] slots valid.
func MaskFromCounts(slots int, counts []int) (*Mask, error) {
	pad := make([]bool, len(counts)*slots)
	for i, k := range counts {
		if k < 0 || k > slots {
			return nil, fmt.Errorf("jet %d: %d valid tracks does not fit %d slots", i, k, slots)
		}
		for j := k; j < slots; j++ {
			pad[i*slots+j] = true
		}
	}
	return &Mask{jets: len(counts), slots: slots, pad: pad}, nil
}

func (m *Mask) Dims() (int, int) {
	return m.jets, m.slots
}

// Padding reports whether slot j of jet i is padding.
func (m *Mask) Padding(i, j int) bool {
	return m.pad[i*m.slots+j]
}

// Pad returns the underlying row-major padding flags.
func (m *Mask) Pad() []bool {
	return m.pad
}

// ValidCount returns the number of real tracks of jet i.
func (m *Mask) ValidCount(i int) int {
	n := 0
	for _, p := range m.pad[i*m.slots : (i+1)*m.slots] {
		if !p {
			n++
		}
	}
	return n
}

// Counts returns the valid track count of every jet.
func (m *Mask) Counts() []int {
	out := make([]int, m.jets)
	for i := range out {
		out[i] = m.ValidCount(i)
	}
	return out
}

// Valid returns the total number of real tracks.
func (m *Mask) Valid() int {
	n := 0
	for _, p := range m.pad {
		if !p {
			n++
		}
	}
	return n
}

// Pairs returns the number of ordered pairs of distinct real tracks, summed over jets.
func (m *Mask) Pairs() int {
	n := 0
	for i := 0; i < m.jets; i++ {
		k := m.ValidCount(i)
		n += k * (k - 1)
	}
	return n
}

// Leading returns padding flags in the layout produced by Reshape: for jet i
// the first ValidCount(i) slots are real and the rest are padding.
func (m *Mask) Leading() []bool {
	out := make([]bool, len(m.pad))
	for i := 0; i < m.jets; i++ {
		k := m.ValidCount(i)
		for j := k; j < m.slots; j++ {
			out[i*m.slots+j] = true
		}
	}
	return out
}

// IsLeading reports whether every jet's real slots come before its padding.
func (m *Mask) IsLeading() bool {
	for i := 0; i < m.jets; i++ {
		row := m.pad[i*m.slots : (i+1)*m.slots]
		for j := 1; j < len(row); j++ {
			if row[j-1] && !row[j] {
				return false
			}
		}
	}
	return true
}

// ConcatMasks stacks masks along the jet axis. Slot counts must agree.
func ConcatMasks(ms ...*Mask) (*Mask, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("concat masks: no masks")
	}
	slots := ms[0].slots
	jets := 0
	for i, m := range ms {
		if m.slots != slots {
			return nil, fmt.Errorf("concat masks: mask %d has %d slots, expected %d", i, m.slots, slots)
		}
		jets += m.jets
	}
	out := &Mask{jets: jets, slots: slots, pad: make([]bool, 0, jets*slots)}
	for _, m := range ms {
		out.pad = append(out.pad, m.pad...)
	}
	return out, nil
}
