package lstm

import (
	"gonum.org/v1/gonum/mat"
)

// packed is a batch of variable-length sequences stored step-major. Rows are
// ordered by length, longest first, so at step t only the first
// batchSizes[t] rows are live and padding is never materialized.
type packed struct {
	lengths    []int        // per row, descending
	batchSizes []int        // live rows per step
	steps      []*mat.Dense // steps[t] is (batchSizes[t] x D)
}

func batchSizesFor(lengths []int) []int {
	maxLen := lengths[0]
	out := make([]int, maxLen)
	for t := 0; t < maxLen; t++ {
		n := 0
		for n < len(lengths) && lengths[n] > t {
			n++
		}
		out[t] = n
	}
	return out
}

func (p *packed) width() int {
	_, c := p.steps[0].Dims()
	return c
}

// withSteps returns a packed sequence sharing p's layout.
func (p *packed) withSteps(steps []*mat.Dense) *packed {
	return &packed{lengths: p.lengths, batchSizes: p.batchSizes, steps: steps}
}

// reverse flips every row within its own true length: row b at step s of the
// result is row b at step lengths[b]-1-s of p. Applying it twice is identity.
func (p *packed) reverse() *packed {
	D := p.width()
	out := make([]*mat.Dense, len(p.steps))
	for s := range out {
		out[s] = mat.NewDense(p.batchSizes[s], D, nil)
	}
	for b, L := range p.lengths {
		for s := 0; s < L; s++ {
			copy(out[s].RawRowView(b), p.steps[L-1-s].RawRowView(b))
		}
	}
	return p.withSteps(out)
}

// concat joins a and b along the feature axis step by step.
func concat(a, b *packed) *packed {
	da, db := a.width(), b.width()
	out := make([]*mat.Dense, len(a.steps))
	for t := range out {
		n := a.batchSizes[t]
		m := mat.NewDense(n, da+db, nil)
		for r := 0; r < n; r++ {
			row := m.RawRowView(r)
			copy(row[:da], a.steps[t].RawRowView(r))
			copy(row[da:], b.steps[t].RawRowView(r))
		}
		out[t] = m
	}
	return a.withSteps(out)
}

// split is the inverse of concat at column at.
func split(p *packed, at int) (*packed, *packed) {
	D := p.width()
	left := make([]*mat.Dense, len(p.steps))
	right := make([]*mat.Dense, len(p.steps))
	for t, m := range p.steps {
		n := p.batchSizes[t]
		left[t] = mat.DenseCopyOf(m.Slice(0, n, 0, at))
		right[t] = mat.DenseCopyOf(m.Slice(0, n, at, D))
	}
	return p.withSteps(left), p.withSteps(right)
}

// add sums two packed sequences of identical layout.
func add(a, b *packed) *packed {
	out := make([]*mat.Dense, len(a.steps))
	for t := range out {
		m := mat.DenseCopyOf(a.steps[t])
		m.Add(m, b.steps[t])
		out[t] = m
	}
	return a.withSteps(out)
}

// finalRows gathers, for every row b, row b of steps[lengths[b]-1].
func (p *packed) finalRows() *mat.Dense {
	D := p.width()
	out := mat.NewDense(len(p.lengths), D, nil)
	for b, L := range p.lengths {
		copy(out.RawRowView(b), p.steps[L-1].RawRowView(b))
	}
	return out
}

// scatterFinal is the adjoint of finalRows: a zero packed gradient with row b
// of d placed at step lengths[b]-1.
func scatterFinal(layout *packed, d *mat.Dense, from, to int) *packed {
	W := to - from
	out := make([]*mat.Dense, len(layout.steps))
	for t := range out {
		out[t] = mat.NewDense(layout.batchSizes[t], W, nil)
	}
	for b, L := range layout.lengths {
		copy(out[L-1].RawRowView(b), d.RawRowView(b)[from:to])
	}
	return layout.withSteps(out)
}
