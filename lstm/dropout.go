package lstm

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// dropoutMask returns an inverted-dropout mask (0 or 1/(1-p)) shaped like m,
// or nil when dropout is inactive.
func dropoutMask(rng *rand.Rand, r, c int, p float64, train bool) *mat.Dense {
	if !train || p <= 0 {
		return nil
	}
	keep := 1.0 / (1.0 - p)
	data := make([]float64, r*c)
	for i := range data {
		if rng.Float64() >= p {
			data[i] = keep
		}
	}
	return mat.NewDense(r, c, data)
}

// applyMask multiplies m by mask elementwise; a nil mask is the identity.
func applyMask(m, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return m
	}
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(m, mask)
	return out
}

// dropoutPacked applies an independent mask to every step of seq.
func dropoutPacked(rng *rand.Rand, seq *packed, p float64, train bool) (*packed, []*mat.Dense) {
	if !train || p <= 0 {
		return seq, nil
	}
	masks := make([]*mat.Dense, len(seq.steps))
	out := make([]*mat.Dense, len(seq.steps))
	for t, m := range seq.steps {
		r, c := m.Dims()
		masks[t] = dropoutMask(rng, r, c, p, train)
		out[t] = applyMask(m, masks[t])
	}
	return seq.withSteps(out), masks
}

func maskPacked(seq *packed, masks []*mat.Dense) *packed {
	if masks == nil {
		return seq
	}
	out := make([]*mat.Dense, len(seq.steps))
	for t, m := range seq.steps {
		out[t] = applyMask(m, masks[t])
	}
	return seq.withSteps(out)
}
