package lstm

import (
	"math"
	"math/rand/v2"

	"github.com/manningwu07/SentimentLSTM/utils"
	"gonum.org/v1/gonum/mat"
)

// Cell is one direction of one recurrent layer. Gate pre-activations are laid
// out column-wise as [i | f | g | o], each H wide.
type Cell struct {
	InputSize, Hidden int

	Wih *mat.Dense // (In x 4H)
	Whh *mat.Dense // (H x 4H)
	B   *mat.Dense // (1 x 4H)
}

// CellGrads has the same shapes as the Cell it was computed for.
type CellGrads struct {
	Wih, Whh, B *mat.Dense
}

// stepCache keeps what the backward pass needs from one time step.
type stepCache struct {
	x     *mat.Dense // (n x In)
	hPrev *mat.Dense // (n x H)
	cPrev *mat.Dense // (n x H)
	gates *mat.Dense // (n x 4H), post-activation
	tanhC *mat.Dense // (n x H)
}

func NewCell(rng *rand.Rand, inputSize, hidden int) *Cell {
	g := 4 * hidden
	// uniform(-1/sqrt(H), 1/sqrt(H)) for every weight and bias
	return &Cell{
		InputSize: inputSize,
		Hidden:    hidden,
		Wih:       mat.NewDense(inputSize, g, utils.RandomArray(rng, inputSize*g, float64(hidden))),
		Whh:       mat.NewDense(hidden, g, utils.RandomArray(rng, hidden*g, float64(hidden))),
		B:         mat.NewDense(1, g, utils.RandomArray(rng, g, float64(hidden))),
	}
}

func (c *Cell) newGrads() *CellGrads {
	return &CellGrads{
		Wih: utils.ZerosLike(c.Wih),
		Whh: utils.ZerosLike(c.Whh),
		B:   utils.ZerosLike(c.B),
	}
}

// Step advances n sequences by one position: x is (n x In), hPrev and cPrev
// are (n x H). It returns the new hidden and cell state.
func (c *Cell) Step(x, hPrev, cPrev *mat.Dense) (h, cell *mat.Dense) {
	h, cell, _ = c.step(x, hPrev, cPrev)
	return h, cell
}

func (c *Cell) step(x, hPrev, cPrev *mat.Dense) (*mat.Dense, *mat.Dense, *stepCache) {
	n, _ := x.Dims()
	H := c.Hidden

	gates := utils.Dot(x, c.Wih)
	gates.Add(gates, utils.Dot(hPrev, c.Whh))
	utils.AddRowVector(gates, c.B)

	h := mat.NewDense(n, H, nil)
	cell := mat.NewDense(n, H, nil)
	tanhC := mat.NewDense(n, H, nil)
	for r := 0; r < n; r++ {
		gr := gates.RawRowView(r)
		cp := cPrev.RawRowView(r)
		hr, cr, tr := h.RawRowView(r), cell.RawRowView(r), tanhC.RawRowView(r)
		for j := 0; j < H; j++ {
			i := utils.Sigmoid(gr[j])
			f := utils.Sigmoid(gr[H+j])
			g := math.Tanh(gr[2*H+j])
			o := utils.Sigmoid(gr[3*H+j])
			gr[j], gr[H+j], gr[2*H+j], gr[3*H+j] = i, f, g, o

			cr[j] = f*cp[j] + i*g
			tr[j] = math.Tanh(cr[j])
			hr[j] = o * tr[j]
		}
	}
	return h, cell, &stepCache{x: x, hPrev: hPrev, cPrev: cPrev, gates: gates, tanhC: tanhC}
}

// run feeds a packed sequence through the cell from zero state and returns
// the hidden output of every step.
func (c *Cell) run(seq *packed) (outs []*mat.Dense, caches []*stepCache) {
	T := len(seq.steps)
	outs = make([]*mat.Dense, T)
	caches = make([]*stepCache, T)
	n0 := seq.batchSizes[0]
	h := mat.NewDense(n0, c.Hidden, nil)
	cell := mat.NewDense(n0, c.Hidden, nil)
	for t := 0; t < T; t++ {
		n := seq.batchSizes[t]
		hPrev := h.Slice(0, n, 0, c.Hidden).(*mat.Dense)
		cPrev := cell.Slice(0, n, 0, c.Hidden).(*mat.Dense)
		h, cell, caches[t] = c.step(seq.steps[t], hPrev, cPrev)
		outs[t] = h
	}
	return outs, caches
}

// backward runs BPTT over the caches of one run. dOuts[t] is the gradient on
// the step-t output (n_t x H) and may be nil. Parameter gradients are added to
// grads; the returned slice holds dL/dx per step.
func (c *Cell) backward(caches []*stepCache, dOuts []*mat.Dense, grads *CellGrads) []*mat.Dense {
	T := len(caches)
	H := c.Hidden
	n0, _ := caches[0].x.Dims()
	dh := mat.NewDense(n0, H, nil)
	dc := mat.NewDense(n0, H, nil)
	dXs := make([]*mat.Dense, T)

	for t := T - 1; t >= 0; t-- {
		sc := caches[t]
		n, _ := sc.x.Dims()
		dhv := dh.Slice(0, n, 0, H).(*mat.Dense)
		dcv := dc.Slice(0, n, 0, H).(*mat.Dense)
		if dOuts[t] != nil {
			dhv.Add(dhv, dOuts[t])
		}

		dG := mat.NewDense(n, 4*H, nil)
		for r := 0; r < n; r++ {
			gr := sc.gates.RawRowView(r)
			tr := sc.tanhC.RawRowView(r)
			cp := sc.cPrev.RawRowView(r)
			dhr, dcr := dhv.RawRowView(r), dcv.RawRowView(r)
			dgr := dG.RawRowView(r)
			for j := 0; j < H; j++ {
				i, f, g, o := gr[j], gr[H+j], gr[2*H+j], gr[3*H+j]
				tc := tr[j]
				dcTot := dcr[j] + dhr[j]*o*(1-tc*tc)

				dgr[j] = dcTot * g * i * (1 - i)
				dgr[H+j] = dcTot * cp[j] * f * (1 - f)
				dgr[2*H+j] = dcTot * i * (1 - g*g)
				dgr[3*H+j] = dhr[j] * tc * o * (1 - o)

				dcr[j] = dcTot * f
			}
		}

		grads.Wih.Add(grads.Wih, utils.Dot(sc.x.T(), dG))
		grads.Whh.Add(grads.Whh, utils.Dot(sc.hPrev.T(), dG))
		utils.ColSumsInto(grads.B, dG)

		dXs[t] = utils.Dot(dG, c.Wih.T())
		dhv.Copy(utils.Dot(dG, c.Whh.T()))
	}
	return dXs
}
