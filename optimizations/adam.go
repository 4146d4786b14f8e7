package optimizations

import (
	"fmt"
	"math"

	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/utils"
	"gonum.org/v1/gonum/mat"
)

// Param pairs a trainable tensor with its gradient for one optimizer step.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// AdamW keeps per-parameter moment estimates keyed by parameter name.
type AdamW struct {
	LR, Beta1, Beta2, Eps, WeightDecay float64
	GradClip                           float64

	T      int
	m, v   map[string]*mat.Dense
	frozen map[string]map[int]bool
}

func NewAdamW(cfg params.TrainingConfig) *AdamW {
	return &AdamW{
		LR:          cfg.LearningRate,
		Beta1:       cfg.AdamBeta1,
		Beta2:       cfg.AdamBeta2,
		Eps:         cfg.AdamEps,
		WeightDecay: cfg.WeightDecay,
		GradClip:    cfg.GradClip,
		m:           map[string]*mat.Dense{},
		v:           map[string]*mat.Dense{},
		frozen:      map[string]map[int]bool{},
	}
}

// Freeze excludes the given rows of parameter name from every update,
// weight decay included.
func (a *AdamW) Freeze(name string, rows ...int) {
	set := a.frozen[name]
	if set == nil {
		set = map[int]bool{}
		a.frozen[name] = set
	}
	for _, r := range rows {
		set[r] = true
	}
}

// Step applies one bias-corrected AdamW update to every param.
func (a *AdamW) Step(ps []Param) {
	if a.GradClip > 0 {
		grads := make([]*mat.Dense, len(ps))
		for i, p := range ps {
			grads[i] = p.Grad
		}
		utils.ClipGrads(a.GradClip, grads...)
	}
	a.T++
	for _, p := range ps {
		m, ok := a.m[p.Name]
		if !ok {
			m = utils.ZerosLike(p.Value)
			a.m[p.Name] = m
			a.v[p.Name] = utils.ZerosLike(p.Value)
		}
		AdamUpdateInPlace(p.Value, p.Grad, m, a.v[p.Name], a.T,
			a.LR, a.Beta1, a.Beta2, a.Eps, a.WeightDecay, a.frozen[p.Name])
	}
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
// Rows listed in skip are left untouched, moments included.
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
	skip map[int]bool,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic(fmt.Sprintf("adamUpdateInPlace: grad shape mismatch (%d x %d) vs (%d x %d)", gr, gc, pr, pc))
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		if skip[i] {
			continue
		}
		prow, grow := p.RawRowView(i), g.RawRowView(i)
		mrow, vrow := m.RawRowView(i), v.RawRowView(i)
		for j := 0; j < pc; j++ {
			gij := grow[j]
			mij := beta1*mrow[j] + (1.0-beta1)*gij
			vij := beta2*vrow[j] + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			update := mhat/(math.Sqrt(vhat)+eps) + weightDecay*prow[j]
			mrow[j], vrow[j] = mij, vij
			prow[j] -= lr * update
		}
	}
}
