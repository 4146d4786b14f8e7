package utils

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix functions used by the recurrent layers and the loss.

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func ZerosLike(a mat.Matrix) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

// AddRowVector adds bias (1 x c) to every row of m in place.
func AddRowVector(m *mat.Dense, bias *mat.Dense) {
	r, c := m.Dims()
	br, bc := bias.Dims()
	if br != 1 || bc != c {
		panic(fmt.Sprintf("AddRowVector: bias must be (1 x %d), got (%d x %d)", c, br, bc))
	}
	b := bias.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), b)
	}
}

// ColSumsInto accumulates the column sums of m into dst (1 x c).
func ColSumsInto(dst *mat.Dense, m *mat.Dense) {
	r, _ := m.Dims()
	d := dst.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(d, m.RawRowView(i))
	}
}

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	// keeps exp() from overflowing for large negative x
	e := math.Exp(x)
	return e / (1.0 + e)
}

// ---------- Loss ----------

// BCEWithLogits returns the batch-mean binary cross entropy of sigmoid(logits)
// against labels, computed on the logits directly:
//
//	l = max(x,0) - x*y + log(1 + exp(-|x|))
//
// The second return value is dL/dlogits with the same (B x 1) shape.
func BCEWithLogits(logits *mat.Dense, labels []float64) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if c != 1 {
		panic("BCEWithLogits expects (B x 1) logits")
	}
	if r != len(labels) {
		panic(fmt.Sprintf("BCEWithLogits: %d logits vs %d labels", r, len(labels)))
	}
	grad := mat.NewDense(r, 1, nil)
	inv := 1.0 / float64(r)
	sum := 0.0
	for i := 0; i < r; i++ {
		x, y := logits.At(i, 0), labels[i]
		sum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		grad.Set(i, 0, (Sigmoid(x)-y)*inv)
	}
	return sum * inv, grad
}

// BinaryAccuracy is the fraction of rows where round(sigmoid(logit)) == label.
func BinaryAccuracy(logits *mat.Dense, labels []float64) float64 {
	r, _ := logits.Dims()
	if r == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < r; i++ {
		if math.Round(Sigmoid(logits.At(i, 0))) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(r)
}

// ---------- Init ----------

// RandomArray draws size values uniformly from [-1/sqrt(v), 1/sqrt(v)].
func RandomArray(rng *rand.Rand, size int, v float64) []float64 {
	min := -1.0 / math.Sqrt(v+1e-12)
	max := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = min + (max-min)*rng.Float64()
	}
	return out
}

// NormalArray draws size values from N(0, 1).
func NormalArray(rng *rand.Rand, size int) []float64 {
	out := make([]float64, size)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

// ---------- Norms / clipping ----------

// MatrixNorm is the Frobenius norm.
func MatrixNorm(m *mat.Dense) float64 {
	return mat.Norm(m, 2)
}

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
