package lstm

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/utils"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrEmptySequence = errors.New("empty sequence")
)

// Config is the architecture part of params.TrainingConfig plus the vocab
// layout; it is stored in every checkpoint.
type Config struct {
	VocabSize     int
	EmbeddingDim  int
	HiddenDim     int
	OutputDim     int
	NumLayers     int
	Bidirectional bool
	Dropout       float64
	PadIdx        int
	UnkIdx        int
}

func ConfigFrom(c params.TrainingConfig, vocabSize int) Config {
	return Config{
		VocabSize:     vocabSize,
		EmbeddingDim:  c.EmbeddingDim,
		HiddenDim:     c.HiddenDim,
		OutputDim:     c.OutputDim,
		NumLayers:     c.NumLayers,
		Bidirectional: c.Bidirectional,
		Dropout:       c.Dropout,
		PadIdx:        params.PadIdx,
		UnkIdx:        params.UnkIdx,
	}
}

func (c Config) directions() int {
	if c.Bidirectional {
		return 2
	}
	return 1
}

// Layer is one stacked recurrent layer. Bwd is nil for unidirectional models.
type Layer struct {
	Fwd, Bwd *Cell
}

// Classifier maps a padded batch of token ids to one logit per sequence:
// embedding -> dropout -> stacked (bi)LSTM -> final states -> dropout -> linear.
type Classifier struct {
	Cfg    Config
	Emb    *mat.Dense // (|V| x E)
	Layers []Layer
	FcW    *mat.Dense // (dirs*H x 1)
	FcB    *mat.Dense // (1 x 1)

	rng *rand.Rand
}

// NewClassifier builds the model. pretrained may be nil (random N(0,1)
// embeddings); otherwise it must be (VocabSize x EmbeddingDim). The pad and
// unk rows are zeroed in both cases.
func NewClassifier(cfg Config, pretrained *mat.Dense, rng *rand.Rand) (*Classifier, error) {
	switch {
	case cfg.VocabSize <= 0 || cfg.EmbeddingDim <= 0 || cfg.HiddenDim <= 0 || cfg.NumLayers <= 0:
		return nil, fmt.Errorf("%w: non-positive model size %+v", ErrShapeMismatch, cfg)
	case cfg.OutputDim != 1:
		return nil, fmt.Errorf("%w: OutputDim must be 1, got %d", ErrShapeMismatch, cfg.OutputDim)
	case cfg.PadIdx < 0 || cfg.PadIdx >= cfg.VocabSize || cfg.UnkIdx < 0 || cfg.UnkIdx >= cfg.VocabSize:
		return nil, fmt.Errorf("%w: pad %d / unk %d outside vocab of %d", ErrShapeMismatch, cfg.PadIdx, cfg.UnkIdx, cfg.VocabSize)
	}

	var emb *mat.Dense
	if pretrained != nil {
		r, c := pretrained.Dims()
		if r != cfg.VocabSize || c != cfg.EmbeddingDim {
			return nil, fmt.Errorf("%w: pretrained embeddings are (%d x %d), model wants (%d x %d)",
				ErrShapeMismatch, r, c, cfg.VocabSize, cfg.EmbeddingDim)
		}
		emb = mat.DenseCopyOf(pretrained)
	} else {
		emb = mat.NewDense(cfg.VocabSize, cfg.EmbeddingDim, utils.NormalArray(rng, cfg.VocabSize*cfg.EmbeddingDim))
	}
	zeroRow(emb, cfg.PadIdx)
	zeroRow(emb, cfg.UnkIdx)

	m := &Classifier{Cfg: cfg, Emb: emb, rng: rng}
	in := cfg.EmbeddingDim
	for l := 0; l < cfg.NumLayers; l++ {
		layer := Layer{Fwd: NewCell(rng, in, cfg.HiddenDim)}
		if cfg.Bidirectional {
			layer.Bwd = NewCell(rng, in, cfg.HiddenDim)
		}
		m.Layers = append(m.Layers, layer)
		in = cfg.HiddenDim * cfg.directions()
	}
	feat := cfg.HiddenDim * cfg.directions()
	m.FcW = mat.NewDense(feat, cfg.OutputDim, utils.RandomArray(rng, feat*cfg.OutputDim, float64(feat)))
	m.FcB = mat.NewDense(1, cfg.OutputDim, utils.RandomArray(rng, cfg.OutputDim, float64(feat)))
	return m, nil
}

func zeroRow(m *mat.Dense, i int) {
	row := m.RawRowView(i)
	for j := range row {
		row[j] = 0
	}
}

// SetRand replaces the dropout source.
func (m *Classifier) SetRand(rng *rand.Rand) { m.rng = rng }

// Tensor names a parameter (or gradient) matrix.
type Tensor struct {
	Name string
	W    *mat.Dense
}

// Tensors lists every trainable matrix in a fixed order.
func (m *Classifier) Tensors() []Tensor {
	out := []Tensor{{"embedding", m.Emb}}
	for l, layer := range m.Layers {
		out = append(out, cellTensors(fmt.Sprintf("lstm.%d.fwd", l), layer.Fwd.Wih, layer.Fwd.Whh, layer.Fwd.B)...)
		if layer.Bwd != nil {
			out = append(out, cellTensors(fmt.Sprintf("lstm.%d.bwd", l), layer.Bwd.Wih, layer.Bwd.Whh, layer.Bwd.B)...)
		}
	}
	return append(out, Tensor{"fc.weight", m.FcW}, Tensor{"fc.bias", m.FcB})
}

func cellTensors(prefix string, wih, whh, b *mat.Dense) []Tensor {
	return []Tensor{
		{prefix + ".wih", wih},
		{prefix + ".whh", whh},
		{prefix + ".bias", b},
	}
}

// CountParameters returns the number of trainable scalars.
func (m *Classifier) CountParameters() int {
	n := 0
	for _, t := range m.Tensors() {
		r, c := t.W.Dims()
		n += r * c
	}
	return n
}

// LayerGrads holds both directions of one layer; Bwd is nil when the layer is
// unidirectional.
type LayerGrads struct {
	Fwd, Bwd *CellGrads
}

// Grads mirrors the classifier's parameters.
type Grads struct {
	Emb    *mat.Dense
	Layers []LayerGrads
	FcW    *mat.Dense
	FcB    *mat.Dense
}

// Tensors lists the gradients in the same order as Classifier.Tensors.
func (g *Grads) Tensors() []Tensor {
	out := []Tensor{{"embedding", g.Emb}}
	for l, layer := range g.Layers {
		out = append(out, cellTensors(fmt.Sprintf("lstm.%d.fwd", l), layer.Fwd.Wih, layer.Fwd.Whh, layer.Fwd.B)...)
		if layer.Bwd != nil {
			out = append(out, cellTensors(fmt.Sprintf("lstm.%d.bwd", l), layer.Bwd.Wih, layer.Bwd.Whh, layer.Bwd.B)...)
		}
	}
	return append(out, Tensor{"fc.weight", g.FcW}, Tensor{"fc.bias", g.FcB})
}

type layerTape struct {
	input     *packed
	fwd, bwdR []*stepCache
	outMask   []*mat.Dense // inter-layer dropout on this layer's output
}

// Tape holds the forward caches of one batch for Backward.
type Tape struct {
	perm     []int // perm[i] = original column of sorted row i
	tokens   [][]int
	seq      *packed // embedded, before dropout
	embMask  []*mat.Dense
	layers   []layerTape
	top      *packed // last layer fwd outputs
	topBwdR  *packed // last layer bwd outputs, reversed time
	feat     *mat.Dense
	featMask *mat.Dense
	featD    *mat.Dense
}

// Forward computes (B x 1) logits for batch, columns in the batch's order.
// train enables dropout.
func (m *Classifier) Forward(batch *IO.Batch, train bool) (*mat.Dense, *Tape, error) {
	B := batch.Size()
	if B == 0 {
		return nil, nil, fmt.Errorf("%w: batch has no sequences", ErrEmptySequence)
	}
	if len(batch.Labels) != 0 && len(batch.Labels) != B {
		return nil, nil, fmt.Errorf("%w: %d labels for %d sequences", ErrShapeMismatch, len(batch.Labels), B)
	}
	for b, L := range batch.Lengths {
		if L <= 0 {
			return nil, nil, fmt.Errorf("%w: sequence %d", ErrEmptySequence, b)
		}
		if L > len(batch.Tokens) {
			return nil, nil, fmt.Errorf("%w: sequence %d has length %d but batch is %d long", ErrShapeMismatch, b, L, len(batch.Tokens))
		}
	}

	tp := &Tape{perm: make([]int, B)}
	for i := range tp.perm {
		tp.perm[i] = i
	}
	sort.SliceStable(tp.perm, func(i, j int) bool {
		return batch.Lengths[tp.perm[i]] > batch.Lengths[tp.perm[j]]
	})
	lengths := make([]int, B)
	tp.tokens = make([][]int, B)
	for i, col := range tp.perm {
		L := batch.Lengths[col]
		lengths[i] = L
		row := make([]int, L)
		for t := 0; t < L; t++ {
			id := batch.Tokens[t][col]
			if id < 0 || id >= m.Cfg.VocabSize {
				return nil, nil, fmt.Errorf("%w: token id %d outside vocab of %d", ErrShapeMismatch, id, m.Cfg.VocabSize)
			}
			row[t] = id
		}
		tp.tokens[i] = row
	}

	// 1. embedding lookup
	E := m.Cfg.EmbeddingDim
	bs := batchSizesFor(lengths)
	steps := make([]*mat.Dense, len(bs))
	for t, n := range bs {
		x := mat.NewDense(n, E, nil)
		for r := 0; r < n; r++ {
			copy(x.RawRowView(r), m.Emb.RawRowView(tp.tokens[r][t]))
		}
		steps[t] = x
	}
	tp.seq = &packed{lengths: lengths, batchSizes: bs, steps: steps}
	x, masks := dropoutPacked(m.rng, tp.seq, m.Cfg.Dropout, train)
	tp.embMask = masks

	// 2. recurrent encoding
	for l, layer := range m.Layers {
		lt := layerTape{input: x}
		fOuts, fc := layer.Fwd.run(x)
		lt.fwd = fc
		fwd := x.withSteps(fOuts)
		out := fwd
		var bwdR *packed
		if layer.Bwd != nil {
			bOuts, bc := layer.Bwd.run(x.reverse())
			lt.bwdR = bc
			bwdR = x.withSteps(bOuts)
			out = concat(fwd, bwdR.reverse())
		}
		if l == len(m.Layers)-1 {
			tp.top, tp.topBwdR = fwd, bwdR
		} else {
			out, lt.outMask = dropoutPacked(m.rng, out, m.Cfg.Dropout, train)
		}
		tp.layers = append(tp.layers, lt)
		x = out
	}

	// 3. final states: forward at its last true position, backward after
	// consuming position 0
	feat := tp.top.finalRows()
	if tp.topBwdR != nil {
		bf := tp.topBwdR.finalRows()
		H := m.Cfg.HiddenDim
		joined := mat.NewDense(B, 2*H, nil)
		for b := 0; b < B; b++ {
			row := joined.RawRowView(b)
			copy(row[:H], feat.RawRowView(b))
			copy(row[H:], bf.RawRowView(b))
		}
		feat = joined
	}
	tp.feat = feat
	fr, fcols := feat.Dims()
	tp.featMask = dropoutMask(m.rng, fr, fcols, m.Cfg.Dropout, train)
	tp.featD = applyMask(feat, tp.featMask)

	// 4. projection
	sorted := utils.Dot(tp.featD, m.FcW)
	utils.AddRowVector(sorted, m.FcB)

	logits := mat.NewDense(B, 1, nil)
	for i, col := range tp.perm {
		logits.Set(col, 0, sorted.At(i, 0))
	}
	return logits, tp, nil
}

// Backward returns parameter gradients for dLogits (B x 1, batch order).
// The pad row of the embedding gradient is always zero.
func (m *Classifier) Backward(tp *Tape, dLogits *mat.Dense) *Grads {
	B := len(tp.perm)
	g := &Grads{
		Emb: utils.ZerosLike(m.Emb),
		FcW: utils.ZerosLike(m.FcW),
		FcB: utils.ZerosLike(m.FcB),
	}
	g.Layers = make([]LayerGrads, len(m.Layers))
	for l, layer := range m.Layers {
		g.Layers[l].Fwd = layer.Fwd.newGrads()
		if layer.Bwd != nil {
			g.Layers[l].Bwd = layer.Bwd.newGrads()
		}
	}

	dOut := mat.NewDense(B, 1, nil)
	for i, col := range tp.perm {
		dOut.Set(i, 0, dLogits.At(col, 0))
	}

	// 4. projection
	g.FcW.Add(g.FcW, utils.Dot(tp.featD.T(), dOut))
	utils.ColSumsInto(g.FcB, dOut)
	dFeat := applyMask(utils.Dot(dOut, m.FcW.T()), tp.featMask)

	// 3. final states
	H := m.Cfg.HiddenDim
	dFwd := scatterFinal(tp.top, dFeat, 0, H)
	var dBwdR *packed
	if tp.topBwdR != nil {
		dBwdR = scatterFinal(tp.topBwdR, dFeat, H, 2*H)
	}

	// 2. recurrent encoding, top layer down
	var dX *packed
	for l := len(m.Layers) - 1; l >= 0; l-- {
		layer, lt := m.Layers[l], tp.layers[l]
		if l < len(m.Layers)-1 {
			dY := maskPacked(dX, lt.outMask)
			if layer.Bwd != nil {
				var dBwd *packed
				dFwd, dBwd = split(dY, H)
				dBwdR = dBwd.reverse()
			} else {
				dFwd = dY
			}
		}
		dX = lt.input.withSteps(layer.Fwd.backward(lt.fwd, dFwd.steps, g.Layers[l].Fwd))
		if layer.Bwd != nil {
			dXr := lt.input.withSteps(layer.Bwd.backward(lt.bwdR, dBwdR.steps, g.Layers[l].Bwd))
			dX = add(dX, dXr.reverse())
		}
	}

	// 1. embedding
	dX = maskPacked(dX, tp.embMask)
	for t, d := range dX.steps {
		for r := 0; r < dX.batchSizes[t]; r++ {
			id := tp.tokens[r][t]
			row := g.Emb.RawRowView(id)
			src := d.RawRowView(r)
			for j := range row {
				row[j] += src[j]
			}
		}
	}
	zeroRow(g.Emb, m.Cfg.PadIdx)
	return g
}

// Predict returns sigmoid(logit) for a single sequence of token ids with
// dropout disabled.
func (m *Classifier) Predict(ids []int) (float64, error) {
	if len(ids) == 0 {
		return 0, ErrEmptySequence
	}
	logits, _, err := m.Forward(IO.SingleBatch(ids), false)
	if err != nil {
		return 0, err
	}
	return utils.Sigmoid(logits.At(0, 0)), nil
}
