package lstm

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/utils"
	"gonum.org/v1/gonum/mat"
)

var testVocab = []string{params.UnkToken, params.PadToken, "a", "b", "c", "d", "e", "f"}

func TestFileStoreRoundTrip(t *testing.T) {
	m := testModel(t, testConfig(true, 2))
	fs := &FileStore{Dir: filepath.Join(t.TempDir(), "models"), Vocab: testVocab}
	key, err := fs.Save(m)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(key) != "best_model.gob" {
		t.Fatalf("key = %s", key)
	}

	b := testBatch()
	want, _, _ := m.Forward(b, false)
	wantLoss, _ := utils.BCEWithLogits(want, b.Labels)

	// scramble, then restore from disk
	for _, p := range m.Tensors() {
		p.W.Scale(0.5, p.W)
	}
	snap, err := fs.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := snap.Apply(m); err != nil {
		t.Fatal(err)
	}
	got, _, _ := m.Forward(b, false)
	gotLoss, _ := utils.BCEWithLogits(got, b.Labels)
	if !mat.Equal(got, want) || gotLoss != wantLoss {
		t.Fatalf("restored loss %g, saved %g", gotLoss, wantLoss)
	}
}

func TestFileStoreOverwritesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	fs := &FileStore{Dir: dir, Vocab: testVocab}
	m := testModel(t, testConfig(false, 1))
	for i := 0; i < 3; i++ {
		if _, err := fs.Save(m); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir holds %v, want only the checkpoint", names)
	}
}

func TestApplyRejectsShapeMismatch(t *testing.T) {
	small := testModel(t, testConfig(true, 1))
	cfg := testConfig(true, 1)
	cfg.HiddenDim = 3
	big := testModel(t, cfg)

	err := TakeSnapshot(small, testVocab).Apply(big)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
	err = TakeSnapshot(small, testVocab).Apply(testModel(t, testConfig(true, 2)))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("layer count: err = %v, want ErrShapeMismatch", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := testModel(t, testConfig(true, 1))
	s := TakeSnapshot(m, testVocab)
	before := s.Tensors[len(s.Tensors)-1].Data[0]
	m.FcB.Set(0, 0, before+1)
	if s.Tensors[len(s.Tensors)-1].Data[0] != before {
		t.Fatal("snapshot aliases model memory")
	}
}

func TestLoadClassifier(t *testing.T) {
	m := testModel(t, testConfig(true, 2))
	fs := &FileStore{Dir: t.TempDir(), Vocab: testVocab}
	key, err := fs.Save(m)
	if err != nil {
		t.Fatal(err)
	}
	got, vocab, err := LoadClassifier(key, rand.New(rand.NewPCG(9, 9)))
	if err != nil {
		t.Fatal(err)
	}
	if vocab.Size() != len(testVocab) || vocab.Lookup("c") != 4 {
		t.Fatalf("vocab not restored: %v", vocab.IDToToken)
	}
	ids := []int{vocab.Lookup("a"), vocab.Lookup("zzz"), vocab.Lookup("e")}
	p1, _ := m.Predict(ids)
	p2, err := got.Predict(ids)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("loaded model predicts %g, original %g", p2, p1)
	}
}

func TestLoadClassifierRejectsVocabMismatch(t *testing.T) {
	m := testModel(t, testConfig(true, 1))
	fs := &FileStore{Dir: t.TempDir(), Vocab: testVocab[:5]}
	key, err := fs.Save(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadClassifier(key, rand.New(rand.NewPCG(1, 1))); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestPackedReverseIsInvolution(t *testing.T) {
	b := IO.NewBatch([]IO.Example{{IDs: []int{1, 2, 3}}, {IDs: []int{4, 5}}, {IDs: []int{6}}})
	lengths := b.Lengths
	bs := batchSizesFor(lengths)
	if want := []int{3, 2, 1}; bs[0] != want[0] || bs[1] != want[1] || bs[2] != want[2] {
		t.Fatalf("batch sizes %v, want %v", bs, want)
	}
	steps := make([]*mat.Dense, len(bs))
	for s, n := range bs {
		steps[s] = mat.NewDense(n, 1, nil)
		for r := 0; r < n; r++ {
			steps[s].Set(r, 0, float64(b.Tokens[s][r]))
		}
	}
	p := &packed{lengths: lengths, batchSizes: bs, steps: steps}
	r := p.reverse()
	// row 1 is [4 5]; reversed it starts with 5
	if r.steps[0].At(1, 0) != 5 || r.steps[1].At(1, 0) != 4 {
		t.Fatalf("row 1 reversed wrong: %v %v", r.steps[0].At(1, 0), r.steps[1].At(1, 0))
	}
	rr := r.reverse()
	for s := range steps {
		if !mat.Equal(rr.steps[s], steps[s]) {
			t.Fatalf("step %d differs after double reverse", s)
		}
	}
	if fr := r.finalRows(); fr.At(0, 0) != 1 || fr.At(1, 0) != 4 || fr.At(2, 0) != 6 {
		t.Fatalf("final rows of reversed = %v", mat.Formatted(fr))
	}
}

func TestFileStoreCheckpointIsWorldReadable(t *testing.T) {
	fs := &FileStore{Dir: t.TempDir(), Vocab: testVocab}
	key, err := fs.Save(testModel(t, testConfig(false, 1)))
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(key)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Fatalf("checkpoint mode %o, want 644", perm)
	}
}

func TestSnapshotKeepsTokenization(t *testing.T) {
	fs := &FileStore{
		Dir:   t.TempDir(),
		Vocab: testVocab,
		Tok:   &Tokenization{Lowercase: false},
	}
	key, err := fs.Save(testModel(t, testConfig(true, 1)))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := LoadSnapshot(key)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Tok == nil || snap.Tok.Lowercase || snap.Tok.TokenizerPath != "" {
		t.Fatalf("tokenization = %+v", snap.Tok)
	}
	tok, ok, err := snap.Tokenizer()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	toks, err := tok.Tokenize("Great Movie")
	if err != nil {
		t.Fatal(err)
	}
	if len(toks) != 2 || toks[0] != "Great" {
		t.Fatalf("tokens %q: checkpoint casing not applied", toks)
	}

	// memory-only snapshots carry no tokenizer
	if _, ok, _ := TakeSnapshot(testModel(t, testConfig(true, 1)), testVocab).Tokenizer(); ok {
		t.Fatal("snapshot without settings reported a tokenizer")
	}
}

func TestSnapshotTokenizerMissingFile(t *testing.T) {
	s := &Snapshot{Tok: &Tokenization{TokenizerPath: filepath.Join(t.TempDir(), "missing.json")}}
	if _, ok, err := s.Tokenizer(); err == nil || !ok {
		t.Fatalf("ok=%v err=%v, want an error for a missing tokenizer file", ok, err)
	}
}
