package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/lstm"
	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/report"
	"github.com/manningwu07/SentimentLSTM/utils"
	"gonum.org/v1/gonum/mat"
)

type memStore struct {
	snaps map[string]*lstm.Snapshot
	saves int
}

func newMemStore() *memStore { return &memStore{snaps: map[string]*lstm.Snapshot{}} }

func (s *memStore) Save(m *lstm.Classifier) (string, error) {
	s.saves++
	key := fmt.Sprintf("mem-%d", s.saves)
	s.snaps[key] = lstm.TakeSnapshot(m, nil)
	return key, nil
}

func (s *memStore) Load(key string) (*lstm.Snapshot, error) {
	snap, ok := s.snaps[key]
	if !ok {
		return nil, fmt.Errorf("no snapshot %q", key)
	}
	return snap, nil
}

type recordSink struct {
	epochs []report.EpochStats
	final  *report.TestStats
}

func (r *recordSink) Epoch(s report.EpochStats) error { r.epochs = append(r.epochs, s); return nil }
func (r *recordSink) Final(s report.TestStats) error  { r.final = &s; return nil }
func (r *recordSink) Close() error                    { return nil }

func TestObserveSavesOnStrictImprovement(t *testing.T) {
	st := NewState()
	n := 0
	save := func() (string, error) {
		n++
		return fmt.Sprintf("k%d", n), nil
	}
	var savedAt []int
	for e, loss := range []float64{0.6, 0.55, 0.58, 0.50} {
		saved, err := st.Observe(e+1, loss, save)
		if err != nil {
			t.Fatal(err)
		}
		if saved {
			savedAt = append(savedAt, e+1)
		}
	}
	if fmt.Sprint(savedAt) != "[1 2 4]" {
		t.Fatalf("saved after epochs %v, want [1 2 4]", savedAt)
	}
	if st.BestEpoch != 4 || st.BestKey != "k3" || st.BestLoss != 0.50 || st.Saves != 3 {
		t.Fatalf("state = %+v", st)
	}

	// equal loss is not an improvement
	if saved, _ := st.Observe(5, 0.50, save); saved {
		t.Fatal("saved on equal loss")
	}
}

func TestObserveSkipsNonFinite(t *testing.T) {
	st := NewState()
	save := func() (string, error) { t.Fatal("save called"); return "", nil }
	for _, loss := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if saved, err := st.Observe(1, loss, save); saved || err != nil {
			t.Fatalf("loss %g: saved=%v err=%v", loss, saved, err)
		}
	}
}

func TestObserveSaveFailureIsFatal(t *testing.T) {
	st := NewState()
	boom := errors.New("disk full")
	_, err := st.Observe(1, 0.3, func() (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if st.BestKey != "" || st.Saves != 0 {
		t.Fatalf("state changed on failed save: %+v", st)
	}
}

// Token 2 marks positive reviews, token 3 negative ones.
func toyExamples(n int, seed uint64) []IO.Example {
	rng := rand.New(rand.NewPCG(seed, seed))
	exs := make([]IO.Example, n)
	for i := range exs {
		label := float64(i % 2)
		ids := make([]int, 2+rng.IntN(5))
		for j := range ids {
			ids[j] = 4 + rng.IntN(4)
		}
		cue := 3
		if label == 1 {
			cue = 2
		}
		ids[rng.IntN(len(ids))] = cue
		exs[i] = IO.Example{IDs: ids, Label: label}
	}
	return exs
}

func toyConfig() params.TrainingConfig {
	cfg := params.Config
	cfg.EmbeddingDim = 4
	cfg.HiddenDim = 3
	cfg.NumLayers = 2
	cfg.Dropout = 0.2
	cfg.LearningRate = 0.05
	cfg.Epochs = 3
	cfg.BatchSize = 8
	cfg.BucketPool = 2
	return cfg
}

func toyRunner(t *testing.T, cfg params.TrainingConfig, store lstm.Store, sink report.Sink) *Runner {
	t.Helper()
	m, err := lstm.NewClassifier(lstm.ConfigFrom(cfg, 8), nil, rand.New(rand.NewPCG(cfg.Seed, 1)))
	if err != nil {
		t.Fatal(err)
	}
	return NewRunner(cfg, m, store, sink)
}

func TestRunReloadsBestCheckpoint(t *testing.T) {
	cfg := toyConfig()
	store := newMemStore()
	sink := &recordSink{}
	r := toyRunner(t, cfg, store, sink)

	train := IO.NewBucketIterator(toyExamples(64, 1), cfg.BatchSize, cfg.BucketPool, true, 3)
	valid := IO.NewBucketIterator(toyExamples(24, 2), cfg.BatchSize, 0, false, 0)
	test := IO.NewBucketIterator(toyExamples(24, 3), cfg.BatchSize, 0, false, 0)

	res, err := r.Run(context.Background(), train, valid, test)
	if err != nil {
		t.Fatal(err)
	}
	if len(sink.epochs) != cfg.Epochs || sink.final == nil {
		t.Fatalf("sink saw %d epochs, final=%v", len(sink.epochs), sink.final)
	}
	if res.Saves != store.saves || res.Saves == 0 {
		t.Fatalf("result saves %d, store saves %d", res.Saves, store.saves)
	}
	bestSeen := math.Inf(1)
	for _, e := range sink.epochs {
		if e.Checkpoint != (e.ValidLoss < bestSeen) {
			t.Fatalf("epoch %d: checkpoint=%v with loss %g (best %g)", e.Epoch, e.Checkpoint, e.ValidLoss, bestSeen)
		}
		bestSeen = math.Min(bestSeen, e.ValidLoss)
	}
	if res.BestLoss != bestSeen {
		t.Fatalf("best loss %g, epochs saw %g", res.BestLoss, bestSeen)
	}

	// the model now holds the best checkpoint: re-evaluating reproduces its loss
	loss, _, err := Evaluate(context.Background(), r.Model, valid)
	if err != nil {
		t.Fatal(err)
	}
	if loss != res.BestLoss {
		t.Fatalf("reloaded model valid loss %g, saved %g", loss, res.BestLoss)
	}
	if sink.final.BestEpoch != res.BestEpoch || sink.final.Loss != res.TestLoss {
		t.Fatalf("final report %+v vs result %+v", *sink.final, res)
	}
}

func TestTrainingLowersLoss(t *testing.T) {
	cfg := toyConfig()
	cfg.Dropout = 0
	cfg.Epochs = 15
	r := toyRunner(t, cfg, newMemStore(), nil)
	exs := toyExamples(64, 1)
	eval := IO.NewBucketIterator(exs, cfg.BatchSize, 0, false, 0)
	before, _, _ := Evaluate(context.Background(), r.Model, eval)

	res, err := r.Run(context.Background(), IO.NewBucketIterator(exs, cfg.BatchSize, 2, true, 5), eval, eval)
	if err != nil {
		t.Fatal(err)
	}
	if res.BestLoss >= before {
		t.Fatalf("loss did not improve: %g -> %g", before, res.BestLoss)
	}
}

func TestSameSeedSameParameters(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 1
	exs := toyExamples(40, 9)
	run := func() *lstm.Classifier {
		r := toyRunner(t, cfg, newMemStore(), nil)
		_, _, err := TrainEpoch(context.Background(), r.Model, r.Opt,
			IO.NewBucketIterator(exs, cfg.BatchSize, cfg.BucketPool, true, 11))
		if err != nil {
			t.Fatal(err)
		}
		return r.Model
	}
	a, b := run(), run()
	at, bt := a.Tensors(), b.Tensors()
	for i := range at {
		if !mat.Equal(at[i].W, bt[i].W) {
			t.Fatalf("%s differs between identical runs", at[i].Name)
		}
	}
}

func TestPadRowStaysZeroThroughTraining(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 1
	r := toyRunner(t, cfg, newMemStore(), nil)
	_, _, err := TrainEpoch(context.Background(), r.Model, r.Opt,
		IO.NewBucketIterator(toyExamples(32, 4), cfg.BatchSize, cfg.BucketPool, true, 1))
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range r.Model.Emb.RawRowView(params.PadIdx) {
		if v != 0 {
			t.Fatalf("pad row = %v", r.Model.Emb.RawRowView(params.PadIdx))
		}
	}
}

func TestRunWithoutFiniteLossHasNoCheckpoint(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 2
	store := newMemStore()
	r := toyRunner(t, cfg, store, nil)
	r.Model.FcB.Set(0, 0, math.NaN())
	src := IO.NewBucketIterator(toyExamples(16, 1), cfg.BatchSize, 0, false, 0)

	_, err := r.Run(context.Background(), src, src, src)
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("err = %v, want ErrNoCheckpoint", err)
	}
	if store.saves != 0 {
		t.Fatalf("%d saves of a NaN model", store.saves)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := toyConfig()
	r := toyRunner(t, cfg, newMemStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := IO.NewBucketIterator(toyExamples(16, 1), cfg.BatchSize, 0, false, 0)
	if _, err := r.Run(ctx, src, src, src); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestEvaluateDoesNotUpdate(t *testing.T) {
	cfg := toyConfig()
	r := toyRunner(t, cfg, newMemStore(), nil)
	before := lstm.TakeSnapshot(r.Model, nil)
	src := Batches(IO.NewBucketIterator(toyExamples(16, 1), 4, 0, false, 0).Batches())
	l1, a1, err := Evaluate(context.Background(), r.Model, src)
	if err != nil {
		t.Fatal(err)
	}
	l2, a2, _ := Evaluate(context.Background(), r.Model, src)
	if l1 != l2 || a1 != a2 {
		t.Fatal("evaluation is not repeatable")
	}
	after := lstm.TakeSnapshot(r.Model, nil)
	for i := range before.Tensors {
		for j, v := range before.Tensors[i].Data {
			if after.Tensors[i].Data[j] != v {
				t.Fatalf("%s changed during evaluation", before.Tensors[i].Name)
			}
		}
	}
}

func TestEvaluateIsPerBatchMeanInOrder(t *testing.T) {
	r := toyRunner(t, toyConfig(), newMemStore(), nil)
	batches := IO.NewBucketIterator(toyExamples(20, 6), 4, 0, false, 0).Batches()

	var wantLoss, wantAcc float64
	for _, b := range batches {
		logits, _, err := r.Model.Forward(b, false)
		if err != nil {
			t.Fatal(err)
		}
		l, _ := utils.BCEWithLogits(logits, b.Labels)
		wantLoss += l
		wantAcc += utils.BinaryAccuracy(logits, b.Labels)
	}
	n := float64(len(batches))
	loss, acc, err := Evaluate(context.Background(), r.Model, Batches(batches))
	if err != nil {
		t.Fatal(err)
	}
	if loss != wantLoss/n || acc != wantAcc/n {
		t.Fatalf("Evaluate = (%g, %g), batch-order mean = (%g, %g)", loss, acc, wantLoss/n, wantAcc/n)
	}

	// the first bad batch in order is the one reported
	bad := []*IO.Batch{batches[0], {Tokens: [][]int{{2}}, Lengths: []int{1}, Labels: []float64{1, 0}}, IO.SingleBatch(nil)}
	_, _, err = Evaluate(context.Background(), r.Model, Batches(bad))
	if !errors.Is(err, lstm.ErrShapeMismatch) || !strings.Contains(err.Error(), "eval batch 1") {
		t.Fatalf("err = %v, want batch 1 shape mismatch", err)
	}
}
