package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/lstm"
	"github.com/manningwu07/SentimentLSTM/optimizations"
	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/report"
	"github.com/manningwu07/SentimentLSTM/utils"
)

var ErrNoCheckpoint = errors.New("no checkpoint was saved")

// BatchSource yields one full, ordered pass over a split per call.
type BatchSource interface {
	Batches() []*IO.Batch
}

// Batches adapts a fixed slice of batches to BatchSource.
type Batches []*IO.Batch

func (b Batches) Batches() []*IO.Batch { return b }

// Optimizer applies one update from gradients paired with their parameters.
type Optimizer interface {
	Step(ps []optimizations.Param)
}

// State is the best-checkpoint bookkeeping threaded through the loop.
type State struct {
	BestLoss  float64
	BestKey   string
	BestEpoch int
	Saves     int
}

func NewState() State { return State{BestLoss: math.Inf(1)} }

// Improve reports whether loss should replace the current best. Non-finite
// losses never do.
func (s State) Improve(loss float64) bool {
	return utils.IsFinite(loss) && loss < s.BestLoss
}

// Observe records the validation loss of epoch. When it improves on the best
// so far, save is called and its key becomes the new best. It reports whether
// a checkpoint was written.
func (s *State) Observe(epoch int, loss float64, save func() (string, error)) (bool, error) {
	if !s.Improve(loss) {
		return false, nil
	}
	key, err := save()
	if err != nil {
		return false, fmt.Errorf("save checkpoint: %w", err)
	}
	s.BestLoss, s.BestKey, s.BestEpoch = loss, key, epoch
	s.Saves++
	return true, nil
}

// Result is the outcome of a full run.
type Result struct {
	State
	TestLoss, TestAcc float64
}

type Runner struct {
	Model  *lstm.Classifier
	Opt    Optimizer
	Store  lstm.Store
	Sink   report.Sink
	Epochs int
}

// NewRunner wires an AdamW optimizer to model with the pad embedding row
// frozen, and gives the model its own seeded dropout stream.
func NewRunner(cfg params.TrainingConfig, model *lstm.Classifier, store lstm.Store, sink report.Sink) *Runner {
	model.SetRand(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xd1b54a32d192ed03)))
	opt := optimizations.NewAdamW(cfg)
	opt.Freeze("embedding", model.Cfg.PadIdx)
	return &Runner{Model: model, Opt: opt, Store: store, Sink: sink, Epochs: cfg.Epochs}
}

func pair(m *lstm.Classifier, g *lstm.Grads) []optimizations.Param {
	ps := m.Tensors()
	gs := g.Tensors()
	out := make([]optimizations.Param, len(ps))
	for i := range ps {
		out[i] = optimizations.Param{Name: ps[i].Name, Value: ps[i].W, Grad: gs[i].W}
	}
	return out
}

// TrainEpoch runs one optimization pass and returns mean batch loss and
// accuracy.
func TrainEpoch(ctx context.Context, m *lstm.Classifier, opt Optimizer, src BatchSource) (float64, float64, error) {
	var lossSum, accSum float64
	batches := src.Batches()
	if len(batches) == 0 {
		return 0, 0, errors.New("train split has no batches")
	}
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		logits, tape, err := m.Forward(b, true)
		if err != nil {
			return 0, 0, fmt.Errorf("train batch %d: %w", i, err)
		}
		loss, dLogits := utils.BCEWithLogits(logits, b.Labels)
		acc := utils.BinaryAccuracy(logits, b.Labels)
		opt.Step(pair(m, m.Backward(tape, dLogits)))
		lossSum += loss
		accSum += acc
	}
	n := float64(len(batches))
	return lossSum / n, accSum / n, nil
}

// Evaluate measures mean batch loss and accuracy with dropout off and no
// parameter updates. Batches run in order on the calling goroutine.
func Evaluate(ctx context.Context, m *lstm.Classifier, src BatchSource) (float64, float64, error) {
	batches := src.Batches()
	if len(batches) == 0 {
		return 0, 0, errors.New("evaluation split has no batches")
	}
	var lossSum, accSum float64
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		logits, _, err := m.Forward(b, false)
		if err != nil {
			return 0, 0, fmt.Errorf("eval batch %d: %w", i, err)
		}
		loss, _ := utils.BCEWithLogits(logits, b.Labels)
		lossSum += loss
		accSum += utils.BinaryAccuracy(logits, b.Labels)
	}
	n := float64(len(batches))
	return lossSum / n, accSum / n, nil
}

// Run trains for r.Epochs, keeping the checkpoint with the lowest validation
// loss, then reloads it and evaluates test once.
func (r *Runner) Run(ctx context.Context, train, valid, test BatchSource) (Result, error) {
	st := NewState()
	for e := 1; e <= r.Epochs; e++ {
		start := time.Now()
		trLoss, trAcc, err := TrainEpoch(ctx, r.Model, r.Opt, train)
		if err != nil {
			return Result{State: st}, fmt.Errorf("epoch %d: %w", e, err)
		}
		vLoss, vAcc, err := Evaluate(ctx, r.Model, valid)
		if err != nil {
			return Result{State: st}, fmt.Errorf("epoch %d: %w", e, err)
		}

		saved, err := st.Observe(e, vLoss, func() (string, error) { return r.Store.Save(r.Model) })
		if err != nil {
			return Result{State: st}, err
		}
		if r.Sink != nil {
			err := r.Sink.Epoch(report.EpochStats{
				Epoch: e, Duration: time.Since(start),
				TrainLoss: trLoss, TrainAcc: trAcc,
				ValidLoss: vLoss, ValidAcc: vAcc,
				Checkpoint: saved,
			})
			if err != nil {
				return Result{State: st}, fmt.Errorf("report epoch %d: %w", e, err)
			}
		}
	}

	if st.BestKey == "" {
		return Result{State: st}, ErrNoCheckpoint
	}
	snap, err := r.Store.Load(st.BestKey)
	if err != nil {
		return Result{State: st}, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := snap.Apply(r.Model); err != nil {
		return Result{State: st}, fmt.Errorf("load checkpoint: %w", err)
	}
	tLoss, tAcc, err := Evaluate(ctx, r.Model, test)
	if err != nil {
		return Result{State: st}, fmt.Errorf("test: %w", err)
	}
	res := Result{State: st, TestLoss: tLoss, TestAcc: tAcc}
	if r.Sink != nil {
		if err := r.Sink.Final(report.TestStats{Loss: tLoss, Acc: tAcc, BestEpoch: st.BestEpoch}); err != nil {
			return res, err
		}
	}
	return res, nil
}
