package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// EpochStats is what the loop reports after the validation pass of an epoch.
type EpochStats struct {
	Epoch      int // 1-based
	Duration   time.Duration
	TrainLoss  float64
	TrainAcc   float64
	ValidLoss  float64
	ValidAcc   float64
	Checkpoint bool // a new best checkpoint was written
}

// TestStats is the single evaluation of the best checkpoint on the test split.
type TestStats struct {
	Loss, Acc float64
	BestEpoch int
}

type Sink interface {
	Epoch(EpochStats) error
	Final(TestStats) error
	Close() error
}

// Console prints the tutorial-style progress lines and, at the end, a plot of
// validation accuracy per epoch.
type Console struct {
	W io.Writer

	validAcc []float64
}

func NewConsole(w io.Writer) *Console { return &Console{W: w} }

func epochTime(d time.Duration) (int, int) {
	secs := int(d.Seconds())
	return secs / 60, secs % 60
}

func (c *Console) Epoch(s EpochStats) error {
	c.validAcc = append(c.validAcc, s.ValidAcc)
	mins, secs := epochTime(s.Duration)
	saved := ""
	if s.Checkpoint {
		saved = " (saved)"
	}
	_, err := fmt.Fprintf(c.W, "Epoch: %02d | Epoch Time: %dm %ds%s\n"+
		"\tTrain Loss: %.3f | Train Acc: %.2f%%\n"+
		"\t Val. Loss: %.3f |  Val. Acc: %.2f%%\n",
		s.Epoch, mins, secs, saved,
		s.TrainLoss, s.TrainAcc*100,
		s.ValidLoss, s.ValidAcc*100)
	return err
}

func (c *Console) Final(s TestStats) error {
	if len(c.validAcc) > 1 {
		fmt.Fprintln(c.W, "Validation accuracy by epoch:")
		Plot(c.W, c.validAcc)
	}
	_, err := fmt.Fprintf(c.W, "Test Loss: %.3f | Test Acc: %.2f%% (best epoch %d)\n", s.Loss, s.Acc*100, s.BestEpoch)
	return err
}

func (*Console) Close() error { return nil }

// CSV appends one row per epoch and a final "test" row.
type CSV struct {
	f *os.File
	w *csv.Writer
}

// NewCSV creates or truncates path.
func NewCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"epoch", "seconds", "train_loss", "train_acc", "valid_loss", "valid_acc", "saved"}); err != nil {
		f.Close()
		return nil, err
	}
	return &CSV{f: f, w: w}, nil
}

func ftoa(x float64) string { return strconv.FormatFloat(x, 'f', 6, 64) }

func (c *CSV) Epoch(s EpochStats) error {
	c.w.Write([]string{
		strconv.Itoa(s.Epoch), ftoa(s.Duration.Seconds()),
		ftoa(s.TrainLoss), ftoa(s.TrainAcc),
		ftoa(s.ValidLoss), ftoa(s.ValidAcc),
		strconv.FormatBool(s.Checkpoint),
	})
	c.w.Flush()
	return c.w.Error()
}

func (c *CSV) Final(s TestStats) error {
	c.w.Write([]string{"test", "", "", "", ftoa(s.Loss), ftoa(s.Acc), strconv.Itoa(s.BestEpoch)})
	c.w.Flush()
	return c.w.Error()
}

func (c *CSV) Close() error {
	c.w.Flush()
	return errors.Join(c.w.Error(), c.f.Close())
}

// Multi fans every call out to all sinks and joins their errors.
type Multi []Sink

func (m Multi) Epoch(s EpochStats) error {
	var errs []error
	for _, k := range m {
		errs = append(errs, k.Epoch(s))
	}
	return errors.Join(errs...)
}

func (m Multi) Final(s TestStats) error {
	var errs []error
	for _, k := range m {
		errs = append(errs, k.Final(s))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, k := range m {
		errs = append(errs, k.Close())
	}
	return errors.Join(errs...)
}
