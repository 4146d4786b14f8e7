package IO

import (
	"math/rand/v2"
	"sort"

	"github.com/manningwu07/SentimentLSTM/params"
)

// Example is one encoded review.
type Example struct {
	IDs   []int
	Label float64 // 1 = positive, 0 = negative
}

// Batch is a padded [L][B] block of token ids (L = longest sequence in the
// batch) with the true length and label of every column.
type Batch struct {
	Tokens  [][]int
	Lengths []int
	Labels  []float64
}

// Size is the number of sequences B.
func (b *Batch) Size() int { return len(b.Lengths) }

// NewBatch pads exs into a Batch. Columns are ordered longest first.
func NewBatch(exs []Example) *Batch {
	sorted := append([]Example(nil), exs...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].IDs) > len(sorted[j].IDs) })

	B := len(sorted)
	L := 0
	if B > 0 {
		L = len(sorted[0].IDs)
	}
	b := &Batch{
		Tokens:  make([][]int, L),
		Lengths: make([]int, B),
		Labels:  make([]float64, B),
	}
	for t := range b.Tokens {
		row := make([]int, B)
		for j := range row {
			row[j] = params.PadIdx
		}
		b.Tokens[t] = row
	}
	for j, ex := range sorted {
		b.Lengths[j] = len(ex.IDs)
		b.Labels[j] = ex.Label
		for t, id := range ex.IDs {
			b.Tokens[t][j] = id
		}
	}
	return b
}

// SingleBatch wraps one unlabeled sequence.
func SingleBatch(ids []int) *Batch {
	b := NewBatch([]Example{{IDs: ids}})
	b.Labels = nil
	return b
}

// BucketIterator groups examples of similar length into batches. Shuffle is
// used for training; evaluation iterators keep a fixed length-sorted order.
type BucketIterator struct {
	Examples  []Example
	BatchSize int
	Pool      int // batches per sorting pool; <=0 sorts the whole split
	Shuffle   bool

	rng *rand.Rand
}

func NewBucketIterator(exs []Example, batchSize, pool int, shuffle bool, seed uint64) *BucketIterator {
	return &BucketIterator{
		Examples:  exs,
		BatchSize: batchSize,
		Pool:      pool,
		Shuffle:   shuffle,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Batches returns one full pass over the split. Calling it again starts a new
// pass; shuffled iterators draw a fresh order every time.
func (it *BucketIterator) Batches() []*Batch {
	idx := make([]int, len(it.Examples))
	for i := range idx {
		idx[i] = i
	}
	byLen := func(s []int) {
		sort.SliceStable(s, func(a, b int) bool {
			return len(it.Examples[s[a]].IDs) < len(it.Examples[s[b]].IDs)
		})
	}

	if !it.Shuffle {
		byLen(idx)
		return it.cut(idx)
	}

	it.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	poolSize := len(idx)
	if it.Pool > 0 {
		poolSize = it.Pool * it.BatchSize
	}
	var out []*Batch
	for start := 0; start < len(idx); start += poolSize {
		end := min(start+poolSize, len(idx))
		chunk := idx[start:end]
		byLen(chunk)
		out = append(out, it.cut(chunk)...)
	}
	it.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (it *BucketIterator) cut(idx []int) []*Batch {
	var out []*Batch
	for start := 0; start < len(idx); start += it.BatchSize {
		end := min(start+it.BatchSize, len(idx))
		exs := make([]Example, 0, end-start)
		for _, i := range idx[start:end] {
			exs = append(exs, it.Examples[i])
		}
		out = append(out, NewBatch(exs))
	}
	return out
}

// Split divides exs into two disjoint parts, the second holding frac of the
// items, using a seeded shuffle.
func Split[T any](exs []T, frac float64, seed uint64) (keep, held []T) {
	idx := make([]int, len(exs))
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	nHeld := int(float64(len(exs))*frac + 0.5)
	for k, i := range idx {
		if k < nHeld {
			held = append(held, exs[i])
		} else {
			keep = append(keep, exs[i])
		}
	}
	return keep, held
}
