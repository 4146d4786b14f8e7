package IO

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/utils"
	"gonum.org/v1/gonum/mat"
)

var ErrVectorDim = errors.New("vector dimension mismatch")

// LoadVectors builds a (|V| x dim) embedding matrix from a GloVe-format text
// file ("word f1 ... fdim" per line). Vocab tokens missing from the file get
// N(0,1) rows. Returns the matrix and how many vocab tokens were found.
func LoadVectors(path string, v params.Vocabulary, dim int, rng *rand.Rand) (*mat.Dense, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ReadVectors(f, v, dim, rng)
}

func ReadVectors(r io.Reader, v params.Vocabulary, dim int, rng *rand.Rand) (*mat.Dense, int, error) {
	emb := mat.NewDense(v.Size(), dim, utils.NormalArray(rng, v.Size()*dim))
	seen := make([]bool, v.Size())
	found := 0

	br := bufio.NewReaderSize(r, 1<<20) // 1MB buffer
	lineNo := 0
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			lineNo++
			fields := strings.Fields(line)
			// word2vec text files start with a "count dim" header
			header := lineNo == 1 && len(fields) == 2
			if len(fields) > 0 && !header {
				if len(fields)-1 != dim {
					return nil, 0, fmt.Errorf("%w: line %d has %d values, want %d", ErrVectorDim, lineNo, len(fields)-1, dim)
				}
				if id, ok := v.TokenToID[fields[0]]; ok && !seen[id] {
					if perr := parseRow(emb.RawRowView(id), fields[1:]); perr != nil {
						return nil, 0, fmt.Errorf("line %d: %w", lineNo, perr)
					}
					seen[id] = true
					found++
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return emb, found, nil
}

func parseRow(dst []float64, fields []string) error {
	for j, s := range fields {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		dst[j] = x
	}
	return nil
}
