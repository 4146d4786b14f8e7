package IO

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manningwu07/SentimentLSTM/params"
)

var ErrEmptyReview = errors.New("empty review")

// Review is one raw labeled document.
type Review struct {
	Source string // file path or "file:line"
	Text   string
	Label  float64
}

// LoadIMDB reads <root>/<split>/pos/*.txt and <root>/<split>/neg/*.txt, the
// aclImdb layout. Files are read in sorted order so runs are reproducible.
func LoadIMDB(root, split string) ([]Review, error) {
	var out []Review
	for _, class := range []struct {
		dir   string
		label float64
	}{{"pos", 1}, {"neg", 0}} {
		dir := filepath.Join(root, split, class.dir)
		files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no reviews under %s", dir)
		}
		sort.Strings(files)
		for _, p := range files {
			b, err := os.ReadFile(p)
			if err != nil {
				return nil, err
			}
			text := strings.TrimSpace(string(b))
			if text == "" {
				return nil, fmt.Errorf("%w: %s", ErrEmptyReview, p)
			}
			out = append(out, Review{Source: p, Text: text, Label: class.label})
		}
	}
	return out, nil
}

// LoadTSV reads "label<TAB>text" lines. Labels are 1/0 or pos/neg.
func LoadTSV(path string) ([]Review, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTSV(f, path)
}

func ReadTSV(r io.Reader, name string) ([]Review, error) {
	var out []Review
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lab, text, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("%s:%d: missing tab", name, lineNo)
		}
		var label float64
		switch strings.ToLower(strings.TrimSpace(lab)) {
		case "1", "pos", "positive":
			label = 1
		case "0", "neg", "negative":
			label = 0
		default:
			return nil, fmt.Errorf("%s:%d: bad label %q", name, lineNo, lab)
		}
		text = strings.TrimSpace(text)
		src := fmt.Sprintf("%s:%d", name, lineNo)
		if text == "" {
			return nil, fmt.Errorf("%w: %s", ErrEmptyReview, src)
		}
		out = append(out, Review{Source: src, Text: text, Label: label})
	}
	return out, sc.Err()
}

// LoadSplit dispatches on path: a .tsv file or an aclImdb root.
func LoadSplit(path, split string) ([]Review, error) {
	if strings.HasSuffix(path, ".tsv") {
		return LoadTSV(path)
	}
	return LoadIMDB(path, split)
}

// TokenizeAll tokenizes every review. A review with no tokens is an error.
func TokenizeAll(tok Tokenizer, revs []Review) ([][]string, error) {
	out := make([][]string, len(revs))
	for i, r := range revs {
		toks, err := tok.Tokenize(r.Text)
		if err != nil {
			return nil, fmt.Errorf("tokenize %s: %w", r.Source, err)
		}
		if len(toks) == 0 {
			return nil, fmt.Errorf("%w: %s has no tokens", ErrEmptyReview, r.Source)
		}
		out[i] = toks
	}
	return out, nil
}

// EncodeAll pairs token ids with labels.
func EncodeAll(v params.Vocabulary, docs [][]string, revs []Review) []Example {
	out := make([]Example, len(docs))
	for i, d := range docs {
		out[i] = Example{IDs: Encode(v, d), Label: revs[i].Label}
	}
	return out
}
