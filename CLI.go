package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/lstm"
	"github.com/manningwu07/SentimentLSTM/params"
)

// ChatCLI reads one review per line and prints its sentiment.
func ChatCLI(m *lstm.Classifier, vocab params.Vocabulary, tok IO.Tokenizer, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	fmt.Fprintln(out, "Sentiment CLI. Type a review, 'exit' to quit.")
	for {
		fmt.Fprint(out, "Review: ")
		if !sc.Scan() {
			break
		}
		input := strings.TrimSpace(sc.Text())
		if input == "exit" {
			break
		}
		if input == "" {
			continue
		}
		p, unk, err := PredictText(m, vocab, tok, input)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		fmt.Fprintf(out, "%s (p=%.4f, %d unknown tokens)\n", sentimentLabel(p), p, unk)
	}
}

// PredictText tokenizes and encodes text with the training vocabulary and
// returns P(positive) plus how many tokens were out of vocabulary.
func PredictText(m *lstm.Classifier, vocab params.Vocabulary, tok IO.Tokenizer, text string) (float64, int, error) {
	toks, err := tok.Tokenize(text)
	if err != nil {
		return 0, 0, err
	}
	if len(toks) == 0 {
		return 0, 0, IO.ErrEmptyReview
	}
	ids := IO.Encode(vocab, toks)
	unk := 0
	for _, id := range ids {
		if id == params.UnkIdx {
			unk++
		}
	}
	p, err := m.Predict(ids)
	return p, unk, err
}

func sentimentLabel(p float64) string {
	if p >= 0.5 {
		return "positive"
	}
	return "negative"
}
