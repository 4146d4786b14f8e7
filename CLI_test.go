package main

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/lstm"
	"github.com/manningwu07/SentimentLSTM/params"
)

func cliModel(t *testing.T) (*lstm.Classifier, params.Vocabulary) {
	t.Helper()
	vocab := IO.BuildVocab([][]string{{"great", "film", "awful"}}, 10)
	cfg := params.Config
	cfg.EmbeddingDim, cfg.HiddenDim, cfg.NumLayers = 4, 3, 1
	m, err := lstm.NewClassifier(lstm.ConfigFrom(cfg, vocab.Size()), nil, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatal(err)
	}
	return m, vocab
}

func TestPredictText(t *testing.T) {
	m, vocab := cliModel(t)
	p, unk, err := PredictText(m, vocab, IO.RuleTokenizer{Lowercase: true}, "Great film, truly")
	if err != nil {
		t.Fatal(err)
	}
	if p <= 0 || p >= 1 {
		t.Fatalf("p = %g", p)
	}
	// "," and "truly" are out of vocabulary
	if unk != 2 {
		t.Fatalf("unk = %d, want 2", unk)
	}
	if _, _, err := PredictText(m, vocab, IO.RuleTokenizer{}, "<br />"); !errors.Is(err, IO.ErrEmptyReview) {
		t.Fatalf("err = %v, want ErrEmptyReview", err)
	}
}

func TestChatCLI(t *testing.T) {
	m, vocab := cliModel(t)
	var out strings.Builder
	ChatCLI(m, vocab, IO.RuleTokenizer{Lowercase: true}, strings.NewReader("awful film\n\nexit\ngreat\n"), &out)
	got := out.String()
	if strings.Count(got, "(p=") != 1 {
		t.Fatalf("expected exactly one prediction before exit:\n%s", got)
	}
	if !strings.Contains(got, "positive") && !strings.Contains(got, "negative") {
		t.Fatalf("no label in output:\n%s", got)
	}
}

func TestSentimentLabel(t *testing.T) {
	if sentimentLabel(0.5) != "positive" || sentimentLabel(0.49) != "negative" {
		t.Fatal("threshold is 0.5")
	}
}
