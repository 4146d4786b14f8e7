package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/lstm"
	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/report"
)

func main() {
	cfgPath := flag.String("config", "", "JSON file overlaying the default training config")
	predict := flag.String("predict", "", "classify one review with the saved checkpoint")
	repl := flag.Bool("repl", false, "interactive review classifier")
	exportVocab := flag.String("export-vocab", "", "write the checkpoint vocabulary to this JSON file")
	ckpt := flag.String("checkpoint", "", "checkpoint file (default <checkpoint-dir>/best_model.gob)")

	c := &params.Config
	flag.StringVar(&c.DataDir, "data", c.DataDir, "aclImdb root or a label<TAB>text .tsv file")
	flag.StringVar(&c.TestPath, "test", c.TestPath, "separate test .tsv (required when -data is a .tsv)")
	flag.StringVar(&c.VectorsPath, "vectors", c.VectorsPath, "GloVe text vectors; empty = random embeddings")
	flag.StringVar(&c.TokenizerPath, "tokenizer", c.TokenizerPath, "tokenizer.json; empty = rule tokenizer")
	flag.StringVar(&c.CheckpointDir, "checkpoint-dir", c.CheckpointDir, "directory for the best checkpoint")
	flag.StringVar(&c.LogCSV, "log-csv", c.LogCSV, "per-epoch CSV log; empty disables")
	flag.StringVar(&c.RunDB, "run-db", c.RunDB, "sqlite run history; empty disables")
	flag.StringVar(&c.CacheDir, "cache", c.CacheDir, "token-id cache directory; empty disables")
	flag.IntVar(&c.Epochs, "epochs", c.Epochs, "training epochs")
	flag.IntVar(&c.BatchSize, "batch", c.BatchSize, "batch size")
	flag.IntVar(&c.HiddenDim, "hidden", c.HiddenDim, "hidden size per direction")
	flag.IntVar(&c.EmbeddingDim, "emb", c.EmbeddingDim, "embedding size")
	flag.IntVar(&c.NumLayers, "layers", c.NumLayers, "stacked LSTM layers")
	flag.IntVar(&c.MaxVocabSize, "max-vocab", c.MaxVocabSize, "vocabulary cap, specials excluded")
	flag.BoolVar(&c.Bidirectional, "bidirectional", c.Bidirectional, "run a backward direction per layer")
	flag.BoolVar(&c.Lowercase, "lowercase", c.Lowercase, "lowercase text before tokenizing")
	flag.Float64Var(&c.Dropout, "dropout", c.Dropout, "dropout probability")
	flag.Float64Var(&c.LearningRate, "lr", c.LearningRate, "AdamW learning rate")
	flag.Float64Var(&c.WeightDecay, "wd", c.WeightDecay, "AdamW decoupled weight decay")
	flag.Float64Var(&c.GradClip, "clip", c.GradClip, "global gradient norm clip; <=0 disables")
	flag.Float64Var(&c.ValidFrac, "valid-frac", c.ValidFrac, "fraction of train held out for validation")
	flag.Uint64Var(&c.Seed, "seed", c.Seed, "random seed")
	flag.Parse()

	if *cfgPath != "" {
		if err := overlayConfig(*cfgPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if err := params.Config.Validate(); err != nil {
		log.Fatal(err)
	}
	if *ckpt == "" {
		*ckpt = filepath.Join(params.Config.CheckpointDir, "best_model.gob")
	}

	switch {
	case *exportVocab != "":
		_, vocab, _ := loadModel(*ckpt)
		if err := IO.ExportVocabJSON(vocab, *exportVocab); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %d tokens to %s\n", vocab.Size(), *exportVocab)
	case *predict != "":
		m, vocab, tok := loadModel(*ckpt)
		p, _, err := PredictText(m, vocab, tok, *predict)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%.4f %s\n", p, sentimentLabel(p))
	case *repl:
		m, vocab, tok := loadModel(*ckpt)
		ChatCLI(m, vocab, tok, os.Stdin, os.Stdout)
	default:
		log.Printf("host: %s", report.HostCPU())
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := TrainClassifier(ctx, params.Config); err != nil {
			log.Fatal(err)
		}
	}
}

// overlayConfig applies the JSON file on top of the defaults, then re-applies
// every flag given on the command line so flags always win.
func overlayConfig(path string) error {
	set := map[string]string{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = f.Value.String() })
	if err := params.Config.LoadJSON(path); err != nil {
		return err
	}
	for name, v := range set {
		if err := flag.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// loadModel restores the checkpoint with the tokenizer it was trained with.
// Older checkpoints without tokenizer settings fall back to the flags.
func loadModel(path string) (*lstm.Classifier, params.Vocabulary, IO.Tokenizer) {
	snap, err := lstm.LoadSnapshot(path)
	if err != nil {
		log.Fatalf("load model: %v", err)
	}
	m, vocab, err := snap.Restore(rand.New(rand.NewPCG(params.Config.Seed, 0)))
	if err != nil {
		log.Fatalf("load model %s: %v", path, err)
	}
	tok, ok, err := snap.Tokenizer()
	if err != nil {
		log.Fatal(err)
	}
	if !ok {
		log.Printf("checkpoint %s has no tokenizer settings, using flags", path)
		return m, vocab, newTokenizer()
	}
	warnTokenizerFlags(*snap.Tok)
	return m, vocab, tok
}

// warnTokenizerFlags logs explicit tokenizer flags that the checkpoint overrides.
func warnTokenizerFlags(used lstm.Tokenization) {
	flag.Visit(func(f *flag.Flag) {
		switch {
		case f.Name == "tokenizer" && params.Config.TokenizerPath != used.TokenizerPath:
			log.Printf("ignoring -tokenizer=%q: checkpoint was trained with %q", params.Config.TokenizerPath, used.TokenizerPath)
		case f.Name == "lowercase" && params.Config.Lowercase != used.Lowercase:
			log.Printf("ignoring -lowercase=%v: checkpoint was trained with %v", params.Config.Lowercase, used.Lowercase)
		}
	})
}

func newTokenizer() IO.Tokenizer {
	tok, err := IO.NewTokenizer(params.Config.TokenizerPath, params.Config.Lowercase)
	if err != nil {
		log.Fatalf("tokenizer: %v", err)
	}
	return tok
}
