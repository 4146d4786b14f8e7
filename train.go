package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/lstm"
	"github.com/manningwu07/SentimentLSTM/params"
	"github.com/manningwu07/SentimentLSTM/report"
	"github.com/manningwu07/SentimentLSTM/training"
	"gonum.org/v1/gonum/mat"
)

type splits struct {
	train, valid, test []IO.Example
	vocab              params.Vocabulary
}

// loadSplits reads, tokenizes and encodes the data. The vocabulary is built
// from the training part only, after the validation hold-out.
func loadSplits(cfg params.TrainingConfig) (*splits, error) {
	if s, ok, err := loadCached(cfg); ok || err != nil {
		if ok {
			log.Printf("token cache: %s", cfg.CacheDir)
		}
		return s, err
	}

	trainRevs, err := IO.LoadSplit(cfg.DataDir, "train")
	if err != nil {
		return nil, err
	}
	testSrc := cfg.TestPath
	if testSrc == "" {
		if strings.HasSuffix(cfg.DataDir, ".tsv") {
			return nil, fmt.Errorf("%w: a .tsv data file needs a separate test file", params.ErrInvalidConfig)
		}
		testSrc = cfg.DataDir
	}
	testRevs, err := IO.LoadSplit(testSrc, "test")
	if err != nil {
		return nil, err
	}

	tok, err := IO.NewTokenizer(cfg.TokenizerPath, cfg.Lowercase)
	if err != nil {
		return nil, err
	}
	trainRevs, validRevs := IO.Split(trainRevs, cfg.ValidFrac, cfg.Seed)
	trainDocs, err := IO.TokenizeAll(tok, trainRevs)
	if err != nil {
		return nil, err
	}
	validDocs, err := IO.TokenizeAll(tok, validRevs)
	if err != nil {
		return nil, err
	}
	testDocs, err := IO.TokenizeAll(tok, testRevs)
	if err != nil {
		return nil, err
	}

	vocab := IO.BuildVocab(trainDocs, cfg.MaxVocabSize)
	s := &splits{
		train: IO.EncodeAll(vocab, trainDocs, trainRevs),
		valid: IO.EncodeAll(vocab, validDocs, validRevs),
		test:  IO.EncodeAll(vocab, testDocs, testRevs),
		vocab: vocab,
	}
	if cfg.CacheDir != "" {
		if err := saveCached(cfg, s); err != nil {
			return nil, fmt.Errorf("write token cache: %w", err)
		}
	}
	return s, nil
}

// cacheManifest records what a token cache was built from. A cache whose
// manifest differs from the current run is rebuilt.
type cacheManifest struct {
	DataDir       string
	TestPath      string
	TokenizerPath string
	Lowercase     bool
	MaxVocabSize  int
	ValidFrac     float64
	Seed          uint64
	Sources       []sourceStamp
}

// sourceStamp identifies the contents of an input file or directory tree by
// file count, total size and latest modification time.
type sourceStamp struct {
	Path    string
	Files   int
	Bytes   int64
	ModTime int64
}

func stampSource(path, skipDir string) (sourceStamp, error) {
	st := sourceStamp{Path: path}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir != "" && filepath.Clean(p) == filepath.Clean(skipDir) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Files++
		st.Bytes += info.Size()
		st.ModTime = max(st.ModTime, info.ModTime().UnixNano())
		return nil
	})
	return st, err
}

func manifestFor(cfg params.TrainingConfig) (cacheManifest, error) {
	m := cacheManifest{
		DataDir:       cfg.DataDir,
		TestPath:      cfg.TestPath,
		TokenizerPath: cfg.TokenizerPath,
		Lowercase:     cfg.Lowercase,
		MaxVocabSize:  cfg.MaxVocabSize,
		ValidFrac:     cfg.ValidFrac,
		Seed:          cfg.Seed,
	}
	for _, p := range []string{cfg.DataDir, cfg.TestPath, cfg.TokenizerPath} {
		if p == "" {
			continue
		}
		st, err := stampSource(p, cfg.CacheDir)
		if err != nil {
			return m, err
		}
		m.Sources = append(m.Sources, st)
	}
	return m, nil
}

// loadCached returns the cached splits when the cache in cfg.CacheDir was
// built from the same data and data-affecting settings as cfg.
func loadCached(cfg params.TrainingConfig) (*splits, bool, error) {
	dir := cfg.CacheDir
	if dir == "" {
		return nil, false, nil
	}
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, false, nil
	}
	var stored cacheManifest
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.Printf("token cache %s: unreadable manifest, rebuilding", dir)
		return nil, false, nil
	}
	want, err := manifestFor(cfg)
	if err != nil {
		return nil, false, err
	}
	if !reflect.DeepEqual(stored, want) {
		log.Printf("token cache %s is stale, rebuilding", dir)
		return nil, false, nil
	}

	vocabPath := filepath.Join(dir, "vocab.json")
	if _, err := os.Stat(vocabPath); err != nil {
		return nil, false, nil
	}
	for _, name := range []string{"train", "valid", "test"} {
		if !IO.CacheExists(filepath.Join(dir, name)) {
			return nil, false, nil
		}
	}
	vocab, err := IO.ImportVocabJSON(vocabPath)
	if err != nil {
		return nil, false, err
	}
	s := &splits{vocab: vocab}
	for _, p := range []struct {
		name string
		dst  *[]IO.Example
	}{{"train", &s.train}, {"valid", &s.valid}, {"test", &s.test}} {
		if *p.dst, err = IO.ImportSplit(filepath.Join(dir, p.name)); err != nil {
			return nil, false, err
		}
	}
	return s, true, nil
}

// saveCached writes the manifest last, so a partial cache is never reused.
func saveCached(cfg params.TrainingConfig, s *splits) error {
	dir := cfg.CacheDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	manifestPath := filepath.Join(dir, "manifest.json")
	if err := os.Remove(manifestPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := IO.ExportVocabJSON(s.vocab, filepath.Join(dir, "vocab.json")); err != nil {
		return err
	}
	for name, exs := range map[string][]IO.Example{"train": s.train, "valid": s.valid, "test": s.test} {
		if err := IO.ExportSplit(filepath.Join(dir, name), exs); err != nil {
			return err
		}
	}
	m, err := manifestFor(cfg)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(manifestPath, raw, 0o644)
}

// openSinks returns every configured sink. db is nil without a run database.
func openSinks(cfg params.TrainingConfig) (sinks report.Multi, db *report.SQLite, err error) {
	sinks = report.Multi{report.NewConsole(os.Stdout)}
	if cfg.LogCSV != "" {
		c, err := report.NewCSV(cfg.LogCSV)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, c)
	}
	if cfg.RunDB != "" {
		db, err = report.OpenSQLite(cfg.RunDB, cfg)
		if err != nil {
			sinks.Close()
			return nil, nil, err
		}
		log.Printf("run %s recorded in %s", db.RunID, cfg.RunDB)
		sinks = append(sinks, db)
	}
	return sinks, db, nil
}

// logHistory reads the run back from the database and logs which epochs
// produced a checkpoint.
func logHistory(db *report.SQLite) error {
	hist, err := db.History()
	if err != nil {
		return fmt.Errorf("run history: %w", err)
	}
	var saved []int
	for _, h := range hist {
		if h.Saved {
			saved = append(saved, h.Epoch)
		}
	}
	log.Printf("run %s: %d epochs stored, checkpoints after epochs %v", db.RunID, len(hist), saved)
	return nil
}

// TrainClassifier runs the whole pipeline: data, vectors, model, training,
// test evaluation of the best checkpoint.
func TrainClassifier(ctx context.Context, cfg params.TrainingConfig) error {
	t1 := time.Now()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))

	data, err := loadSplits(cfg)
	if err != nil {
		return fmt.Errorf("load data: %w", err)
	}
	log.Printf("train %d | valid %d | test %d | vocab %d",
		len(data.train), len(data.valid), len(data.test), data.vocab.Size())

	var pretrained *mat.Dense
	if cfg.VectorsPath != "" {
		var found int
		pretrained, found, err = IO.LoadVectors(cfg.VectorsPath, data.vocab, cfg.EmbeddingDim, rng)
		if err != nil {
			return fmt.Errorf("load vectors: %w", err)
		}
		log.Printf("vectors: %d / %d vocab words found in %s", found, data.vocab.Size(), cfg.VectorsPath)
	}

	model, err := lstm.NewClassifier(lstm.ConfigFrom(cfg, data.vocab.Size()), pretrained, rng)
	if err != nil {
		return err
	}
	log.Printf("model has %d trainable parameters", model.CountParameters())

	sinks, db, err := openSinks(cfg)
	if err != nil {
		return err
	}
	defer sinks.Close()

	store := &lstm.FileStore{
		Dir:   cfg.CheckpointDir,
		Vocab: data.vocab.IDToToken,
		Tok:   &lstm.Tokenization{TokenizerPath: cfg.TokenizerPath, Lowercase: cfg.Lowercase},
	}
	runner := training.NewRunner(cfg, model, store, sinks)
	res, err := runner.Run(ctx,
		IO.NewBucketIterator(data.train, cfg.BatchSize, cfg.BucketPool, true, cfg.Seed+2),
		IO.NewBucketIterator(data.valid, cfg.BatchSize, 0, false, 0),
		IO.NewBucketIterator(data.test, cfg.BatchSize, 0, false, 0),
	)
	if err != nil {
		return err
	}
	log.Printf("best epoch %d (val loss %.3f, %d saves) -> %s", res.BestEpoch, res.BestLoss, res.Saves, res.BestKey)
	if db != nil {
		if err := logHistory(db); err != nil {
			return err
		}
	}
	log.Printf("time taken to train: %s", time.Since(t1).Round(time.Second))
	return nil
}
