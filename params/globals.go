package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Reserved vocabulary entries. Their indices are fixed by the vocab builder.
const (
	UnkToken = "<unk>"
	PadToken = "<pad>"
	UnkIdx   = 0
	PadIdx   = 1
)

// Embed structs
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// Size returns |V| including the reserved tokens.
func (v Vocabulary) Size() int { return len(v.IDToToken) }

// Lookup maps tok to its index, collapsing unknown tokens to UnkIdx.
func (v Vocabulary) Lookup(tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return UnkIdx
}

type TrainingConfig struct {
	// Vocabulary / embeddings
	MaxVocabSize int  // cap on non-special tokens
	EmbeddingDim int  // E
	Lowercase    bool // lowercase before tokenizing (GloVe 6B vectors are lowercased)

	// Model
	HiddenDim     int // H, per direction
	OutputDim     int
	NumLayers     int
	Bidirectional bool
	Dropout       float64

	// Optimization
	LearningRate float64
	AdamBeta1    float64 // default 0.9
	AdamBeta2    float64 // default 0.999
	AdamEps      float64 // default 1e-8
	WeightDecay  float64 // AdamW-style, 0 disables
	GradClip     float64 // <=0 disables

	// Loop
	Epochs     int
	BatchSize  int
	BucketPool int     // batches per length-sorting pool
	ValidFrac  float64 // fraction of the train split held out for validation
	Seed       uint64

	// Paths
	DataDir       string // aclImdb root or a .tsv file
	TestPath      string // optional separate test .tsv
	VectorsPath   string // GloVe text vectors, empty = random init
	TokenizerPath string // tokenizer.json, empty = rule tokenizer
	CheckpointDir string
	LogCSV        string
	RunDB         string // sqlite run history, empty disables
	CacheDir      string // token-id cache, empty disables
}

var Config = TrainingConfig{
	MaxVocabSize: 25_000,
	EmbeddingDim: 100,
	Lowercase:    true,

	HiddenDim:     256,
	OutputDim:     1,
	NumLayers:     2,
	Bidirectional: true,
	Dropout:       0.5,

	LearningRate: 1e-3,
	AdamBeta1:    0.9,
	AdamBeta2:    0.999,
	AdamEps:      1e-8,
	WeightDecay:  0.01,
	GradClip:     0,

	Epochs:     5,
	BatchSize:  64,
	BucketPool: 100,
	ValidFrac:  0.3,
	Seed:       1234,

	DataDir:       "data/aclImdb",
	VectorsPath:   "",
	CheckpointDir: "models",
	LogCSV:        "training_log.csv",
	RunDB:         "",
	CacheDir:      "",
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks the ranges every downstream package relies on.
func (c TrainingConfig) Validate() error {
	switch {
	case c.MaxVocabSize <= 0:
		return fmt.Errorf("%w: MaxVocabSize must be > 0", ErrInvalidConfig)
	case c.EmbeddingDim <= 0 || c.HiddenDim <= 0 || c.OutputDim <= 0:
		return fmt.Errorf("%w: dimensions must be > 0", ErrInvalidConfig)
	case c.OutputDim != 1:
		return fmt.Errorf("%w: binary classifier needs OutputDim 1, got %d", ErrInvalidConfig, c.OutputDim)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: NumLayers must be > 0", ErrInvalidConfig)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: Dropout must be in [0,1), got %g", ErrInvalidConfig, c.Dropout)
	case c.Epochs <= 0 || c.BatchSize <= 0:
		return fmt.Errorf("%w: Epochs and BatchSize must be > 0", ErrInvalidConfig)
	case c.ValidFrac <= 0 || c.ValidFrac >= 1:
		return fmt.Errorf("%w: ValidFrac must be in (0,1), got %g", ErrInvalidConfig, c.ValidFrac)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: LearningRate must be > 0", ErrInvalidConfig)
	}
	return nil
}

// LoadJSON overlays the fields present in the file onto c.
func (c *TrainingConfig) LoadJSON(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}
