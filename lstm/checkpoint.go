package lstm

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/manningwu07/SentimentLSTM/IO"
	"github.com/manningwu07/SentimentLSTM/params"
	"gonum.org/v1/gonum/mat"
)

// Store persists parameter snapshots. Save returns the key Load accepts.
type Store interface {
	Save(m *Classifier) (string, error)
	Load(key string) (*Snapshot, error)
}

type tensorData struct {
	Name string
	R, C int
	Data []float64
}

// Tokenization is how training text was turned into tokens.
type Tokenization struct {
	TokenizerPath string // empty = rule tokenizer
	Lowercase     bool
}

// Snapshot is the on-disk form of a classifier: architecture, every
// parameter tensor, the vocabulary it was trained with and, when recorded,
// the tokenizer settings. Tok is nil in memory-only snapshots.
type Snapshot struct {
	Cfg     Config
	Tensors []tensorData
	Vocab   []string
	Tok     *Tokenization
}

// Tokenizer rebuilds the tokenizer used in training. ok is false when the
// snapshot carries no tokenizer settings.
func (s *Snapshot) Tokenizer() (tok IO.Tokenizer, ok bool, err error) {
	if s.Tok == nil {
		return nil, false, nil
	}
	tok, err = IO.NewTokenizer(s.Tok.TokenizerPath, s.Tok.Lowercase)
	if err != nil {
		return nil, true, fmt.Errorf("checkpoint tokenizer: %w", err)
	}
	return tok, true, nil
}

// TakeSnapshot deep-copies the current parameters of m.
func TakeSnapshot(m *Classifier, vocab []string) *Snapshot {
	s := &Snapshot{Cfg: m.Cfg, Vocab: append([]string(nil), vocab...)}
	for _, t := range m.Tensors() {
		r, c := t.W.Dims()
		raw := mat.DenseCopyOf(t.W).RawMatrix()
		s.Tensors = append(s.Tensors, tensorData{
			Name: t.Name, R: r, C: c,
			Data: append([]float64(nil), raw.Data...),
		})
	}
	return s
}

// Apply copies the snapshot's parameters into m. Names and shapes must match.
func (s *Snapshot) Apply(m *Classifier) error {
	ts := m.Tensors()
	if len(ts) != len(s.Tensors) {
		return fmt.Errorf("%w: checkpoint has %d tensors, model has %d", ErrShapeMismatch, len(s.Tensors), len(ts))
	}
	for i, t := range ts {
		d := s.Tensors[i]
		r, c := t.W.Dims()
		if d.Name != t.Name || d.R != r || d.C != c || len(d.Data) != r*c {
			return fmt.Errorf("%w: checkpoint tensor %s (%d x %d), model %s (%d x %d)",
				ErrShapeMismatch, d.Name, d.R, d.C, t.Name, r, c)
		}
	}
	for i, t := range ts {
		t.W.Copy(mat.NewDense(s.Tensors[i].R, s.Tensors[i].C, s.Tensors[i].Data))
	}
	return nil
}

// Build creates a fresh classifier holding the snapshot's parameters.
func (s *Snapshot) Build(rng *rand.Rand) (*Classifier, error) {
	m, err := NewClassifier(s.Cfg, nil, rng)
	if err != nil {
		return nil, err
	}
	if err := s.Apply(m); err != nil {
		return nil, err
	}
	return m, nil
}

// FileStore keeps a single checkpoint file Dir/Name, overwritten on every
// Save. Writes go to a temp file in Dir and are renamed into place, so an
// interrupted save leaves the previous checkpoint intact.
type FileStore struct {
	Dir   string
	Name  string
	Vocab []string
	Tok   *Tokenization
}

func (fs *FileStore) path() string {
	name := fs.Name
	if name == "" {
		name = "best_model.gob"
	}
	return filepath.Join(fs.Dir, name)
}

func (fs *FileStore) Save(m *Classifier) (string, error) {
	if err := os.MkdirAll(fs.Dir, 0o755); err != nil {
		return "", err
	}
	snap := TakeSnapshot(m, fs.Vocab)
	if fs.Tok != nil {
		tok := *fs.Tok
		snap.Tok = &tok
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	dst := fs.path()
	tmp, err := os.CreateTemp(fs.Dir, ".ckpt-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	// CreateTemp opens with 0600
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

func (fs *FileStore) Load(key string) (*Snapshot, error) {
	return LoadSnapshot(key)
}

// LoadSnapshot decodes a checkpoint file.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var s Snapshot
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &s, nil
}

// LoadClassifier rebuilds a trained model and its vocabulary from a
// checkpoint file.
func LoadClassifier(path string, rng *rand.Rand) (*Classifier, params.Vocabulary, error) {
	s, err := LoadSnapshot(path)
	if err != nil {
		return nil, params.Vocabulary{}, err
	}
	m, v, err := s.Restore(rng)
	if err != nil {
		return nil, params.Vocabulary{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return m, v, nil
}

// Restore builds the classifier and its vocabulary from a decoded snapshot.
func (s *Snapshot) Restore(rng *rand.Rand) (*Classifier, params.Vocabulary, error) {
	v, err := IO.VocabFromTokens(s.Vocab)
	if err != nil {
		return nil, params.Vocabulary{}, err
	}
	if v.Size() != s.Cfg.VocabSize {
		return nil, params.Vocabulary{}, fmt.Errorf("%w: checkpoint vocab has %d tokens, model %d",
			ErrShapeMismatch, v.Size(), s.Cfg.VocabSize)
	}
	m, err := s.Build(rng)
	if err != nil {
		return nil, params.Vocabulary{}, err
	}
	return m, v, nil
}
