package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Config.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	for name, mut := range map[string]func(*TrainingConfig){
		"dropout":    func(c *TrainingConfig) { c.Dropout = 1 },
		"hidden":     func(c *TrainingConfig) { c.HiddenDim = 0 },
		"output":     func(c *TrainingConfig) { c.OutputDim = 2 },
		"valid frac": func(c *TrainingConfig) { c.ValidFrac = 0 },
		"layers":     func(c *TrainingConfig) { c.NumLayers = -1 },
	} {
		c := Config
		mut(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: err = %v, want ErrInvalidConfig", name, err)
		}
	}
}

func TestLoadJSONOverlays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"HiddenDim": 32, "Bidirectional": false}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Config
	if err := c.LoadJSON(path); err != nil {
		t.Fatal(err)
	}
	if c.HiddenDim != 32 || c.Bidirectional || c.EmbeddingDim != Config.EmbeddingDim {
		t.Fatalf("overlay = %+v", c)
	}

	os.WriteFile(path, []byte(`{"Hiden": 3}`), 0o644)
	if err := c.LoadJSON(path); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestVocabularyLookup(t *testing.T) {
	v := Vocabulary{
		TokenToID: map[string]int{UnkToken: UnkIdx, PadToken: PadIdx, "good": 2},
		IDToToken: []string{UnkToken, PadToken, "good"},
	}
	if v.Size() != 3 || v.Lookup("good") != 2 || v.Lookup("bad") != UnkIdx {
		t.Fatalf("lookup broken: %+v", v)
	}
}
