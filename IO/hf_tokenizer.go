package IO

import (
	"fmt"
	"os"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HFTokenizer wraps a tokenizer.json pipeline (normalizer, pre-tokenizer,
// model) loaded with sugarme/tokenizer. Only the token strings are used; ids
// come from our own vocabulary so GloVe rows line up.
type HFTokenizer struct {
	tok       *tk.Tokenizer
	lowercase bool
}

// LoadHFTokenizer loads tokenizer.json from path.
func LoadHFTokenizer(path string, lowercase bool) (*HFTokenizer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &HFTokenizer{tok: t, lowercase: lowercase}, nil
}

func (h *HFTokenizer) Tokenize(text string) ([]string, error) {
	text = htmlBreaks.Replace(text)
	if h.lowercase {
		text = strings.ToLower(text)
	}
	enc, err := h.tok.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(enc.Tokens))
	for _, t := range enc.Tokens {
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// NewTokenizer picks the HF tokenizer when path is set, the rule tokenizer
// otherwise.
func NewTokenizer(path string, lowercase bool) (Tokenizer, error) {
	if path == "" {
		return RuleTokenizer{Lowercase: lowercase}, nil
	}
	t, err := LoadHFTokenizer(path, lowercase)
	if err != nil {
		return nil, err
	}
	return t, nil
}
