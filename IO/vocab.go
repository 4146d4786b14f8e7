package IO

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/manningwu07/SentimentLSTM/params"
)

// Special tokens kept at the start of the vocab, in index order.
var special = []string{params.UnkToken, params.PadToken}

// BuildVocab counts tokens over the training split only and keeps the
// maxSize most frequent (ties broken lexicographically) after the specials.
func BuildVocab(docs [][]string, maxSize int) params.Vocabulary {
	counts := make(map[string]int, 1<<15)
	for _, doc := range docs {
		for _, t := range doc {
			if t != "" {
				counts[t]++
			}
		}
	}
	return buildFixedVocabFromCounts(counts, maxSize)
}

func buildFixedVocabFromCounts(cnt map[string]int, maxSize int) params.Vocabulary {
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(cnt))
	for k, v := range cnt {
		if k == params.UnkToken || k == params.PadToken {
			continue
		}
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})
	if len(arr) > maxSize {
		arr = arr[:maxSize]
	}

	idToToken := append(make([]string, 0, len(arr)+len(special)), special...)
	for _, p := range arr {
		idToToken = append(idToToken, p.k)
	}
	return vocabFromTokens(idToToken)
}

func vocabFromTokens(idToToken []string) params.Vocabulary {
	tok2id := make(map[string]int, len(idToToken))
	for i, t := range idToToken {
		tok2id[t] = i
	}
	return params.Vocabulary{TokenToID: tok2id, IDToToken: idToToken}
}

// Encode maps tokens to ids; anything outside the vocab becomes UnkIdx.
func Encode(v params.Vocabulary, toks []string) []int {
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = v.Lookup(t)
	}
	return ids
}

// VocabFromTokens rebuilds a vocabulary from its index-ordered token list
// (as stored in checkpoints). The specials must sit at their fixed indices.
func VocabFromTokens(idToToken []string) (params.Vocabulary, error) {
	if len(idToToken) <= params.PadIdx ||
		idToToken[params.UnkIdx] != params.UnkToken || idToToken[params.PadIdx] != params.PadToken {
		return params.Vocabulary{}, fmt.Errorf("vocab does not start with %v", special)
	}
	return vocabFromTokens(append([]string(nil), idToToken...)), nil
}

func ExportVocabJSON(v params.Vocabulary, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func ImportVocabJSON(path string) (params.Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return params.Vocabulary{}, err
	}
	defer f.Close()
	var data struct{ IDToToken []string }
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return params.Vocabulary{}, fmt.Errorf("vocab %s: %w", path, err)
	}
	return VocabFromTokens(data.IDToToken)
}
