package IO

import (
	"strings"
	"unicode"
)

// Tokenizer turns raw review text into tokens.
type Tokenizer interface {
	Tokenize(text string) ([]string, error)
}

// RuleTokenizer splits on whitespace, keeps runs of letters/digits (with
// inner apostrophes) as words and emits every other symbol on its own.
type RuleTokenizer struct {
	Lowercase bool
}

var htmlBreaks = strings.NewReplacer("<br />", " ", "<br/>", " ", "<br>", " ")

func (rt RuleTokenizer) Tokenize(text string) ([]string, error) {
	text = htmlBreaks.Replace(text)
	if rt.Lowercase {
		text = strings.ToLower(text)
	}
	rs := []rune(text)
	out := make([]string, 0, len(rs)/4)
	i := 0
	for i < len(rs) {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case isWordRune(c):
			j := i + 1
			for j < len(rs) {
				if isWordRune(rs[j]) {
					j++
					continue
				}
				// keep "don't", "it's" together
				if rs[j] == '\'' && j+1 < len(rs) && isWordRune(rs[j+1]) {
					j += 2
					continue
				}
				break
			}
			out = append(out, string(rs[i:j]))
			i = j
		default:
			out = append(out, string(c))
			i++
		}
	}
	return out, nil
}

func isWordRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c)
}
