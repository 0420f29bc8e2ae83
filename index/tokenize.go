package index

import (
	"strings"
	"unicode"
)

// Tokenize lowercases text and splits it on non-alphanumeric boundaries,
// dropping empty tokens. This is the full-text indexing and query
// tokenizer; both sides must agree on it.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenSet returns the deduplicated tokens of text.
func tokenSet(text string) map[string]struct{} {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}
