// pkg/search/tokenizer.go
// Package search implements the tokenized inverted index with sealed
// mmap segments and scan-based rebuild.
package search

import (
	"strings"
	"unicode"

	snowball "github.com/kljensen/snowball/english"
	"github.com/rivo/uniseg"
)

// stopwords is the frozen English stopword set (Lucene's default).
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "if": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "will": {}, "with": {},
}

func isStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

// stripPossessive removes an English possessive suffix ('s or ’s).
func stripPossessive(word string) string {
	if s, ok := strings.CutSuffix(word, "'s"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(word, "’s"); ok {
		return s
	}
	return word
}

// Tokenize splits text into searchable stems.
//
// Pipeline: Unicode word segmentation, strip possessives, drop
// non-alphanumerics, lowercase, drop tokens shorter than 2 chars, drop
// stopwords, Porter-stem.
func Tokenize(text string) []string {
	var tokens []string

	state := -1
	remaining := text
	for len(remaining) > 0 {
		var word string
		word, remaining, state = uniseg.FirstWordInString(remaining, state)

		word = stripPossessive(word)

		var b strings.Builder
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		token := strings.ToLower(b.String())
		if len(token) < 2 || isStopword(token) {
			continue
		}
		tokens = append(tokens, snowball.Stem(token, false))
	}
	return tokens
}

// TokenizeUnique tokenizes and deduplicates, preserving first-seen
// order. Used for queries.
func TokenizeUnique(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range Tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
