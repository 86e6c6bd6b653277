package bm25

import (
	"strings"

	porterstemmer "github.com/blevesearch/go-porterstemmer"
)

// Tokeniser matches spec.md §4.9's injected interface: tokenise(text) ->
// [token]. A caller-supplied CJK segmenter can be swapped in; DefaultTokeniser
// below only does word-splitting + lowercasing with no CJK segmentation (a
// run of adjacent CJK runes stays one token), following the teacher's own
// fallback tokenizer (pkg/search/fulltext_index.go's tokenize).
type Tokeniser interface {
	Tokenise(text string) []string
}

// defaultStopWords mirrors the teacher's stopWords set: short function
// words that add postings-list noise without discriminating power.
var defaultStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "by": true, "from": true, "as": true, "that": true, "this": true,
	"it": true, "its": true, "not": true,
}

// DefaultTokeniser lowercases text, splits on anything that's not a letter
// or digit (so a run of adjacent CJK ideographs, having no word-boundary
// whitespace, stays a single token), and drops stop-words and non-CJK
// tokens shorter than two runes; a single CJK rune is kept as a token.
type DefaultTokeniser struct{}

func (DefaultTokeniser) Tokenise(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !isWordRune(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 && !isCJKToken(f) {
			continue
		}
		if defaultStopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case isCJKRune(r):
		return true
	}
	return false
}

func isCJKRune(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3040 && r <= 0x30FF) || // Hiragana/Katakana
		(r >= 0xAC00 && r <= 0xD7A3) // Hangul syllables
}

func isCJKToken(s string) bool {
	for _, r := range s {
		if !isCJKRune(r) {
			return false
		}
	}
	return len(s) > 0
}

// StemmingTokeniser wraps another Tokeniser and reduces every non-CJK
// token to its Porter stem, so "indexing"/"indexed"/"index" share a single
// posting list entry. Grounded on the pack's bleve-based full-text stack
// (nico-hyperjump-sagasu), which depends on go-porterstemmer transitively
// for the same purpose; wired here directly since this module has no bleve
// dependency of its own.
type StemmingTokeniser struct {
	Inner Tokeniser
}

func (s StemmingTokeniser) Tokenise(text string) []string {
	inner := s.Inner
	if inner == nil {
		inner = DefaultTokeniser{}
	}
	tokens := inner.Tokenise(text)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		if isCJKToken(t) {
			out[i] = t
			continue
		}
		out[i] = porterstemmer.StemString(t)
	}
	return out
}
