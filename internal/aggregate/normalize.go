// Package aggregate groups raw product records into aggregates of the same real-world product.
package aggregate

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "of": true, "the": true, "for": true, "with": true,
	"de": true, "da": true, "do": true, "das": true, "dos": true, "e": true, "em": true,
	"para": true, "com": true, "sem": true, "o": true, "os": true, "as": true,
	"ou": true, "or": true, "no": true, "na": true, "nos": true, "nas": true, "por": true, "nao": true,
}

// Normalize strips diacritics and punctuation, lower-cases, and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens returns the distinct tokens of a description in first-seen order.
func Tokens(s string) []string {
	fields := strings.Fields(Normalize(s))
	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// Keywords returns the distinct tokens of a description without stopwords
// or single-character fragments.
func Keywords(s string) []string {
	tokens := Tokens(s)
	keywords := tokens[:0]
	for _, tok := range tokens {
		if stopwords[tok] || len([]rune(tok)) < 2 {
			continue
		}
		keywords = append(keywords, tok)
	}
	return keywords
}
