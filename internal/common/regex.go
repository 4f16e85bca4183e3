package common

import (
	"regexp"
	"strings"
	"sync"
)

var wordPatterns sync.Map

// MatchRegex compiles and matches a regex pattern against a string.
// Returns true if the pattern matches, false otherwise.
// Returns an error if the pattern is invalid.
func MatchRegex(pattern, text string) (bool, error) {
	re, err := compileCached(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(text), nil
}

// ContainsWord reports whether text contains word as a whole word, ignoring case.
func ContainsWord(text, word string) bool {
	word = strings.TrimSpace(word)
	if word == "" {
		return false
	}
	matched, err := MatchRegex(`(?i)(^|[^\pL\pN])`+regexp.QuoteMeta(word)+`($|[^\pL\pN])`, text)
	return err == nil && matched
}

func compileCached(pattern string) (*regexp.Regexp, error) {
	if cached, ok := wordPatterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	wordPatterns.Store(pattern, re)
	return re, nil
}
