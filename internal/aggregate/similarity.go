package aggregate

import "strings"

// Similarity scores two descriptions in [0,1] as the larger of the token Dice
// coefficient and the normalized Levenshtein similarity. It is symmetric and
// deterministic.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return max(Dice(strings.Fields(a), strings.Fields(b)), EditSimilarity(a, b))
}

// Dice returns the Dice coefficient of two token sets.
func Dice(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA)+len(setB) == 0 {
		return 0
	}
	shared := 0
	for tok := range setA {
		if setB[tok] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(setA)+len(setB))
}

// Overlap returns the fraction of a's tokens that also appear in b.
func Overlap(a, b []string) float64 {
	setA := toSet(a)
	if len(setA) == 0 {
		return 0
	}
	setB := toSet(b)
	shared := 0
	for tok := range setA {
		if setB[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(setA))
}

// EditSimilarity returns 1 - levenshtein(a, b)/max(len(a), len(b)) over runes.
func EditSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}
