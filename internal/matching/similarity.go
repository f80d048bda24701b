package matching

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity returns 1 - editDistance/maxLen over runes, so identical strings score 1 and
// strings sharing nothing score 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}
