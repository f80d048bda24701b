package matching

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const labelSeparator = " - "

var (
	nonAlnumPattern = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	labelSuffixes   = regexp.MustCompile(`\s*[\(\[][^\)\]]*[\)\]]\s*$`)
)

// Key folds case and trims surrounding whitespace. Two strings with equal keys are an
// exact match.
func Key(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Normalize produces the loose form used by the containment and fuzzy tiers: case folded,
// diacritics stripped, punctuation collapsed to single spaces.
func Normalize(s string) string {
	// transform chains and casers carry state, so they are built per call.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(stripMarks, s)
	if err != nil {
		plain = s
	}
	folded := cases.Fold().String(plain)
	return strings.TrimSpace(nonAlnumPattern.ReplaceAllString(folded, " "))
}

// ParseLabel splits a queue label such as "Artist - Album (2019) [FLAC]" into artist and
// album. Trailing bracketed groups are dropped from the album.
func ParseLabel(label string) (artist, album string, ok bool) {
	label = strings.TrimSpace(label)
	idx := strings.Index(label, labelSeparator)
	if idx <= 0 {
		return "", "", false
	}
	artist = strings.TrimSpace(label[:idx])
	album = strings.TrimSpace(label[idx+len(labelSeparator):])
	for {
		trimmed := labelSuffixes.ReplaceAllString(album, "")
		if trimmed == album || trimmed == "" {
			break
		}
		album = strings.TrimSpace(trimmed)
	}
	if artist == "" || album == "" {
		return "", "", false
	}
	return artist, album, true
}
