// Package matching resolves an (artist, title) candidate against a catalog using three
// tiers in order: exact, containment, fuzzy. The first tier that hits wins.
//
// An Index is built once per reconciliation pass and reused for every candidate in that
// pass; the exact tier is a map lookup, the other tiers scan.
package matching

import "strings"

// DefaultThreshold is the minimum combined fuzzy score accepted as a match.
const DefaultThreshold = 0.75

// Tier records which strategy produced a match.
type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierContains
	TierFuzzy
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierContains:
		return "contains"
	case TierFuzzy:
		return "fuzzy"
	default:
		return "none"
	}
}

// Entry is one known (artist, title) pair.
type Entry struct {
	ID     string
	Artist string
	Title  string
}

// Match is a resolved entry with the tier and combined score that produced it.
type Match struct {
	Entry Entry
	Tier  Tier
	Score float64
}

type indexed struct {
	Entry
	artistNorm string
	titleNorm  string
}

// Index is a precomputed lookup structure over a catalog snapshot.
type Index struct {
	entries    []indexed
	exact      map[string]int
	threshold  float64
	similarity func(a, b string) float64
}

// Option configures an Index.
type Option func(*Index)

// WithThreshold overrides the fuzzy acceptance threshold. Values outside (0, 1] are ignored.
func WithThreshold(t float64) Option {
	return func(ix *Index) {
		if t > 0 && t <= 1 {
			ix.threshold = t
		}
	}
}

// WithSimilarity replaces the string similarity function used by the fuzzy tier.
func WithSimilarity(fn func(a, b string) float64) Option {
	return func(ix *Index) {
		if fn != nil {
			ix.similarity = fn
		}
	}
}

// NewIndex normalizes every entry once and builds the exact lookup map.
func NewIndex(entries []Entry, opts ...Option) *Index {
	ix := &Index{
		entries:    make([]indexed, 0, len(entries)),
		exact:      make(map[string]int, len(entries)),
		threshold:  DefaultThreshold,
		similarity: Similarity,
	}
	for _, opt := range opts {
		opt(ix)
	}
	for _, e := range entries {
		pos := len(ix.entries)
		ix.entries = append(ix.entries, indexed{
			Entry:      e,
			artistNorm: Normalize(e.Artist),
			titleNorm:  Normalize(e.Title),
		})
		key := exactKey(e.Artist, e.Title)
		if _, dup := ix.exact[key]; !dup {
			ix.exact[key] = pos
		}
	}
	return ix
}

// Len reports the number of indexed entries.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Threshold reports the fuzzy acceptance threshold in use.
func (ix *Index) Threshold() float64 {
	return ix.threshold
}

// Resolve returns the best entry for the candidate, trying each tier in order.
func (ix *Index) Resolve(artist, title string) (Match, bool) {
	if ix == nil || len(ix.entries) == 0 {
		return Match{}, false
	}
	if pos, ok := ix.exact[exactKey(artist, title)]; ok {
		return Match{Entry: ix.entries[pos].Entry, Tier: TierExact, Score: 1}, true
	}

	artistNorm, titleNorm := Normalize(artist), Normalize(title)
	if artistNorm == "" || titleNorm == "" {
		return Match{}, false
	}

	for _, e := range ix.entries {
		if overlaps(e.artistNorm, artistNorm) && overlaps(e.titleNorm, titleNorm) {
			return Match{Entry: e.Entry, Tier: TierContains, Score: 1}, true
		}
	}

	best, bestScore := -1, 0.0
	for i, e := range ix.entries {
		score := (ix.similarity(e.artistNorm, artistNorm) + ix.similarity(e.titleNorm, titleNorm)) / 2
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 && ix.accepts(bestScore) {
		return Match{Entry: ix.entries[best].Entry, Tier: TierFuzzy, Score: bestScore}, true
	}
	return Match{}, false
}

func (ix *Index) accepts(score float64) bool {
	return score >= ix.threshold
}

func exactKey(artist, title string) string {
	return Key(artist) + "\x00" + Key(title)
}

func overlaps(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
