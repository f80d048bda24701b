package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefersExactOverLooserTiers(t *testing.T) {
	ix := NewIndex([]Entry{
		{ID: "fuzzy", Artist: "the beetles", Title: "abby road"},
		{ID: "contains", Artist: "beatles", Title: "abbey road (remastered)"},
		{ID: "exact", Artist: "the beatles", Title: "abbey road"},
	})

	m, ok := ix.Resolve("The Beatles", "Abbey Road")
	require.True(t, ok)
	assert.Equal(t, "exact", m.Entry.ID)
	assert.Equal(t, TierExact, m.Tier)
}

func TestResolveFallsBackToContainment(t *testing.T) {
	ix := NewIndex([]Entry{
		{ID: "fuzzy", Artist: "the beetles", Title: "abby road"},
		{ID: "contains", Artist: "beatles", Title: "abbey road (remastered)"},
	})

	m, ok := ix.Resolve("The Beatles", "Abbey Road")
	require.True(t, ok)
	assert.Equal(t, "contains", m.Entry.ID)
	assert.Equal(t, TierContains, m.Tier)
}

func TestResolveFallsBackToFuzzy(t *testing.T) {
	ix := NewIndex([]Entry{{ID: "fuzzy", Artist: "the beetles", Title: "abby road"}})

	m, ok := ix.Resolve("The Beatles", "Abbey Road")
	require.True(t, ok)
	assert.Equal(t, "fuzzy", m.Entry.ID)
	assert.Equal(t, TierFuzzy, m.Tier)
	assert.GreaterOrEqual(t, m.Score, DefaultThreshold)
}

func TestResolveNoMatch(t *testing.T) {
	ix := NewIndex([]Entry{{ID: "a", Artist: "Portishead", Title: "Dummy"}})

	_, ok := ix.Resolve("Massive Attack", "Mezzanine")
	assert.False(t, ok)

	var empty *Index
	_, ok = empty.Resolve("x", "y")
	assert.False(t, ok)
}

func TestFuzzyThresholdBoundary(t *testing.T) {
	stub := func(titleScore float64) func(a, b string) float64 {
		return func(a, b string) float64 {
			if a == b {
				return 1
			}
			return titleScore
		}
	}
	entries := []Entry{{ID: "e", Artist: "alpha", Title: "one"}}

	at := NewIndex(entries, WithSimilarity(stub(0.5)))
	m, ok := at.Resolve("alpha", "two")
	require.True(t, ok, "combined score of exactly 0.75 must match")
	assert.Equal(t, TierFuzzy, m.Tier)
	assert.InDelta(t, 0.75, m.Score, 1e-9)

	below := NewIndex(entries, WithSimilarity(stub(0.48)))
	_, ok = below.Resolve("alpha", "two")
	assert.False(t, ok, "combined score of 0.74 must not match")
}

func TestWithThresholdIgnoresOutOfRange(t *testing.T) {
	assert.Equal(t, DefaultThreshold, NewIndex(nil, WithThreshold(0)).Threshold())
	assert.Equal(t, DefaultThreshold, NewIndex(nil, WithThreshold(1.5)).Threshold())
	assert.Equal(t, 0.9, NewIndex(nil, WithThreshold(0.9)).Threshold())
}

func TestContainmentIgnoresEmptyFields(t *testing.T) {
	ix := NewIndex([]Entry{{ID: "a", Artist: "", Title: "Homogenic"}})
	_, ok := ix.Resolve("Björk", "Homogenic")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "bjork homogenic", Normalize("  Björk — Homogénic! "))
	assert.Equal(t, "abbey road remastered", Normalize("Abbey Road (Remastered)"))
	assert.Equal(t, Key("The Beatles"), Key("  the beatles"))
}

func TestParseLabel(t *testing.T) {
	cases := []struct {
		label  string
		artist string
		album  string
		ok     bool
	}{
		{"Radiohead - OK Computer (1997) [FLAC]", "Radiohead", "OK Computer", true},
		{"Sigur Rós - ( )", "Sigur Rós", "( )", true},
		{"Boards of Canada - Music Has the Right to Children", "Boards of Canada", "Music Has the Right to Children", true},
		{"no separator here", "", "", false},
		{" - Missing Artist", "", "", false},
	}
	for _, tc := range cases {
		artist, album, ok := ParseLabel(tc.label)
		assert.Equal(t, tc.ok, ok, tc.label)
		assert.Equal(t, tc.artist, artist, tc.label)
		assert.Equal(t, tc.album, album, tc.label)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("abc", "abc"))
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	assert.InDelta(t, 0.75, Similarity("abcd", "abce"), 1e-9)
}
