// Package textutil provides text normalisation and similarity scoring used by
// column mapping suggestions and entity matching.
package textutil

import (
	"math"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips diacritics and replaces every run of
// non-alphanumeric characters with a single space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	space := false
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// Tokenize splits folded text into tokens.
func Tokenize(s string) []string {
	return strings.Fields(Fold(s))
}

// EditSimilarity returns 1 - distance/maxLen over the folded strings.
func EditSimilarity(a, b string) float64 {
	a, b = Fold(a), Fold(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(maxLen)
}

// TokenSimilarity is the cosine similarity of the token-count vectors of a and b,
// which tolerates reordered words ("Smith, John" vs "John Smith").
func TokenSimilarity(a, b string) float64 {
	ta, tb := counts(Tokenize(a)), counts(Tokenize(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var dot, na, nb float64
	for tok, c := range ta {
		na += c * c
		dot += c * tb[tok]
	}
	for _, c := range tb {
		nb += c * c
	}
	if dot == 0 {
		return 0
	}
	return min(1, dot/math.Sqrt(na*nb))
}

func counts(tokens []string) map[string]float64 {
	m := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

// Similarity scores two strings in [0,1], taking the better of edit-distance
// and token-overlap similarity.
func Similarity(a, b string) float64 {
	return max(EditSimilarity(a, b), TokenSimilarity(a, b))
}

// Equal reports whether a and b are identical after folding.
func Equal(a, b string) bool {
	fa := Fold(a)
	return fa != "" && fa == Fold(b)
}

var titleCaser = cases.Title(language.English)

// Title converts s to title case for display.
func Title(s string) string {
	return titleCaser.String(s)
}
