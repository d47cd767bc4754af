// Package textsim provides the string normalisation and similarity measures shared by
// conflict detection, feedback alignment and pattern mining.
package textsim

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC, lower-cases, collapses whitespace runs and trims
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Equal compares two values after normalisation
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// EditSimilarity returns 1 - levenshtein(a,b)/max(len) over runes, in [0,1].
// Two empty strings are identical.
func EditSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// Words splits s into lower-cased alphanumeric words
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenSetJaccard is |A∩B| / |A∪B| over the alphanumeric word sets of a and b
func TokenSetJaccard(a, b string) float64 {
	setA := make(map[string]bool)
	for _, w := range Words(a) {
		setA[w] = true
	}
	setB := make(map[string]bool)
	for _, w := range Words(b) {
		setB[w] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// LengthRatio returns min(len)/max(len) in runes
func LengthRatio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 && lb == 0 {
		return 1
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

// WordShape encodes a word as a character-class run string.
// Upper letters become A, lower a, digits 0, anything else is kept literally;
// a run of two or more of the same class gets a trailing '+'. "John" -> "Aa+".
func WordShape(word string) string {
	var b strings.Builder
	var prev rune
	run := 0
	flush := func() {
		if run == 0 {
			return
		}
		b.WriteRune(prev)
		if run > 1 {
			b.WriteByte('+')
		}
	}
	for _, r := range word {
		var c rune
		switch {
		case unicode.IsUpper(r):
			c = 'A'
		case unicode.IsLower(r):
			c = 'a'
		case unicode.IsDigit(r):
			c = '0'
		default:
			c = r
		}
		if run > 0 && c == prev {
			run++
			continue
		}
		flush()
		prev = c
		run = 1
	}
	flush()
	return b.String()
}

// ValueShape returns the space-joined shapes of the whitespace-separated words of s
func ValueShape(s string) string {
	words := strings.Fields(s)
	shapes := make([]string, len(words))
	for i, w := range words {
		shapes[i] = WordShape(w)
	}
	return strings.Join(shapes, " ")
}
