package learning

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/strategy"
	"github.com/a3tai/mcp-pdf-fields/internal/textsim"
)

// Pattern types and their priorities
const (
	PatternFlexible  = "flexible"
	PatternExact     = "exact"
	PatternShape     = "shape"
	PatternDelimiter = "delimiter"

	priorityFlexible  = 10
	priorityExact     = 9
	priorityShape     = 5
	priorityDelimiter = 3
)

// Variability of the word counts of a field's corrected values
const (
	VariabilityLow    = "low"
	VariabilityMedium = "medium"
	VariabilityHigh   = "high"
)

const (
	capitalWord = `\p{Lu}[\p{L}'\-]*`
	delimiters  = "-/.,:#"
	// a noise observation becomes a rule at this count or share of samples
	noiseMinCount = 3
	noiseMinShare = 0.1
	// candidates must fully match at least this share of values to be kept
	minMatchRate = 0.5
)

// Pair is one extracted value and its correction
type Pair struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
}

// MiningResult holds the candidates mined for one field
type MiningResult struct {
	Patterns    []fields.LearnedPattern `json:"patterns"`
	Noise       *fields.NoiseProfile    `json:"noise,omitempty"`
	Variability string                  `json:"variability"`
}

// Miner discovers extraction patterns and noise rules from corrections
type Miner struct{}

// NewMiner creates a pattern miner
func NewMiner() *Miner {
	return &Miner{}
}

// Mine analyses every correction of one field
func (m *Miner) Mine(pairs []Pair) MiningResult {
	var values []string
	for _, p := range pairs {
		if v := strings.TrimSpace(p.Corrected); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return MiningResult{Variability: VariabilityLow}
	}

	minWords, maxWords := wordRange(values)
	res := MiningResult{Variability: Variability(maxWords - minWords)}

	var candidates []fields.LearnedPattern
	if res.Variability != VariabilityLow {
		candidates = append(candidates, fields.LearnedPattern{
			Pattern:     capitalRun(minWords, maxWords),
			PatternType: PatternFlexible,
			Priority:    priorityFlexible,
		})
	} else {
		candidates = append(candidates, fields.LearnedPattern{
			Pattern:     capitalRun(minWords, minWords),
			PatternType: PatternExact,
			Priority:    priorityExact,
		})
	}
	for _, shape := range distinctShapes(values) {
		candidates = append(candidates, fields.LearnedPattern{
			Pattern:     "(" + ShapeRegex(shape) + ")",
			PatternType: PatternShape,
			Priority:    priorityShape,
		})
	}
	for _, d := range frequentDelimiters(values) {
		q := regexp.QuoteMeta(string(d))
		candidates = append(candidates, fields.LearnedPattern{
			Pattern:     `([\p{L}\p{N}]+(?:` + q + `[\p{L}\p{N}]+)+)`,
			PatternType: PatternDelimiter,
			Priority:    priorityDelimiter,
		})
	}

	for _, c := range candidates {
		if scored, ok := score(c, values); ok {
			res.Patterns = append(res.Patterns, scored)
		}
	}
	res.Noise = MineNoise(pairs)
	return res
}

// Variability classifies a word-count range: above 2 is high, above 0 medium
func Variability(wordRange int) string {
	switch {
	case wordRange > 2:
		return VariabilityHigh
	case wordRange > 0:
		return VariabilityMedium
	default:
		return VariabilityLow
	}
}

func wordRange(values []string) (int, int) {
	lo, hi := -1, 0
	for _, v := range values {
		n := len(strings.Fields(v))
		if lo < 0 || n < lo {
			lo = n
		}
		if n > hi {
			hi = n
		}
	}
	return lo, hi
}

// capitalRun matches between lo and hi capitalised words
func capitalRun(lo, hi int) string {
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	rest := fmt.Sprintf("{%d,%d}", lo-1, hi-1)
	if lo == hi {
		rest = fmt.Sprintf("{%d}", lo-1)
	}
	return `(` + capitalWord + `(?:\s+` + capitalWord + `)` + rest + `)`
}

func distinctShapes(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		s := textsim.ValueShape(v)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ShapeRegex converts a value shape such as "Aa+ 0+" into a regular expression body
func ShapeRegex(shape string) string {
	var b strings.Builder
	runes := []rune(shape)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case 'A':
			b.WriteString(`\p{Lu}`)
		case 'a':
			b.WriteString(`\p{Ll}`)
		case '0':
			b.WriteString(`\d`)
		case ' ':
			b.WriteString(`\s+`)
			continue
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
		if i+1 < len(runes) && runes[i+1] == '+' {
			b.WriteByte('+')
			i++
		}
	}
	return b.String()
}

// frequentDelimiters returns the delimiter characters present in at least half the values
func frequentDelimiters(values []string) []rune {
	var out []rune
	for _, d := range delimiters {
		count := 0
		for _, v := range values {
			if strings.ContainsRune(v, d) {
				count++
			}
		}
		if count > 0 && float64(count) >= float64(len(values))/2 {
			out = append(out, d)
		}
	}
	return out
}

// score counts the values a candidate reproduces exactly and drops weak candidates
func score(c fields.LearnedPattern, values []string) (fields.LearnedPattern, bool) {
	re, err := regexp.Compile(`^\s*` + c.Pattern + `\s*$`)
	if err != nil {
		return c, false
	}
	for _, v := range values {
		if re.MatchString(v) {
			c.Frequency++
			if len(c.Examples) < fields.MaxPatternExamples && !contains(c.Examples, v) {
				c.Examples = append(c.Examples, v)
			}
		}
	}
	c.MatchRate = float64(c.Frequency) / float64(len(values))
	return c, c.Frequency > 0 && c.MatchRate >= minMatchRate
}

// Rescore recounts a mined pattern against values alone, dropping the corpus counts
func Rescore(p fields.LearnedPattern, values []string) (fields.LearnedPattern, bool) {
	p.Frequency = 0
	p.MatchRate = 0
	p.Examples = nil
	if len(values) == 0 {
		return p, false
	}
	return score(p, values)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// MineNoise learns prefixes, suffixes and structural characters that extraction picked up
// around the corrected value. Observations count when they reach 3 occurrences or 10% of
// samples. It returns nil when nothing qualifies.
func MineNoise(pairs []Pair) *fields.NoiseProfile {
	prefixes := map[string]int{}
	suffixes := map[string]int{}
	var parens, quotes, brackets, comma, period, samples int

	for _, p := range pairs {
		orig := strings.TrimSpace(p.Original)
		corr := strings.TrimSpace(p.Corrected)
		if orig == "" || corr == "" || orig == corr {
			continue
		}
		samples++

		if idx := indexFold(orig, corr); idx >= 0 {
			if pre := strings.TrimSpace(orig[:idx]); pre != "" {
				prefixes[strategy.Generalize(pre)]++
			}
			if suf := strings.TrimSpace(orig[idx+len(corr):]); suf != "" {
				suffixes[strategy.Generalize(suf)]++
			}
		}
		if strings.ContainsAny(orig, "()") && !strings.ContainsAny(corr, "()") {
			parens++
		}
		if strings.ContainsAny(orig, "\"'`“”‘’") && !strings.ContainsAny(corr, "\"'`“”‘’") {
			quotes++
		}
		if strings.ContainsAny(orig, "[]") && !strings.ContainsAny(corr, "[]") {
			brackets++
		}
		if strings.HasSuffix(orig, ",") && !strings.HasSuffix(corr, ",") {
			comma++
		}
		if strings.HasSuffix(orig, ".") && !strings.HasSuffix(corr, ".") {
			period++
		}
	}
	if samples == 0 {
		return nil
	}

	frequent := func(n int) bool {
		return n > 0 && (n >= noiseMinCount || float64(n) >= noiseMinShare*float64(samples))
	}
	profile := &fields.NoiseProfile{
		Prefixes:            frequentKeys(prefixes, frequent),
		Suffixes:            frequentKeys(suffixes, frequent),
		StripParentheses:    frequent(parens),
		StripQuotes:         frequent(quotes),
		StripBrackets:       frequent(brackets),
		StripTrailingComma:  frequent(comma),
		StripTrailingPeriod: frequent(period),
		Samples:             samples,
	}
	if len(profile.Prefixes) == 0 && len(profile.Suffixes) == 0 && !profile.StripParentheses &&
		!profile.StripQuotes && !profile.StripBrackets && !profile.StripTrailingComma && !profile.StripTrailingPeriod {
		return nil
	}
	return profile
}

// indexFold is a case-insensitive strings.Index over byte offsets of s
func indexFold(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

// frequentKeys returns qualifying keys, most frequent first
func frequentKeys(counts map[string]int, keep func(int) bool) []string {
	var out []string
	for k, n := range counts {
		if keep(n) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
