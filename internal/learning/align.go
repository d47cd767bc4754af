// Package learning turns corrections into training data, retrains the sequence model, mines
// extraction patterns and records strategy performance.
package learning

import (
	"strings"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/textsim"
)

const (
	// window alignments scoring below this fall back to per-token matching
	alignThreshold = 0.5
	// per-token fuzzy matches need at least this edit similarity
	tokenMatchThreshold = 0.8
	editWeight          = 0.8
	lengthWeight        = 0.2
)

// Alignment is the run of tokens that best reproduces a value
type Alignment struct {
	Indices []int   `json:"indices"`
	Score   float64 `json:"score"`
	// Fuzzy is set when the per-token fallback produced the match
	Fuzzy bool `json:"fuzzy"`
}

// Align finds the contiguous token run whose joined text best matches target, scoring
// 0.8*edit similarity + 0.2*length ratio over windows of up to twice the target word count.
// Below 0.5 it falls back to exact-or-fuzzy per-token matching and keeps the longest
// contiguous run of matched tokens.
func Align(toks []fields.Token, target string) (Alignment, bool) {
	want := textsim.Normalize(target)
	if want == "" || len(toks) == 0 {
		return Alignment{}, false
	}
	norm := make([]string, len(toks))
	for i, t := range toks {
		norm[i] = textsim.Normalize(t.Text)
	}

	maxWindow := 2 * len(strings.Fields(want))
	if maxWindow < 1 {
		maxWindow = 1
	}

	best := Alignment{Score: -1}
	for start := range toks {
		var joined strings.Builder
		for end := start; end < len(toks) && end-start < maxWindow; end++ {
			if end > start {
				joined.WriteByte(' ')
			}
			joined.WriteString(norm[end])
			text := joined.String()
			score := editWeight*textsim.EditSimilarity(text, want) + lengthWeight*textsim.LengthRatio(text, want)
			if score > best.Score {
				best = Alignment{Indices: span(start, end), Score: score}
			}
		}
	}
	if best.Score >= alignThreshold {
		return best, true
	}
	return alignTokens(norm, want)
}

func alignTokens(norm []string, want string) (Alignment, bool) {
	words := strings.Fields(want)
	matched := make([]bool, len(norm))
	for i, tok := range norm {
		for _, w := range words {
			if tok == w || textsim.EditSimilarity(tok, w) >= tokenMatchThreshold {
				matched[i] = true
				break
			}
		}
	}

	bestStart, bestLen := -1, 0
	for i := 0; i < len(matched); {
		if !matched[i] {
			i++
			continue
		}
		j := i
		for j < len(matched) && matched[j] {
			j++
		}
		if j-i > bestLen {
			bestStart, bestLen = i, j-i
		}
		i = j
	}
	if bestStart < 0 {
		return Alignment{}, false
	}
	return Alignment{
		Indices: span(bestStart, bestStart+bestLen-1),
		Score:   float64(bestLen) / float64(len(words)),
		Fuzzy:   true,
	}, true
}

func span(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// BIOLabels tags the first matched index B-<field>, the rest I-<field> and everything else O
func BIOLabels(n int, indices []int, field string) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = crf.OutsideLabel
	}
	for k, i := range indices {
		if i < 0 || i >= n {
			continue
		}
		if k == 0 {
			labels[i] = crf.BeginLabel(field)
		} else {
			labels[i] = crf.InsideLabel(field)
		}
	}
	return labels
}
