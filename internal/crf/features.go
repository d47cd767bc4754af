// Package crf implements the sequence-labeling tagger: token features, a linear-chain CRF
// with SGD training, Viterbi decoding with marginals, and an atomically swapped model handle.
package crf

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/textsim"
)

// FeatureVersion changes whenever TokenFeatures or its attribute encoding changes.
// Models trained with another version are rejected on load.
const FeatureVersion = 2

const (
	// layout coordinates are divided by this nominal page extent
	layoutScale = 1000.0
	contextSize = 3
	maxColumns  = 20
	// consecutive lines closer than this are grouped as wrapped text
	lineGroupGap = 20.0
	// token centers closer than this belong to the same line when counting density
	lineMergeTolerance = 3.0
)

var dateSeparator = regexp.MustCompile(`[/\-.]`)

// TokenFeatures is the closed feature schema of one token
type TokenFeatures struct {
	// lexical
	Lower    string
	Shape    string
	IsUpper  bool
	IsTitle  bool
	IsDigit  bool
	IsAlpha  bool
	HasDigit bool
	HasAlpha bool
	IsPunct  bool
	Length   int

	// layout, normalised by layoutScale
	X float64
	Y float64
	W float64
	H float64

	// date heuristics
	CapWord bool
	Year    bool
	Day     bool
	DateSep bool

	// anchor label relation
	HasLabel    bool
	IsLabelWord bool
	LabelDX     float64
	LabelDY     float64
	SameLine    bool
	AfterLabel  bool
	BeforeLabel bool
	AboveLabel  bool
	BelowLabel  bool

	// next-field boundary
	HasBoundary  bool
	PastBoundary bool
	BoundaryDist float64

	// neighbourhood
	Prev    [contextSize]string
	Next    [contextSize]string
	Bigram  string
	Trigram string

	Column      int
	LineGroup   int
	LineDensity int

	// Target names the field being sought; identical at training and inference time
	Target string
}

// BuildFeatures computes the features of every token of one page for one target field.
// It is the only feature builder: training and inference both call it.
func BuildFeatures(toks []fields.Token, lc fields.LocationContext, target string) []TokenFeatures {
	n := len(toks)
	out := make([]TokenFeatures, n)
	if n == 0 {
		return out
	}

	columns := columnIndex(toks)
	groups, density := lineLayout(toks)
	labelWords := map[string]bool{}
	for _, w := range textsim.Words(lc.Label) {
		labelWords[w] = true
	}
	var labelY float64
	if lc.LabelBBox != nil {
		labelY = lc.LabelBBox.CenterY()
	}

	lowers := make([]string, n)
	for i, t := range toks {
		lowers[i] = strings.ToLower(t.Text)
	}

	for i, t := range toks {
		f := &out[i]
		lexical(f, t.Text)
		f.Lower = lowers[i]

		f.X = t.X0 / layoutScale
		f.Y = t.Y0 / layoutScale
		f.W = (t.X1 - t.X0) / layoutScale
		f.H = (t.Y1 - t.Y0) / layoutScale

		if lc.LabelBBox != nil {
			lb := *lc.LabelBBox
			f.HasLabel = true
			f.LabelDX = (t.X0 - lb.X1) / layoutScale
			f.LabelDY = (t.CenterY() - labelY) / layoutScale
			f.SameLine = math.Abs(t.CenterY()-labelY) < fields.LineTolerance
			f.AfterLabel = t.X0 >= lb.X1
			f.BeforeLabel = t.X1 <= lb.X0
			f.AboveLabel = t.Y1 <= lb.Y0
			f.BelowLabel = t.Y0 >= lb.Y1
			f.IsLabelWord = f.SameLine && !f.AfterLabel && labelWords[strings.Trim(f.Lower, ":;.,")]
		}

		if lc.NextFieldX != nil || lc.NextFieldY != nil {
			f.HasBoundary = true
			f.PastBoundary = lc.PastBoundary(t, labelY)
			switch {
			case lc.NextFieldX != nil:
				f.BoundaryDist = (*lc.NextFieldX - t.X0) / layoutScale
			default:
				f.BoundaryDist = (*lc.NextFieldY - t.Y0) / layoutScale
			}
		}

		for k := 0; k < contextSize; k++ {
			f.Prev[k] = "<bos>"
			if j := i - k - 1; j >= 0 {
				f.Prev[k] = lowers[j]
			}
			f.Next[k] = "<eos>"
			if j := i + k + 1; j < n {
				f.Next[k] = lowers[j]
			}
		}
		f.Bigram = f.Prev[0] + "|" + f.Lower
		f.Trigram = f.Prev[1] + "|" + f.Prev[0] + "|" + f.Lower

		f.Column = columns[i]
		f.LineGroup = groups[i]
		f.LineDensity = density[i]
		f.Target = target
	}
	return out
}

func lexical(f *TokenFeatures, text string) {
	f.Shape = textsim.WordShape(text)
	f.Length = len([]rune(text))
	letters, digits, uppers, puncts := 0, 0, 0, 0
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		case unicode.IsDigit(r):
			digits++
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			puncts++
		}
	}
	f.HasAlpha = letters > 0
	f.HasDigit = digits > 0
	f.IsAlpha = letters > 0 && letters == f.Length
	f.IsDigit = digits > 0 && digits == f.Length
	f.IsPunct = puncts > 0 && puncts == f.Length
	f.IsUpper = letters > 1 && uppers == letters
	first, _ := firstRune(text)
	f.IsTitle = unicode.IsUpper(first) && uppers == 1

	f.CapWord = f.IsTitle && f.IsAlpha
	if f.IsDigit {
		v, _ := strconv.Atoi(text)
		f.Year = f.Length == 4 && v >= 1900 && v <= 2100
		f.Day = f.Length <= 2 && v >= 1 && v <= 31
	}
	f.DateSep = f.HasDigit && dateSeparator.MatchString(text)
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// columnIndex clusters x0 coordinates into at most maxColumns histogram bins and assigns
// each token the index of the nearest histogram peak at or left of it.
func columnIndex(toks []fields.Token) []int {
	out := make([]int, len(toks))
	maxX := 0.0
	for _, t := range toks {
		if t.X1 > maxX {
			maxX = t.X1
		}
	}
	if maxX <= 0 {
		return out
	}
	width := maxX / maxColumns
	var hist [maxColumns]int
	bin := func(x float64) int {
		b := int(x / width)
		if b < 0 {
			return 0
		}
		if b >= maxColumns {
			return maxColumns - 1
		}
		return b
	}
	for _, t := range toks {
		hist[bin(t.X0)]++
	}
	var peaks []int
	for b := 0; b < maxColumns; b++ {
		if hist[b] == 0 {
			continue
		}
		left := b == 0 || hist[b] >= hist[b-1]
		right := b == maxColumns-1 || hist[b] > hist[b+1]
		if left && right {
			peaks = append(peaks, b)
		}
	}
	for i, t := range toks {
		b := bin(t.X0)
		idx := sort.SearchInts(peaks, b+1) - 1
		if idx < 0 {
			idx = 0
		}
		out[i] = idx
	}
	return out
}

// lineLayout assigns each token a wrapped-line group and a density bucket
func lineLayout(toks []fields.Token) (groups, density []int) {
	n := len(toks)
	groups = make([]int, n)
	density = make([]int, n)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return toks[order[a]].CenterY() < toks[order[b]].CenterY() })

	lineOf := make([]int, n)
	var lineY []float64
	var lineCount []int
	for _, i := range order {
		cy := toks[i].CenterY()
		if len(lineY) == 0 || cy-lineY[len(lineY)-1] > lineMergeTolerance {
			lineY = append(lineY, cy)
			lineCount = append(lineCount, 0)
		}
		l := len(lineY) - 1
		lineOf[i] = l
		lineCount[l]++
	}

	lineGroup := make([]int, len(lineY))
	for l := 1; l < len(lineY); l++ {
		lineGroup[l] = lineGroup[l-1]
		if lineY[l]-lineY[l-1] > lineGroupGap {
			lineGroup[l]++
		}
	}

	for i := range toks {
		groups[i] = lineGroup[lineOf[i]]
		density[i] = densityBucket(lineCount[lineOf[i]])
	}
	return groups, density
}

func densityBucket(count int) int {
	switch {
	case count <= 1:
		return 0
	case count <= 3:
		return 1
	case count <= 6:
		return 2
	default:
		return 3
	}
}

func bucket(v, step float64) string {
	return strconv.Itoa(int(math.Floor(v / step)))
}

func boolAttr(name string, v bool) string {
	if v {
		return name
	}
	return ""
}

// Attributes encodes the features as the binary attribute strings the model is weighted on.
// Continuous values are bucketed so that the encoding is deterministic.
func (f TokenFeatures) Attributes() []string {
	attrs := []string{
		"bias",
		"w=" + f.Lower,
		"shape=" + f.Shape,
		"len=" + strconv.Itoa(min(f.Length, 20)),
		"x=" + bucket(f.X, 0.1),
		"y=" + bucket(f.Y, 0.1),
		"w_sz=" + bucket(f.W, 0.05),
		"col=" + strconv.Itoa(f.Column),
		"lgroup=" + strconv.Itoa(min(f.LineGroup, 30)),
		"density=" + strconv.Itoa(f.LineDensity),
		"bigram=" + f.Bigram,
		"trigram=" + f.Trigram,
	}
	for k := 0; k < contextSize; k++ {
		attrs = append(attrs,
			fmt.Sprintf("w[-%d]=%s", k+1, f.Prev[k]),
			fmt.Sprintf("w[+%d]=%s", k+1, f.Next[k]))
	}
	flags := []string{
		boolAttr("is_upper", f.IsUpper),
		boolAttr("is_title", f.IsTitle),
		boolAttr("is_digit", f.IsDigit),
		boolAttr("is_alpha", f.IsAlpha),
		boolAttr("has_digit", f.HasDigit),
		boolAttr("has_alpha", f.HasAlpha),
		boolAttr("is_punct", f.IsPunct),
		boolAttr("cap_word", f.CapWord),
		boolAttr("year", f.Year),
		boolAttr("day", f.Day),
		boolAttr("date_sep", f.DateSep),
		boolAttr("past_boundary", f.PastBoundary),
	}
	for _, a := range flags {
		if a != "" {
			attrs = append(attrs, a)
		}
	}

	// relation attributes are conjoined with the target so each field learns its own geometry
	var rel []string
	if f.HasLabel {
		rel = append(rel,
			"label_dx="+bucket(f.LabelDX, 0.05),
			"label_dy="+bucket(f.LabelDY, 0.02),
			boolAttr("same_line", f.SameLine),
			boolAttr("after_label", f.AfterLabel),
			boolAttr("before_label", f.BeforeLabel),
			boolAttr("above_label", f.AboveLabel),
			boolAttr("below_label", f.BelowLabel),
			boolAttr("label_word", f.IsLabelWord),
		)
		if f.SameLine && f.AfterLabel {
			rel = append(rel, "right_of_label", "right_of_label|shape="+f.Shape)
		}
	} else {
		rel = append(rel, "no_label")
	}
	if f.HasBoundary {
		rel = append(rel, "boundary_dist="+bucket(f.BoundaryDist, 0.05), boolAttr("past_boundary", f.PastBoundary))
	}
	rel = append(rel, "shape="+f.Shape, "col="+strconv.Itoa(f.Column), "bias")

	target := "target:" + f.Target
	attrs = append(attrs, target)
	for _, a := range rel {
		if a != "" {
			attrs = append(attrs, target+"|"+a)
		}
	}
	return attrs
}
