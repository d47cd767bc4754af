package strategy

import (
	"math"
	"sort"
	"strings"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/textsim"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

const (
	// window search reaches this far left of and right of the field marker
	windowLeft  = 50.0
	windowRight = 400.0
	// context words are looked for within this vertical distance of the line
	contextReach = 30.0
)

// SearchStage names how candidate tokens were collected
type SearchStage string

const (
	StageAnchor SearchStage = "anchor"
	StageWindow SearchStage = "window"
)

// candidates is the outcome of the shared two-stage search for one location
type candidates struct {
	Stage   SearchStage
	Indices []int
	LineY   float64
}

func (c candidates) empty() bool { return len(c.Indices) == 0 }

// collect gathers the tokens of one location: right of the anchor label on its line first,
// then a geometry window around the marker box. Both stages stop at the next-field boundary.
func collect(doc *tokens.Document, loc fields.Location) candidates {
	lc := loc.Context
	if lc.HasAnchor() {
		if c := anchorSearch(doc, loc); !c.empty() {
			return c
		}
	}
	return windowSearch(doc, loc)
}

func anchorSearch(doc *tokens.Document, loc fields.Location) candidates {
	lc := loc.Context
	label := *lc.LabelBBox
	lineY := label.CenterY()
	var hits []int
	for _, i := range doc.PageIndices(loc.Page) {
		t := doc.Token(i)
		if t.X0 < label.X1 || math.Abs(t.CenterY()-lineY) >= fields.LineTolerance {
			continue
		}
		hits = append(hits, i)
	}
	return candidates{Stage: StageAnchor, Indices: lineOrder(doc, hits, lc, lineY), LineY: lineY}
}

func windowSearch(doc *tokens.Document, loc fields.Location) candidates {
	b := loc.BBox
	lineY := b.CenterY()
	rect := fields.BBox{
		X0: b.X0 - windowLeft,
		Y0: lineY - fields.LineTolerance,
		X1: b.X1 + windowRight,
		Y1: lineY + fields.LineTolerance,
	}
	labelWords := map[string]bool{}
	for _, w := range textsim.Words(loc.Context.Label) {
		labelWords[w] = true
	}

	var hits []int
	for _, i := range doc.Window(loc.Page, rect) {
		t := doc.Token(i)
		if math.Abs(t.CenterY()-lineY) >= fields.LineTolerance {
			continue
		}
		// printed label words left of the marker are not data
		if t.X1 <= b.X0 && isLabelToken(t.Text, labelWords) {
			continue
		}
		hits = append(hits, i)
	}
	return candidates{Stage: StageWindow, Indices: lineOrder(doc, hits, loc.Context, lineY), LineY: lineY}
}

// lineOrder sorts hits left to right and cuts them at the stop boundary and at placeholders
func lineOrder(doc *tokens.Document, hits []int, lc fields.LocationContext, lineY float64) []int {
	sort.SliceStable(hits, func(a, b int) bool {
		return doc.Token(hits[a]).X0 < doc.Token(hits[b]).X0
	})
	out := hits[:0]
	for _, i := range hits {
		t := doc.Token(i)
		if lc.PastBoundary(t, lineY) {
			break
		}
		if isPlaceholder(t.Text) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func isLabelToken(text string, labelWords map[string]bool) bool {
	words := textsim.Words(text)
	if len(words) == 0 {
		return strings.TrimSpace(text) == ":"
	}
	for _, w := range words {
		if !labelWords[w] {
			return false
		}
	}
	return true
}

// isPlaceholder matches blank form fill-in markers such as "_____" or "......"
func isPlaceholder(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 2 {
		return false
	}
	for _, r := range text {
		if r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// contextFound reports whether any label or neighbour word appears near the line
func contextFound(doc *tokens.Document, loc fields.Location, lineY float64) bool {
	want := map[string]bool{}
	for _, w := range textsim.Words(loc.Context.Label) {
		want[w] = true
	}
	for _, group := range [][]string{loc.Context.WordsBefore, loc.Context.WordsAfter} {
		for _, s := range group {
			for _, w := range textsim.Words(s) {
				want[w] = true
			}
		}
	}
	if len(want) == 0 {
		return false
	}
	rect := fields.BBox{X0: -1e9, Y0: lineY - contextReach, X1: 1e9, Y1: lineY + contextReach}
	for _, i := range doc.Window(loc.Page, rect) {
		for _, w := range textsim.Words(doc.Token(i).Text) {
			if want[w] {
				return true
			}
		}
	}
	return false
}
