package tokens

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

const (
	defaultPageHeight = 792.0
	// glyphs on the same baseline within this fraction of the font size belong to one line
	baselineTolerance = 0.3
	// a horizontal gap wider than this fraction of the font size starts a new word
	wordGapFactor = 0.2
)

// Glyph is one positioned text run as reported by the content stream, bottom-up coordinates
type Glyph struct {
	S        string
	X        float64
	Y        float64
	W        float64
	FontSize float64
}

// Reader extracts word tokens from PDF files
type Reader struct {
	logger *zap.Logger
}

// NewReader creates a token reader; a nil logger disables logging
func NewReader(logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{logger: logger}
}

// FromPDF reads every page of a PDF and returns word tokens in top-down coordinates.
// Pages whose content stream cannot be parsed are skipped.
func (r *Reader) FromPDF(path string) ([]fields.Token, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	var out []fields.Token
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		toks, err := r.pageTokens(reader, pageNum)
		if err != nil {
			r.logger.Warn("skipping page", zap.String("path", path), zap.Int("page", pageNum), zap.Error(err))
			continue
		}
		out = append(out, toks...)
	}
	return out, nil
}

func (r *Reader) pageTokens(reader *pdf.Reader, pageNum int) (toks []fields.Token, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			toks = nil
			err = fmt.Errorf("panic while reading page content: %v", rec)
		}
	}()

	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return nil, fmt.Errorf("invalid page %d", pageNum)
	}

	height := pageHeight(page)
	content := page.Content()
	glyphs := make([]Glyph, 0, len(content.Text))
	for _, t := range content.Text {
		glyphs = append(glyphs, Glyph{S: t.S, X: t.X, Y: t.Y, W: t.W, FontSize: t.FontSize})
	}
	return GroupWords(glyphs, pageNum, height), nil
}

// pageHeight reads the page MediaBox, which a page may inherit from any ancestor in the page tree
func pageHeight(page pdf.Page) float64 {
	box := inheritedKey(page.V, "MediaBox")
	if box.Kind() != pdf.Array || box.Len() != 4 {
		return defaultPageHeight
	}
	lly := box.Index(1).Float64()
	ury := box.Index(3).Float64()
	if h := math.Abs(ury - lly); h > 0 {
		return h
	}
	return defaultPageHeight
}

func inheritedKey(v pdf.Value, key string) pdf.Value {
	for depth := 0; depth < maxPageTreeDepth && !v.IsNull(); depth++ {
		if r := v.Key(key); !r.IsNull() {
			return r
		}
		v = v.Key("Parent")
	}
	return pdf.Value{}
}

// GroupWords merges glyph runs into words. Glyphs are bucketed into lines by baseline,
// ordered left to right, and split on whitespace or on gaps wider than a fraction of
// the font size. Coordinates are flipped to top-down using the page height.
func GroupWords(glyphs []Glyph, page int, height float64) []fields.Token {
	var out []fields.Token
	for _, line := range splitLines(glyphs) {
		out = append(out, lineWords(line, page, height)...)
	}
	return out
}

func splitLines(glyphs []Glyph) [][]Glyph {
	if len(glyphs) == 0 {
		return nil
	}
	sorted := make([]Glyph, len(glyphs))
	copy(sorted, glyphs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Y > sorted[j].Y })

	var lines [][]Glyph
	line := []Glyph{sorted[0]}
	anchor := sorted[0]
	for _, g := range sorted[1:] {
		if anchor.Y-g.Y <= baselineTolerance*math.Max(fontSize(anchor), fontSize(g)) {
			line = append(line, g)
			continue
		}
		lines = append(lines, line)
		line = []Glyph{g}
		anchor = g
	}
	lines = append(lines, line)

	for _, l := range lines {
		sort.SliceStable(l, func(i, j int) bool { return l[i].X < l[j].X })
	}
	return lines
}

func lineWords(line []Glyph, page int, height float64) []fields.Token {
	var out []fields.Token
	var word strings.Builder
	var cur fields.Token
	var lastEnd float64
	open := false

	flush := func() {
		if open && word.Len() > 0 {
			cur.Text = word.String()
			out = append(out, cur)
		}
		word.Reset()
		open = false
	}

	for _, g := range line {
		size := fontSize(g)
		text := strings.TrimFunc(g.S, unicode.IsSpace)
		if text == "" {
			flush()
			lastEnd = g.X + g.W
			continue
		}
		if open && g.X-lastEnd > wordGapFactor*size {
			flush()
		}
		if !open {
			cur = fields.Token{
				X0:   g.X,
				Y0:   height - (g.Y + size*0.8),
				X1:   g.X + g.W,
				Y1:   height - (g.Y - size*0.2),
				Page: page,
			}
			open = true
		}
		// runs reported with embedded spaces split into several words
		parts := strings.Fields(text)
		for i, part := range parts {
			if i > 0 {
				flush()
				cur = fields.Token{X0: g.X, Y0: height - (g.Y + size*0.8), X1: g.X + g.W, Y1: height - (g.Y - size*0.2), Page: page}
				open = true
			}
			word.WriteString(part)
		}
		if end := g.X + g.W; end > cur.X1 {
			cur.X1 = end
		}
		if top := height - (g.Y + size*0.8); top < cur.Y0 {
			cur.Y0 = top
		}
		lastEnd = g.X + g.W
	}
	flush()
	return out
}

func fontSize(g Glyph) float64 {
	if g.FontSize <= 0 {
		return 10
	}
	return g.FontSize
}
