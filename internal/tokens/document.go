// Package tokens turns PDF content into positioned word tokens and indexes them for spatial lookup.
package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/rtree"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// Document is an immutable, ordered token list with a per-page spatial index.
// Token order is (page, top, x0) and indices returned by lookups refer to that order.
type Document struct {
	ID     string
	tokens []fields.Token
	pages  map[int]*rtree.RTreeG[int]
	byPage map[int][]int
}

// NewDocument copies and sorts the tokens and builds the page indexes
func NewDocument(id string, toks []fields.Token) *Document {
	sorted := make([]fields.Token, 0, len(toks))
	for _, t := range toks {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		sorted = append(sorted, t)
	}
	SortTokens(sorted)

	d := &Document{
		ID:     id,
		tokens: sorted,
		pages:  make(map[int]*rtree.RTreeG[int]),
		byPage: make(map[int][]int),
	}
	for i, t := range sorted {
		tr, ok := d.pages[t.Page]
		if !ok {
			tr = &rtree.RTreeG[int]{}
			d.pages[t.Page] = tr
		}
		tr.Insert([2]float64{t.X0, t.Y0}, [2]float64{t.X1, t.Y1}, i)
		d.byPage[t.Page] = append(d.byPage[t.Page], i)
	}
	if d.ID == "" {
		d.ID = d.Fingerprint()
	}
	return d
}

// SortTokens orders tokens by page, then top, then x0
func SortTokens(toks []fields.Token) {
	sort.SliceStable(toks, func(i, j int) bool {
		a, b := toks[i], toks[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.Y0 != b.Y0 {
			return a.Y0 < b.Y0
		}
		return a.X0 < b.X0
	})
}

// Len returns the number of tokens
func (d *Document) Len() int {
	return len(d.tokens)
}

// Token returns the token at index i
func (d *Document) Token(i int) fields.Token {
	return d.tokens[i]
}

// Tokens returns a copy of all tokens in document order
func (d *Document) Tokens() []fields.Token {
	out := make([]fields.Token, len(d.tokens))
	copy(out, d.tokens)
	return out
}

// Pages returns the page numbers that carry tokens, ascending
func (d *Document) Pages() []int {
	pages := make([]int, 0, len(d.byPage))
	for p := range d.byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// PageIndices returns the indices of the tokens on a page in document order
func (d *Document) PageIndices(page int) []int {
	return d.byPage[page]
}

// PageTokens returns the tokens on a page in document order
func (d *Document) PageTokens(page int) []fields.Token {
	idx := d.byPage[page]
	out := make([]fields.Token, len(idx))
	for i, j := range idx {
		out[i] = d.tokens[j]
	}
	return out
}

// Window returns the indices of tokens on page whose boxes intersect rect, in document order
func (d *Document) Window(page int, rect fields.BBox) []int {
	tr, ok := d.pages[page]
	if !ok {
		return nil
	}
	var hits []int
	tr.Search([2]float64{rect.X0, rect.Y0}, [2]float64{rect.X1, rect.Y1},
		func(_, _ [2]float64, idx int) bool {
			hits = append(hits, idx)
			return true
		})
	sort.Ints(hits)
	return hits
}

// Join concatenates the text of the given token indices with single spaces
func (d *Document) Join(indices []int) string {
	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, d.tokens[i].Text)
	}
	return strings.Join(parts, " ")
}

// Fingerprint hashes token text and geometry so identical documents share an id
func (d *Document) Fingerprint() string {
	h := sha256.New()
	for _, t := range d.tokens {
		fmt.Fprintf(h, "%d|%.1f|%.1f|%.1f|%.1f|%s\n", t.Page, t.X0, t.Y0, t.X1, t.Y1, t.Text)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
