package tokens

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// maxPageTreeDepth bounds page tree recursion on malformed documents
const maxPageTreeDepth = 32

// FormValue is a filled text field together with its widget placement
type FormValue struct {
	Name  string
	Value string
	Page  int
	Rect  fields.BBox // bottom-up PDF coordinates
}

type pageInfo struct {
	number int
	height float64
}

// FormTokens reads filled AcroForm text values and turns them into word tokens placed
// inside their widget rectangles. Documents without a form yield no tokens.
func (r *Reader) FormTokens(path string) ([]fields.Token, error) {
	values, heights, err := r.formValues(path)
	if err != nil {
		return nil, err
	}
	var out []fields.Token
	for _, v := range values {
		h, ok := heights[v.Page]
		if !ok {
			h = defaultPageHeight
		}
		out = append(out, LayoutValue(v, h)...)
	}
	return out, nil
}

// LayoutValue splits a form value into words spread across the widget width in proportion
// to their rune counts, converting to top-down coordinates.
func LayoutValue(v FormValue, pageHeight float64) []fields.Token {
	words := strings.Fields(v.Value)
	if len(words) == 0 {
		return nil
	}
	total := 0
	for _, w := range words {
		total += utf8.RuneCountInString(w)
	}
	total += len(words) - 1

	width := v.Rect.X1 - v.Rect.X0
	top := pageHeight - v.Rect.Y1
	bottom := pageHeight - v.Rect.Y0
	out := make([]fields.Token, 0, len(words))
	offset := 0
	for _, w := range words {
		n := utf8.RuneCountInString(w)
		x0 := v.Rect.X0 + width*float64(offset)/float64(total)
		x1 := v.Rect.X0 + width*float64(offset+n)/float64(total)
		out = append(out, fields.Token{Text: w, X0: x0, Y0: top, X1: x1, Y1: bottom, Page: v.Page})
		offset += n + 1
	}
	return out
}

func (r *Reader) formValues(path string) ([]FormValue, map[int]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open PDF file: %w", err)
	}
	defer file.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(file, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read PDF context: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, nil, fmt.Errorf("failed to ensure page count: %w", err)
	}

	rootDict, err := ctx.Catalog()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get catalog: %w", err)
	}

	pages := map[int]pageInfo{}
	if pagesObj, found := rootDict.Find("Pages"); found {
		n := 0
		walkPages(ctx, pagesObj, defaultPageHeight, 0, &n, pages)
	}
	heights := make(map[int]float64, len(pages))
	for _, p := range pages {
		heights[p.number] = p.height
	}

	acroFormObj, found := rootDict.Find("AcroForm")
	if !found {
		return nil, heights, nil
	}
	acroFormDict, err := ctx.DereferenceDict(acroFormObj)
	if err != nil || acroFormDict == nil {
		return nil, heights, nil
	}
	fieldsObj, found := acroFormDict.Find("Fields")
	if !found {
		return nil, heights, nil
	}
	fieldsArray, err := ctx.DereferenceArray(fieldsObj)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dereference Fields array: %w", err)
	}

	var values []FormValue
	for i, ref := range fieldsArray {
		values = r.collectField(ctx, ref, "", i, pages, values, 0)
	}
	return values, heights, nil
}

// walkPages numbers page leaves in tree order, keyed by object number
func walkPages(ctx *model.Context, obj types.Object, inherited float64, depth int, n *int, out map[int]pageInfo) {
	if depth > maxPageTreeDepth {
		return
	}
	dict, err := ctx.DereferenceDict(obj)
	if err != nil || dict == nil {
		return
	}
	height := inherited
	if boxObj, found := dict.Find("MediaBox"); found {
		if h := rectHeight(ctx, boxObj); h > 0 {
			height = h
		}
	}
	if kidsObj, found := dict.Find("Kids"); found {
		kids, err := ctx.DereferenceArray(kidsObj)
		if err != nil {
			return
		}
		for _, kid := range kids {
			walkPages(ctx, kid, height, depth+1, n, out)
		}
		return
	}
	*n++
	if ref, ok := obj.(types.IndirectRef); ok {
		out[int(ref.ObjectNumber)] = pageInfo{number: *n, height: height}
	}
}

func rectHeight(ctx *model.Context, obj types.Object) float64 {
	rect, ok := parseRect(ctx, obj)
	if !ok {
		return 0
	}
	h := rect.Y1 - rect.Y0
	if h < 0 {
		h = -h
	}
	return h
}

func parseRect(ctx *model.Context, obj types.Object) (fields.BBox, bool) {
	arr, err := ctx.DereferenceArray(obj)
	if err != nil || len(arr) != 4 {
		return fields.BBox{}, false
	}
	var c [4]float64
	for i, o := range arr {
		f, err := ctx.DereferenceNumber(o)
		if err != nil {
			return fields.BBox{}, false
		}
		c[i] = f
	}
	if c[0] > c[2] {
		c[0], c[2] = c[2], c[0]
	}
	if c[1] > c[3] {
		c[1], c[3] = c[3], c[1]
	}
	return fields.BBox{X0: c[0], Y0: c[1], X1: c[2], Y1: c[3]}, true
}

// collectField walks a field and its kids, emitting filled text values
func (r *Reader) collectField(ctx *model.Context, obj types.Object, parent string, index int,
	pages map[int]pageInfo, values []FormValue, depth int) []FormValue {
	if depth > maxPageTreeDepth {
		return values
	}
	dict, err := ctx.DereferenceDict(obj)
	if err != nil || dict == nil {
		r.logger.Debug("skipping form field", zap.Int("index", index), zap.Error(err))
		return values
	}

	name := parent
	if nameObj, found := dict.Find("T"); found {
		if partial, err := ctx.DereferenceStringOrHexLiteral(nameObj, model.V10, nil); err == nil && partial != "" {
			if name != "" {
				name += "."
			}
			name += partial
		}
	}

	if ft, found := dict.Find("FT"); found {
		if n, err := ctx.DereferenceName(ft, model.V10, nil); err == nil && n != "Tx" {
			return values
		}
	}

	if valueObj, found := dict.Find("V"); found {
		if text, err := ctx.DereferenceStringOrHexLiteral(valueObj, model.V10, nil); err == nil && strings.TrimSpace(text) != "" {
			if rect, page, ok := widgetPlacement(ctx, dict, pages); ok {
				values = append(values, FormValue{Name: name, Value: text, Page: page, Rect: rect})
			}
			return values
		}
	}

	if kidsObj, found := dict.Find("Kids"); found {
		if kids, err := ctx.DereferenceArray(kidsObj); err == nil {
			for i, kid := range kids {
				values = r.collectField(ctx, kid, name, i, pages, values, depth+1)
			}
		}
	}
	return values
}

// widgetPlacement finds the rectangle and page of a field's first widget annotation
func widgetPlacement(ctx *model.Context, dict types.Dict, pages map[int]pageInfo) (fields.BBox, int, bool) {
	widget := dict
	if _, found := dict.Find("Rect"); !found {
		kidsObj, found := dict.Find("Kids")
		if !found {
			return fields.BBox{}, 0, false
		}
		kids, err := ctx.DereferenceArray(kidsObj)
		if err != nil || len(kids) == 0 {
			return fields.BBox{}, 0, false
		}
		widget, err = ctx.DereferenceDict(kids[0])
		if err != nil || widget == nil {
			return fields.BBox{}, 0, false
		}
	}
	rectObj, found := widget.Find("Rect")
	if !found {
		return fields.BBox{}, 0, false
	}
	rect, ok := parseRect(ctx, rectObj)
	if !ok {
		return fields.BBox{}, 0, false
	}
	page := 1
	if pObj, found := widget.Find("P"); found {
		if ref, ok := pObj.(types.IndirectRef); ok {
			if info, ok := pages[int(ref.ObjectNumber)]; ok {
				page = info.number
			}
		}
	}
	return rect, page, true
}
