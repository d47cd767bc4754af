package crf

import (
	"strings"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// typicalLengthSlack is how far past the learned typical value length a span may grow
const typicalLengthSlack = 1.3

// Span is the decoded value of one field
type Span struct {
	Text       string
	Confidence float64
	Indices    []int
}

// ExtractSpan walks the predicted tags in order and accumulates the first B-/I- run of the
// target field. It stops at the next-field boundary, once the text would exceed 1.3x the
// typical value length, and skips everything between parentheses. A repeated anchor label
// inside the span is stripped along with anything before it.
func ExtractSpan(toks []fields.Token, labels []string, conf []float64, lc fields.LocationContext, field string) (Span, bool) {
	begin, inside := BeginLabel(field), InsideLabel(field)
	limit := 0
	if lc.TypicalValueLength > 0 {
		limit = int(float64(lc.TypicalValueLength) * typicalLengthSlack)
	}

	var span Span
	var parts []string
	var confSum float64
	lineY, haveLine := 0.0, false
	if lc.LabelBBox != nil {
		lineY, haveLine = lc.LabelBBox.CenterY(), true
	}
	depth := 0
	started := false

	for i, tag := range labels {
		isTarget := tag == begin || tag == inside
		if !isTarget {
			if started {
				break
			}
			continue
		}
		if started && tag == begin {
			// a second span begins
			break
		}
		t := toks[i]
		if !haveLine {
			lineY, haveLine = t.CenterY(), true
		}
		if lc.PastBoundary(t, lineY) {
			break
		}

		text := t.Text
		opens := strings.Count(text, "(")
		closes := strings.Count(text, ")")
		if depth > 0 || opens > 0 {
			depth += opens - closes
			if depth < 0 {
				depth = 0
			}
			started = true
			continue
		}

		candidate := strings.Join(append(parts, text), " ")
		if limit > 0 && len([]rune(candidate)) > limit {
			break
		}
		parts = append(parts, text)
		span.Indices = append(span.Indices, i)
		confSum += conf[i]
		started = true
	}

	if len(parts) == 0 {
		return Span{}, false
	}
	span.Text = stripLabelEcho(strings.Join(parts, " "), lc.Label)
	span.Confidence = confSum / float64(len(span.Indices))
	if strings.TrimSpace(span.Text) == "" {
		return Span{}, false
	}
	return span, true
}

// stripLabelEcho drops everything up to and including the last occurrence of the label
func stripLabelEcho(text, label string) string {
	label = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(label), ":"))
	if label == "" {
		return text
	}
	lower := strings.ToLower(text)
	idx := strings.LastIndex(lower, strings.ToLower(label))
	if idx < 0 {
		return text
	}
	rest := text[idx+len(label):]
	rest = strings.TrimLeft(rest, " :")
	return strings.TrimSpace(rest)
}
