package fields

import (
	"math"
	"sort"
	"strings"
)

// LineTolerance is the largest vertical center distance at which two boxes share a visual line
const LineTolerance = 10.0

// StrategyType identifies one of the independent extraction strategies
type StrategyType string

const (
	StrategyRuleBased     StrategyType = "rule_based"
	StrategyPositionBased StrategyType = "position_based"
	StrategyCRF           StrategyType = "crf"
)

// AllStrategies returns the strategies in their fixed evaluation order.
// The order doubles as the tie-break priority when combined scores are equal.
func AllStrategies() []StrategyType {
	return []StrategyType{StrategyRuleBased, StrategyPositionBased, StrategyCRF}
}

// Priority returns the position of the strategy in the fixed order (lower wins ties)
func (st StrategyType) Priority() int {
	for i, s := range AllStrategies() {
		if s == st {
			return i
		}
	}
	return len(AllStrategies())
}

// IsValid checks if the strategy type is known
func (st StrategyType) IsValid() bool {
	switch st {
	case StrategyRuleBased, StrategyPositionBased, StrategyCRF:
		return true
	default:
		return false
	}
}

// Method records how a final field value was produced
type Method string

const (
	MethodRuleBased             Method = "rule_based"
	MethodPositionBased         Method = "position_based"
	MethodCRF                   Method = "crf"
	MethodRuleBasedFallback     Method = "rule_based_fallback"
	MethodPositionBasedFallback Method = "position_based_fallback"
	MethodCRFFallback           Method = "crf_fallback"
	MethodNone                  Method = "none"
)

// MethodFor returns the direct method for a strategy
func MethodFor(st StrategyType) Method {
	return Method(st)
}

// FallbackMethod returns the "<strategy>_fallback" method for a strategy
func FallbackMethod(st StrategyType) Method {
	return Method(string(st) + "_fallback")
}

// Strategy returns the strategy behind a method, stripping any fallback suffix
func (m Method) Strategy() (StrategyType, bool) {
	st := StrategyType(strings.TrimSuffix(string(m), "_fallback"))
	return st, st.IsValid()
}

// IsFallback reports whether the method was produced by fallback selection
func (m Method) IsFallback() bool {
	return strings.HasSuffix(string(m), "_fallback")
}

// Token is a single word supplied by the token source.
// Coordinates are top-down: Y0 is the top edge and Y1 the bottom edge.
type Token struct {
	Text string  `json:"text" yaml:"text"`
	X0   float64 `json:"x0" yaml:"x0"`
	Y0   float64 `json:"top" yaml:"top"`
	X1   float64 `json:"x1" yaml:"x1"`
	Y1   float64 `json:"bottom" yaml:"bottom"`
	Page int     `json:"page" yaml:"page"`
}

// BBox returns the token bounding box
func (t Token) BBox() BBox {
	return BBox{X0: t.X0, Y0: t.Y0, X1: t.X1, Y1: t.Y1}
}

// CenterY returns the vertical center of the token
func (t Token) CenterY() float64 {
	return (t.Y0 + t.Y1) / 2
}

// BBox is an axis-aligned rectangle in the document's native coordinate space
type BBox struct {
	X0 float64 `json:"x0" yaml:"x0"`
	Y0 float64 `json:"y0" yaml:"y0"`
	X1 float64 `json:"x1" yaml:"x1"`
	Y1 float64 `json:"y1" yaml:"y1"`
}

// CenterX returns the horizontal center
func (b BBox) CenterX() float64 { return (b.X0 + b.X1) / 2 }

// CenterY returns the vertical center
func (b BBox) CenterY() float64 { return (b.Y0 + b.Y1) / 2 }

// Width returns the box width
func (b BBox) Width() float64 { return b.X1 - b.X0 }

// Height returns the box height
func (b BBox) Height() float64 { return b.Y1 - b.Y0 }

// IsZero reports whether the box was never set
func (b BBox) IsZero() bool {
	return b.X0 == 0 && b.Y0 == 0 && b.X1 == 0 && b.Y1 == 0
}

// LocationContext carries the hints that orient search around a location
type LocationContext struct {
	Label              string   `json:"label,omitempty" yaml:"label,omitempty"`
	LabelBBox          *BBox    `json:"label_bbox,omitempty" yaml:"label_bbox,omitempty"`
	WordsBefore        []string `json:"words_before,omitempty" yaml:"words_before,omitempty"`
	WordsAfter         []string `json:"words_after,omitempty" yaml:"words_after,omitempty"`
	NextFieldY         *float64 `json:"next_field_y,omitempty" yaml:"next_field_y,omitempty"`
	NextFieldX         *float64 `json:"next_field_x,omitempty" yaml:"next_field_x,omitempty"`
	TypicalValueLength int      `json:"typical_value_length,omitempty" yaml:"typical_value_length,omitempty"`
}

// HasAnchor reports whether a label with a known position is available
func (c LocationContext) HasAnchor() bool {
	return strings.TrimSpace(c.Label) != "" && c.LabelBBox != nil
}

// HasContext reports whether any contextual hint is present
func (c LocationContext) HasContext() bool {
	return strings.TrimSpace(c.Label) != "" || len(c.WordsBefore) > 0 || len(c.WordsAfter) > 0
}

// PastBoundary reports whether t lies at or beyond the next-field stop boundary.
// The X boundary applies when the next field shares the searched line (centered at lineY),
// otherwise the Y boundary applies.
func (c LocationContext) PastBoundary(t Token, lineY float64) bool {
	if c.NextFieldX != nil {
		return math.Abs(t.CenterY()-lineY) < LineTolerance && t.X0 >= *c.NextFieldX
	}
	if c.NextFieldY != nil {
		return t.Y0 >= *c.NextFieldY
	}
	return false
}

// Location is one candidate region where a field value may appear
type Location struct {
	Page    int             `json:"page" yaml:"page"`
	BBox    BBox            `json:"bbox" yaml:"bbox"`
	Context LocationContext `json:"context" yaml:"context"`
}

// ValidationRules holds the base extraction pattern of a field
type ValidationRules struct {
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// FieldRules holds learned extraction knowledge for a field
type FieldRules struct {
	LearnedPatterns []LearnedPattern `json:"learned_patterns,omitempty" yaml:"learned_patterns,omitempty"`
	Noise           *NoiseProfile    `json:"noise,omitempty" yaml:"noise,omitempty"`
}

// FieldConfig describes how one field is located and validated
type FieldConfig struct {
	Name            string          `json:"name" yaml:"name"`
	Locations       []Location      `json:"locations,omitempty" yaml:"locations,omitempty"`
	ValidationRules ValidationRules `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
	Rules           FieldRules      `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// WithLocation returns a copy of the config restricted to a single location
func (fc FieldConfig) WithLocation(index int) FieldConfig {
	out := fc
	if index < 0 || index >= len(fc.Locations) {
		out.Locations = nil
		return out
	}
	out.Locations = []Location{fc.Locations[index]}
	return out
}

// SortedPatterns returns learned patterns ordered by priority, then frequency, then pattern text
func (fc FieldConfig) SortedPatterns() []LearnedPattern {
	patterns := make([]LearnedPattern, len(fc.Rules.LearnedPatterns))
	copy(patterns, fc.Rules.LearnedPatterns)
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Priority != patterns[j].Priority {
			return patterns[i].Priority > patterns[j].Priority
		}
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		return patterns[i].Pattern < patterns[j].Pattern
	})
	return patterns
}

// Template is an ordered set of field configurations for one document layout
type Template struct {
	ID     string        `json:"id" yaml:"id"`
	Name   string        `json:"name,omitempty" yaml:"name,omitempty"`
	Fields []FieldConfig `json:"fields" yaml:"-"`
}

// Complexity returns field_count/20 capped at 1.0
func (t *Template) Complexity() float64 {
	c := float64(len(t.Fields)) / 20.0
	if c > 1.0 {
		return 1.0
	}
	return c
}

// Field returns the configuration for the named field
func (t *Template) Field(name string) (FieldConfig, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldConfig{}, false
}

// FieldKey identifies a field's learned state across templates
func FieldKey(templateID, fieldName string) string {
	return templateID + "/" + fieldName
}
