package fields

import (
	"strings"
)

// Metadata keys shared between the combiner, the engine and the learner
const (
	MetaSelectedBy         = "selected_by"
	MetaStrategiesAttempt  = "strategies_attempted"
	MetaStrategyResults    = "strategy_results"
	MetaCombinedScores     = "combined_scores"
	MetaLocationIndex      = "location_index"
	MetaPattern            = "pattern"
	MetaPatternLearned     = "pattern_learned"
	MetaRequiresValidation = "requires_validation"
	MetaSearch             = "search"
)

// FieldResult is the outcome of extracting one field.
// A nil *FieldResult from a strategy means "no data".
type FieldResult struct {
	FieldName  string         `json:"field_name"`
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"`
	Method     Method         `json:"method"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Conflict   *ConflictInfo  `json:"conflict,omitempty"`
}

// EmptyResult returns the null-value result used when nothing could be extracted
func EmptyResult(fieldName string) *FieldResult {
	return &FieldResult{
		FieldName:  fieldName,
		Value:      "",
		Confidence: 0,
		Method:     MethodNone,
		Metadata:   map[string]any{},
	}
}

// HasValue reports whether the result carries a meaningful (non-blank) value
func (r *FieldResult) HasValue() bool {
	return r != nil && strings.TrimSpace(r.Value) != ""
}

// Clone returns a copy whose metadata map can be modified independently
func (r *FieldResult) Clone() *FieldResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// SetMeta sets a metadata entry, allocating the map when needed
func (r *FieldResult) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// StrategyOutcome is the per-strategy record kept in result metadata for performance tracking
type StrategyOutcome struct {
	Attempted  bool    `json:"attempted"`
	Value      string  `json:"value,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Pattern    string  `json:"pattern,omitempty"`
}

// ConflictLevel grades the disagreement between locations
type ConflictLevel string

const (
	ConflictMinor    ConflictLevel = "minor"
	ConflictModerate ConflictLevel = "moderate"
	ConflictMajor    ConflictLevel = "major"
)

// Severity orders levels so that a larger number is more severe
func (l ConflictLevel) Severity() int {
	switch l {
	case ConflictMinor:
		return 1
	case ConflictModerate:
		return 2
	case ConflictMajor:
		return 3
	default:
		return 0
	}
}

// Candidate is one location's winning value for a field
type Candidate struct {
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	Page          int     `json:"page"`
	Label         string  `json:"label,omitempty"`
	LocationIndex int     `json:"location_index"`
	Method        Method  `json:"method"`
}

// ConflictInfo describes disagreement between the locations of one field
type ConflictInfo struct {
	Detected           bool          `json:"detected"`
	Level              ConflictLevel `json:"level,omitempty"`
	Similarity         float64       `json:"similarity"`
	Candidates         []Candidate   `json:"candidates"`
	AutoResolved       bool          `json:"auto_resolved"`
	SelectedValue      string        `json:"selected_value"`
	SelectedIndex      int           `json:"selected_index"`
	ResolvedConfidence float64       `json:"resolved_confidence"`
	RequiresValidation bool          `json:"requires_validation"`
	Suggestion         string        `json:"suggestion,omitempty"`
}

// StrategyPerformance is the historical accuracy of a strategy on one field of one template
type StrategyPerformance struct {
	TemplateID   string       `json:"template_id"`
	FieldName    string       `json:"field_name"`
	Strategy     StrategyType `json:"strategy_type"`
	Accuracy     float64      `json:"accuracy"`
	Attempts     int          `json:"attempts"`
	SuccessCount int          `json:"success_count"`
}

// Record adds one attempt and keeps accuracy == success_count/attempts
func (p *StrategyPerformance) Record(success bool) {
	p.Attempts++
	if success {
		p.SuccessCount++
	}
	p.Accuracy = float64(p.SuccessCount) / float64(p.Attempts)
}

// LearnedPattern is a regex discovered from corrections
type LearnedPattern struct {
	Pattern      string   `json:"pattern" yaml:"pattern"`
	PatternType  string   `json:"pattern_type" yaml:"pattern_type"`
	Frequency    int      `json:"frequency" yaml:"frequency"`
	Priority     int      `json:"priority" yaml:"priority"`
	MatchRate    float64  `json:"match_rate" yaml:"match_rate"`
	UsageCount   int      `json:"usage_count" yaml:"usage_count"`
	SuccessCount int      `json:"success_count" yaml:"success_count"`
	Examples     []string `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// MaxPatternExamples caps the examples kept per learned pattern
const MaxPatternExamples = 10

// Merge folds another observation of the same pattern into p.
// Frequencies add, priority takes the max, match rate is frequency-weighted,
// examples are unioned (capped) and usage counters never decrease.
func (p *LearnedPattern) Merge(other LearnedPattern) {
	total := p.Frequency + other.Frequency
	if total > 0 {
		p.MatchRate = (p.MatchRate*float64(p.Frequency) + other.MatchRate*float64(other.Frequency)) / float64(total)
	}
	p.Frequency = total
	if other.Priority > p.Priority {
		p.Priority = other.Priority
	}
	if p.PatternType == "" {
		p.PatternType = other.PatternType
	}
	if other.UsageCount > p.UsageCount {
		p.UsageCount = other.UsageCount
	}
	if other.SuccessCount > p.SuccessCount {
		p.SuccessCount = other.SuccessCount
	}
	seen := make(map[string]bool, len(p.Examples))
	for _, ex := range p.Examples {
		seen[ex] = true
	}
	for _, ex := range other.Examples {
		if len(p.Examples) >= MaxPatternExamples {
			break
		}
		if !seen[ex] {
			seen[ex] = true
			p.Examples = append(p.Examples, ex)
		}
	}
	if len(p.Examples) > MaxPatternExamples {
		p.Examples = p.Examples[:MaxPatternExamples]
	}
}

// NoiseProfile holds mined post-processing rules for a field
type NoiseProfile struct {
	Prefixes            []string `json:"prefixes,omitempty" yaml:"prefixes,omitempty"`
	Suffixes            []string `json:"suffixes,omitempty" yaml:"suffixes,omitempty"`
	StripParentheses    bool     `json:"strip_parentheses,omitempty" yaml:"strip_parentheses,omitempty"`
	StripQuotes         bool     `json:"strip_quotes,omitempty" yaml:"strip_quotes,omitempty"`
	StripBrackets       bool     `json:"strip_brackets,omitempty" yaml:"strip_brackets,omitempty"`
	StripTrailingComma  bool     `json:"strip_trailing_comma,omitempty" yaml:"strip_trailing_comma,omitempty"`
	StripTrailingPeriod bool     `json:"strip_trailing_period,omitempty" yaml:"strip_trailing_period,omitempty"`
	Samples             int      `json:"samples" yaml:"samples"`
}

// TrainingExample is a stored labeled document-field pair.
// Features are rebuilt from the tokens at training time.
type TrainingExample struct {
	TemplateID string   `json:"template_id"`
	DocumentID string   `json:"document_id"`
	FieldName  string   `json:"field_name"`
	Location   Location `json:"location"`
	Tokens     []Token  `json:"tokens"`
	Labels     []string `json:"labels"`
	Value      string   `json:"value"`
	Original   string   `json:"original,omitempty"`
	Source     string   `json:"source"` // corrected or implicit
}

// Example sources
const (
	SourceCorrected = "corrected"
	SourceImplicit  = "implicit"
)

// ExtractionMetadata lists the strategies involved in a document extraction
type ExtractionMetadata struct {
	StrategiesUsed         []string `json:"strategies_used"`
	AllStrategiesAttempted []string `json:"all_strategies_attempted"`
	ModelVersion           int64    `json:"model_version,omitempty"`
}

// ExtractionResult is the per-document outbound result
type ExtractionResult struct {
	TemplateID        string                  `json:"template_id"`
	ExtractedData     map[string]string       `json:"extracted_data"`
	ConfidenceScores  map[string]float64      `json:"confidence_scores"`
	ExtractionMethods map[string]Method       `json:"extraction_methods"`
	Conflicts         map[string]ConflictInfo `json:"conflicts"`
	Fields            map[string]*FieldResult `json:"field_results"`
	Metadata          ExtractionMetadata      `json:"metadata"`
}

// NewExtractionResult allocates an empty result for a template
func NewExtractionResult(templateID string) *ExtractionResult {
	return &ExtractionResult{
		TemplateID:        templateID,
		ExtractedData:     map[string]string{},
		ConfidenceScores:  map[string]float64{},
		ExtractionMethods: map[string]Method{},
		Conflicts:         map[string]ConflictInfo{},
		Fields:            map[string]*FieldResult{},
	}
}

// Put stores a field result in every view of the extraction result
func (er *ExtractionResult) Put(r *FieldResult) {
	er.ExtractedData[r.FieldName] = r.Value
	er.ConfidenceScores[r.FieldName] = r.Confidence
	er.ExtractionMethods[r.FieldName] = r.Method
	if r.Conflict != nil && r.Conflict.Detected {
		er.Conflicts[r.FieldName] = *r.Conflict
	}
	er.Fields[r.FieldName] = r
}
