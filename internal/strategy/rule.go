package strategy

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

// RuleConfig holds the rule-based confidence schedule
type RuleConfig struct {
	BaseConfidence    float64
	FullMatchBonus    float64
	PartialMatchBonus float64
	NoMatchPenalty    float64
	// a learned pattern at or above this confidence ends the search
	ShortCircuit float64
}

// DefaultRuleConfig returns the standard rule-based scoring
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		BaseConfidence:    0.5,
		FullMatchBonus:    0.3,
		PartialMatchBonus: 0.15,
		NoMatchPenalty:    -0.2,
		ShortCircuit:      0.7,
	}
}

// RuleBased extracts values by matching learned and base patterns against anchored text
type RuleBased struct {
	config RuleConfig
	cache  *regexCache
	logger *zap.Logger
}

// NewRuleBased creates a rule-based strategy with the default configuration
func NewRuleBased(logger *zap.Logger) *RuleBased {
	return NewRuleBasedWithConfig(DefaultRuleConfig(), logger)
}

// NewRuleBasedWithConfig creates a rule-based strategy with a custom configuration
func NewRuleBasedWithConfig(config RuleConfig, logger *zap.Logger) *RuleBased {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleBased{config: config, cache: newRegexCache(), logger: logger}
}

func (r *RuleBased) Type() fields.StrategyType { return fields.StrategyRuleBased }

type rulePattern struct {
	pattern string
	learned bool
}

// patterns lists learned patterns by priority followed by the base pattern
func (r *RuleBased) patterns(cfg fields.FieldConfig) []rulePattern {
	var out []rulePattern
	for _, lp := range cfg.SortedPatterns() {
		out = append(out, rulePattern{pattern: lp.Pattern, learned: true})
	}
	base := strings.TrimSpace(cfg.ValidationRules.Pattern)
	if base != "" {
		if _, ok := r.cache.get(base); !ok {
			r.logger.Warn("invalid base pattern, using default",
				zap.String("field", cfg.Name), zap.String("pattern", base))
			base = ""
		}
	}
	if base == "" {
		base = DefaultPattern(cfg.Name)
	}
	return append(out, rulePattern{pattern: base})
}

// Extract tries every location and keeps the most confident match
func (r *RuleBased) Extract(doc *tokens.Document, cfg fields.FieldConfig) *fields.FieldResult {
	patterns := r.patterns(cfg)
	var best *fields.FieldResult
	for li, loc := range cfg.Locations {
		found := collect(doc, loc)
		if found.empty() {
			continue
		}
		text := doc.Join(found.Indices)
		for _, p := range patterns {
			re, ok := r.cache.get(p.pattern)
			if !ok {
				continue
			}
			raw, ok := match(re, text)
			if !ok {
				continue
			}
			value := Clean(raw, cfg.Rules.Noise)
			if value == "" {
				continue
			}
			res := &fields.FieldResult{
				FieldName:  cfg.Name,
				Value:      value,
				Confidence: r.score(text, raw, value),
				Method:     fields.MethodRuleBased,
			}
			res.SetMeta(fields.MetaPattern, p.pattern)
			res.SetMeta(fields.MetaPatternLearned, p.learned)
			res.SetMeta(fields.MetaSearch, string(found.Stage))
			res.SetMeta(fields.MetaLocationIndex, li)

			if p.learned && res.Confidence >= r.config.ShortCircuit {
				return res
			}
			if better(res, best) {
				best = res
			}
		}
	}
	return best
}

// score grades a match by completeness, length, token count and how much cleaning removed
func (r *RuleBased) score(text, raw, value string) float64 {
	c := r.config.BaseConfidence

	candidate := strings.TrimSpace(text)
	switch {
	case raw == "":
		c += r.config.NoMatchPenalty
	case raw == candidate:
		c += r.config.FullMatchBonus
	default:
		c += r.config.PartialMatchBonus
	}

	n := utf8.RuneCountInString(value)
	switch {
	case n == 1:
		c -= 0.1
	case n > 100:
		c -= 0.15
	case n >= 2 && n <= 50:
		c += 0.1
	}

	words := len(strings.Fields(value))
	switch {
	case words > 10:
		c -= 0.2
	case words > 7:
		c -= 0.1
	}

	if rawLen := utf8.RuneCountInString(raw); rawLen > 0 {
		stripped := 1 - float64(n)/float64(rawLen)
		switch {
		case stripped > 0.3:
			c -= 0.15
		case stripped > 0.15:
			c -= 0.05
		}
	}
	return clamp01(c)
}
