package strategy

import (
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

// PositionConfig holds the position-based confidence schedule
type PositionConfig struct {
	BaseConfidence float64
	LabelBonus     float64
	ContextBonus   float64
	// applied when context hints exist but none of them is near the value
	MissingContextPenalty float64
}

// DefaultPositionConfig returns the standard position-based scoring
func DefaultPositionConfig() PositionConfig {
	return PositionConfig{
		BaseConfidence:        0.90,
		LabelBonus:            0.05,
		ContextBonus:          0.03,
		MissingContextPenalty: -0.3,
	}
}

// PositionBased takes the tokens found at a location verbatim
type PositionBased struct {
	config PositionConfig
}

// NewPositionBased creates a position-based strategy with the default configuration
func NewPositionBased() *PositionBased {
	return &PositionBased{config: DefaultPositionConfig()}
}

// NewPositionBasedWithConfig creates a position-based strategy with a custom configuration
func NewPositionBasedWithConfig(config PositionConfig) *PositionBased {
	return &PositionBased{config: config}
}

func (p *PositionBased) Type() fields.StrategyType { return fields.StrategyPositionBased }

// Extract tries every location and keeps the most confident non-empty one
func (p *PositionBased) Extract(doc *tokens.Document, cfg fields.FieldConfig) *fields.FieldResult {
	var best *fields.FieldResult
	for li, loc := range cfg.Locations {
		found := collect(doc, loc)
		if found.empty() {
			continue
		}
		value := Clean(doc.Join(found.Indices), nil)
		if value == "" {
			continue
		}

		c := p.config.BaseConfidence
		switch {
		case found.Stage == StageAnchor:
			c += p.config.LabelBonus
		case loc.Context.HasContext() && contextFound(doc, loc, found.LineY):
			c += p.config.ContextBonus
		case loc.Context.HasContext():
			c += p.config.MissingContextPenalty
		}

		res := &fields.FieldResult{
			FieldName:  cfg.Name,
			Value:      value,
			Confidence: clamp01(c),
			Method:     fields.MethodPositionBased,
		}
		res.SetMeta(fields.MetaSearch, string(found.Stage))
		res.SetMeta(fields.MetaLocationIndex, li)
		if better(res, best) {
			best = res
		}
	}
	return best
}
