// Package strategy implements the independent field extractors: rule-based, position-based
// and sequence-labeling. Every extractor returns nil when it finds no data.
package strategy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

// Strategy extracts one field from one document
type Strategy interface {
	Type() fields.StrategyType
	Extract(doc *tokens.Document, cfg fields.FieldConfig) *fields.FieldResult
}

// SafeExtract runs a strategy and converts a panic into a nil result
func SafeExtract(s Strategy, doc *tokens.Document, cfg fields.FieldConfig, logger *zap.Logger) (res *fields.FieldResult) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("strategy panicked",
					zap.String("strategy", string(s.Type())),
					zap.String("field", cfg.Name),
					zap.String("panic", fmt.Sprint(r)))
			}
			res = nil
		}
	}()
	res = s.Extract(doc, cfg)
	if !res.HasValue() {
		return nil
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// better reports whether a should replace the current best b; earlier locations win ties
func better(a, b *fields.FieldResult) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Confidence > b.Confidence
}
