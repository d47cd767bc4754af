package strategy

import (
	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

// MetaModelVersion records the model snapshot that tagged the value
const MetaModelVersion = "model_version"

// SequenceLabeling tags page tokens with a trained model and decodes the target field span.
// It is bound to one snapshot so that every field of a document sees the same model.
type SequenceLabeling struct {
	snap *crf.Snapshot
}

// NewSequenceLabeling binds the strategy to a model snapshot; nil means no model
func NewSequenceLabeling(snap *crf.Snapshot) *SequenceLabeling {
	return &SequenceLabeling{snap: snap}
}

func (s *SequenceLabeling) Type() fields.StrategyType { return fields.StrategyCRF }

// Available reports whether a model is loaded
func (s *SequenceLabeling) Available() bool {
	return s.snap != nil && s.snap.Model != nil
}

// Extract decodes the field on every location page and keeps the most confident span
func (s *SequenceLabeling) Extract(doc *tokens.Document, cfg fields.FieldConfig) *fields.FieldResult {
	if !s.Available() || !s.snap.Model.HasField(cfg.Name) {
		return nil
	}
	var best *fields.FieldResult
	for li, loc := range cfg.Locations {
		toks := doc.PageTokens(loc.Page)
		if len(toks) == 0 {
			continue
		}
		feats := crf.BuildFeatures(toks, loc.Context, cfg.Name)
		labels, conf := s.snap.Model.Predict(feats)
		span, ok := crf.ExtractSpan(toks, labels, conf, loc.Context, cfg.Name)
		if !ok {
			continue
		}
		value := Clean(span.Text, cfg.Rules.Noise)
		if value == "" {
			continue
		}
		res := &fields.FieldResult{
			FieldName:  cfg.Name,
			Value:      value,
			Confidence: clamp01(span.Confidence),
			Method:     fields.MethodCRF,
		}
		res.SetMeta(MetaModelVersion, s.snap.Version)
		res.SetMeta(fields.MetaLocationIndex, li)
		if better(res, best) {
			best = res
		}
	}
	return best
}
