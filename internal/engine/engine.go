// Package engine runs hybrid field extraction over a tokenised document and routes feedback to
// the learner.
package engine

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/a3tai/mcp-pdf-fields/internal/conflict"
	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/hybrid"
	"github.com/a3tai/mcp-pdf-fields/internal/learning"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
	"github.com/a3tai/mcp-pdf-fields/internal/strategy"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

// Config holds engine settings
type Config struct {
	// Workers bounds the number of fields extracted concurrently
	Workers int `json:"workers"`
	// position-based extraction is skipped at or above this template complexity
	PositionComplexityLimit float64         `json:"position_complexity_limit"`
	Learning                learning.Config `json:"learning"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		PositionComplexityLimit: 0.85,
		Learning:                learning.DefaultConfig(),
	}
}

// Engine extracts template fields and learns from corrections
type Engine struct {
	config   Config
	store    store.Store
	rule     strategy.Strategy
	position strategy.Strategy
	combiner *hybrid.Combiner
	detector *conflict.Detector
	learner  *learning.Learner
	logger   *zap.Logger
}

// New creates an engine with the default configuration
func New(st store.Store, logger *zap.Logger) *Engine {
	return NewWithConfig(DefaultConfig(), st, logger)
}

// NewWithConfig creates an engine with a custom configuration
func NewWithConfig(config Config, st store.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Engine{
		config:   config,
		store:    st,
		rule:     strategy.NewRuleBased(logger),
		position: strategy.NewPositionBased(),
		combiner: hybrid.NewCombiner(),
		detector: conflict.NewDetector(),
		learner:  learning.NewLearnerWithConfig(config.Learning, st, logger),
		logger:   logger,
	}
}

// fieldRun is the read-only input shared by every field of one extraction
type fieldRun struct {
	usePosition bool
	sequence    *strategy.SequenceLabeling
	history     map[string]map[fields.StrategyType]fields.StrategyPerformance
	weights     hybrid.Weights
}

// Extract runs every field of the template against the document. The model snapshot is taken
// once so all fields see the same version. The result always holds every template field.
func (e *Engine) Extract(ctx context.Context, state *State, tmpl *fields.Template, doc *tokens.Document) (*fields.ExtractionResult, error) {
	if tmpl == nil || doc == nil {
		return nil, pdferrors.New(pdferrors.ErrorTypeInvalidInput, "extraction needs a template and a document")
	}

	snap := state.snapshot()
	run := fieldRun{
		usePosition: tmpl.Complexity() < e.config.PositionComplexityLimit,
		sequence:    strategy.NewSequenceLabeling(snap),
		history:     e.history(ctx, tmpl.ID),
		weights:     hybrid.DefaultWeights(),
	}
	if state != nil {
		w, err := state.LoadWeights(ctx, e.store, tmpl.ID)
		if err != nil {
			e.logger.Warn("strategy weights unavailable", zap.String("template", tmpl.ID), zap.Error(err))
		}
		run.weights = w
	}

	results := make([]*fields.FieldResult, len(tmpl.Fields))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for i, fc := range tmpl.Fields {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.extractField(run, doc, e.withLearned(gctx, tmpl.ID, fc))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := fields.NewExtractionResult(tmpl.ID)
	used := map[fields.StrategyType]bool{}
	attempted := map[string]bool{}
	for _, r := range results {
		out.Put(r)
		if st, ok := r.Method.Strategy(); ok {
			used[st] = true
		}
		if list, ok := r.Metadata[fields.MetaStrategiesAttempt].([]string); ok {
			for _, s := range list {
				attempted[s] = true
			}
		}
	}
	out.Metadata.StrategiesUsed = []string{}
	out.Metadata.AllStrategiesAttempted = []string{}
	for _, st := range fields.AllStrategies() {
		if used[st] {
			out.Metadata.StrategiesUsed = append(out.Metadata.StrategiesUsed, string(st))
		}
		if attempted[string(st)] {
			out.Metadata.AllStrategiesAttempted = append(out.Metadata.AllStrategiesAttempted, string(st))
		}
	}
	if snap != nil {
		out.Metadata.ModelVersion = snap.Version
	}

	e.logger.Debug("document extracted",
		zap.String("template", tmpl.ID),
		zap.String("document", doc.ID),
		zap.Int("fields", len(results)),
		zap.Int("conflicts", len(out.Conflicts)))
	return out, nil
}

// history indexes the template's performance records by field and strategy. A storage failure
// is logged and extraction continues without history.
func (e *Engine) history(ctx context.Context, templateID string) map[string]map[fields.StrategyType]fields.StrategyPerformance {
	out := map[string]map[fields.StrategyType]fields.StrategyPerformance{}
	if e.store == nil {
		return out
	}
	perfs, err := e.store.TemplatePerformance(ctx, templateID)
	if err != nil {
		e.logger.Warn("performance history unavailable", zap.String("template", templateID), zap.Error(err))
		return out
	}
	for _, p := range perfs {
		if out[p.FieldName] == nil {
			out[p.FieldName] = map[fields.StrategyType]fields.StrategyPerformance{}
		}
		out[p.FieldName][p.Strategy] = p
	}
	return out
}

// withLearned overlays the stored patterns and noise profile on a field configuration.
// Stored patterns replace template patterns with the same expression.
func (e *Engine) withLearned(ctx context.Context, templateID string, fc fields.FieldConfig) fields.FieldConfig {
	if e.store == nil {
		return fc
	}
	stored, err := e.store.Patterns(ctx, templateID, fc.Name)
	if err != nil {
		e.logger.Warn("learned patterns unavailable", zap.String("field", fc.Name), zap.Error(err))
	}
	if len(stored) > 0 {
		index := map[string]int{}
		merged := make([]fields.LearnedPattern, 0, len(fc.Rules.LearnedPatterns)+len(stored))
		for _, p := range fc.Rules.LearnedPatterns {
			index[p.Pattern] = len(merged)
			merged = append(merged, p)
		}
		for _, p := range stored {
			if i, ok := index[p.Pattern]; ok {
				merged[i] = p
				continue
			}
			merged = append(merged, p)
		}
		fc.Rules.LearnedPatterns = merged
	}

	noise, err := e.store.Noise(ctx, templateID, fc.Name)
	if err != nil {
		e.logger.Warn("noise profile unavailable", zap.String("field", fc.Name), zap.Error(err))
	}
	if noise != nil {
		fc.Rules.Noise = noise
	}
	return fc
}

// extractField combines strategies per location, then resolves disagreement between locations
func (e *Engine) extractField(run fieldRun, doc *tokens.Document, fc fields.FieldConfig) *fields.FieldResult {
	if len(fc.Locations) == 0 {
		return fields.EmptyResult(fc.Name)
	}
	history := run.history[fc.Name]

	perLocation := make([]*fields.FieldResult, len(fc.Locations))
	for idx := range fc.Locations {
		loc := fc.WithLocation(idx)
		results := map[fields.StrategyType]*fields.FieldResult{
			fields.StrategyRuleBased: strategy.SafeExtract(e.rule, doc, loc, e.logger),
		}
		if run.usePosition {
			results[fields.StrategyPositionBased] = strategy.SafeExtract(e.position, doc, loc, e.logger)
		}
		if run.sequence.Available() {
			results[fields.StrategyCRF] = strategy.SafeExtract(run.sequence, doc, loc, e.logger)
		}
		res := e.combiner.Combine(fc.Name, results, history, run.weights)
		res.SetMeta(fields.MetaLocationIndex, idx)
		perLocation[idx] = res
	}
	if len(perLocation) == 1 {
		return perLocation[0]
	}
	return e.resolve(fc, perLocation)
}

// resolve picks one result among the locations of a field and attaches conflict information
// when the locations disagree
func (e *Engine) resolve(fc fields.FieldConfig, perLocation []*fields.FieldResult) *fields.FieldResult {
	var cands []fields.Candidate
	best := -1
	for idx, r := range perLocation {
		if !r.HasValue() {
			continue
		}
		loc := fc.Locations[idx]
		cands = append(cands, fields.Candidate{
			Value:         r.Value,
			Confidence:    r.Confidence,
			Page:          loc.Page,
			Label:         loc.Context.Label,
			LocationIndex: idx,
			Method:        r.Method,
		})
		if best < 0 || r.Confidence > perLocation[best].Confidence {
			best = idx
		}
	}
	if best < 0 {
		return perLocation[0]
	}

	info := e.detector.Detect(cands)
	if info == nil || !info.Detected {
		return perLocation[best]
	}

	out := perLocation[info.SelectedIndex].Clone()
	out.Value = info.SelectedValue
	out.Confidence = info.ResolvedConfidence
	out.Conflict = info
	out.SetMeta(fields.MetaRequiresValidation, info.RequiresValidation)
	if info.RequiresValidation {
		e.logger.Info("field requires validation",
			zap.String("field", fc.Name),
			zap.String("level", string(info.Level)),
			zap.Float64("similarity", info.Similarity))
	}
	return out
}

// Learn applies corrections through the learner and refreshes the template's strategy weights
func (e *Engine) Learn(ctx context.Context, state *State, fb learning.Feedback) (*learning.Report, error) {
	if state == nil {
		state = NewState(nil)
	}
	report, err := e.learner.Learn(ctx, state.Model, fb)
	if err != nil {
		return nil, err
	}
	if e.store == nil {
		return report, nil
	}
	if _, err := state.RefreshWeights(ctx, e.store, fb.Template.ID); err != nil {
		e.logger.Warn("strategy weights not refreshed", zap.String("template", fb.Template.ID), zap.Error(err))
	}
	return report, nil
}
