// Package service ties document loading, templates, the extraction engine and the feedback
// loop together behind path-based operations.
package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	"github.com/a3tai/mcp-pdf-fields/internal/engine"
	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/learning"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
	"github.com/a3tai/mcp-pdf-fields/internal/template"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

// Config holds service settings
type Config struct {
	Directory         string
	TemplateDirectory string
	MaxFileSize       int64
	CacheSize         int
	Engine            engine.Config
}

// DefaultConfig returns a configuration rooted at directory
func DefaultConfig(directory, templateDirectory string) Config {
	return Config{
		Directory:         directory,
		TemplateDirectory: templateDirectory,
		MaxFileSize:       100 * 1024 * 1024,
		CacheSize:         defaultCacheSize,
		Engine:            engine.DefaultConfig(),
	}
}

// DocumentSource turns a validated PDF path into word tokens
type DocumentSource interface {
	Tokens(path string) ([]fields.Token, error)
}

// pdfSource reads page words and filled form values
type pdfSource struct {
	reader *tokens.Reader
	logger *zap.Logger
}

func (p pdfSource) Tokens(path string) ([]fields.Token, error) {
	toks, err := p.reader.FromPDF(path)
	if err != nil {
		return nil, err
	}
	form, err := p.reader.FormTokens(path)
	if err != nil {
		p.logger.Debug("form values unavailable", zap.String("path", path), zap.Error(err))
		return toks, nil
	}
	return append(toks, form...), nil
}

// Service handles extraction and correction requests for documents in one directory
type Service struct {
	config    Config
	paths     *PathValidator
	source    DocumentSource
	templates *template.Registry
	engine    *engine.Engine
	state     *engine.State
	store     store.Store
	cache     *resultCache
	logger    *zap.Logger
}

// New creates a service reading PDFs from disk
func New(config Config, st store.Store, model *crf.Handle, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewWithSource(config, st, model, pdfSource{reader: tokens.NewReader(logger), logger: logger}, logger)
}

// NewWithSource creates a service with a custom document source
func NewWithSource(config Config, st store.Store, model *crf.Handle, source DocumentSource, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if st == nil {
		return nil, fmt.Errorf("service needs a store")
	}
	paths, err := NewPathValidator(config.Directory, config.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create path validator: %w", err)
	}

	s := &Service{
		config:    config,
		paths:     paths,
		source:    source,
		templates: template.NewRegistry(logger),
		engine:    engine.NewWithConfig(config.Engine, st, logger),
		state:     engine.NewState(model),
		store:     st,
		cache:     newResultCache(config.CacheSize),
		logger:    logger,
	}
	if config.TemplateDirectory != "" {
		if _, err := s.ReloadTemplates(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ReloadTemplates re-reads the template directory
func (s *Service) ReloadTemplates() (int, error) {
	n, err := s.templates.LoadDir(s.config.TemplateDirectory)
	if err != nil {
		return 0, err
	}
	stale := 0
	for _, t := range s.templates.List() {
		stale += s.cache.RemoveTemplate(t.ID)
	}
	s.logger.Info("templates loaded",
		zap.String("dir", s.config.TemplateDirectory),
		zap.Int("count", n),
		zap.Int("stale_extractions", stale))
	return n, nil
}

// AddTemplate registers a template that does not come from the template directory. Cached
// extractions made with an earlier version of it are dropped.
func (s *Service) AddTemplate(t *fields.Template) {
	s.templates.Add(t)
	s.cache.RemoveTemplate(t.ID)
}

// Template returns a registered template
func (s *Service) Template(id string) (*fields.Template, error) {
	t, ok := s.templates.Get(id)
	if !ok {
		return nil, pdferrors.New(pdferrors.ErrorTypeInvalidInput, fmt.Sprintf("unknown template %q", id))
	}
	return t, nil
}

// Document validates a path and tokenises the PDF behind it
func (s *Service) Document(path string) (string, *tokens.Document, error) {
	abs, err := s.paths.ValidateDocument(path)
	if err != nil {
		return "", nil, fmt.Errorf("security validation failed: %w", err)
	}
	toks, err := s.source.Tokens(abs)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read document: %w", err)
	}
	return abs, tokens.NewDocument("", toks), nil
}

// Extract runs a template over the PDF at path and remembers the result for corrections
func (s *Service) Extract(ctx context.Context, path, templateID string) (*fields.ExtractionResult, error) {
	tmpl, err := s.Template(templateID)
	if err != nil {
		return nil, err
	}
	abs, doc, err := s.Document(path)
	if err != nil {
		return nil, err
	}
	result, err := s.engine.Extract(ctx, s.state, tmpl, doc)
	if err != nil {
		return nil, err
	}
	s.cache.Put(abs, &cachedExtraction{TemplateID: tmpl.ID, Document: doc, Result: result})
	return result, nil
}

// SubmitCorrections applies corrected values to the last extraction of the document. When the
// document was not extracted with this template recently it is extracted again first.
func (s *Service) SubmitCorrections(ctx context.Context, path, templateID string, corrections map[string]string) (*learning.Report, error) {
	tmpl, err := s.Template(templateID)
	if err != nil {
		return nil, err
	}
	abs, err := s.paths.Normalize(path)
	if err != nil {
		return nil, fmt.Errorf("security validation failed: %w", err)
	}

	prior, ok := s.cache.Get(abs)
	if !ok || prior.TemplateID != tmpl.ID {
		if _, err := s.Extract(ctx, abs, tmpl.ID); err != nil {
			return nil, err
		}
		prior, _ = s.cache.Get(abs)
	}

	report, err := s.engine.Learn(ctx, s.state, learning.Feedback{
		Template:    tmpl,
		Document:    prior.Document,
		Prior:       prior.Result,
		Corrections: corrections,
	})
	if err != nil {
		return nil, err
	}
	s.cache.Remove(abs)
	s.logger.Info("corrections applied",
		zap.String("template", tmpl.ID),
		zap.String("path", abs),
		zap.Strings("corrected", report.Corrected),
		zap.Int64("model_version", report.ModelVersion))
	return report, nil
}

// TemplateSummary describes a registered template
type TemplateSummary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Fields     []string `json:"fields"`
	Complexity float64  `json:"complexity"`
}

// Templates lists the registered templates ordered by id
func (s *Service) Templates() []TemplateSummary {
	list := s.templates.List()
	out := make([]TemplateSummary, 0, len(list))
	for _, t := range list {
		names := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			names = append(names, f.Name)
		}
		out = append(out, TemplateSummary{ID: t.ID, Name: t.Name, Fields: names, Complexity: t.Complexity()})
	}
	return out
}

// FieldStats is the learned state of one field
type FieldStats struct {
	Name        string                                             `json:"name"`
	Performance map[fields.StrategyType]fields.StrategyPerformance `json:"performance"`
	Patterns    []fields.LearnedPattern                            `json:"learned_patterns"`
	Noise       *fields.NoiseProfile                               `json:"noise_profile,omitempty"`
	Examples    int                                                `json:"training_examples"`
	InModel     bool                                               `json:"in_model"`
}

// TemplateStats is the learned state of a template
type TemplateStats struct {
	TemplateID   string                          `json:"template_id"`
	Weights      map[fields.StrategyType]float64 `json:"strategy_weights"`
	ModelVersion int64                           `json:"model_version"`
	Fields       []FieldStats                    `json:"fields"`
	Cache        CacheStats                      `json:"cache"`
}

// FieldStats reports strategy accuracy, learned rules and corpus size per field
func (s *Service) FieldStats(ctx context.Context, templateID string) (*TemplateStats, error) {
	tmpl, err := s.Template(templateID)
	if err != nil {
		return nil, err
	}
	perfs, err := s.store.TemplatePerformance(ctx, tmpl.ID)
	if err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeStorage, "load performance", err)
	}
	examples, err := s.store.Examples(ctx, tmpl.ID)
	if err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeStorage, "load examples", err)
	}

	weights, err := s.state.LoadWeights(ctx, s.store, tmpl.ID)
	if err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeStorage, "derive strategy weights", err)
	}
	out := &TemplateStats{
		TemplateID: tmpl.ID,
		Weights:    weights,
		Cache:      s.cache.Stats(),
	}
	var model *crf.Model
	if s.state.Model != nil {
		if snap := s.state.Model.ReloadIfChanged(); snap != nil {
			out.ModelVersion = snap.Version
			model = snap.Model
		}
	}

	counts := map[string]int{}
	for _, ex := range examples {
		counts[ex.FieldName]++
	}
	byField := map[string]map[fields.StrategyType]fields.StrategyPerformance{}
	for _, p := range perfs {
		if byField[p.FieldName] == nil {
			byField[p.FieldName] = map[fields.StrategyType]fields.StrategyPerformance{}
		}
		byField[p.FieldName][p.Strategy] = p
	}

	for _, f := range tmpl.Fields {
		fs := FieldStats{
			Name:        f.Name,
			Performance: byField[f.Name],
			Examples:    counts[f.Name],
			InModel:     model != nil && model.HasField(f.Name),
		}
		if fs.Performance == nil {
			fs.Performance = map[fields.StrategyType]fields.StrategyPerformance{}
		}
		if fs.Patterns, err = s.store.Patterns(ctx, tmpl.ID, f.Name); err != nil {
			return nil, pdferrors.Wrap(pdferrors.ErrorTypeStorage, "load patterns", err)
		}
		if fs.Patterns == nil {
			fs.Patterns = []fields.LearnedPattern{}
		}
		if fs.Noise, err = s.store.Noise(ctx, tmpl.ID, f.Name); err != nil {
			return nil, pdferrors.Wrap(pdferrors.ErrorTypeStorage, "load noise profile", err)
		}
		out.Fields = append(out.Fields, fs)
	}
	sort.SliceStable(out.Fields, func(i, j int) bool { return out.Fields[i].Name < out.Fields[j].Name })
	return out, nil
}

// CachedDocuments lists the paths with a remembered extraction, most recent first
func (s *Service) CachedDocuments() []string {
	return s.cache.Keys()
}

// Directory returns the document sandbox root
func (s *Service) Directory() string {
	return s.paths.Directory()
}
