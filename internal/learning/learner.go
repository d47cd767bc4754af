package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
	"github.com/a3tai/mcp-pdf-fields/internal/textsim"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

// Feedback is a set of corrections for one extracted document
type Feedback struct {
	Template    *fields.Template
	Document    *tokens.Document
	Prior       *fields.ExtractionResult
	Corrections map[string]string
}

// Config controls the learner
type Config struct {
	// uncorrected fields at or above this confidence become implicit positive examples
	ImplicitConfidence float64
	// Train disables model retraining when false
	Train   bool
	Trainer TrainerConfig
}

// DefaultConfig returns the standard learner configuration
func DefaultConfig() Config {
	return Config{
		ImplicitConfidence: 0.65,
		Train:              true,
		Trainer:            DefaultTrainerConfig(),
	}
}

// Report summarises what one feedback submission changed
type Report struct {
	ID           string                             `json:"id"`
	TemplateID   string                             `json:"template_id"`
	DocumentID   string                             `json:"document_id"`
	Corrected    []string                           `json:"corrected_fields"`
	Implicit     []string                           `json:"implicit_fields"`
	Skipped      []string                           `json:"skipped_fields,omitempty"`
	Performance  []fields.StrategyPerformance       `json:"performance"`
	Patterns     map[string][]fields.LearnedPattern `json:"patterns,omitempty"`
	Noise        map[string]fields.NoiseProfile     `json:"noise,omitempty"`
	Training     *TrainingReport                    `json:"training,omitempty"`
	ModelVersion int64                              `json:"model_version,omitempty"`
	Warnings     []string                           `json:"warnings,omitempty"`
}

// Learner applies feedback to the persisted state and the sequence model
type Learner struct {
	config  Config
	store   store.Store
	trainer *Trainer
	miner   *Miner
	logger  *zap.Logger
}

// NewLearner creates a learner with the default configuration
func NewLearner(st store.Store, logger *zap.Logger) *Learner {
	return NewLearnerWithConfig(DefaultConfig(), st, logger)
}

// NewLearnerWithConfig creates a learner with a custom configuration
func NewLearnerWithConfig(config Config, st store.Store, logger *zap.Logger) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{
		config:  config,
		store:   st,
		trainer: NewTrainerWithConfig(config.Trainer, logger),
		miner:   NewMiner(),
		logger:  logger,
	}
}

// Learn records performance, stores new training examples, mines patterns for the corrected
// fields and retrains the model published through handle. Alignment failures and training
// warnings are reported, not returned; only invalid input and storage failures are errors.
func (l *Learner) Learn(ctx context.Context, handle *crf.Handle, fb Feedback) (*Report, error) {
	if fb.Template == nil || fb.Document == nil {
		return nil, pdferrors.New(pdferrors.ErrorTypeInvalidInput, "feedback needs a template and a document")
	}
	if len(fb.Corrections) == 0 {
		return nil, pdferrors.New(pdferrors.ErrorTypeInvalidInput, "no corrections supplied")
	}
	for name := range fb.Corrections {
		if _, ok := fb.Template.Field(name); !ok {
			return nil, pdferrors.New(pdferrors.ErrorTypeInvalidInput, "unknown field").
				WithField(name).WithContext(fb.Template.ID)
		}
	}

	tmplID := fb.Template.ID
	report := &Report{
		ID:         uuid.NewString(),
		TemplateID: tmplID,
		DocumentID: fb.Document.ID,
		Patterns:   map[string][]fields.LearnedPattern{},
		Noise:      map[string]fields.NoiseProfile{},
	}
	issues := pdferrors.NewErrorCollection()

	if err := l.recordPerformance(ctx, fb, report); err != nil {
		return nil, err
	}

	examples := l.buildExamples(fb, report, issues)
	if len(examples) > 0 {
		if err := l.store.AppendExamples(ctx, examples); err != nil {
			return nil, pdferrors.Wrap(pdferrors.ErrorTypeStorage, "store training examples", err)
		}
	}

	if err := l.minePatterns(ctx, tmplID, fb.Corrections, report); err != nil {
		return nil, err
	}

	if l.config.Train && handle != nil {
		l.train(ctx, handle, tmplID, report, issues)
	}

	report.Warnings = issues.Messages()
	l.logger.Info("feedback applied",
		zap.String("template", tmplID),
		zap.String("document", report.DocumentID),
		zap.Strings("corrected", report.Corrected),
		zap.Int("implicit", len(report.Implicit)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int64("model_version", report.ModelVersion))
	return report, nil
}

// recordPerformance counts, per attempted strategy, whether its value matched the truth: the
// correction when one was given, otherwise the accepted final value
func (l *Learner) recordPerformance(ctx context.Context, fb Feedback, report *Report) error {
	if fb.Prior == nil {
		return nil
	}
	tmplID := fb.Template.ID
	for _, fc := range fb.Template.Fields {
		prior, ok := fb.Prior.Fields[fc.Name]
		if !ok || prior == nil {
			continue
		}
		truth, corrected := fb.Corrections[fc.Name]
		if !corrected {
			if !prior.HasValue() {
				continue
			}
			truth = prior.Value
		}
		outcomes := prior.StrategyOutcomes()
		for _, st := range fields.AllStrategies() {
			o, ok := outcomes[st]
			if !ok || !o.Attempted {
				continue
			}
			success := o.Value != "" && textsim.Equal(o.Value, truth)
			perf, err := l.store.RecordOutcome(ctx, tmplID, fc.Name, st, success)
			if err != nil {
				return pdferrors.Wrap(pdferrors.ErrorTypeStorage, "record strategy outcome", err).WithField(fc.Name)
			}
			report.Performance = append(report.Performance, perf)
			if st == fields.StrategyRuleBased && o.Pattern != "" {
				if err := l.store.RecordPatternUsage(ctx, tmplID, fc.Name, o.Pattern, success); err != nil {
					return pdferrors.Wrap(pdferrors.ErrorTypeStorage, "record pattern usage", err).WithField(fc.Name)
				}
			}
		}
	}
	return nil
}

// buildExamples aligns corrected values and confident uncorrected values with the document
func (l *Learner) buildExamples(fb Feedback, report *Report, issues *pdferrors.ErrorCollection) []fields.TrainingExample {
	var out []fields.TrainingExample
	for _, fc := range fb.Template.Fields {
		var value, original, source string
		if v, ok := fb.Corrections[fc.Name]; ok {
			value, source = v, fields.SourceCorrected
			if fb.Prior != nil {
				original = fb.Prior.ExtractedData[fc.Name]
			}
		} else if fb.Prior != nil {
			prior := fb.Prior.Fields[fc.Name]
			if prior == nil || !prior.HasValue() || prior.Confidence < l.config.ImplicitConfidence {
				continue
			}
			value, original, source = prior.Value, prior.Value, fields.SourceImplicit
		} else {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}

		ex, ok := alignExample(fb.Document, fc, value)
		if !ok {
			issues.Add(pdferrors.New(pdferrors.ErrorTypeAlignmentFailed, "value not found in document tokens").
				WithField(fc.Name).WithDocument(fb.Document.ID))
			report.Skipped = append(report.Skipped, fc.Name)
			if source == fields.SourceCorrected {
				// the pair still feeds pattern mining
				out = append(out, fields.TrainingExample{
					TemplateID: fb.Template.ID, DocumentID: fb.Document.ID, FieldName: fc.Name,
					Value: value, Original: original, Source: source,
				})
			}
			continue
		}
		ex.TemplateID = fb.Template.ID
		ex.DocumentID = fb.Document.ID
		ex.Value = value
		ex.Original = original
		ex.Source = source
		out = append(out, ex)

		if source == fields.SourceCorrected {
			report.Corrected = append(report.Corrected, fc.Name)
		} else {
			report.Implicit = append(report.Implicit, fc.Name)
		}
	}
	return out
}

// alignExample searches the pages of the field's locations, then every page, for the value
func alignExample(doc *tokens.Document, fc fields.FieldConfig, value string) (fields.TrainingExample, bool) {
	type pageLoc struct {
		page int
		loc  fields.Location
	}
	var pages []pageLoc
	seen := map[int]bool{}
	for _, loc := range fc.Locations {
		if !seen[loc.Page] {
			seen[loc.Page] = true
			pages = append(pages, pageLoc{loc.Page, loc})
		}
	}
	for _, p := range doc.Pages() {
		if !seen[p] {
			seen[p] = true
			pages = append(pages, pageLoc{p, fields.Location{Page: p}})
		}
	}

	var best fields.TrainingExample
	bestScore := -1.0
	for _, pl := range pages {
		toks := doc.PageTokens(pl.page)
		al, ok := Align(toks, value)
		if !ok || al.Score <= bestScore {
			continue
		}
		bestScore = al.Score
		best = fields.TrainingExample{
			FieldName: fc.Name,
			Location:  pl.loc,
			Tokens:    toks,
			Labels:    BIOLabels(len(toks), al.Indices, fc.Name),
		}
	}
	return best, bestScore >= 0
}

// minePatterns mines candidates from every corrected pair stored for each corrected field.
// A candidate that is already stored counts only this submission's correction, so stored
// frequencies track observations instead of re-counting the corpus on every submission.
func (l *Learner) minePatterns(ctx context.Context, tmplID string, corrections map[string]string, report *Report) error {
	corpus, err := l.store.Examples(ctx, tmplID)
	if err != nil {
		return pdferrors.Wrap(pdferrors.ErrorTypeStorage, "load training examples", err)
	}
	pairs := map[string][]Pair{}
	for _, ex := range corpus {
		if ex.Source == fields.SourceCorrected {
			pairs[ex.FieldName] = append(pairs[ex.FieldName], Pair{Original: ex.Original, Corrected: ex.Value})
		}
	}

	names := make([]string, 0, len(corrections))
	for name := range corrections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if len(pairs[name]) == 0 {
			continue
		}
		existing, err := l.store.Patterns(ctx, tmplID, name)
		if err != nil {
			return pdferrors.Wrap(pdferrors.ErrorTypeStorage, "load learned patterns", err).WithField(name)
		}
		known := make(map[string]bool, len(existing))
		for _, p := range existing {
			known[p.Pattern] = true
		}
		fresh := []string{strings.TrimSpace(corrections[name])}

		res := l.miner.Mine(pairs[name])
		for _, p := range res.Patterns {
			if known[p.Pattern] {
				var ok bool
				if p, ok = Rescore(p, fresh); !ok {
					continue
				}
			}
			merged, err := l.store.UpsertPattern(ctx, tmplID, name, p)
			if err != nil {
				return pdferrors.Wrap(pdferrors.ErrorTypeStorage, "upsert learned pattern", err).WithField(name)
			}
			report.Patterns[name] = append(report.Patterns[name], merged)
		}
		if res.Noise != nil {
			if err := l.store.SaveNoise(ctx, tmplID, name, *res.Noise); err != nil {
				return pdferrors.Wrap(pdferrors.ErrorTypeStorage, "save noise profile", err).WithField(name)
			}
			report.Noise[name] = *res.Noise
		}
	}
	return nil
}

// train retrains on the corpus of every template and publishes the model; failures become
// warnings. The model is shared, so a template's labels must survive another template's run.
func (l *Learner) train(ctx context.Context, handle *crf.Handle, tmplID string, report *Report, issues *pdferrors.ErrorCollection) {
	corpus, err := l.store.Examples(ctx, "")
	if err != nil {
		issues.Add(pdferrors.Wrap(pdferrors.ErrorTypeStorage, "load training corpus", err))
		return
	}
	model, tr, err := l.trainer.Run(ctx, corpus)
	report.Training = tr
	if err != nil {
		var ee *pdferrors.EngineError
		if !errors.As(err, &ee) {
			ee = pdferrors.Wrap(pdferrors.ErrorTypeUnknown, "training failed", err)
		}
		issues.Add(ee)
		l.logger.Warn("training skipped", zap.String("template", tmplID), zap.Error(err))
		return
	}
	snap, err := handle.Publish(model)
	if err != nil {
		issues.Add(pdferrors.Wrap(pdferrors.ErrorTypeStorage, fmt.Sprintf("publish model to %s", handle.Path()), err))
		return
	}
	report.ModelVersion = snap.Version
	tr.ModelVersion = snap.Version
}
