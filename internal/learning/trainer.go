package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// TrainerConfig controls the held-out split and the trust gates of a training run
type TrainerConfig struct {
	Train        crf.TrainConfig `json:"train"`
	TestFraction float64         `json:"test_fraction"`
	MinSequences int             `json:"min_sequences"`
	MinDiversity float64         `json:"min_diversity"`
	Timeout      time.Duration   `json:"timeout"`
}

// DefaultTrainerConfig returns an 80/20 split gated at 5 sequences and 0.3 diversity
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Train:        crf.DefaultTrainConfig(),
		TestFraction: 0.2,
		MinSequences: 5,
		MinDiversity: 0.3,
		Timeout:      5 * time.Minute,
	}
}

// Metrics are computed on held-out sequences
type Metrics struct {
	TokenAccuracy float64 `json:"token_accuracy"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
}

// TrainingReport describes one training run
type TrainingReport struct {
	RunID        string        `json:"run_id"`
	Sequences    int           `json:"sequences"`
	TrainSize    int           `json:"train_size"`
	TestSize     int           `json:"test_size"`
	Leaked       int           `json:"leaked"`
	Diversity    float64       `json:"diversity"`
	Metrics      Metrics       `json:"metrics"`
	Trustworthy  bool          `json:"trustworthy"`
	ModelVersion int64         `json:"model_version,omitempty"`
	Duration     time.Duration `json:"duration"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// Trainer fits the sequence model on stored examples
type Trainer struct {
	config TrainerConfig
	logger *zap.Logger
}

// NewTrainer creates a trainer with the default configuration
func NewTrainer(logger *zap.Logger) *Trainer {
	return NewTrainerWithConfig(DefaultTrainerConfig(), logger)
}

// NewTrainerWithConfig creates a trainer with a custom configuration
func NewTrainerWithConfig(config TrainerConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{config: config, logger: logger}
}

// Sequence rebuilds the features of a stored example with the shared feature builder
func Sequence(ex fields.TrainingExample) (crf.Sequence, bool) {
	if len(ex.Tokens) == 0 || len(ex.Tokens) != len(ex.Labels) {
		return crf.Sequence{}, false
	}
	return crf.Sequence{
		Features: crf.BuildFeatures(ex.Tokens, ex.Location.Context, ex.FieldName),
		Labels:   ex.Labels,
	}, true
}

// Run trains on the examples. With enough data it evaluates a model fitted on a seeded 80%
// split against the remaining 20%, then fits the returned model on everything. Leakage and
// low diversity are reported as warnings and never stop training.
func (t *Trainer) Run(ctx context.Context, examples []fields.TrainingExample) (*crf.Model, *TrainingReport, error) {
	start := time.Now()
	report := &TrainingReport{RunID: uuid.NewString()}
	warnings := pdferrors.NewErrorCollection()

	var seqs []crf.Sequence
	var hashes []string
	for _, ex := range examples {
		seq, ok := Sequence(ex)
		if !ok {
			continue
		}
		seqs = append(seqs, seq)
		hashes = append(hashes, contentHash(ex))
	}
	report.Sequences = len(seqs)
	if len(seqs) == 0 {
		return nil, report, pdferrors.New(pdferrors.ErrorTypeNoData, "no usable training sequences")
	}

	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	report.Diversity = diversity(seqs)
	if report.Diversity < t.config.MinDiversity {
		warnings.Add(pdferrors.New(pdferrors.ErrorTypeLowDiversity,
			"few distinct label sequences; held-out metrics may overstate accuracy"))
	}

	var model *crf.Model
	var err error
	if len(seqs) < t.config.MinSequences {
		warnings.Add(pdferrors.New(pdferrors.ErrorTypeLowDiversity,
			"too few sequences for a held-out split; metrics are computed on training data"))
		model, err = crf.Train(ctx, seqs, t.config.Train)
		if err != nil {
			return nil, report, t.trainError(err)
		}
		report.TrainSize, report.TestSize = len(seqs), len(seqs)
		report.Metrics = Evaluate(model, seqs)
	} else {
		trainIdx, testIdx := t.split(len(seqs))
		report.TrainSize, report.TestSize = len(trainIdx), len(testIdx)

		seen := make(map[string]bool, len(trainIdx))
		train := make([]crf.Sequence, 0, len(trainIdx))
		for _, i := range trainIdx {
			seen[hashes[i]] = true
			train = append(train, seqs[i])
		}
		test := make([]crf.Sequence, 0, len(testIdx))
		for _, i := range testIdx {
			if seen[hashes[i]] {
				report.Leaked++
			}
			test = append(test, seqs[i])
		}
		if report.Leaked > 0 {
			warnings.Add(pdferrors.New(pdferrors.ErrorTypeLeakageDetected,
				"held-out sequences duplicate training content").
				WithContext(fmt.Sprintf("%d duplicated", report.Leaked)))
		}

		heldOut, err := crf.Train(ctx, train, t.config.Train)
		if err != nil {
			return nil, report, t.trainError(err)
		}
		report.Metrics = Evaluate(heldOut, test)

		model, err = crf.Train(ctx, seqs, t.config.Train)
		if err != nil {
			return nil, report, t.trainError(err)
		}
	}
	model.RunID = report.RunID
	model.Sequences = len(seqs)

	report.Trustworthy = len(seqs) >= t.config.MinSequences && report.Leaked == 0 &&
		report.Diversity >= t.config.MinDiversity
	report.Warnings = warnings.Messages()
	report.Duration = time.Since(start)
	t.logger.Info("training finished",
		zap.String("run_id", report.RunID),
		zap.Int("sequences", report.Sequences),
		zap.Float64("f1", report.Metrics.F1),
		zap.Bool("trustworthy", report.Trustworthy),
		zap.Duration("duration", report.Duration))
	return model, report, nil
}

func (t *Trainer) trainError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pdferrors.Wrap(pdferrors.ErrorTypeTimeout, "training cancelled", err)
	}
	return err
}

// split shuffles indices with the configured seed and holds out TestFraction of them
func (t *Trainer) split(n int) (train, test []int) {
	perm := rand.New(rand.NewSource(t.config.Train.Seed)).Perm(n)
	nTest := int(math.Round(float64(n) * t.config.TestFraction))
	if nTest < 1 {
		nTest = 1
	}
	return perm[nTest:], perm[:nTest]
}

// contentHash identifies exact duplicates of token text, field and labels
func contentHash(ex fields.TrainingExample) string {
	h := sha256.New()
	h.Write([]byte(ex.FieldName))
	h.Write([]byte{0})
	for i, tok := range ex.Tokens {
		h.Write([]byte(tok.Text))
		h.Write([]byte{1})
		h.Write([]byte(ex.Labels[i]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// diversity is the share of distinct label sequences
func diversity(seqs []crf.Sequence) float64 {
	if len(seqs) == 0 {
		return 0
	}
	unique := map[string]bool{}
	for _, s := range seqs {
		unique[strings.Join(s.Labels, " ")] = true
	}
	return float64(len(unique)) / float64(len(seqs))
}

// Evaluate tags the sequences and scores token accuracy and exact entity-span matches
func Evaluate(m *crf.Model, seqs []crf.Sequence) Metrics {
	var correct, total int
	var tp, predicted, gold int
	for _, s := range seqs {
		labels, _ := m.Predict(s.Features)
		for i, l := range labels {
			total++
			if l == s.Labels[i] {
				correct++
			}
		}
		want := entities(s.Labels)
		got := entities(labels)
		gold += len(want)
		predicted += len(got)
		for e := range got {
			if want[e] {
				tp++
			}
		}
	}
	var out Metrics
	if total > 0 {
		out.TokenAccuracy = float64(correct) / float64(total)
	}
	if predicted > 0 {
		out.Precision = float64(tp) / float64(predicted)
	}
	if gold > 0 {
		out.Recall = float64(tp) / float64(gold)
	}
	if out.Precision+out.Recall > 0 {
		out.F1 = 2 * out.Precision * out.Recall / (out.Precision + out.Recall)
	}
	return out
}

type entity struct {
	field      string
	start, end int
}

// entities reads spans from BIO tags; a stray I- opens a span of its own
func entities(labels []string) map[entity]bool {
	out := map[entity]bool{}
	cur := entity{start: -1}
	closeSpan := func(end int) {
		if cur.start >= 0 {
			cur.end = end
			out[cur] = true
		}
		cur = entity{start: -1}
	}
	for i, l := range labels {
		switch {
		case strings.HasPrefix(l, "B-"):
			closeSpan(i - 1)
			cur = entity{field: l[2:], start: i}
		case strings.HasPrefix(l, "I-"):
			if cur.start < 0 || cur.field != l[2:] {
				closeSpan(i - 1)
				cur = entity{field: l[2:], start: i}
			}
		default:
			closeSpan(i - 1)
		}
	}
	closeSpan(len(labels) - 1)
	return out
}
