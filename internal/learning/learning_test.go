package learning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

func tok(text string, x0, x1, y float64) fields.Token {
	return fields.Token{Text: text, X0: x0, Y0: y, X1: x1, Y1: y + 12, Page: 1}
}

func floatPtr(v float64) *float64 { return &v }

var nameContext = fields.LocationContext{
	Label:      "Name:",
	LabelBBox:  &fields.BBox{X0: 50, Y0: 100, X1: 90, Y1: 112},
	NextFieldY: floatPtr(140),
}

// nameExample builds a labelled "Name: <words>" page
func nameExample(doc string, words ...string) fields.TrainingExample {
	toks := []fields.Token{tok("Name:", 50, 90, 100)}
	x := 100.0
	for _, w := range words {
		width := float64(len(w)) * 6
		toks = append(toks, tok(w, x, x+width, 100))
		x += width + 6
	}
	toks = append(toks, tok("Date:", 50, 80, 140), tok("2021-05-01", 90, 150, 140))
	indices := make([]int, len(words))
	for i := range words {
		indices[i] = i + 1
	}
	return fields.TrainingExample{
		TemplateID: "t",
		DocumentID: doc,
		FieldName:  "name",
		Location:   fields.Location{Page: 1, Context: nameContext},
		Tokens:     toks,
		Labels:     BIOLabels(len(toks), indices, "name"),
		Value:      strings.Join(words, " "),
		Source:     fields.SourceCorrected,
	}
}

func TestAlign(t *testing.T) {
	toks := []fields.Token{
		tok("Name:", 50, 90, 100),
		tok("John", 100, 130, 100),
		tok("Doe", 135, 160, 100),
		tok("Date:", 300, 335, 100),
		tok("2024-01-31", 340, 400, 100),
	}

	al, ok := Align(toks, "john  DOE")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, al.Indices)
	assert.InDelta(t, 1.0, al.Score, 1e-9)
	assert.False(t, al.Fuzzy)

	al, ok = Align(toks, "2024-01-31")
	require.True(t, ok)
	assert.Equal(t, []int{4}, al.Indices)

	_, ok = Align(toks, "zzzz qqqq")
	assert.False(t, ok)
	_, ok = Align(toks, "  ")
	assert.False(t, ok)
	_, ok = Align(nil, "John")
	assert.False(t, ok)
}

func TestAlignTokensKeepsLongestRun(t *testing.T) {
	al, ok := alignTokens([]string{"john", "x", "mary", "ann", "smith", "y"}, "mary ann smith john")
	require.True(t, ok)
	assert.True(t, al.Fuzzy)
	assert.Equal(t, []int{2, 3, 4}, al.Indices)
	assert.InDelta(t, 0.75, al.Score, 1e-9)

	_, ok = alignTokens([]string{"a", "b"}, "zzz")
	assert.False(t, ok)
}

func TestBIOLabels(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		indices []int
		want    []string
	}{
		{"span", 5, []int{1, 2}, []string{"O", "B-name", "I-name", "O", "O"}},
		{"single", 3, []int{2}, []string{"O", "O", "B-name"}},
		{"none", 2, nil, []string{"O", "O"}},
		{"out of range ignored", 2, []int{0, 7}, []string{"B-name", "O"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BIOLabels(tt.n, tt.indices, "name"))
		})
	}
}

func TestEntities(t *testing.T) {
	got := entities([]string{"O", "B-name", "I-name", "O", "B-date"})
	assert.Equal(t, map[entity]bool{
		{field: "name", start: 1, end: 2}: true,
		{field: "date", start: 4, end: 4}: true,
	}, got)

	stray := entities([]string{"I-name", "I-name", "O", "I-date"})
	assert.Equal(t, map[entity]bool{
		{field: "name", start: 0, end: 1}: true,
		{field: "date", start: 3, end: 3}: true,
	}, stray)
}

func TestTrainerSmallCorpus(t *testing.T) {
	examples := []fields.TrainingExample{
		nameExample("a", "John", "Doe"),
		nameExample("b", "Mary", "Ann", "Smith"),
		{FieldName: "name", Tokens: []fields.Token{tok("x", 0, 1, 0)}}, // no labels, skipped
	}
	model, report, err := NewTrainer(nil).Run(context.Background(), examples)
	require.NoError(t, err)
	require.NotNil(t, model)

	assert.Equal(t, 2, report.Sequences)
	assert.Equal(t, 2, report.TrainSize)
	assert.Equal(t, 2, report.TestSize)
	assert.False(t, report.Trustworthy)
	assert.NotEmpty(t, report.Warnings)
	assert.Equal(t, report.RunID, model.RunID)
	assert.True(t, model.HasField("name"))
}

func TestTrainerHeldOutSplit(t *testing.T) {
	names := [][]string{
		{"Ada"},
		{"John", "Doe"},
		{"Mary", "Ann", "Smith"},
		{"Jean", "Claude", "Van", "Damme"},
		{"Ana", "Maria", "De", "La", "Cruz"},
		{"Juan", "Carlos", "De", "La", "Vega", "Ruiz"},
	}
	var examples []fields.TrainingExample
	for i, n := range names {
		examples = append(examples, nameExample(string(rune('a'+i)), n...))
	}
	model, report, err := NewTrainer(nil).Run(context.Background(), examples)
	require.NoError(t, err)
	require.NotNil(t, model)

	assert.Equal(t, 6, report.Sequences)
	assert.Equal(t, 5, report.TrainSize)
	assert.Equal(t, 1, report.TestSize)
	assert.Zero(t, report.Leaked)
	assert.InDelta(t, 1.0, report.Diversity, 1e-9)
	assert.True(t, report.Trustworthy)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 6, model.Sequences)
}

func TestTrainerReportsLeakage(t *testing.T) {
	var examples []fields.TrainingExample
	for i := 0; i < 6; i++ {
		examples = append(examples, nameExample(string(rune('a'+i)), "John", "Doe"))
	}
	model, report, err := NewTrainer(nil).Run(context.Background(), examples)
	require.NoError(t, err, "leakage never blocks training")
	require.NotNil(t, model)

	assert.Equal(t, 1, report.Leaked)
	assert.Less(t, report.Diversity, 0.3)
	assert.False(t, report.Trustworthy)
	assert.Len(t, report.Warnings, 2)
}

func TestTrainerErrors(t *testing.T) {
	_, _, err := NewTrainer(nil).Run(context.Background(), nil)
	assert.True(t, errors.Is(err, pdferrors.ErrNoData))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = NewTrainer(nil).Run(ctx, []fields.TrainingExample{nameExample("a", "John", "Doe")})
	assert.True(t, errors.Is(err, pdferrors.ErrTimeout))
}

func TestVariability(t *testing.T) {
	tests := []struct {
		span int
		want string
	}{
		{0, VariabilityLow},
		{1, VariabilityMedium},
		{2, VariabilityMedium},
		{3, VariabilityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Variability(tt.span), "range %d", tt.span)
	}
}

func pairs(values ...string) []Pair {
	out := make([]Pair, len(values))
	for i, v := range values {
		out[i] = Pair{Original: v, Corrected: v}
	}
	return out
}

func TestMineNames(t *testing.T) {
	res := NewMiner().Mine(pairs("John Doe", "Mary Smith", "Li Wei"))
	assert.Equal(t, VariabilityLow, res.Variability)
	require.Len(t, res.Patterns, 2)

	exact := res.Patterns[0]
	assert.Equal(t, PatternExact, exact.PatternType)
	assert.Equal(t, 3, exact.Frequency)
	assert.InDelta(t, 1.0, exact.MatchRate, 1e-9)
	assert.Equal(t, []string{"John Doe", "Mary Smith", "Li Wei"}, exact.Examples)

	assert.Equal(t, PatternShape, res.Patterns[1].PatternType)
	assert.Equal(t, `(\p{Lu}\p{Ll}+\s+\p{Lu}\p{Ll}+)`, res.Patterns[1].Pattern)
	assert.Nil(t, res.Noise, "unchanged values carry no noise")
}

func TestMineVariableNames(t *testing.T) {
	res := NewMiner().Mine(pairs("John Doe", "Mary Ann Smith", "Li Wei", "Jean Claude Van Damme"))
	assert.Equal(t, VariabilityMedium, res.Variability)
	require.NotEmpty(t, res.Patterns)
	assert.Equal(t, PatternFlexible, res.Patterns[0].PatternType)
	assert.Equal(t, priorityFlexible, res.Patterns[0].Priority)
	assert.Equal(t, 4, res.Patterns[0].Frequency)
}

func TestMineDelimited(t *testing.T) {
	res := NewMiner().Mine(pairs("2024-01-31", "2023-12-01", "2022-06-15"))
	var types []string
	for _, p := range res.Patterns {
		types = append(types, p.PatternType)
	}
	assert.Equal(t, []string{PatternShape, PatternDelimiter}, types)
	assert.Equal(t, `(\d+-\d+-\d+)`, res.Patterns[0].Pattern)

	assert.Empty(t, NewMiner().Mine(nil).Patterns)
}

func TestShapeRegex(t *testing.T) {
	assert.Equal(t, `\p{Lu}\p{Ll}+\s+\d+`, ShapeRegex("Aa+ 0+"))
	assert.Equal(t, `\d+\.\d`, ShapeRegex("0+.0"))
}

func TestMineNoise(t *testing.T) {
	t.Run("prefix", func(t *testing.T) {
		profile := MineNoise([]Pair{
			{Original: "Name: John Doe", Corrected: "John Doe"},
			{Original: "Name: Mary Smith", Corrected: "Mary Smith"},
			{Original: "name: Li Wei", Corrected: "Li Wei"},
		})
		require.NotNil(t, profile)
		assert.Equal(t, 3, profile.Samples)
		assert.Len(t, profile.Prefixes, 2)
		assert.Contains(t, profile.Prefixes, "Name:")
	})

	t.Run("share threshold", func(t *testing.T) {
		var ps []Pair
		for i := 0; i < 8; i++ {
			ps = append(ps, Pair{Original: "100 USD", Corrected: "100"})
		}
		ps = append(ps, Pair{Original: "Acme Inc.", Corrected: "Acme Inc"}, Pair{Original: "Beta Co.", Corrected: "Beta Co"})

		profile := MineNoise(ps)
		require.NotNil(t, profile)
		assert.True(t, profile.StripTrailingPeriod, "2 of 10 samples reaches the share threshold")
		assert.Equal(t, []string{"USD", "."}, profile.Suffixes)
	})

	t.Run("below threshold", func(t *testing.T) {
		var ps []Pair
		for i := 0; i < 19; i++ {
			ps = append(ps, Pair{Original: "100 USD", Corrected: "100"})
		}
		ps = append(ps, Pair{Original: "Acme Inc.", Corrected: "Acme Inc"})

		profile := MineNoise(ps)
		require.NotNil(t, profile)
		assert.False(t, profile.StripTrailingPeriod)
		assert.Equal(t, []string{"USD"}, profile.Suffixes)
	})

	t.Run("structural", func(t *testing.T) {
		profile := MineNoise([]Pair{
			{Original: `"John Doe"`, Corrected: "John Doe"},
			{Original: `"Mary"`, Corrected: "Mary"},
			{Original: `"Li"`, Corrected: "Li"},
		})
		require.NotNil(t, profile)
		assert.True(t, profile.StripQuotes)
		assert.False(t, profile.StripParentheses)
	})

	assert.Nil(t, MineNoise(pairs("same", "values")))
}

func learnerFixture() (*fields.Template, *tokens.Document) {
	tmpl := &fields.Template{
		ID: "t",
		Fields: []fields.FieldConfig{
			{
				Name: "name",
				Locations: []fields.Location{{
					Page: 1,
					BBox: fields.BBox{X0: 100, Y0: 100, X1: 200, Y1: 112},
					Context: fields.LocationContext{
						Label:     "Name:",
						LabelBBox: &fields.BBox{X0: 50, Y0: 100, X1: 90, Y1: 112},
					},
				}},
			},
			{
				Name: "date",
				Locations: []fields.Location{{
					Page: 1,
					BBox: fields.BBox{X0: 340, Y0: 100, X1: 400, Y1: 112},
				}},
			},
		},
	}
	doc := tokens.NewDocument("doc-1", []fields.Token{
		tok("Name:", 50, 90, 100),
		tok("John", 100, 130, 100),
		tok("Doe", 135, 160, 100),
		tok("Date:", 300, 335, 100),
		tok("2024-01-31", 340, 400, 100),
	})
	return tmpl, doc
}

func priorResult() *fields.ExtractionResult {
	er := fields.NewExtractionResult("t")
	name := &fields.FieldResult{FieldName: "name", Value: "John", Confidence: 0.4, Method: fields.MethodRuleBased}
	name.SetMeta(fields.MetaStrategyResults, map[fields.StrategyType]fields.StrategyOutcome{
		fields.StrategyRuleBased:     {Attempted: true, Value: "John", Confidence: 0.4, Pattern: "(.+)"},
		fields.StrategyPositionBased: {Attempted: true, Value: "John Doe", Confidence: 0.35},
	})
	er.Put(name)
	date := &fields.FieldResult{FieldName: "date", Value: "2024-01-31", Confidence: 0.9, Method: fields.MethodRuleBased}
	date.SetMeta(fields.MetaStrategyResults, map[fields.StrategyType]fields.StrategyOutcome{
		fields.StrategyRuleBased: {Attempted: true, Value: "2024-01-31", Confidence: 0.9},
	})
	er.Put(date)
	return er
}

func TestLearn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	handle := crf.NewHandle(filepath.Join(t.TempDir(), "model.json"), nil)
	tmpl, doc := learnerFixture()

	report, err := NewLearner(st, nil).Learn(ctx, handle, Feedback{
		Template:    tmpl,
		Document:    doc,
		Prior:       priorResult(),
		Corrections: map[string]string{"name": "John Doe"},
	})
	require.NoError(t, err)

	assert.Equal(t, "doc-1", report.DocumentID)
	assert.Equal(t, []string{"name"}, report.Corrected)
	assert.Equal(t, []string{"date"}, report.Implicit)
	assert.Empty(t, report.Skipped)
	assert.Len(t, report.Performance, 3)

	rule, err := st.Performance(ctx, "t", "name", fields.StrategyRuleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Attempts)
	assert.Equal(t, 0, rule.SuccessCount)
	pos, err := st.Performance(ctx, "t", "name", fields.StrategyPositionBased)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.SuccessCount)
	date, err := st.Performance(ctx, "t", "date", fields.StrategyRuleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, date.SuccessCount, "accepted values count as successes")

	examples, err := st.Examples(ctx, "t")
	require.NoError(t, err)
	require.Len(t, examples, 2)
	for _, ex := range examples {
		if ex.FieldName == "name" {
			assert.Equal(t, fields.SourceCorrected, ex.Source)
			assert.Equal(t, "John", ex.Original)
			assert.Equal(t, []string{"O", "B-name", "I-name", "O", "O"}, ex.Labels)
		} else {
			assert.Equal(t, fields.SourceImplicit, ex.Source)
		}
	}

	require.NotEmpty(t, report.Patterns["name"])
	stored, err := st.Patterns(ctx, "t", "name")
	require.NoError(t, err)
	assert.Len(t, stored, len(report.Patterns["name"]))

	require.NotNil(t, report.Training)
	assert.Equal(t, int64(1), report.ModelVersion)
	snap := handle.Current()
	require.NotNil(t, snap)
	assert.True(t, snap.Model.HasField("name"))
	assert.True(t, snap.Model.HasField("date"))
}

func TestLearnKeepsOtherTemplatesInSharedModel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	handle := crf.NewHandle(filepath.Join(t.TempDir(), "model.json"), nil)
	l := NewLearner(st, nil)

	intake, intakeDoc := learnerFixture()
	_, err := l.Learn(ctx, handle, Feedback{
		Template:    intake,
		Document:    intakeDoc,
		Corrections: map[string]string{"name": "John Doe"},
	})
	require.NoError(t, err)
	require.NotNil(t, handle.Current())
	require.True(t, handle.Current().Model.HasField("name"))

	receipt := &fields.Template{
		ID: "receipt",
		Fields: []fields.FieldConfig{{
			Name: "total",
			Locations: []fields.Location{{
				Page: 1,
				BBox: fields.BBox{X0: 100, Y0: 100, X1: 160, Y1: 112},
				Context: fields.LocationContext{
					Label:     "Total:",
					LabelBBox: &fields.BBox{X0: 50, Y0: 100, X1: 90, Y1: 112},
				},
			}},
		}},
	}
	receiptDoc := tokens.NewDocument("doc-2", []fields.Token{
		tok("Total:", 50, 90, 100),
		tok("42.50", 100, 130, 100),
	})
	report, err := l.Learn(ctx, handle, Feedback{
		Template:    receipt,
		Document:    receiptDoc,
		Corrections: map[string]string{"total": "42.50"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.ModelVersion)

	snap := handle.Current()
	require.NotNil(t, snap)
	assert.True(t, snap.Model.HasField("total"))
	assert.True(t, snap.Model.HasField("name"), "intake labels survive training on the receipt template")
}

func TestLearnPatternFrequencyCountsEachCorrectionOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := NewLearner(st, nil)
	tmpl, _ := learnerFixture()

	for i, name := range []string{"John Doe", "Mary Ann", "Paul King"} {
		words := strings.Fields(name)
		doc := tokens.NewDocument(fmt.Sprintf("doc-%d", i), []fields.Token{
			tok("Name:", 50, 90, 100),
			tok(words[0], 100, 130, 100),
			tok(words[1], 135, 160, 100),
		})
		_, err := l.Learn(ctx, nil, Feedback{
			Template:    tmpl,
			Document:    doc,
			Corrections: map[string]string{"name": name},
		})
		require.NoError(t, err)
	}

	stored, err := st.Patterns(ctx, "t", "name")
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	for _, p := range stored {
		assert.Equal(t, 3, p.Frequency, "pattern %s (%s)", p.Pattern, p.PatternType)
		assert.InDelta(t, 1.0, p.MatchRate, 1e-9)
	}
}

func TestRescore(t *testing.T) {
	mined := NewMiner().Mine(pairs("John Doe", "Mary Ann"))
	require.NotEmpty(t, mined.Patterns)
	exact := mined.Patterns[0]
	require.Equal(t, 2, exact.Frequency)

	got, ok := Rescore(exact, []string{"Paul King"})
	require.True(t, ok)
	assert.Equal(t, 1, got.Frequency)
	assert.Equal(t, []string{"Paul King"}, got.Examples)

	_, ok = Rescore(exact, []string{"12345"})
	assert.False(t, ok)
	_, ok = Rescore(exact, nil)
	assert.False(t, ok)
}

func TestLearnAlignmentFailure(t *testing.T) {
	st := store.NewMemory()
	handle := crf.NewHandle(filepath.Join(t.TempDir(), "model.json"), nil)
	tmpl, doc := learnerFixture()

	report, err := NewLearner(st, nil).Learn(context.Background(), handle, Feedback{
		Template:    tmpl,
		Document:    doc,
		Corrections: map[string]string{"name": "Xyzzy Qwkv"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, report.Skipped)
	assert.Empty(t, report.Corrected)
	assert.NotEmpty(t, report.Warnings)
	assert.Zero(t, report.ModelVersion, "nothing aligned, nothing to train on")
	assert.Nil(t, handle.Current())

	// the correction still feeds pattern mining
	assert.NotEmpty(t, report.Patterns["name"])
}

func TestLearnRejectsBadFeedback(t *testing.T) {
	tmpl, doc := learnerFixture()
	l := NewLearner(store.NewMemory(), nil)

	tests := []struct {
		name string
		fb   Feedback
	}{
		{"no template", Feedback{Document: doc, Corrections: map[string]string{"name": "x"}}},
		{"no document", Feedback{Template: tmpl, Corrections: map[string]string{"name": "x"}}},
		{"no corrections", Feedback{Template: tmpl, Document: doc}},
		{"unknown field", Feedback{Template: tmpl, Document: doc, Corrections: map[string]string{"zip": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Learn(context.Background(), nil, tt.fb)
			assert.True(t, errors.Is(err, pdferrors.ErrInvalidInput))
		})
	}
}
