package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/hybrid"
	"github.com/a3tai/mcp-pdf-fields/internal/learning"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

func floatPtr(v float64) *float64 { return &v }

func tok(text string, page int, x0, x1, y float64) fields.Token {
	return fields.Token{Text: text, X0: x0, Y0: y, X1: x1, Y1: y + 12, Page: page}
}

func nameLocation(page int) fields.Location {
	return fields.Location{
		Page: page,
		BBox: fields.BBox{X0: 100, Y0: 100, X1: 200, Y1: 112},
		Context: fields.LocationContext{
			Label:      "Name:",
			LabelBBox:  &fields.BBox{X0: 50, Y0: 100, X1: 90, Y1: 112},
			NextFieldX: floatPtr(295),
		},
	}
}

func dateField() fields.FieldConfig {
	return fields.FieldConfig{
		Name: "date",
		Locations: []fields.Location{{
			Page: 1,
			BBox: fields.BBox{X0: 340, Y0: 100, X1: 400, Y1: 112},
			Context: fields.LocationContext{
				Label:     "Date:",
				LabelBBox: &fields.BBox{X0: 300, Y0: 100, X1: 335, Y1: 112},
			},
		}},
	}
}

func formTemplate() *fields.Template {
	return &fields.Template{
		ID: "intake",
		Fields: []fields.FieldConfig{
			{Name: "name", Locations: []fields.Location{nameLocation(1)}},
			dateField(),
			{Name: "signature"},
		},
	}
}

// page lays out "Name: <words>      Date: 2024-01-31"
func page(n int, words ...string) []fields.Token {
	out := []fields.Token{tok("Name:", n, 50, 90, 100)}
	x := 100.0
	for _, w := range words {
		width := float64(len(w)) * 6
		out = append(out, tok(w, n, x, x+width, 100))
		x += width + 6
	}
	return append(out, tok("Date:", n, 300, 335, 100), tok("2024-01-31", n, 340, 400, 100))
}

func TestExtractReturnsEveryField(t *testing.T) {
	e := New(store.NewMemory(), nil)
	doc := tokens.NewDocument("d1", page(1, "John", "Doe"))

	res, err := e.Extract(context.Background(), NewState(nil), formTemplate(), doc)
	require.NoError(t, err)

	assert.Equal(t, "intake", res.TemplateID)
	assert.Len(t, res.ExtractedData, 3)
	assert.Equal(t, "John Doe", res.ExtractedData["name"])
	assert.Equal(t, "2024-01-31", res.ExtractedData["date"])

	assert.Equal(t, "", res.ExtractedData["signature"])
	assert.Equal(t, 0.0, res.ConfidenceScores["signature"])
	assert.Equal(t, fields.MethodNone, res.ExtractionMethods["signature"])

	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"rule_based", "position_based"}, res.Metadata.AllStrategiesAttempted)
	assert.NotEmpty(t, res.Metadata.StrategiesUsed)
	assert.Zero(t, res.Metadata.ModelVersion)

	outcomes := res.Fields["name"].StrategyOutcomes()
	assert.NotContains(t, outcomes, fields.StrategyCRF, "no model loaded")
}

func TestExtractIsDeterministic(t *testing.T) {
	e := New(store.NewMemory(), nil)
	tmpl := formTemplate()
	tmpl.Fields[0].Locations = append(tmpl.Fields[0].Locations, nameLocation(2))
	doc := tokens.NewDocument("d1", append(page(1, "John", "Doe"), page(2, "John", "Doe,")...))

	var encoded []string
	for i := 0; i < 5; i++ {
		res, err := e.Extract(context.Background(), NewState(nil), tmpl, doc)
		require.NoError(t, err)
		data, err := json.Marshal(res)
		require.NoError(t, err)
		encoded = append(encoded, string(data))
	}
	for _, s := range encoded[1:] {
		assert.Equal(t, encoded[0], s)
	}

	cfg := DefaultConfig()
	cfg.Workers = 1
	sequential, err := NewWithConfig(cfg, store.NewMemory(), nil).Extract(context.Background(), NewState(nil), tmpl, doc)
	require.NoError(t, err)
	data, err := json.Marshal(sequential)
	require.NoError(t, err)
	assert.Equal(t, encoded[0], string(data))
}

func TestExtractMinorConflictAutoResolves(t *testing.T) {
	e := New(store.NewMemory(), nil)
	tmpl := formTemplate()
	tmpl.Fields[0].Locations = append(tmpl.Fields[0].Locations, nameLocation(2))
	doc := tokens.NewDocument("d1", append(page(1, "John", "Doe"), page(2, "John", "Doe,")...))

	res, err := e.Extract(context.Background(), NewState(nil), tmpl, doc)
	require.NoError(t, err)

	name := res.Fields["name"]
	require.NotNil(t, name.Conflict)
	info := name.Conflict
	assert.True(t, info.Detected)
	assert.Equal(t, fields.ConflictMinor, info.Level)
	assert.True(t, info.AutoResolved)
	assert.False(t, info.RequiresValidation)
	assert.Equal(t, "John Doe,", name.Value, "the longest raw value wins")
	assert.Equal(t, 1, name.LocationIndex())

	top := info.Candidates[0].Confidence
	for _, c := range info.Candidates {
		if c.Confidence > top {
			top = c.Confidence
		}
	}
	assert.InDelta(t, top*0.95, name.Confidence, 1e-12)
	assert.Equal(t, false, name.Metadata[fields.MetaRequiresValidation])
	assert.Contains(t, res.Conflicts, "name")
}

func TestExtractMajorConflictNeedsValidation(t *testing.T) {
	e := New(store.NewMemory(), nil)
	tmpl := formTemplate()
	tmpl.Fields[0].Locations = append(tmpl.Fields[0].Locations, nameLocation(2))
	doc := tokens.NewDocument("d1", append(page(1, "John", "Doe"), page(2, "Acme", "Corporation")...))

	res, err := e.Extract(context.Background(), NewState(nil), tmpl, doc)
	require.NoError(t, err)

	name := res.Fields["name"]
	require.NotNil(t, name.Conflict)
	assert.Equal(t, fields.ConflictMajor, name.Conflict.Level)
	assert.False(t, name.Conflict.AutoResolved)
	assert.True(t, name.Conflict.RequiresValidation)
	assert.Equal(t, true, name.Metadata[fields.MetaRequiresValidation])
	assert.Equal(t, name.Conflict.SelectedValue, name.Value)
}

func TestExtractIdenticalLocationsHaveNoConflict(t *testing.T) {
	e := New(store.NewMemory(), nil)
	tmpl := formTemplate()
	tmpl.Fields[0].Locations = append(tmpl.Fields[0].Locations, nameLocation(2))
	doc := tokens.NewDocument("d1", append(page(1, "John", "Doe"), page(2, "John", "Doe")...))

	res, err := e.Extract(context.Background(), NewState(nil), tmpl, doc)
	require.NoError(t, err)
	assert.Nil(t, res.Fields["name"].Conflict)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "John Doe", res.ExtractedData["name"])
}

func TestExtractSkipsPositionOnComplexTemplates(t *testing.T) {
	tmpl := &fields.Template{ID: "big", Fields: []fields.FieldConfig{dateField()}}
	for i := 0; i < 16; i++ {
		tmpl.Fields = append(tmpl.Fields, fields.FieldConfig{Name: fmt.Sprintf("extra_%02d", i)})
	}
	require.InDelta(t, 0.85, tmpl.Complexity(), 1e-12)

	res, err := New(nil, nil).Extract(context.Background(), NewState(nil), tmpl, tokens.NewDocument("d", page(1, "John")))
	require.NoError(t, err)
	assert.Equal(t, []string{"rule_based"}, res.Metadata.AllStrategiesAttempted)
	assert.Len(t, res.ExtractedData, 17)
}

type panicking struct{}

func (panicking) Type() fields.StrategyType { return fields.StrategyRuleBased }
func (panicking) Extract(*tokens.Document, fields.FieldConfig) *fields.FieldResult {
	panic("corrupt token stream")
}

func TestExtractSurvivesStrategyPanic(t *testing.T) {
	e := New(store.NewMemory(), nil)
	e.rule = panicking{}

	res, err := e.Extract(context.Background(), NewState(nil), formTemplate(), tokens.NewDocument("d", page(1, "John", "Doe")))
	require.NoError(t, err)
	assert.Len(t, res.ExtractedData, 3)
	assert.Equal(t, "John Doe", res.ExtractedData["name"])
	assert.Equal(t, fields.MethodPositionBased, res.ExtractionMethods["name"])

	outcome := res.Fields["name"].StrategyOutcomes()[fields.StrategyRuleBased]
	assert.True(t, outcome.Attempted)
	assert.Empty(t, outcome.Value)
}

func TestExtractRejectsMissingInput(t *testing.T) {
	_, err := New(nil, nil).Extract(context.Background(), NewState(nil), nil, tokens.NewDocument("d", nil))
	assert.True(t, errors.Is(err, pdferrors.ErrInvalidInput))
}

func TestExtractHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, nil).Extract(ctx, NewState(nil), formTemplate(), tokens.NewDocument("d", page(1, "John")))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithLearnedOverlaysStoredRules(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.UpsertPattern(ctx, "intake", "name", fields.LearnedPattern{Pattern: `(\w+ \w+)`, Priority: 9, Frequency: 2})
	require.NoError(t, err)
	require.NoError(t, st.SaveNoise(ctx, "intake", "name", fields.NoiseProfile{StripTrailingComma: true, Samples: 3}))

	fc := fields.FieldConfig{Name: "name", Rules: fields.FieldRules{LearnedPatterns: []fields.LearnedPattern{
		{Pattern: `(\w+ \w+)`, Priority: 1, Frequency: 1},
		{Pattern: `(\w+)`, Priority: 3},
	}}}
	got := New(st, nil).withLearned(ctx, "intake", fc)

	require.Len(t, got.Rules.LearnedPatterns, 2)
	assert.Equal(t, 9, got.Rules.LearnedPatterns[0].Priority)
	require.NotNil(t, got.Rules.Noise)
	assert.True(t, got.Rules.Noise.StripTrailingComma)
	assert.Equal(t, 1, fc.Rules.LearnedPatterns[0].Priority, "the template is not modified")
}

func TestLearnThenExtractUsesModel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := New(st, nil)
	state := NewState(crf.NewHandle(filepath.Join(t.TempDir(), "tagger.json"), nil))
	tmpl := formTemplate()
	doc := tokens.NewDocument("d1", page(1, "John", "Doe"))

	prior, err := e.Extract(ctx, state, tmpl, doc)
	require.NoError(t, err)
	assert.NotContains(t, prior.Metadata.AllStrategiesAttempted, "crf")

	report, err := e.Learn(ctx, state, learning.Feedback{
		Template:    tmpl,
		Document:    doc,
		Prior:       prior,
		Corrections: map[string]string{"name": "John Doe"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ModelVersion)
	assert.Equal(t, []string{"name"}, report.Corrected)
	assert.Empty(t, report.Implicit, "combined confidence without history stays below the implicit bar")

	w := state.Weights("intake")
	assert.NotEqual(t, hybrid.DefaultWeights(), w)
	var sum float64
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	next, err := e.Extract(ctx, state, tmpl, tokens.NewDocument("d2", page(1, "Mary", "Smith")))
	require.NoError(t, err)
	assert.Equal(t, []string{"rule_based", "position_based", "crf"}, next.Metadata.AllStrategiesAttempted)
	assert.Equal(t, int64(1), next.Metadata.ModelVersion)
	assert.Equal(t, "Mary Smith", next.ExtractedData["name"])
}

func TestStateWeightsDefault(t *testing.T) {
	s := NewState(nil)
	assert.Equal(t, hybrid.DefaultWeights(), s.Weights("unknown"))
	assert.Nil(t, s.snapshot())
}

func TestExtractDerivesWeightsFromPersistedHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	for i := 0; i < 20; i++ {
		_, err := st.RecordOutcome(ctx, "intake", "name", fields.StrategyRuleBased, false)
		require.NoError(t, err)
		_, err = st.RecordOutcome(ctx, "intake", "name", fields.StrategyPositionBased, true)
		require.NoError(t, err)
		_, err = st.RecordOutcome(ctx, "intake", "name", fields.StrategyCRF, i%2 == 0)
		require.NoError(t, err)
	}
	perfs, err := st.TemplatePerformance(ctx, "intake")
	require.NoError(t, err)
	want := hybrid.DeriveWeights(perfs)

	// a fresh state stands in for a restarted process
	state := NewState(nil)
	assert.Equal(t, hybrid.DefaultWeights(), state.Weights("intake"))

	_, err = New(st, nil).Extract(ctx, state, formTemplate(), tokens.NewDocument("d1", page(1, "John", "Doe")))
	require.NoError(t, err)
	assert.Equal(t, want, state.Weights("intake"))
	assert.NotEqual(t, hybrid.DefaultWeights(), state.Weights("intake"))
}

func TestStateLoadWeights(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.RecordOutcome(ctx, "intake", "name", fields.StrategyPositionBased, true)
	require.NoError(t, err)

	s := NewState(nil)
	w, err := s.LoadWeights(ctx, nil, "intake")
	require.NoError(t, err)
	assert.Equal(t, hybrid.DefaultWeights(), w, "no store means defaults")

	w, err = s.LoadWeights(ctx, st, "intake")
	require.NoError(t, err)
	assert.Equal(t, s.Weights("intake"), w)

	// cached weights are kept until the next refresh
	_, err = st.RecordOutcome(ctx, "intake", "name", fields.StrategyPositionBased, false)
	require.NoError(t, err)
	again, err := s.LoadWeights(ctx, st, "intake")
	require.NoError(t, err)
	assert.Equal(t, w, again)
}
