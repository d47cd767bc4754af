package hybrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

func result(st fields.StrategyType, value string, conf float64) *fields.FieldResult {
	return &fields.FieldResult{FieldName: "name", Value: value, Confidence: conf, Method: fields.MethodFor(st)}
}

func TestThresholdTiers(t *testing.T) {
	tests := []struct {
		name string
		perf fields.StrategyPerformance
		want float64
	}{
		{"new", fields.StrategyPerformance{}, 0.5},
		{"established", fields.StrategyPerformance{Attempts: 6, Accuracy: 0.6}, 0.4},
		{"proven", fields.StrategyPerformance{Attempts: 12, Accuracy: 0.8}, 0.3},
		{"many attempts but mediocre", fields.StrategyPerformance{Attempts: 12, Accuracy: 0.6}, 0.4},
		{"accurate but few attempts", fields.StrategyPerformance{Attempts: 3, Accuracy: 1}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Threshold(tt.perf))
		})
	}
}

func TestThresholdNeverBelowFloor(t *testing.T) {
	for attempts := 0; attempts <= 40; attempts++ {
		for acc := 0.0; acc <= 1.0; acc += 0.05 {
			assert.GreaterOrEqual(t, Threshold(fields.StrategyPerformance{Attempts: attempts, Accuracy: acc}), ConfidenceFloor)
		}
	}
}

func TestTierWeightsSumToOne(t *testing.T) {
	for _, attempts := range []int{0, 4, 5, 9, 10, 100} {
		assert.InDelta(t, 1.0, WeightsFor(attempts).Sum(), 1e-12, "attempts %d", attempts)
	}
}

func TestCombineFallback(t *testing.T) {
	c := NewCombiner()
	out := c.Combine("name", map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyRuleBased:     result(fields.StrategyRuleBased, "John Doe", 0.42),
		fields.StrategyPositionBased: result(fields.StrategyPositionBased, "John", 0.15),
		fields.StrategyCRF:           nil,
	}, nil, DefaultWeights())

	assert.Equal(t, "John Doe", out.Value)
	assert.Equal(t, fields.MethodRuleBasedFallback, out.Method)
	assert.Equal(t, 0.42, out.Confidence)
	assert.Equal(t, SelectedFallback, out.Metadata[fields.MetaSelectedBy])
	assert.Equal(t, []string{"rule_based", "position_based", "crf"}, out.Metadata[fields.MetaStrategiesAttempt])

	outcomes := out.StrategyOutcomes()
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[fields.StrategyCRF].Attempted)
	assert.Empty(t, outcomes[fields.StrategyCRF].Value)
	assert.Equal(t, "John", outcomes[fields.StrategyPositionBased].Value)
}

func TestCombineNothing(t *testing.T) {
	out := NewCombiner().Combine("name", map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyRuleBased: nil,
		fields.StrategyCRF:       {Value: "   ", Confidence: 0.9},
	}, nil, nil)
	assert.Equal(t, "", out.Value)
	assert.Equal(t, 0.0, out.Confidence)
	assert.Equal(t, fields.MethodNone, out.Method)
	assert.Equal(t, "name", out.FieldName)
	assert.Equal(t, []string{"rule_based", "crf"}, out.Metadata[fields.MetaStrategiesAttempt])
}

func TestCombineSingleValid(t *testing.T) {
	rule := result(fields.StrategyRuleBased, "John Doe", 0.9)
	rule.SetMeta(fields.MetaPattern, "(.+)")
	out := NewCombiner().Combine("name", map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyRuleBased:     rule,
		fields.StrategyPositionBased: result(fields.StrategyPositionBased, "John", 0.2),
	}, nil, DefaultWeights())

	assert.Equal(t, "John Doe", out.Value)
	assert.Equal(t, 0.9, out.Confidence)
	assert.Equal(t, fields.MethodRuleBased, out.Method)
	assert.Equal(t, SelectedSingle, out.Metadata[fields.MetaSelectedBy])
	assert.Equal(t, "(.+)", out.StrategyOutcomes()[fields.StrategyRuleBased].Pattern)
	// inputs are not modified
	assert.NotContains(t, rule.Metadata, fields.MetaSelectedBy)
}

func TestCombineProvenTierAcceptsLowConfidence(t *testing.T) {
	history := map[fields.StrategyType]fields.StrategyPerformance{
		fields.StrategyRuleBased: {Attempts: 12, SuccessCount: 10, Accuracy: 10.0 / 12},
	}
	c := NewCombiner()
	out := c.Combine("name", map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyRuleBased: result(fields.StrategyRuleBased, "A", 0.35),
	}, history, nil)
	assert.Equal(t, fields.MethodRuleBased, out.Method)

	out = c.Combine("name", map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyRuleBased: result(fields.StrategyRuleBased, "A", 0.25),
	}, history, nil)
	assert.Equal(t, fields.MethodRuleBasedFallback, out.Method)
}

func TestCombineWeighted(t *testing.T) {
	results := map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyRuleBased:     result(fields.StrategyRuleBased, "John Doe", 0.9),
		fields.StrategyPositionBased: result(fields.StrategyPositionBased, "John Doe Jr", 0.95),
	}
	c := NewCombiner()

	out := c.Combine("name", results, nil, DefaultWeights())
	assert.Equal(t, "John Doe", out.Value)
	assert.Equal(t, fields.MethodRuleBased, out.Method)
	assert.InDelta(t, 0.9*0.35+0.4*0.25, out.Confidence, 1e-12)
	assert.Equal(t, SelectedWeighted, out.Metadata[fields.MetaSelectedBy])
	scores, ok := out.Metadata[fields.MetaCombinedScores].(map[fields.StrategyType]float64)
	require.True(t, ok)
	assert.InDelta(t, 0.95*0.35+0.3*0.25, scores[fields.StrategyPositionBased], 1e-12)

	history := map[fields.StrategyType]fields.StrategyPerformance{
		fields.StrategyPositionBased: {Attempts: 12, SuccessCount: 11, Accuracy: 0.9},
	}
	out = c.Combine("name", results, history, DefaultWeights())
	assert.Equal(t, "John Doe Jr", out.Value)
	assert.Equal(t, fields.MethodPositionBased, out.Method)
	assert.InDelta(t, 0.95*0.15+0.3*0.05+0.9*0.80, out.Confidence, 1e-12)
}

func TestCombineTieUsesStrategyOrder(t *testing.T) {
	weights := Weights{fields.StrategyRuleBased: 0.5, fields.StrategyPositionBased: 0.5, fields.StrategyCRF: 0.5}
	results := map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyCRF:           result(fields.StrategyCRF, "c", 0.8),
		fields.StrategyPositionBased: result(fields.StrategyPositionBased, "p", 0.8),
	}
	out := NewCombiner().Combine("f", results, nil, weights)
	assert.Equal(t, "p", out.Value)

	results[fields.StrategyRuleBased] = result(fields.StrategyRuleBased, "r", 0.8)
	for i := 0; i < 20; i++ {
		assert.Equal(t, "r", NewCombiner().Combine("f", results, nil, weights).Value)
	}
}

func TestCombineCapsConfidence(t *testing.T) {
	history := map[fields.StrategyType]fields.StrategyPerformance{
		fields.StrategyRuleBased:     {Attempts: 20, SuccessCount: 20, Accuracy: 1},
		fields.StrategyPositionBased: {Attempts: 20, SuccessCount: 20, Accuracy: 1},
	}
	weights := Weights{fields.StrategyRuleBased: 5, fields.StrategyPositionBased: 5}
	out := NewCombiner().Combine("f", map[fields.StrategyType]*fields.FieldResult{
		fields.StrategyRuleBased:     result(fields.StrategyRuleBased, "r", 1),
		fields.StrategyPositionBased: result(fields.StrategyPositionBased, "p", 1),
	}, history, weights)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestDeriveWeights(t *testing.T) {
	def := DeriveWeights(nil)
	for st, w := range DefaultWeights() {
		assert.InDelta(t, w, def[st], 1e-12)
	}

	w := DeriveWeights([]fields.StrategyPerformance{
		{FieldName: "a", Strategy: fields.StrategyRuleBased, Attempts: 6, SuccessCount: 5},
		{FieldName: "b", Strategy: fields.StrategyRuleBased, Attempts: 4, SuccessCount: 3},
		{FieldName: "a", Strategy: fields.StrategyPositionBased, Attempts: 10, SuccessCount: 4},
		{FieldName: "a", Strategy: fields.StrategyCRF, Attempts: 10, SuccessCount: 10},
	})
	// crf: 0.3*(1-0.5) + 0.9*0.5 = 0.6; raw sum 0.8+0.4+0.6
	assert.InDelta(t, 0.8/1.8, w[fields.StrategyRuleBased], 1e-12)
	assert.InDelta(t, 0.4/1.8, w[fields.StrategyPositionBased], 1e-12)
	assert.InDelta(t, 0.6/1.8, w[fields.StrategyCRF], 1e-12)

	var sum float64
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestWeightsOfFallsBackToDefault(t *testing.T) {
	assert.Equal(t, 0.4, Weights{}.Of(fields.StrategyRuleBased))
	assert.Equal(t, 0.9, Weights{fields.StrategyRuleBased: 0.9}.Of(fields.StrategyRuleBased))
}
