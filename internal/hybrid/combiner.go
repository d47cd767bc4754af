// Package hybrid merges the outputs of the extraction strategies into one field result.
package hybrid

import (
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// Selection reasons recorded under fields.MetaSelectedBy
const (
	SelectedSingle   = "single_valid_strategy"
	SelectedWeighted = "weighted_score"
	SelectedFallback = "fallback"
	SelectedNone     = "no_result"
)

// ConfidenceFloor is the lowest threshold any tier may reach
const ConfidenceFloor = 0.3

// TierWeights are the (confidence, strategy, history) weights of one experience tier
type TierWeights struct {
	Confidence float64
	Strategy   float64
	History    float64
}

// Sum returns the total of the three weights
func (w TierWeights) Sum() float64 {
	return w.Confidence + w.Strategy + w.History
}

// Threshold returns the minimum confidence accepted for a strategy with the given history,
// never below ConfidenceFloor
func Threshold(p fields.StrategyPerformance) float64 {
	t := 0.5
	switch {
	case p.Attempts >= 10 && p.Accuracy >= 0.7:
		t = 0.3
	case p.Attempts >= 5 && p.Accuracy >= 0.5:
		t = 0.4
	}
	if t < ConfidenceFloor {
		t = ConfidenceFloor
	}
	return t
}

// WeightsFor returns the scoring weights for a strategy with the given number of attempts
func WeightsFor(attempts int) TierWeights {
	switch {
	case attempts >= 10:
		return TierWeights{Confidence: 0.15, Strategy: 0.05, History: 0.80}
	case attempts >= 5:
		return TierWeights{Confidence: 0.20, Strategy: 0.10, History: 0.70}
	default:
		return TierWeights{Confidence: 0.35, Strategy: 0.25, History: 0.40}
	}
}

// Combiner selects the final result among the strategy outputs of one location
type Combiner struct{}

// NewCombiner creates a combiner
func NewCombiner() *Combiner {
	return &Combiner{}
}

// Combine merges results (keyed by every strategy that was attempted, nil for no data) using
// per-strategy history and the template's strategy weights. It never returns nil.
func (c *Combiner) Combine(field string, results map[fields.StrategyType]*fields.FieldResult,
	history map[fields.StrategyType]fields.StrategyPerformance, weights Weights) *fields.FieldResult {

	var attempted []string
	outcomes := map[fields.StrategyType]fields.StrategyOutcome{}
	var valid []fields.StrategyType
	for _, st := range fields.AllStrategies() {
		res, ok := results[st]
		if !ok {
			continue
		}
		attempted = append(attempted, string(st))
		outcome := fields.StrategyOutcome{Attempted: true}
		if res.HasValue() {
			outcome.Value = res.Value
			outcome.Confidence = res.Confidence
			if p, ok := res.Metadata[fields.MetaPattern].(string); ok {
				outcome.Pattern = p
			}
			if res.Confidence >= Threshold(history[st]) {
				valid = append(valid, st)
			}
		}
		outcomes[st] = outcome
	}

	var out *fields.FieldResult
	switch len(valid) {
	case 0:
		out = c.fallback(field, results)
	case 1:
		out = results[valid[0]].Clone()
		out.SetMeta(fields.MetaSelectedBy, SelectedSingle)
	default:
		out = c.weighted(valid, results, history, weights)
	}
	out.FieldName = field
	out.SetMeta(fields.MetaStrategiesAttempt, attempted)
	out.SetMeta(fields.MetaStrategyResults, outcomes)
	return out
}

// fallback returns the most confident non-empty result regardless of thresholds
func (c *Combiner) fallback(field string, results map[fields.StrategyType]*fields.FieldResult) *fields.FieldResult {
	var bestST fields.StrategyType
	var best *fields.FieldResult
	for _, st := range fields.AllStrategies() {
		res := results[st]
		if !res.HasValue() {
			continue
		}
		if best == nil || res.Confidence > best.Confidence {
			best, bestST = res, st
		}
	}
	if best == nil {
		out := fields.EmptyResult(field)
		out.SetMeta(fields.MetaSelectedBy, SelectedNone)
		return out
	}
	out := best.Clone()
	out.Method = fields.FallbackMethod(bestST)
	out.SetMeta(fields.MetaSelectedBy, SelectedFallback)
	return out
}

// weighted scores every valid result; the fixed strategy order breaks ties
func (c *Combiner) weighted(valid []fields.StrategyType, results map[fields.StrategyType]*fields.FieldResult,
	history map[fields.StrategyType]fields.StrategyPerformance, weights Weights) *fields.FieldResult {

	scores := make(map[fields.StrategyType]float64, len(valid))
	var winner fields.StrategyType
	bestScore := -1.0
	for _, st := range valid {
		res := results[st]
		perf := history[st]
		w := WeightsFor(perf.Attempts)
		score := res.Confidence*w.Confidence + weights.Of(st)*w.Strategy + perf.Accuracy*w.History
		scores[st] = score
		if score > bestScore {
			bestScore, winner = score, st
		}
	}

	out := results[winner].Clone()
	if bestScore > 1 {
		bestScore = 1
	}
	out.Confidence = bestScore
	out.Method = fields.MethodFor(winner)
	out.SetMeta(fields.MetaSelectedBy, SelectedWeighted)
	out.SetMeta(fields.MetaCombinedScores, scores)
	return out
}
