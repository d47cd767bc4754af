package hybrid

import (
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// Weights is the static weight of each strategy for one template; entries sum to 1
type Weights map[fields.StrategyType]float64

// DefaultWeights is used for templates without history
func DefaultWeights() Weights {
	return Weights{
		fields.StrategyRuleBased:     0.4,
		fields.StrategyPositionBased: 0.3,
		fields.StrategyCRF:           0.3,
	}
}

// Of returns the weight of a strategy, falling back to the default table
func (w Weights) Of(st fields.StrategyType) float64 {
	if v, ok := w[st]; ok {
		return v
	}
	return DefaultWeights()[st]
}

const (
	crfWeightMin   = 0.3
	crfWeightSpan  = 0.6
	crfSamplePrior = 10.0
)

// DeriveWeights recomputes a template's weights from its performance records. Each strategy's
// raw weight is its accuracy across the template's fields; the sequence-labeling weight is its
// accuracy scaled into [0.3, 0.9] and blended with the default by n/(n+10) samples. Strategies
// without attempts keep their default. The result is normalised to sum to 1.
func DeriveWeights(perfs []fields.StrategyPerformance) Weights {
	attempts := map[fields.StrategyType]int{}
	success := map[fields.StrategyType]int{}
	for _, p := range perfs {
		attempts[p.Strategy] += p.Attempts
		success[p.Strategy] += p.SuccessCount
	}

	defaults := DefaultWeights()
	raw := Weights{}
	for _, st := range fields.AllStrategies() {
		n := attempts[st]
		if n == 0 {
			raw[st] = defaults[st]
			continue
		}
		acc := float64(success[st]) / float64(n)
		if st == fields.StrategyCRF {
			scaled := crfWeightMin + crfWeightSpan*acc
			trust := float64(n) / (float64(n) + crfSamplePrior)
			raw[st] = defaults[st]*(1-trust) + scaled*trust
			continue
		}
		raw[st] = acc
	}

	var sum float64
	for _, v := range raw {
		sum += v
	}
	if sum <= 0 {
		return defaults
	}
	out := Weights{}
	for st, v := range raw {
		out[st] = v / sum
	}
	return out
}
