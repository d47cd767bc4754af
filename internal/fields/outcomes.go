package fields

import (
	"encoding/json"
)

// StrategyOutcomes reads the per-strategy records attached by the combiner.
// Results that went through JSON come back as generic maps, so both shapes are accepted.
func (r *FieldResult) StrategyOutcomes() map[StrategyType]StrategyOutcome {
	out := map[StrategyType]StrategyOutcome{}
	if r == nil || r.Metadata == nil {
		return out
	}
	raw, ok := r.Metadata[MetaStrategyResults]
	if !ok {
		return out
	}
	switch v := raw.(type) {
	case map[StrategyType]StrategyOutcome:
		for k, o := range v {
			out[k] = o
		}
		return out
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return out
		}
		var decoded map[StrategyType]StrategyOutcome
		if err := json.Unmarshal(data, &decoded); err != nil {
			return out
		}
		return decoded
	}
}

// LocationIndex returns the location the result came from, or -1
func (r *FieldResult) LocationIndex() int {
	if r == nil || r.Metadata == nil {
		return -1
	}
	switch v := r.Metadata[MetaLocationIndex].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}
