// Package store persists what the learner writes and extraction reads: strategy performance
// counters, learned patterns, noise profiles and the training corpus.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// PerformanceStore keeps per (template, field, strategy) accuracy counters.
// RecordOutcome must be atomic per key.
type PerformanceStore interface {
	Performance(ctx context.Context, templateID, field string, st fields.StrategyType) (fields.StrategyPerformance, error)
	RecordOutcome(ctx context.Context, templateID, field string, st fields.StrategyType, success bool) (fields.StrategyPerformance, error)
	TemplatePerformance(ctx context.Context, templateID string) ([]fields.StrategyPerformance, error)
}

// PatternStore keeps learned patterns and noise profiles per field
type PatternStore interface {
	UpsertPattern(ctx context.Context, templateID, field string, p fields.LearnedPattern) (fields.LearnedPattern, error)
	Patterns(ctx context.Context, templateID, field string) ([]fields.LearnedPattern, error)
	RecordPatternUsage(ctx context.Context, templateID, field, pattern string, success bool) error
	SaveNoise(ctx context.Context, templateID, field string, profile fields.NoiseProfile) error
	Noise(ctx context.Context, templateID, field string) (*fields.NoiseProfile, error)
}

// CorpusStore keeps labeled training examples. An example is keyed by
// (template, document, field); appending the same key replaces the earlier example.
type CorpusStore interface {
	AppendExamples(ctx context.Context, examples []fields.TrainingExample) error
	Examples(ctx context.Context, templateID string) ([]fields.TrainingExample, error)
}

// Store bundles the three contracts
type Store interface {
	PerformanceStore
	PatternStore
	CorpusStore
	Close() error
}

// Open returns the store named by kind ("memory" or "sqlite")
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

type perfKey struct {
	template string
	field    string
	strategy fields.StrategyType
}

func sortPerformance(list []fields.StrategyPerformance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].FieldName != list[j].FieldName {
			return list[i].FieldName < list[j].FieldName
		}
		return list[i].Strategy.Priority() < list[j].Strategy.Priority()
	})
}
