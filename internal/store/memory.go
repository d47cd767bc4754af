package store

import (
	"context"
	"sync"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

type exampleKey struct {
	template string
	document string
	field    string
}

// Memory is an in-process Store guarded by a single mutex
type Memory struct {
	mu       sync.Mutex
	perf     map[perfKey]fields.StrategyPerformance
	patterns map[string][]fields.LearnedPattern
	noise    map[string]fields.NoiseProfile
	examples []fields.TrainingExample
	position map[exampleKey]int
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		perf:     make(map[perfKey]fields.StrategyPerformance),
		patterns: make(map[string][]fields.LearnedPattern),
		noise:    make(map[string]fields.NoiseProfile),
		position: make(map[exampleKey]int),
	}
}

func (m *Memory) Performance(_ context.Context, templateID, field string, st fields.StrategyType) (fields.StrategyPerformance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perf[perfKey{templateID, field, st}]
	if !ok {
		return fields.StrategyPerformance{TemplateID: templateID, FieldName: field, Strategy: st}, nil
	}
	return p, nil
}

func (m *Memory) RecordOutcome(_ context.Context, templateID, field string, st fields.StrategyType, success bool) (fields.StrategyPerformance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := perfKey{templateID, field, st}
	p, ok := m.perf[key]
	if !ok {
		p = fields.StrategyPerformance{TemplateID: templateID, FieldName: field, Strategy: st}
	}
	p.Record(success)
	m.perf[key] = p
	return p, nil
}

func (m *Memory) TemplatePerformance(_ context.Context, templateID string) ([]fields.StrategyPerformance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fields.StrategyPerformance
	for k, p := range m.perf {
		if k.template == templateID {
			out = append(out, p)
		}
	}
	sortPerformance(out)
	return out, nil
}

func (m *Memory) UpsertPattern(_ context.Context, templateID, field string, p fields.LearnedPattern) (fields.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fields.FieldKey(templateID, field)
	list := m.patterns[key]
	for i := range list {
		if list[i].Pattern == p.Pattern {
			list[i].Merge(p)
			return list[i], nil
		}
	}
	if len(p.Examples) > fields.MaxPatternExamples {
		p.Examples = p.Examples[:fields.MaxPatternExamples]
	}
	m.patterns[key] = append(list, p)
	return p, nil
}

func (m *Memory) Patterns(_ context.Context, templateID, field string) ([]fields.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.patterns[fields.FieldKey(templateID, field)]
	out := make([]fields.LearnedPattern, len(list))
	for i, p := range list {
		out[i] = p
		out[i].Examples = append([]string(nil), p.Examples...)
	}
	return out, nil
}

func (m *Memory) RecordPatternUsage(_ context.Context, templateID, field, pattern string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.patterns[fields.FieldKey(templateID, field)]
	for i := range list {
		if list[i].Pattern == pattern {
			list[i].UsageCount++
			if success {
				list[i].SuccessCount++
			}
			return nil
		}
	}
	return nil
}

func (m *Memory) SaveNoise(_ context.Context, templateID, field string, profile fields.NoiseProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noise[fields.FieldKey(templateID, field)] = profile
	return nil
}

func (m *Memory) Noise(_ context.Context, templateID, field string) (*fields.NoiseProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.noise[fields.FieldKey(templateID, field)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) AppendExamples(_ context.Context, examples []fields.TrainingExample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range examples {
		key := exampleKey{ex.TemplateID, ex.DocumentID, ex.FieldName}
		if i, ok := m.position[key]; ok {
			m.examples[i] = ex
			continue
		}
		m.position[key] = len(m.examples)
		m.examples = append(m.examples, ex)
	}
	return nil
}

func (m *Memory) Examples(_ context.Context, templateID string) ([]fields.TrainingExample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fields.TrainingExample
	for _, ex := range m.examples {
		if templateID == "" || ex.TemplateID == templateID {
			out = append(out, ex)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
