package engine

import (
	"context"
	"sync"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	"github.com/a3tai/mcp-pdf-fields/internal/hybrid"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
)

// State is the mutable engine state owned by the caller: the model handle and the per-template
// strategy weight table. It is safe for concurrent use.
type State struct {
	Model *crf.Handle

	mu      sync.RWMutex
	weights map[string]hybrid.Weights
}

// NewState creates a state around a model handle; handle may be nil to run without a tagger
func NewState(handle *crf.Handle) *State {
	return &State{Model: handle, weights: make(map[string]hybrid.Weights)}
}

// Weights returns the cached strategy weights of a template, or the defaults
func (s *State) Weights(templateID string) hybrid.Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.weights[templateID]; ok {
		return w
	}
	return hybrid.DefaultWeights()
}

// LoadWeights returns a template's weights, deriving them from its persisted performance
// records the first time the template is seen. On a storage error the defaults are returned.
func (s *State) LoadWeights(ctx context.Context, ps store.PerformanceStore, templateID string) (hybrid.Weights, error) {
	s.mu.RLock()
	w, ok := s.weights[templateID]
	s.mu.RUnlock()
	if ok {
		return w, nil
	}
	if ps == nil {
		return hybrid.DefaultWeights(), nil
	}
	w, err := s.RefreshWeights(ctx, ps, templateID)
	if err != nil {
		return hybrid.DefaultWeights(), err
	}
	return w, nil
}

// RefreshWeights re-derives a template's weights from its performance records
func (s *State) RefreshWeights(ctx context.Context, ps store.PerformanceStore, templateID string) (hybrid.Weights, error) {
	perfs, err := ps.TemplatePerformance(ctx, templateID)
	if err != nil {
		return nil, err
	}
	w := hybrid.DeriveWeights(perfs)
	s.mu.Lock()
	s.weights[templateID] = w
	s.mu.Unlock()
	return w, nil
}

// snapshot returns the current model, reloading it when the blob changed on disk
func (s *State) snapshot() *crf.Snapshot {
	if s == nil || s.Model == nil {
		return nil
	}
	return s.Model.ReloadIfChanged()
}
