package crf

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Sequence is one labeled token sequence
type Sequence struct {
	Features []TokenFeatures
	Labels   []string
}

// TrainConfig controls SGD training
type TrainConfig struct {
	Epochs       int
	LearningRate float64
	L2           float64
	Seed         int64
}

// DefaultTrainConfig returns the settings used by the learner
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:       15,
		LearningRate: 0.1,
		L2:           1e-4,
		Seed:         42,
	}
}

type encoded struct {
	attrs  [][]string
	labels []int
}

// Train fits a model by stochastic gradient ascent on the conditional log-likelihood.
// Training stops early with ctx's error when ctx is cancelled.
func Train(ctx context.Context, seqs []Sequence, cfg TrainConfig) (*Model, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("no training sequences")
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = DefaultTrainConfig().Epochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultTrainConfig().LearningRate
	}

	m := NewModel(labelSet(seqs))
	data := make([]encoded, 0, len(seqs))
	for _, s := range seqs {
		if len(s.Features) == 0 || len(s.Features) != len(s.Labels) {
			continue
		}
		e := encoded{attrs: make([][]string, len(s.Features)), labels: make([]int, len(s.Labels))}
		for i, f := range s.Features {
			e.attrs[i] = f.Attributes()
			e.labels[i] = m.LabelIndex(s.Labels[i])
		}
		data = append(data, e)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no usable training sequences")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, len(data))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		lr := cfg.LearningRate / (1 + 0.1*float64(epoch))
		for _, idx := range order {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			m.step(data[idx], lr, cfg.L2)
		}
	}
	m.Sequences = len(data)
	return m, nil
}

func labelSet(seqs []Sequence) []string {
	seen := map[string]bool{OutsideLabel: true}
	var rest []string
	for _, s := range seqs {
		for _, l := range s.Labels {
			if !seen[l] {
				seen[l] = true
				rest = append(rest, l)
			}
		}
	}
	sort.Strings(rest)
	return append([]string{OutsideLabel}, rest...)
}

// step applies one gradient update for a single sequence
func (m *Model) step(e encoded, lr, l2 float64) {
	L := len(m.Labels)
	emit := m.emissions(e.attrs)
	alpha, beta, logZ := m.forwardBackward(emit)
	marg := marginals(alpha, beta, logZ)

	for t, attrs := range e.attrs {
		gold := e.labels[t]
		for _, a := range attrs {
			w, ok := m.Weights[a]
			if !ok {
				w = make([]float64, L)
				m.Weights[a] = w
			}
			for y := 0; y < L; y++ {
				grad := -marg[t][y]
				if y == gold {
					grad += 1
				}
				w[y] += lr * (grad - l2*w[y])
			}
		}
	}

	for y := 0; y < L; y++ {
		grad := -marg[0][y]
		if y == e.labels[0] {
			grad += 1
		}
		m.Start[y] += lr * (grad - l2*m.Start[y])
	}

	expected := make([][]float64, L)
	for p := range expected {
		expected[p] = make([]float64, L)
	}
	for t := 1; t < len(e.attrs); t++ {
		for p := 0; p < L; p++ {
			for y := 0; y < L; y++ {
				expected[p][y] += math.Exp(alpha[t-1][p] + m.Transitions[p][y] + emit[t][y] + beta[t][y] - logZ)
			}
		}
	}
	for t := 1; t < len(e.labels); t++ {
		expected[e.labels[t-1]][e.labels[t]] -= 1
	}
	for p := 0; p < L; p++ {
		for y := 0; y < L; y++ {
			m.Transitions[p][y] += lr * (-expected[p][y] - l2*m.Transitions[p][y])
		}
	}
}
