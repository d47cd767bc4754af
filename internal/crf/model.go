package crf

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
)

// OutsideLabel tags tokens that belong to no field
const OutsideLabel = "O"

// BeginLabel returns the B- tag of a field
func BeginLabel(field string) string { return "B-" + field }

// InsideLabel returns the I- tag of a field
func InsideLabel(field string) string { return "I-" + field }

// Model is a linear-chain CRF over binary token attributes
type Model struct {
	FeatureVersion int                  `json:"feature_version"`
	Labels         []string             `json:"labels"`
	Weights        map[string][]float64 `json:"weights"`
	Transitions    [][]float64          `json:"transitions"`
	Start          []float64            `json:"start"`
	RunID          string               `json:"run_id,omitempty"`
	Sequences      int                  `json:"sequences"`

	index map[string]int
}

// NewModel creates an empty model over the given label set
func NewModel(labels []string) *Model {
	m := &Model{
		FeatureVersion: FeatureVersion,
		Labels:         append([]string(nil), labels...),
		Weights:        make(map[string][]float64),
		Start:          make([]float64, len(labels)),
		Transitions:    make([][]float64, len(labels)),
	}
	for i := range m.Transitions {
		m.Transitions[i] = make([]float64, len(labels))
	}
	m.buildIndex()
	return m
}

func (m *Model) buildIndex() {
	m.index = make(map[string]int, len(m.Labels))
	for i, l := range m.Labels {
		m.index[l] = i
	}
}

// LabelIndex returns the index of a label, or -1
func (m *Model) LabelIndex(label string) int {
	if i, ok := m.index[label]; ok {
		return i
	}
	return -1
}

// HasField reports whether the model was trained with tags for the field
func (m *Model) HasField(field string) bool {
	return m.LabelIndex(BeginLabel(field)) >= 0
}

// Fields lists the fields the model knows
func (m *Model) Fields() []string {
	var out []string
	for _, l := range m.Labels {
		if strings.HasPrefix(l, "B-") {
			out = append(out, strings.TrimPrefix(l, "B-"))
		}
	}
	return out
}

func (m *Model) emissions(attrs [][]string) [][]float64 {
	L := len(m.Labels)
	out := make([][]float64, len(attrs))
	for t, as := range attrs {
		row := make([]float64, L)
		for _, a := range as {
			if w, ok := m.Weights[a]; ok {
				for y := 0; y < L; y++ {
					row[y] += w[y]
				}
			}
		}
		out[t] = row
	}
	return out
}

// forwardBackward returns log-alpha, log-beta and log Z
func (m *Model) forwardBackward(emit [][]float64) ([][]float64, [][]float64, float64) {
	n, L := len(emit), len(m.Labels)
	alpha := make([][]float64, n)
	beta := make([][]float64, n)
	scratch := make([]float64, L)

	alpha[0] = make([]float64, L)
	for y := 0; y < L; y++ {
		alpha[0][y] = m.Start[y] + emit[0][y]
	}
	for t := 1; t < n; t++ {
		alpha[t] = make([]float64, L)
		for y := 0; y < L; y++ {
			for p := 0; p < L; p++ {
				scratch[p] = alpha[t-1][p] + m.Transitions[p][y]
			}
			alpha[t][y] = logSumExp(scratch) + emit[t][y]
		}
	}

	beta[n-1] = make([]float64, L)
	for t := n - 2; t >= 0; t-- {
		beta[t] = make([]float64, L)
		for y := 0; y < L; y++ {
			for nx := 0; nx < L; nx++ {
				scratch[nx] = m.Transitions[y][nx] + emit[t+1][nx] + beta[t+1][nx]
			}
			beta[t][y] = logSumExp(scratch)
		}
	}
	return alpha, beta, logSumExp(alpha[n-1])
}

func marginals(alpha, beta [][]float64, logZ float64) [][]float64 {
	out := make([][]float64, len(alpha))
	for t := range alpha {
		out[t] = make([]float64, len(alpha[t]))
		for y := range alpha[t] {
			out[t][y] = math.Exp(alpha[t][y] + beta[t][y] - logZ)
		}
	}
	return out
}

func (m *Model) viterbi(emit [][]float64) []int {
	n, L := len(emit), len(m.Labels)
	score := make([][]float64, n)
	back := make([][]int, n)
	score[0] = make([]float64, L)
	for y := 0; y < L; y++ {
		score[0][y] = m.Start[y] + emit[0][y]
	}
	for t := 1; t < n; t++ {
		score[t] = make([]float64, L)
		back[t] = make([]int, L)
		for y := 0; y < L; y++ {
			best, arg := math.Inf(-1), 0
			for p := 0; p < L; p++ {
				if s := score[t-1][p] + m.Transitions[p][y]; s > best {
					best, arg = s, p
				}
			}
			score[t][y] = best + emit[t][y]
			back[t][y] = arg
		}
	}
	path := make([]int, n)
	best := math.Inf(-1)
	for y := 0; y < L; y++ {
		if score[n-1][y] > best {
			best, path[n-1] = score[n-1][y], y
		}
	}
	for t := n - 1; t > 0; t-- {
		path[t-1] = back[t][path[t]]
	}
	return path
}

// Predict tags a sequence and returns, per token, the Viterbi label and its marginal probability
func (m *Model) Predict(feats []TokenFeatures) ([]string, []float64) {
	if len(feats) == 0 || len(m.Labels) == 0 {
		return nil, nil
	}
	attrs := make([][]string, len(feats))
	for i, f := range feats {
		attrs[i] = f.Attributes()
	}
	emit := m.emissions(attrs)
	path := m.viterbi(emit)
	alpha, beta, logZ := m.forwardBackward(emit)
	marg := marginals(alpha, beta, logZ)

	labels := make([]string, len(path))
	conf := make([]float64, len(path))
	for t, y := range path {
		labels[t] = m.Labels[y]
		conf[t] = marg[t][y]
	}
	return labels, conf
}

// Encode writes the model as JSON
func (m *Model) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(m)
}

// Decode reads a model and checks its feature version and dimensions
func Decode(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if m.FeatureVersion != FeatureVersion {
		return nil, fmt.Errorf("model feature version %d does not match %d", m.FeatureVersion, FeatureVersion)
	}
	L := len(m.Labels)
	if L == 0 || len(m.Start) != L || len(m.Transitions) != L {
		return nil, fmt.Errorf("model dimensions are inconsistent")
	}
	for _, row := range m.Transitions {
		if len(row) != L {
			return nil, fmt.Errorf("model transition matrix is not square")
		}
	}
	for a, w := range m.Weights {
		if len(w) != L {
			return nil, fmt.Errorf("weights for %q have %d labels, want %d", a, len(w), L)
		}
	}
	m.buildIndex()
	return &m, nil
}

func logSumExp(xs []float64) float64 {
	max := math.Inf(-1)
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	sum := 0.0
	for _, x := range xs {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}
