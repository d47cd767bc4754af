// Package conflict compares the values a field produced at its different locations.
package conflict

import (
	"strings"
	"unicode/utf8"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/textsim"
)

// Config holds the similarity blend and level thresholds
type Config struct {
	SequenceWeight  float64
	JaccardWeight   float64
	SubstringWeight float64
	// substring containment contributes this raw score before weighting
	SubstringScore     float64
	MinorThreshold     float64
	ModerateThreshold  float64
	AutoResolvePenalty float64
}

// DefaultConfig returns the standard blend: 0.5 sequence ratio, 0.3 token-set Jaccard and
// 0.2 substring bonus, minor above 0.8 and moderate above 0.5
func DefaultConfig() Config {
	return Config{
		SequenceWeight:     0.5,
		JaccardWeight:      0.3,
		SubstringWeight:    0.2,
		SubstringScore:     0.5,
		MinorThreshold:     0.8,
		ModerateThreshold:  0.5,
		AutoResolvePenalty: 0.95,
	}
}

// Detector grades disagreement between per-location candidates
type Detector struct {
	config Config
}

// NewDetector creates a detector with the default configuration
func NewDetector() *Detector {
	return &Detector{config: DefaultConfig()}
}

// NewDetectorWithConfig creates a detector with a custom configuration
func NewDetectorWithConfig(config Config) *Detector {
	return &Detector{config: config}
}

// Similarity scores two values after lower-casing and trimming both
func (d *Detector) Similarity(a, b string) float64 {
	a, b = textsim.Normalize(a), textsim.Normalize(b)
	score := d.config.SequenceWeight*textsim.SequenceRatio(a, b) +
		d.config.JaccardWeight*textsim.TokenSetJaccard(a, b)
	if a != "" && b != "" && (strings.Contains(a, b) || strings.Contains(b, a)) {
		score += d.config.SubstringWeight * d.config.SubstringScore
	}
	return score
}

// Level classifies an average similarity
func (d *Detector) Level(similarity float64) fields.ConflictLevel {
	switch {
	case similarity > d.config.MinorThreshold:
		return fields.ConflictMinor
	case similarity > d.config.ModerateThreshold:
		return fields.ConflictModerate
	default:
		return fields.ConflictMajor
	}
}

// Detect analyses the non-empty candidates of one field. It returns nil with fewer than two
// candidates, and Detected=false when every candidate value is character-identical.
func (d *Detector) Detect(candidates []fields.Candidate) *fields.ConflictInfo {
	var cands []fields.Candidate
	for _, c := range candidates {
		if strings.TrimSpace(c.Value) != "" {
			cands = append(cands, c)
		}
	}
	if len(cands) < 2 {
		return nil
	}

	top := highestConfidence(cands)
	info := &fields.ConflictInfo{
		Candidates:         cands,
		SelectedValue:      cands[top].Value,
		SelectedIndex:      cands[top].LocationIndex,
		ResolvedConfidence: cands[top].Confidence,
	}

	distinct := distinctValues(cands)
	if len(distinct) < 2 {
		info.Similarity = 1
		return info
	}

	var sum float64
	var pairs int
	for i := 0; i < len(distinct); i++ {
		for j := i + 1; j < len(distinct); j++ {
			sum += d.Similarity(distinct[i], distinct[j])
			pairs++
		}
	}
	avg := sum / float64(pairs)

	info.Detected = true
	info.Similarity = avg
	info.Level = d.Level(avg)
	info.Suggestion = suggestion(info.Level)

	if info.Level == fields.ConflictMinor && avg > d.config.MinorThreshold {
		pick := longest(cands)
		conf := cands[top].Confidence * d.config.AutoResolvePenalty
		if conf > 1 {
			conf = 1
		}
		info.AutoResolved = true
		info.SelectedValue = cands[pick].Value
		info.SelectedIndex = cands[pick].LocationIndex
		info.ResolvedConfidence = conf
		return info
	}
	info.RequiresValidation = true
	return info
}

// highestConfidence returns the index of the most confident candidate; earlier locations win ties
func highestConfidence(cands []fields.Candidate) int {
	best := 0
	for i, c := range cands[1:] {
		if c.Confidence > cands[best].Confidence {
			best = i + 1
		}
	}
	return best
}

// longest picks the candidate with the most runes in its raw value, then the higher
// confidence, then the lower location index
func longest(cands []fields.Candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		c, b := cands[i], cands[best]
		cl, bl := utf8.RuneCountInString(c.Value), utf8.RuneCountInString(b.Value)
		switch {
		case cl > bl:
			best = i
		case cl == bl && c.Confidence > b.Confidence:
			best = i
		case cl == bl && c.Confidence == b.Confidence && c.LocationIndex < b.LocationIndex:
			best = i
		}
	}
	return best
}

func distinctValues(cands []fields.Candidate) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cands {
		if !seen[c.Value] {
			seen[c.Value] = true
			out = append(out, c.Value)
		}
	}
	return out
}

func suggestion(level fields.ConflictLevel) string {
	switch level {
	case fields.ConflictMinor:
		return "Values differ only in formatting; the most complete value was selected automatically."
	case fields.ConflictModerate:
		return "Values are partially similar; review the candidates and confirm the correct value."
	default:
		return "Values disagree substantially; manual validation is required before using this field."
	}
}
