package strategy

import (
	"regexp"
	"strings"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

// Placeholders stand in for variable sub-strings inside mined prefix and suffix noise
const (
	PlaceholderDate = "{DATE}"
	PlaceholderName = "{NAME}"
	PlaceholderNum  = "{NUM}"
)

const (
	datePart = `\d{1,4}[/\-.]\d{1,2}[/\-.]\d{1,4}`
	namePart = `[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+`
	numPart  = `\d+`
)

var (
	dateRe     = regexp.MustCompile(datePart)
	nameRe     = regexp.MustCompile(namePart)
	numRe      = regexp.MustCompile(numPart)
	spaceRe    = regexp.MustCompile(`\s+`)
	parenRe    = regexp.MustCompile(`\s*\([^)]*\)`)
	bracketRe  = regexp.MustCompile(`\s*\[[^\]]*\]`)
	quoteChars = "\"'`“”‘’"
)

// Generalize replaces embedded dates, multi-word capitalised names and numbers with placeholders
func Generalize(s string) string {
	s = dateRe.ReplaceAllString(s, PlaceholderDate)
	s = nameRe.ReplaceAllString(s, PlaceholderName)
	s = numRe.ReplaceAllString(s, PlaceholderNum)
	return s
}

// noiseExpr turns a generalized noise string back into a regular expression body
func noiseExpr(noise string) string {
	var b strings.Builder
	for len(noise) > 0 {
		switch {
		case strings.HasPrefix(noise, PlaceholderDate):
			b.WriteString(datePart)
			noise = noise[len(PlaceholderDate):]
		case strings.HasPrefix(noise, PlaceholderName):
			b.WriteString(namePart)
			noise = noise[len(PlaceholderName):]
		case strings.HasPrefix(noise, PlaceholderNum):
			b.WriteString(numPart)
			noise = noise[len(PlaceholderNum):]
		default:
			next := strings.IndexByte(noise[1:], '{')
			chunk := noise
			if next >= 0 {
				chunk = noise[:next+1]
			}
			b.WriteString(regexp.QuoteMeta(chunk))
			noise = noise[len(chunk):]
		}
	}
	return strings.ReplaceAll(b.String(), " ", `\s*`)
}

// Clean applies whitespace normalisation and, when given, a mined noise profile
func Clean(value string, profile *fields.NoiseProfile) string {
	value = strings.TrimSpace(spaceRe.ReplaceAllString(value, " "))
	if profile == nil || value == "" {
		return value
	}
	for _, p := range profile.Prefixes {
		re, err := regexp.Compile(`^\s*` + noiseExpr(strings.TrimSpace(p)) + `\s*`)
		if err != nil {
			continue
		}
		if loc := re.FindStringIndex(value); loc != nil && loc[1] < len(value) {
			value = value[loc[1]:]
		}
	}
	for _, s := range profile.Suffixes {
		re, err := regexp.Compile(`\s*` + noiseExpr(strings.TrimSpace(s)) + `\s*$`)
		if err != nil {
			continue
		}
		if loc := re.FindStringIndex(value); loc != nil && loc[0] > 0 {
			value = value[:loc[0]]
		}
	}
	if profile.StripParentheses {
		value = parenRe.ReplaceAllString(value, "")
	}
	if profile.StripBrackets {
		value = bracketRe.ReplaceAllString(value, "")
	}
	if profile.StripQuotes {
		value = strings.Trim(value, quoteChars)
	}
	value = strings.TrimSpace(value)
	if profile.StripTrailingComma {
		value = strings.TrimRight(value, ",")
	}
	if profile.StripTrailingPeriod {
		value = strings.TrimRight(value, ".")
	}
	return strings.TrimSpace(value)
}
