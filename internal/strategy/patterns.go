package strategy

import (
	"regexp"
	"strings"
	"sync"
)

// CatchAllPattern accepts any non-empty text
const CatchAllPattern = `(.+)`

var defaultPatterns = []struct {
	keywords []string
	pattern  string
}{
	{[]string{"date", "dob", "birth"}, `(\d{1,4}[/\-.]\d{1,2}[/\-.]\d{1,4}|[A-Z][a-z]+\.? \d{1,2},? \d{4}|\d{1,2} [A-Z][a-z]+\.? \d{4})`},
	{[]string{"email", "mail"}, `([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`},
	{[]string{"phone", "tel", "fax", "mobile"}, `(\+?\(?\d[\d\s().\-]{6,}\d)`},
	{[]string{"amount", "total", "price", "cost", "fee", "balance"}, `([$€£]?\s?-?\d[\d,]*(?:\.\d{1,2})?)`},
	{[]string{"zip", "postal", "postcode"}, `(\d{5}(?:-\d{4})?|[A-Z]\d[A-Z] ?\d[A-Z]\d)`},
}

// DefaultPattern picks a base pattern from the field name; unknown names get CatchAllPattern.
// It never fails, so a field without validation rules still has a pattern.
func DefaultPattern(fieldName string) string {
	name := strings.ToLower(fieldName)
	for _, d := range defaultPatterns {
		for _, k := range d.keywords {
			if strings.Contains(name, k) {
				return d.pattern
			}
		}
	}
	return CatchAllPattern
}

// regexCache compiles each pattern once; failures are remembered as nil
type regexCache struct {
	mu sync.RWMutex
	re map[string]*regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{re: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, bool) {
	c.mu.RLock()
	re, ok := c.re[pattern]
	c.mu.RUnlock()
	if ok {
		return re, re != nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	c.mu.Lock()
	c.re[pattern] = re
	c.mu.Unlock()
	return re, re != nil
}

// match applies re to text and returns the first capturing group, or the whole match
func match(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if strings.TrimSpace(g) != "" {
			return strings.TrimSpace(g), true
		}
	}
	return strings.TrimSpace(m[0]), strings.TrimSpace(m[0]) != ""
}
