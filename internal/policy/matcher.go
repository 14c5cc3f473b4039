package policy

import (
	"regexp"
	"strings"
	"sync"
)

var compiled sync.Map

// MatchPattern reports whether value matches pattern in full. A "*" in the
// pattern matches any run of characters; everything else is literal.
func MatchPattern(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	return patternRegexp(pattern).MatchString(value)
}

func patternRegexp(pattern string) *regexp.Regexp {
	if re, ok := compiled.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	compiled.Store(pattern, re)
	return re
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}
