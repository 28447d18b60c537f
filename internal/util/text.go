package util

import (
	"strings"
	"unicode"
)

// NormalizeName standardizes an entity name for identity comparison.
// It lower-cases the input, collapses whitespace and strips punctuation,
// so that "Secure-Shell", "secure shell" and "Secure Shell." all map to
// the same key.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeLabel standardizes an entity label or relationship type.
// Labels keep their letters and digits only, upper-cased, so "  uses " and
// "USES" compare equal while "ThreatOrganization" stays distinct from
// "Organization".
func NormalizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	for _, r := range strings.ToUpper(strings.TrimSpace(label)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CollapseWhitespace rewrites all runs of whitespace, including newlines,
// into single spaces and trims the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Acronym returns the lower-cased initialism of a multi-word name, or ""
// when the name has fewer than two words.
func Acronym(name string) string {
	words := strings.Fields(name)
	if len(words) < 2 {
		return ""
	}
	var b strings.Builder
	for _, w := range words {
		r := []rune(w)
		if len(r) == 0 {
			continue
		}
		b.WriteRune(unicode.ToLower(r[0]))
	}
	return b.String()
}

// IsAcronymMatch reports whether one of the two names is the initialism of
// the other, e.g. "SSH" and "Secure Shell Handler".
func IsAcronymMatch(a, b string) bool {
	al, bl := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if al == "" || bl == "" {
		return false
	}
	if ac := Acronym(bl); ac != "" && al == ac {
		return true
	}
	if ac := Acronym(al); ac != "" && bl == ac {
		return true
	}
	return false
}
