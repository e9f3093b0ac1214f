// Package contacts validates and normalizes emergency contact numbers.
package contacts

import (
	"regexp"
	"strings"
)

var (
	localPattern     = regexp.MustCompile(`^(09\d{9}|\+639\d{9})$`)
	canonicalPattern = regexp.MustCompile(`^639\d{9}$`)
)

// Valid reports whether raw is an accepted local mobile number (09XXXXXXXXX or +639XXXXXXXXX)
func Valid(raw string) bool {
	return localPattern.MatchString(strings.TrimSpace(raw))
}

// Normalize converts an accepted number into the canonical 639XXXXXXXXX form.
// Numbers already in canonical form are returned unchanged.
func Normalize(raw string) (string, bool) {
	num := strings.TrimSpace(raw)
	switch {
	case localPattern.MatchString(num) && strings.HasPrefix(num, "+"):
		return num[1:], true
	case localPattern.MatchString(num):
		return "63" + num[1:], true
	case canonicalPattern.MatchString(num):
		return num, true
	default:
		return "", false
	}
}

// Clean splits a comma-separated list, drops entries that are not accepted
// local numbers and returns the rest in canonical form.
func Clean(raw string) []string {
	var numbers []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if !Valid(part) {
			continue
		}
		if num, ok := Normalize(part); ok {
			numbers = append(numbers, num)
		}
	}
	return numbers
}

// NormalizeAll normalizes every entry, dropping the ones that do not parse.
// Unlike Clean it also accepts numbers already in canonical form.
func NormalizeAll(numbers []string) []string {
	var out []string
	for _, n := range numbers {
		if num, ok := Normalize(n); ok {
			out = append(out, num)
		}
	}
	return out
}
