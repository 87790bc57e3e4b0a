// Package normalize cleans raw values from the government source files
// before they enter the store.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	nonDigits = regexp.MustCompile(`[^\d]`)
	anySpace  = regexp.MustCompile(`\s+`)
)

// Code strips everything but digits from a classification or regime
// code ("8471.30.19" -> "84713019"). Idempotent.
func Code(s string) string {
	return nonDigits.ReplaceAllString(strings.TrimSpace(s), "")
}

// Rate parses a source rate value that uses comma as the decimal
// separator ("12,5" -> 12.5). Absent or unparsable values yield 0.
func Rate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0
	}
	return f
}

// Collapse trims the string and squeezes runs of whitespace into a
// single space.
func Collapse(s string) string {
	return anySpace.ReplaceAllString(strings.TrimSpace(s), " ")
}
