// Package normalize sanitizes free-text fields before they are stored.
//
// Firehose records are attacker-controlled; Unicode bidirectional override
// and isolate control points (U+202A..U+202E, U+2066..U+2069) can reorder
// rendered text in any downstream UI, so every stored string has them
// stripped.
package normalize

import "strings"

func isBidiControl(r rune) bool {
	return (r >= '\u202a' && r <= '\u202e') || (r >= '\u2066' && r <= '\u2069')
}

// String returns s with all bidi override/isolate controls removed.
func String(s string) string {
	if !strings.ContainsFunc(s, isBidiControl) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isBidiControl(r) {
			return -1
		}
		return r
	}, s)
}

// StringPtr normalizes through an optional string, preserving nil.
func StringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	out := String(*s)
	return &out
}

// Strings normalizes every element of a slice in place and returns it.
func Strings(ss []string) []string {
	for i, s := range ss {
		ss[i] = String(s)
	}
	return ss
}
