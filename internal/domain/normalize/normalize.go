// Package normalize canonicalizes free-text transaction notes so that
// noisy bank descriptors like "PAYMENT 123456 on 15/01/2025 @STORE" and
// "Payment 654321 on 16/02/2025 @store" collapse to the same string.
//
// The same normalization feeds both signature grouping during detection and
// fuzzy name comparison between candidates and declared subscriptions.
package normalize

import (
	"regexp"
	"strings"
)

var (
	// Runs of 6+ digits are almost always reference or invoice numbers.
	refNumberRe = regexp.MustCompile(`\d{6,}`)

	// Date-like tokens such as 15/01/2025, 2025-01-15 or 15.1.25.
	dateTokenRe = regexp.MustCompile(`\d{1,4}[/.\-]\d{1,2}[/.\-]\d{1,4}`)

	// Everything outside lowercase letters, digits and whitespace.
	nonAlnumRe = regexp.MustCompile(`[^a-z0-9\s]`)

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Note canonicalizes a raw transaction note. It is pure and idempotent.
func Note(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = refNumberRe.ReplaceAllString(s, "")
	s = dateTokenRe.ReplaceAllString(s, "")
	s = nonAlnumRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// IsFuzzyNameMatch reports whether two display names refer to the same thing
// after normalization. Internal whitespace is ignored, and one name containing
// the other counts as a match ("Apple TV" vs "apple tv subscription").
// Names that normalize to the empty string never match anything.
func IsFuzzyNameMatch(a, b string) bool {
	na := strings.ReplaceAll(Note(a), " ", "")
	nb := strings.ReplaceAll(Note(b), " ", "")
	if na == "" || nb == "" {
		return false
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}
