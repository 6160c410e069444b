// Package normalize implements the string, time, driver-name and
// session-type canonicalization rules and the optional class-alias table.
// Unicode normalization comes from golang.org/x/text; the remaining
// transforms are hand-written scanning plus a few regular expressions.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const nbsp = ' '

// String applies Unicode NFKC, replaces non-breaking spaces with ordinary
// spaces, collapses runs of whitespace, and trims the result.
func String(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == nbsp {
			return ' '
		}

		return r
	}, s)
	s = collapseWhitespace(s)

	return strings.TrimSpace(s)
}

func collapseWhitespace(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	prevSpace := false

	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
			}

			prevSpace = true

			continue
		}

		prevSpace = false

		b.WriteRune(r)
	}

	return b.String()
}
