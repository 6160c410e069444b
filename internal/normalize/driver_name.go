package normalize

import (
	"regexp"
	"sort"
	"strings"
)

// noiseTokens are trailing words stripped from a driver/team name before
// fuzzy matching.
var noiseTokens = map[string]bool{
	"rc": true, "raceway": true, "club": true, "inc": true, "team": true,
}

var nonWordNonSpace = regexp.MustCompile(`[^\w\s]`)

// DriverName implements the 7-step driver-name canonicalization used for
// fuzzy user<->driver matching: lowercase and collapse whitespace,
// replace "&" with "and", strip non-word characters, drop trailing noise
// tokens, split concatenated-duplicate tokens, de-duplicate, and sort
// multi-token names alphabetically.
//
// DriverName is idempotent: DriverName(DriverName(x)) == DriverName(x).
func DriverName(raw string) string {
	// 1. Lowercase; collapse whitespace.
	s := strings.ToLower(String(raw))

	// 2. Replace "&" with "and".
	s = strings.ReplaceAll(s, "&", "and")

	// 3. Strip non-word/non-space characters.
	s = nonWordNonSpace.ReplaceAllString(s, "")
	s = collapseWhitespace(s)
	s = strings.TrimSpace(s)

	tokens := strings.Fields(s)

	// 4. Remove a trailing run of noise tokens.
	for len(tokens) > 0 && noiseTokens[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}

	// 5. Split concatenated-duplicate tokens (even length, halves equal, len>=4).
	split := make([]string, 0, len(tokens))

	for _, t := range tokens {
		if half, ok := splitDuplicate(t); ok {
			split = append(split, half, half)
		} else {
			split = append(split, t)
		}
	}

	// 6. De-duplicate, preserving first occurrence.
	seen := make(map[string]bool, len(split))
	deduped := make([]string, 0, len(split))

	for _, t := range split {
		if seen[t] {
			continue
		}

		seen[t] = true

		deduped = append(deduped, t)
	}

	// 7. If more than one token remains, sort alphabetically.
	if len(deduped) > 1 {
		sort.Strings(deduped)
	}

	out := strings.Join(deduped, " ")

	// Sorting can move a noise token to the end and splitting can expose a
	// new duplicate, so repeat until the result stops changing.
	if out != s {
		return DriverName(out)
	}

	return out
}

// splitDuplicate reports whether token is of the form "xx...xx" - an even
// length string whose first half equals its second half, length >= 4 (e.g.
// "jaysonjayson" -> "jayson", true) - and if so returns the repeated half.
func splitDuplicate(token string) (string, bool) {
	n := len(token)
	if n < 4 || n%2 != 0 {
		return "", false
	}

	half := n / 2
	if token[:half] == token[half:] {
		return token[:half], true
	}

	return "", false
}

// SimpleDriverName applies the cheaper normalization used for entry-list
// -> result exact-name matching: a plain strip and uppercase, distinct
// from the full DriverName canonicalization reserved for user<->driver
// fuzzy matching.
func SimpleDriverName(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
