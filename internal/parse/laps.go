// Package parse implements the family of HTML/JS parsers that turn
// semi-structured LiveRC result pages into the canonical record model:
// tracks, events, races, results, laps, entry lists, and practice
// sessions. Table/row extraction uses goquery (the standard Go
// CSS-selector library). The embedded-JS lap extractor is the exception:
// it slices its object out of the page with a hand-rolled brace/bracket
// tokenizer rather than a selector or regex engine.
package parse

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// RawLap is a single lap entry as extracted from an embedded racerLaps
// object. LapTimeRaw and PaceString keep the original JS-object string
// values; the lap number, position, lap time and elapsed time are already
// parsed into numbers.
type RawLap struct {
	LapNumber       int
	PositionOnLap   int
	LapTimeRaw      string
	LapTimeSeconds  float64
	PaceString      *string
	ElapsedRaceTime float64
	Segments        []string
}

var racerLapsAssignment = regexp.MustCompile(`racerLaps\[(\w+)\]\s*=\s*(\{)`)

// racerLapsFor finds the start of a specific driver's "racerLaps[ID] = {"
// assignment, escaping id the way the source connector does when building
// its search pattern against a potentially numeric-or-string driver id.
func racerLapsFor(id string) *regexp.Regexp {
	return regexp.MustCompile(`racerLaps\[` + regexp.QuoteMeta(id) + `\]\s*=\s*(\{)`)
}

// sliceBalancedObject returns the substring of html starting at the
// opening brace at openBracePos (inclusive) through its matching closing
// brace, tracking both `{}` and `[]` nesting depth simultaneously so that
// an array embedded in the object does not prematurely close it, and
// skipping string literals so bracket characters inside values cannot
// unbalance the count.
func sliceBalancedObject(html string, openBracePos int) (end int, ok bool) {
	braceCount := 0
	bracketCount := 0

	var quote byte

	for pos := openBracePos; pos < len(html); pos++ {
		c := html[pos]

		// Inside a string literal, brackets are just characters.
		if quote != 0 {
			if c == quote {
				quote = 0
			}

			continue
		}

		switch c {
		case '\'', '"':
			quote = c
		case '{':
			braceCount++
		case '}':
			braceCount--
			if braceCount == 0 && bracketCount == 0 {
				return pos + 1, true
			}
		case '[':
			bracketCount++
		case ']':
			bracketCount--
		}
	}

	return 0, false
}

// jsDriverBlock is the loosely-typed shape of a parsed racerLaps[id] value.
type jsDriverBlock struct {
	DriverName string       `json:"driverName"`
	Laps       []jsLapEntry `json:"laps"`
}

type jsLapEntry struct {
	LapNum   any `json:"lapNum"`
	Pos      any `json:"pos"`
	Time     any `json:"time"`
	Pace     any `json:"pace"`
	Segments any `json:"segments"`
}

// parseJSBlock converts a brace-sliced JS object literal (single-quoted,
// JS-ish) into a jsDriverBlock: swap quotes and try encoding/json first,
// and on failure fall back to a small tolerant scanner that re-quotes
// single-quoted JS string literals without assuming well-formed JSON.
func parseJSBlock(block string) (jsDriverBlock, error) {
	var out jsDriverBlock

	swapped := strings.ReplaceAll(block, "'", `"`)
	if err := json.Unmarshal([]byte(swapped), &out); err == nil {
		return out, nil
	}

	repaired, err := repairJSLiteral(block)
	if err != nil {
		return out, err
	}

	err = json.Unmarshal([]byte(repaired), &out)

	return out, err
}

// repairJSLiteral re-quotes a single-quoted JS object literal into valid
// JSON: it walks the text once, re-emitting single-quoted string literals
// as double-quoted JSON strings, escaping any literal double quote found
// inside them, and keeping a mid-value apostrophe (a driver name like
// O'BRIEN) as a literal character — a quote only closes the string when
// the next non-space byte is a structural one (`,`, `}`, `]`, `:`). This
// is the tolerant fallback path for blocks a naive global quote-swap
// would corrupt.
func repairJSLiteral(block string) (string, error) {
	var b strings.Builder

	inString := false

	for i := 0; i < len(block); i++ {
		c := block[i]

		switch {
		case c == '\'' && !inString:
			inString = true

			b.WriteByte('"')
		case c == '\'' && inString:
			if closesString(block, i+1) {
				inString = false

				b.WriteByte('"')
			} else {
				b.WriteByte('\'')
			}
		case c == '"' && inString:
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}

	if inString {
		return "", errUnterminatedString
	}

	return b.String(), nil
}

// closesString reports whether a single quote at pos-1 ends a string
// literal: the next non-space byte must be a structural character (or the
// end of the block). Anything else means the quote sits mid-value and is
// an apostrophe, not a delimiter.
func closesString(s string, pos int) bool {
	for i := pos; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case ',', '}', ']', ':':
			return true
		default:
			return false
		}
	}

	return true
}

var errUnterminatedString = jsLiteralError("unterminated string literal in JS block")

type jsLiteralError string

func (e jsLiteralError) Error() string { return string(e) }

func anyToInt(v any, def int) int {
	switch t := v.(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}

		return n
	case float64:
		return int(t)
	default:
		return def
	}
}

func anyToFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return def
		}

		return f
	case float64:
		return t
	default:
		return def
	}
}

func anyToStringRaw(v any, def string) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return def
	}
}

func anyToSegments(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{}
	}

	out := make([]string, 0, len(arr))

	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// laps converts a jsDriverBlock's raw lap entries to RawLap: lap 0 is
// dropped, malformed numeric fields fall back to defaults, and
// elapsed_race_time accumulates across laps in order.
func (b jsDriverBlock) laps() []RawLap {
	out := make([]RawLap, 0, len(b.Laps))

	elapsed := 0.0

	for _, e := range b.Laps {
		lapNumber := anyToInt(e.LapNum, 0)
		if lapNumber == 0 {
			continue
		}

		timeRaw := anyToStringRaw(e.Time, "0")
		lapSeconds := anyToFloat(e.Time, 0.0)
		elapsed += lapSeconds

		var pace *string

		if p := anyToStringRaw(e.Pace, ""); p != "" {
			pace = &p
		}

		out = append(out, RawLap{
			LapNumber: lapNumber,
			PositionOnLap: anyToInt(e.Pos, 1),
			LapTimeRaw: timeRaw,
			LapTimeSeconds: lapSeconds,
			PaceString: pace,
			ElapsedRaceTime: elapsed,
			Segments: anyToSegments(e.Segments),
		})
	}

	return out
}

// ParseDriverLaps extracts the lap list for a single driver id from an
// embedded racerLaps[<id>] JS block in html. A driver whose laps array
// is empty yields an empty, non-error result (non-starter).
func ParseDriverLaps(html, url, driverID string) ([]RawLap, error) {
	re := racerLapsFor(driverID)

	loc := re.FindStringSubmatchIndex(html)
	if loc == nil {
		return nil, liverc.NewLapTableMissingError(driverID, "", "driver not found in racerLaps data")
	}

	openBrace := loc[3] - 1 // end of group 1 minus 1 = position of '{'

	end, ok := sliceBalancedObject(html, openBrace)
	if !ok {
		return nil, liverc.NewLapTableMissingError(driverID, "", "no matching closing brace for racerLaps block")
	}

	block, err := parseJSBlock(html[openBrace:end])
	if err != nil {
		return nil, liverc.NewLapTableMissingError(driverID, "", "failed to parse lap data: "+err.Error())
	}

	return block.laps(), nil
}

// ParseAllDriverLaps extracts every driver's laps from all racerLaps[<id>]
// assignments found in html, keyed by source driver id string.
func ParseAllDriverLaps(html, url string) (map[string][]RawLap, error) {
	matches := racerLapsAssignment.FindAllStringSubmatchIndex(html, -1)

	out := make(map[string][]RawLap, len(matches))

	for _, loc := range matches {
		driverID := html[loc[2]:loc[3]]
		openBrace := loc[5] - 1

		end, ok := sliceBalancedObject(html, openBrace)
		if !ok {
			continue
		}

		block, err := parseJSBlock(html[openBrace:end])
		if err != nil {
			continue
		}

		out[driverID] = block.laps()
	}

	if len(out) == 0 {
		return nil, liverc.NewRacePageFormatError(url, "no driver lap data found in racerLaps")
	}

	return out, nil
}
