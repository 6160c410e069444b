package parse

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// RawPracticeDayLink is one calendar-day link found on a track's practice
// month view.
type RawPracticeDayLink struct {
	DateRaw string
	URL     string
}

// PracticeMonthView parses a track's monthly practice calendar, collecting
// every distinct day link. Callers are expected to dedupe/filter the
// result to the specific date(s) they want.
func PracticeMonthView(html, sourceURL string) ([]RawPracticeDayLink, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, liverc.NewEventPageFormatError(sourceURL, "failed to parse practice month view HTML: "+err.Error())
	}

	seen := map[string]bool{}

	var out []RawPracticeDayLink

	doc.Find("a.practice-day-link").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || seen[href] {
			return
		}

		seen[href] = true

		out = append(out, RawPracticeDayLink{
			DateRaw: strings.TrimSpace(a.AttrOr("data-date", a.Text())),
			URL: href,
		})
	})

	return out, nil
}

// PracticeDaysInMonth narrows a month view's day links to the requested
// (year, month): links are deduplicated by href, filtered on the d=
// query parameter's YYYY-MM prefix, and returned in ascending date
// order. The calendar page pads its grid with the neighboring months'
// trailing and leading days, which this filter drops.
func PracticeDaysInMonth(html, sourceURL string, year int, month time.Month) ([]RawPracticeDayLink, error) {
	links, err := PracticeMonthView(html, sourceURL)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%04d-%02d", year, month)

	out := make([]RawPracticeDayLink, 0, len(links))

	for _, l := range links {
		date := queryParam(l.URL, "d")
		if date == "" {
			date = l.DateRaw
		}

		if !strings.HasPrefix(date, prefix) {
			continue
		}

		l.DateRaw = date
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DateRaw < out[j].DateRaw })

	return out, nil
}

// RawPracticeSession is one practice session row from a day overview page.
type RawPracticeSession struct {
	SourceSessionID string
	Label           string
	DriverName      string
	ClassName       string
	Transponder     *string
	StartRaw        string
	LapCount        int
	DurationRaw     string
	FastestRaw      string
	AverageRaw      string
	TimeRaw         string
	URL             string
}

// PracticeDayOverview parses a single day's list of practice sessions.
func PracticeDayOverview(html, sourceURL string) ([]RawPracticeSession, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, liverc.NewEventPageFormatError(sourceURL, "failed to parse practice day overview HTML: "+err.Error())
	}

	rows := doc.Find("table.practice-session-list tr.session-row")

	out := make([]RawPracticeSession, 0, rows.Length())

	rows.Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a.session-link")

		href, hasHref := link.Attr("href")
		if !hasHref {
			return
		}

		sessionID := queryParam(href, "id")
		if sessionID == "" {
			return
		}

		session := RawPracticeSession{
			SourceSessionID: sessionID,
			Label: strings.TrimSpace(link.Text()),
			DriverName: strings.TrimSpace(row.Find("td.driver-name").Text()),
			StartRaw: strings.TrimSpace(row.Find("div.session-start-hidden").Text()),
			DurationRaw: strings.TrimSpace(row.Find("td.session-duration").Text()),
			FastestRaw: strings.TrimSpace(row.Find("td.fastest-lap").Text()),
			AverageRaw: strings.TrimSpace(row.Find("td.average-lap").Text()),
			TimeRaw: strings.TrimSpace(row.Find("td.session-time").Text()),
			URL: href,
		}

		session.ClassName, session.Transponder = splitClassCell(row.Find("td.session-class").Text())

		if n, err := strconv.Atoi(strings.TrimSpace(row.Find("td.lap-count").Text())); err == nil {
			session.LapCount = n
		}

		out = append(out, session)
	})

	return out, nil
}

// splitClassCell splits a day-overview class cell of the form
// "Pro Buggy (8812345)" into the class name and the optional
// parenthesized transponder.
func splitClassCell(raw string) (className string, transponder *string) {
	raw = strings.TrimSpace(raw)

	open := strings.LastIndex(raw, "(")
	closeIdx := strings.LastIndex(raw, ")")

	if open < 0 || closeIdx <= open {
		return raw, nil
	}

	className = strings.TrimSpace(raw[:open])

	if t := strings.TrimSpace(raw[open+1 : closeIdx]); t != "" {
		transponder = &t
	}

	return className, transponder
}

// SessionInfoRow is one labeled field from a practice session detail
// page's info table.
type SessionInfoRow struct {
	DriverName  string
	ClassName   string
	Transponder string
	StartRaw    string
}

// PracticeSessionInfo extracts the session detail page's labeled header
// fields. Rows are located by header-text substring rather than by
// positional index, so a reordered or extended info table still parses.
func PracticeSessionInfo(html, sourceURL string) (SessionInfoRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return SessionInfoRow{}, liverc.NewEventPageFormatError(sourceURL, "failed to parse practice session HTML: "+err.Error())
	}

	var info SessionInfoRow

	doc.Find("table.session-info tr").Each(func(_ int, row *goquery.Selection) {
		header := strings.ToLower(strings.TrimSpace(row.Find("th").Text()))
		value := strings.TrimSpace(row.Find("td").Text())

		switch {
		case strings.Contains(header, "driver"):
			info.DriverName = value
		case strings.Contains(header, "transponder"):
			info.Transponder = value
		case strings.Contains(header, "class"):
			info.ClassName = value
		case strings.Contains(header, "start"):
			info.StartRaw = value
		}
	})

	return info, nil
}

// PracticeSessionDetail parses a single practice session's driver/lap data.
// Practice pages carry their own lapsObj = [ ... ] array in addition to (or
// instead of) a racerLaps[<id>] assignment; a transponder's laps are read
// from lapsObj first and fall back to racerLaps[<transponder>] when lapsObj
// is absent, since practice sessions key laps by transponder rather than by
// the source's driver id.
func PracticeSessionDetail(html, sourceURL, transponder string) ([]RawLap, error) {
	if laps, ok := parseLapsObjArray(html, transponder); ok {
		return laps, nil
	}

	laps, err := ParseDriverLaps(html, sourceURL, transponder)
	if err != nil {
		return nil, liverc.NewLapTableMissingError(transponder, sourceURL,
			"no lapsObj entry and no racerLaps fallback for transponder "+transponder)
	}

	return laps, nil
}

// ParseAllPracticeLaps extracts every transponder's laps from a practice
// session page: from the page-level lapsObj array when present, else
// from race-style racerLaps[<transponder>] assignments.
func ParseAllPracticeLaps(html, sourceURL string) (map[string][]RawLap, error) {
	if byTransponder, ok := parseAllLapsObjEntries(html); ok {
		return byTransponder, nil
	}

	return ParseAllDriverLaps(html, sourceURL)
}

// parseAllLapsObjEntries decodes every entry of a page's lapsObj array,
// keyed by transponder. ok is false when the page has no usable lapsObj
// at all, signaling the racerLaps fallback.
func parseAllLapsObjEntries(html string) (map[string][]RawLap, bool) {
	idx := strings.Index(html, lapsObjAssignment)
	if idx < 0 {
		return nil, false
	}

	openBracket := strings.IndexByte(html[idx:], '[')
	if openBracket < 0 {
		return nil, false
	}

	openBracket += idx

	end, ok := sliceBalancedArray(html, openBracket)
	if !ok {
		return nil, false
	}

	entries, ok := splitTopLevelObjects(html[openBracket+1 : end-1])
	if !ok {
		return nil, false
	}

	out := make(map[string][]RawLap, len(entries))

	for _, entry := range entries {
		transponder := transponderOf(entry)
		if transponder == "" {
			continue
		}

		block, err := parseJSBlock(entry)
		if err != nil {
			continue
		}

		out[transponder] = block.laps()
	}

	return out, len(out) > 0
}

// lapsObjAssignment locates the start of a page's "lapsObj = [" literal.
var lapsObjAssignment = `lapsObj`

// parseLapsObjArray scans for a `lapsObj = [ ... ]` array whose entries are
// per-transponder blocks, and returns the entry matching transponder, if
// any. The array uses the same brace/bracket-balanced slicing as the
// racerLaps object parser, since it is JS-literal data in the same style.
func parseLapsObjArray(html, transponder string) ([]RawLap, bool) {
	idx := strings.Index(html, lapsObjAssignment)
	if idx < 0 {
		return nil, false
	}

	openBracket := strings.IndexByte(html[idx:], '[')
	if openBracket < 0 {
		return nil, false
	}

	openBracket += idx

	end, ok := sliceBalancedArray(html, openBracket)
	if !ok {
		return nil, false
	}

	entries, ok := splitTopLevelObjects(html[openBracket+1 : end-1])
	if !ok {
		return nil, false
	}

	for _, entry := range entries {
		if transponderOf(entry) != transponder {
			continue
		}

		block, err := parseJSBlock(entry)
		if err != nil {
			continue
		}

		return block.laps(), true
	}

	return nil, false
}

// sliceBalancedArray mirrors sliceBalancedObject but for a top-level `[`,
// tracking both bracket and brace depth so nested objects don't
// prematurely close the array.
func sliceBalancedArray(html string, openBracketPos int) (end int, ok bool) {
	braceCount := 0
	bracketCount := 0

	var quote byte

	for pos := openBracketPos; pos < len(html); pos++ {
		c := html[pos]

		if quote != 0 {
			if c == quote {
				quote = 0
			}

			continue
		}

		switch c {
		case '\'', '"':
			quote = c
		case '[':
			bracketCount++
		case ']':
			bracketCount--
			if bracketCount == 0 && braceCount == 0 {
				return pos + 1, true
			}
		case '{':
			braceCount++
		case '}':
			braceCount--
		}
	}

	return 0, false
}

// splitTopLevelObjects splits the interior of a `[ {...}, {...} ]` array
// literal into its top-level `{...}` object substrings, depth-tracking so
// commas inside nested arrays/objects don't split early.
func splitTopLevelObjects(inner string) ([]string, bool) {
	var out []string

	depth := 0
	start := -1

	var quote byte

	for i := 0; i < len(inner); i++ {
		c := inner[i]

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
			if depth == 0 {
				start = i
			}

			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, inner[start:i+1])
				start = -1
			}
		}
	}

	return out, depth == 0
}

// transponderOf extracts the "transponder" field's raw value from a single
// lapsObj entry block without fully decoding it, used to match the
// requested transponder (or to key each entry) before paying for a full
// parseJSBlock decode.
func transponderOf(entry string) string {
	const key = "transponder"

	idx := strings.Index(entry, key)
	if idx < 0 {
		return ""
	}

	rest := entry[idx+len(key):]

	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return ""
	}

	rest = strings.TrimSpace(rest[colon+1:])
	rest = strings.TrimPrefix(rest, "'")
	rest = strings.TrimPrefix(rest, `"`)

	end := strings.IndexAny(rest, "'\",}")
	if end < 0 {
		return ""
	}

	return rest[:end]
}
