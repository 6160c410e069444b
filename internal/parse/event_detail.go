package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// RawEventDetail is an event page's metadata header plus its race
// list.
type RawEventDetail struct {
	SourceEventID   string
	Name            string
	DateRaw         string
	DeclaredEntries int
	DeclaredDrivers int
	Races           []RawRaceSummary
}

// RawRaceSummary is one race row from an event's race list.
type RawRaceSummary struct {
	SourceRaceID string
	FullLabel    string
	ClassName    string
	Label        string
	RaceOrder    *int
	TimeRaw      string
	URL          string
}

// EventDetail parses an event page's metadata header and grouped race
// list. The event id is pulled from the page's own request
// URL query string (requestURL), not from page content, since the page
// itself need not echo it back.
func EventDetail(html, requestURL string) (RawEventDetail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return RawEventDetail{}, liverc.NewEventPageFormatError(requestURL, "failed to parse event page HTML: "+err.Error())
	}

	eventID := queryParam(requestURL, "id")
	if eventID == "" {
		return RawEventDetail{}, liverc.NewEventPageFormatError(requestURL, "event id missing from request URL")
	}

	header := doc.Find("div.event-header")
	if header.Length() == 0 {
		return RawEventDetail{}, liverc.NewEventPageFormatError(requestURL, "event header not found")
	}

	name := strings.TrimSpace(header.Find("h1.event-name").Text())
	if name == "" {
		return RawEventDetail{}, liverc.NewEventPageFormatError(requestURL, "event name missing")
	}

	detail := RawEventDetail{
		SourceEventID: eventID,
		Name: name,
		DateRaw: strings.TrimSpace(header.Find("span.event-date").Text()),
		DeclaredEntries: intFromText(doc.Find("td.declared-entries").Text()),
		DeclaredDrivers: intFromText(doc.Find("td.declared-drivers").Text()),
	}

	races, err := parseRaceRows(doc, requestURL)
	if err != nil {
		return RawEventDetail{}, err
	}

	detail.Races = races

	return detail, nil
}

func parseRaceRows(doc *goquery.Document, requestURL string) ([]RawRaceSummary, error) {
	rows := doc.Find("table.race-list tr.race-row")
	if rows.Length() == 0 {
		return nil, liverc.NewEventPageFormatError(requestURL, "race list table not found or empty")
	}

	out := make([]RawRaceSummary, 0, rows.Length())

	rows.Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a.race-link")

		href, hasHref := link.Attr("href")
		if !hasHref {
			return
		}

		raceID := queryParam(href, "id")
		if raceID == "" {
			return
		}

		fullLabel := strings.TrimSpace(link.Text())
		className, label := decomposeRaceLabel(fullLabel)

		out = append(out, RawRaceSummary{
			SourceRaceID: raceID,
			FullLabel: fullLabel,
			ClassName: className,
			Label: label,
			RaceOrder: raceOrderFromLabel(fullLabel),
			TimeRaw: strings.TrimSpace(row.Find("td.race-time").Text()),
			URL: href,
		})
	})

	return out, nil
}

var raceOrderPrefix = regexp.MustCompile(`^Race\s+(\d+)\s*:`)

// raceOrderFromLabel extracts n from a full label of the form
// "Race <n>: <class> (<label>)". A label without the
// "Race <n>:" prefix has no declared order.
func raceOrderFromLabel(full string) *int {
	m := raceOrderPrefix.FindStringSubmatch(full)
	if m == nil {
		return nil
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	return &n
}

// decomposeRaceLabel splits a full label of the form
// "Race <n>: <class> (<label>)" into (class, label). When parentheses are
// absent, label equals class.
func decomposeRaceLabel(full string) (className, label string) {
	rest := full

	if idx := strings.Index(rest, ":"); idx >= 0 {
		rest = strings.TrimSpace(rest[idx+1:])
	}

	open := strings.LastIndex(rest, "(")
	closeIdx := strings.LastIndex(rest, ")")

	if open >= 0 && closeIdx > open {
		className = strings.TrimSpace(rest[:open])
		label = strings.TrimSpace(rest[open+1 : closeIdx])

		return className, label
	}

	className = strings.TrimSpace(rest)

	return className, className
}

func intFromText(s string) int {
	s = strings.TrimSpace(s)

	n := 0
	any := false

	for _, r := range s {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
			any = true
		} else if any {
			break
		}
	}

	return n
}
