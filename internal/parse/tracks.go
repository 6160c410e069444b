package parse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// RawTrack is a Track summary row from the track catalogue page.
type RawTrack struct {
	Slug           string
	Name           string
	DashboardURL   string
	EventsURL      string
	LastUpdatedRaw string
}

// TrackCatalogue parses the top-level table of tracks. Rows are
// selected by CSS, tolerant of extra columns; a row missing a slug or
// name is skipped with no error. Only a missing table is fatal.
func TrackCatalogue(html, sourceURL string) ([]RawTrack, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, liverc.NewEventPageFormatError(sourceURL, "failed to parse track catalogue HTML: "+err.Error())
	}

	rows := doc.Find("table.track-list tbody tr")
	if rows.Length() == 0 {
		return nil, liverc.NewEventPageFormatError(sourceURL, "track catalogue table not found")
	}

	out := make([]RawTrack, 0, rows.Length())

	rows.Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a.track-link")

		href, hasHref := link.Attr("href")
		if !hasHref {
			return
		}

		slug := slugFromURL(href)
		if slug == "" {
			return
		}

		name := strings.TrimSpace(link.Text())
		if name == "" {
			return
		}

		out = append(out, RawTrack{
			Slug: slug,
			Name: name,
			DashboardURL: href,
			EventsURL: strings.TrimSuffix(href, "/") + "/events",
			LastUpdatedRaw: strings.TrimSpace(row.Find("td.last-updated").Text()),
		})
	})

	return out, nil
}

func slugFromURL(href string) string {
	href = strings.TrimPrefix(href, "https://")
	href = strings.TrimPrefix(href, "http://")

	idx := strings.Index(href, ".liverc.com")
	if idx <= 0 {
		return ""
	}

	return href[:idx]
}

// RawEventSummary is an Event row from a track's event index page.
type RawEventSummary struct {
	SourceEventID string
	Name          string
	ScheduledRaw  string
	URL           string
}

// EventList parses the DataTable rows of a track's event index. Header
// rows (rows containing <th> cells) are skipped.
func EventList(html, sourceURL string) ([]RawEventSummary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, liverc.NewEventPageFormatError(sourceURL, "failed to parse event list HTML: "+err.Error())
	}

	rows := doc.Find("table.event-list tbody tr")

	out := make([]RawEventSummary, 0, rows.Length())

	rows.Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return // header row
		}

		link := row.Find("a.event-link")

		href, hasHref := link.Attr("href")
		if !hasHref {
			return
		}

		eventID := queryParam(href, "id")
		if eventID == "" {
			return
		}

		out = append(out, RawEventSummary{
			SourceEventID: eventID,
			Name: strings.TrimSpace(link.Text()),
			ScheduledRaw: strings.TrimSpace(row.Find("span.event-date[data-iso]").AttrOr("data-iso", "")),
			URL: href,
		})
	})

	return out, nil
}

// queryParam extracts a single query-string parameter's value from a URL
// without pulling in net/url's full parsing, since a narrow extraction
// like this is clearer done with plain string scanning.
func queryParam(rawURL, key string) string {
	idx := strings.Index(rawURL, "?")
	if idx < 0 {
		return ""
	}

	query := rawURL[idx+1:]

	for _, pair := range strings.Split(query, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && kv[0] == key {
			return kv[1]
		}
	}

	return ""
}
