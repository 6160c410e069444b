package fetch

import (
	"fmt"
	"net/url"
	"strings"
)

// URLBuilder centralizes every source URL this connector derives from a
// track slug and a numeric id, so construction lives in one place and
// can't drift across call sites.
type URLBuilder struct {
	scheme       string
	baseOverride string
}

// NewURLBuilder returns a builder using https, the only scheme the source
// is ever observed to serve.
func NewURLBuilder() *URLBuilder {
	return &URLBuilder{scheme: "https"}
}

// NewURLBuilderWithBase roots every URL at base instead of deriving a
// per-slug liverc.com host. Used by tests serving fixture pages from a
// local server.
func NewURLBuilderWithBase(base string) *URLBuilder {
	return &URLBuilder{baseOverride: strings.TrimSuffix(base, "/")}
}

func (b *URLBuilder) base(slug string) string {
	if b.baseOverride != "" {
		return b.baseOverride
	}

	return fmt.Sprintf("%s://%s.liverc.com", b.scheme, slug)
}

// TrackDashboard is the track's landing page.
func (b *URLBuilder) TrackDashboard(slug string) string {
	return b.base(slug) + "/"
}

// EventIndex lists all events for a track.
func (b *URLBuilder) EventIndex(slug string) string {
	return b.base(slug) + "/events"
}

// EventView is a specific event's metadata and race list.
func (b *URLBuilder) EventView(slug, eventID string) string {
	q := url.Values{"p": {"view_event"}, "id": {eventID}}

	return b.base(slug) + "/results/?" + q.Encode()
}

// RaceResult is a specific race's result table and embedded lap JS.
func (b *URLBuilder) RaceResult(slug, raceID string) string {
	q := url.Values{"p": {"view_race_result"}, "id": {raceID}}

	return b.base(slug) + "/results/?" + q.Encode()
}

// EntryList is an event's declared entry list.
func (b *URLBuilder) EntryList(slug, eventID string) string {
	q := url.Values{"event": {eventID}}

	return b.base(slug) + "/entry_list/?" + q.Encode()
}

// PracticeSessionList is a practice day's session list for date (YYYY-MM-DD).
func (b *URLBuilder) PracticeSessionList(slug, date string) string {
	q := url.Values{"p": {"session_list"}, "d": {date}}

	return b.base(slug) + "/practice/?" + q.Encode()
}

// PracticeSession is a single practice session's detail page.
func (b *URLBuilder) PracticeSession(slug, sessionID string) string {
	q := url.Values{"p": {"view_session"}, "id": {sessionID}}

	return b.base(slug) + "/practice/?" + q.Encode()
}
