package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackCatalogue(t *testing.T) {
	html := loadFixture(t, "track_catalogue.html")

	tracks, err := TrackCatalogue(html, "https://www.liverc.com/")
	require.NoError(t, err)
	require.Len(t, tracks, 2, "link-less row is skipped")

	assert.Equal(t, "thedirt", tracks[0].Slug)
	assert.Equal(t, "The Dirt RC", tracks[0].Name)
	assert.Equal(t, "https://thedirt.liverc.com/", tracks[0].DashboardURL)
	assert.Equal(t, "https://thedirt.liverc.com/events", tracks[0].EventsURL)
	assert.Equal(t, "2026-02-27", tracks[0].LastUpdatedRaw)

	assert.Equal(t, "socal", tracks[1].Slug)
}

func TestTrackCatalogueMissingTable(t *testing.T) {
	_, err := TrackCatalogue("<html><body></body></html>", "https://www.liverc.com/")
	assert.Error(t, err)
}

func TestEventList(t *testing.T) {
	html := loadFixture(t, "event_list.html")

	events, err := EventList(html, "https://thedirt.liverc.com/events")
	require.NoError(t, err)
	require.Len(t, events, 2, "header row is skipped")

	assert.Equal(t, "7001", events[0].SourceEventID)
	assert.Equal(t, "Club Race #12", events[0].Name)
	assert.Equal(t, "2026-02-21T18:00:00Z", events[0].ScheduledRaw)

	assert.Equal(t, "7002", events[1].SourceEventID)
	assert.Equal(t, "Winter Series Finale", events[1].Name)
}

func TestQueryParam(t *testing.T) {
	tests := []struct {
		url  string
		key  string
		want string
	}{
		{"/results/?p=view_event&id=7001", "id", "7001"},
		{"/results/?p=view_event&id=7001", "p", "view_event"},
		{"/results/?p=view_event", "id", ""},
		{"/results/", "id", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, queryParam(tt.url, tt.key), "%s[%s]", tt.url, tt.key)
	}
}
