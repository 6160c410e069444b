package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLBuilder(t *testing.T) {
	b := NewURLBuilder()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dashboard", b.TrackDashboard("thedirt"), "https://thedirt.liverc.com/"},
		{"event index", b.EventIndex("thedirt"), "https://thedirt.liverc.com/events"},
		{"event view", b.EventView("thedirt", "7002"), "https://thedirt.liverc.com/results/?id=7002&p=view_event"},
		{"race result", b.RaceResult("thedirt", "9001"), "https://thedirt.liverc.com/results/?id=9001&p=view_race_result"},
		{"entry list", b.EntryList("thedirt", "7002"), "https://thedirt.liverc.com/entry_list/?event=7002"},
		{"practice list", b.PracticeSessionList("thedirt", "2026-02-21"), "https://thedirt.liverc.com/practice/?d=2026-02-21&p=session_list"},
		{"practice session", b.PracticeSession("thedirt", "5501"), "https://thedirt.liverc.com/practice/?id=5501&p=view_session"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestURLBuilderWithBase(t *testing.T) {
	b := NewURLBuilderWithBase("http://127.0.0.1:8080/")

	assert.Equal(t, "http://127.0.0.1:8080/results/?id=7002&p=view_event", b.EventView("ignored", "7002"))
	assert.Equal(t, "http://127.0.0.1:8080/entry_list/?event=7002", b.EntryList("ignored", "7002"))
}
