package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDetail(t *testing.T) {
	html := loadFixture(t, "event_detail.html")
	requestURL := "https://thedirt.liverc.com/results/?p=view_event&id=7002"

	detail, err := EventDetail(html, requestURL)
	require.NoError(t, err)

	assert.Equal(t, "7002", detail.SourceEventID)
	assert.Equal(t, "Spring Nationals 2026", detail.Name)
	assert.Equal(t, "2026-03-01 09:00:00", detail.DateRaw)
	assert.Equal(t, 42, detail.DeclaredEntries)
	assert.Equal(t, 37, detail.DeclaredDrivers)

	require.Len(t, detail.Races, 3)

	first := detail.Races[0]
	assert.Equal(t, "9001", first.SourceRaceID)
	assert.Equal(t, "Race 1: Pro Buggy (Heat 1)", first.FullLabel)
	assert.Equal(t, "Pro Buggy", first.ClassName)
	assert.Equal(t, "Heat 1", first.Label)
	require.NotNil(t, first.RaceOrder)
	assert.Equal(t, 1, *first.RaceOrder)

	// No parentheses: label equals class.
	last := detail.Races[2]
	assert.Equal(t, "Pro Buggy", last.ClassName)
	assert.Equal(t, "Pro Buggy", last.Label)
	require.NotNil(t, last.RaceOrder)
	assert.Equal(t, 3, *last.RaceOrder)
}

func TestEventDetailErrors(t *testing.T) {
	html := loadFixture(t, "event_detail.html")

	t.Run("missing event id in request URL", func(t *testing.T) {
		_, err := EventDetail(html, "https://thedirt.liverc.com/results/?p=view_event")
		assert.Error(t, err)
	})

	t.Run("missing event header", func(t *testing.T) {
		_, err := EventDetail("<html><body></body></html>", "https://x.liverc.com/results/?id=1")
		assert.Error(t, err)
	})

	t.Run("missing race list", func(t *testing.T) {
		page := `<html><body><div class="event-header"><h1 class="event-name">X</h1></div></body></html>`
		_, err := EventDetail(page, "https://x.liverc.com/results/?id=1")
		assert.Error(t, err)
	})
}

func TestDecomposeRaceLabel(t *testing.T) {
	tests := []struct {
		full      string
		wantClass string
		wantLabel string
	}{
		{"Race 4: 1/8 Nitro Buggy (A-Main)", "1/8 Nitro Buggy", "A-Main"},
		{"Race 2: Stock Truck", "Stock Truck", "Stock Truck"},
		{"Stock Truck (B-Main)", "Stock Truck", "B-Main"},
		{"Just A Label", "Just A Label", "Just A Label"},
	}

	for _, tt := range tests {
		t.Run(tt.full, func(t *testing.T) {
			class, label := decomposeRaceLabel(tt.full)
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantLabel, label)
		})
	}
}

func TestRaceOrderFromLabel(t *testing.T) {
	order := raceOrderFromLabel("Race 17: Pro Buggy (A-Main)")
	require.NotNil(t, order)
	assert.Equal(t, 17, *order)

	assert.Nil(t, raceOrderFromLabel("Pro Buggy (A-Main)"))
}
