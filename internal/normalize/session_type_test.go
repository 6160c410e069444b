package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

func TestSessionType(t *testing.T) {
	tests := []struct {
		label string
		url   string
		want  liverc.SessionType
	}{
		{"Open Practice", "", liverc.SessionPractice},
		{"Pro Buggy A-Main", "https://x.liverc.com/practice/?p=view_session&id=1", liverc.SessionPractice},
		{"Q1 Pro Buggy", "", liverc.SessionQualifying},
		{"Pro Buggy Qualifying Round 2", "", liverc.SessionQualifying},
		{"Pro Buggy A-Main", "", liverc.SessionMain},
		{"Heat 3 Stock Truck", "", liverc.SessionHeat},
		{"Round 4 Stock Truck", "", liverc.SessionRace},
		// "quick" must not trip the whole-word qualifier match.
		{"Quick Truck Shootout", "", liverc.SessionRace},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionType(tt.label, tt.url))
		})
	}
}

func TestInferVehicleType(t *testing.T) {
	assert.True(t, InferVehicleType("1/8 Nitro Buggy", ""))
	assert.True(t, InferVehicleType("Pro Buggy", "nitro 4wd"))
	assert.False(t, InferVehicleType("Pro Buggy Electric", ""))
	// Substring without a word boundary does not count for the class name.
	assert.False(t, InferVehicleType("Nitrous Oxide Specials", ""))
}

func TestString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace runs", "  Pro   Buggy \t ", "Pro Buggy"},
		{"replaces non-breaking space", "Pro\u00a0Buggy", "Pro Buggy"},
		{"applies NFKC", "Ｈeat 1", "Heat 1"}, // fullwidth H
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.in))
		})
	}
}
