package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaceResult(t *testing.T) {
	html := loadFixture(t, "race_result.html")

	results, err := RaceResult(html, "https://thedirt.liverc.com/results/?p=view_race_result&id=9001")
	require.NoError(t, err)
	require.Len(t, results, 3)

	t.Run("row with data-driver-id", func(t *testing.T) {
		r := results[0]
		assert.Equal(t, "346997", r.SourceDriverID)
		assert.Equal(t, "Felix Koegler", r.DisplayName)
		assert.Equal(t, 1, r.PositionFinal)
		require.NotNil(t, r.QualifyingPos)
		assert.Equal(t, 2, *r.QualifyingPos)
		assert.Equal(t, 12, r.LapsCompleted)
		assert.Equal(t, "12/5:02.334", r.TotalTimeRaw)
		assert.Equal(t, "23.951", r.FastLapRaw)
		assert.Equal(t, "25.194", r.AvgLapRaw)
		require.NotNil(t, r.Consistency)
		assert.InDelta(t, 95.2, *r.Consistency, 0.001)
		assert.Nil(t, r.SecondsBehind)

		require.NotNil(t, r.Avg5)
		assert.InDelta(t, 24.41, *r.Avg5, 0.001)
		assert.Nil(t, r.Avg15)
		require.NotNil(t, r.StdDev)
		assert.InDelta(t, 0.82, *r.StdDev, 0.001)
	})

	t.Run("row without data-driver-id falls back to racerLaps name map", func(t *testing.T) {
		r := results[1]
		assert.Equal(t, "417188", r.SourceDriverID)
		assert.Equal(t, "Jayson Mars", r.DisplayName)
		require.NotNil(t, r.SecondsBehind)
		assert.InDelta(t, 7.447, *r.SecondsBehind, 0.001)
	})

	t.Run("non-starter row", func(t *testing.T) {
		r := results[2]
		assert.Equal(t, 8, r.PositionFinal)
		assert.Equal(t, 0, r.LapsCompleted)
		assert.Empty(t, r.FastLapRaw)
		assert.Nil(t, r.Consistency)
	})
}

func TestRaceResultMissingTable(t *testing.T) {
	_, err := RaceResult("<html><body>no table</body></html>", "http://test/race")
	assert.Error(t, err)
}

func TestParseLapsTotalCell(t *testing.T) {
	tests := []struct {
		in       string
		wantLaps int
	}{
		{"12/5:02.334", 12},
		{"0", 0},
		{"7", 7},
		{"garbage", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			laps, _ := parseLapsTotalCell(tt.in)
			assert.Equal(t, tt.wantLaps, laps)
		})
	}
}
