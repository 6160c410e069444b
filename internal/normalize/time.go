package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// LapTime parses a lap-time string in one of three accepted forms:
// "ss.mmm", "mm:ss.mmm", or "hh:mm:ss.mmm".
func LapTime(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, liverc.NewNormalisationError("lap_time", raw, "empty lap time")
	}

	parts := strings.Split(raw, ":")

	var hours, minutes int

	var secondsStr string

	switch len(parts) {
	case 1:
		secondsStr = parts[0]
	case 2:
		m, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, liverc.NewNormalisationError("lap_time", raw, "invalid minutes component")
		}

		minutes = m
		secondsStr = parts[1]
	case 3:
		h, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, liverc.NewNormalisationError("lap_time", raw, "invalid hours component")
		}

		m, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, liverc.NewNormalisationError("lap_time", raw, "invalid minutes component")
		}

		hours, minutes = h, m
		secondsStr = parts[2]
	default:
		return 0, liverc.NewNormalisationError("lap_time", raw, "unrecognized lap time format")
	}

	seconds, err := strconv.ParseFloat(secondsStr, 64)
	if err != nil {
		return 0, liverc.NewNormalisationError("lap_time", raw, "invalid seconds component")
	}

	return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
}

// TotalTime parses a combined "<laps>/<mm:ss.mmm>" cell into (laps, seconds).
func TotalTime(raw string) (laps int, seconds float64, err error) {
	raw = strings.TrimSpace(raw)

	idx := strings.Index(raw, "/")
	if idx < 0 {
		return 0, 0, liverc.NewNormalisationError("total_time", raw, "missing '/' separator")
	}

	lapsStr, tail := raw[:idx], raw[idx+1:]

	laps, err = strconv.Atoi(strings.TrimSpace(lapsStr))
	if err != nil {
		return 0, 0, liverc.NewNormalisationError("total_time", raw, "invalid lap count")
	}

	seconds, err = LapTime(tail)
	if err != nil {
		return 0, 0, liverc.NewNormalisationError("total_time", raw, "invalid time component")
	}

	return laps, seconds, nil
}

// datetimeLayouts is the ordered list of accepted datetime formats,
// tried in order.
var datetimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"January 2, 2006 at 3:04pm",
	"Jan 2, 2006 at 3:04pm",
}

// DateTime tries each accepted layout in order, converting timezone-aware
// values to UTC (naive, i.e. the Location is discarded downstream).
func DateTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)

	var lastErr error

	for _, layout := range datetimeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}

		lastErr = err
	}

	return time.Time{}, liverc.NewNormalisationError("datetime", raw,
		fmt.Sprintf("no accepted layout matched: %v", lastErr))
}

// RaceLabel extracts the first integer found in label as the race order;
// returns (normalizedLabel, nil) if no integer is present.
func RaceLabel(label string) (normalized string, order *int) {
	normalized = String(label)

	start := -1

	for i, r := range normalized {
		if r >= '0' && r <= '9' {
			start = i

			break
		}
	}

	if start == -1 {
		return normalized, nil
	}

	end := start
	for end < len(normalized) && normalized[end] >= '0' && normalized[end] <= '9' {
		end++
	}

	n, err := strconv.Atoi(normalized[start:end])
	if err != nil {
		return normalized, nil
	}

	return normalized, &n
}
