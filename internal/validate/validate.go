// Package validate implements the structural and semantic invariant
// checks that run after normalization and before persistence.
// Every fatal rule returns a *liverc.IngestionError carrying the failing
// field and a details bag; non-fatal findings are logged as warnings. A
// Validator built by New exposes one ValidateX method per entity,
// applied to this module's event/race/result/lap rules.
package validate

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// Validator runs the invariant checks. It is stateless
// except for the logger used to record warning-level (non-fatal)
// findings, following the functional-options-free, logger-as-field
// pattern the rest of this module uses for components with no other
// dependencies.
type Validator struct {
	logger *slog.Logger
}

// New builds a Validator. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{logger: logger}
}

// EventRaceSummary is the minimal shape of one race row the event-level
// validator needs: just enough to check id uniqueness and race_order
// monotonicity without depending on the full parse-layer RawRaceSummary.
type EventRaceSummary struct {
	SourceRaceID string
	RaceOrder    *int
}

// ValidateEvent checks an event header and its race list: the declared
// id must match the URL it was fetched from, name and date must be
// present, the declared counts must be non-negative, the race list
// must be non-empty with unique ids, and race_order must be
// non-decreasing across the list. Duplicate orders across distinct
// classes are permitted; the source emits them routinely.
func (v *Validator) ValidateEvent(e *liverc.Event, requestURL string, races []EventRaceSummary) error {
	if qID := queryParam(requestURL, "id"); qID != "" && qID != e.SourceEventID {
		return liverc.NewValidationError("source_event_id",
			"declared event id does not match request URL",
			map[string]any{"event_id": e.SourceEventID, "url_id": qID})
	}

	if strings.TrimSpace(e.Name) == "" {
		return liverc.NewValidationError("name", "event name is empty",
			map[string]any{"event_id": e.SourceEventID})
	}

	if e.ScheduledDate.IsZero() {
		return liverc.NewValidationError("scheduled_date", "event date is missing",
			map[string]any{"event_id": e.SourceEventID})
	}

	if e.DeclaredEntries < 0 || e.DeclaredDrivers < 0 {
		return liverc.NewValidationError("declared_counts", "declared entries/drivers must be non-negative",
			map[string]any{"event_id": e.SourceEventID, "entries": e.DeclaredEntries, "drivers": e.DeclaredDrivers})
	}

	if len(races) == 0 {
		return liverc.NewValidationError("races", "event race list is empty",
			map[string]any{"event_id": e.SourceEventID})
	}

	seen := make(map[string]bool, len(races))

	var lastOrder *int

	for _, r := range races {
		if seen[r.SourceRaceID] {
			return liverc.NewValidationError("race_id", "duplicate race id in event race list",
				map[string]any{"event_id": e.SourceEventID, "race_id": r.SourceRaceID})
		}

		seen[r.SourceRaceID] = true

		if r.RaceOrder == nil {
			continue
		}

		if lastOrder != nil && *r.RaceOrder < *lastOrder {
			return liverc.NewValidationError("race_order", "race_order is not non-decreasing across the race list",
				map[string]any{"event_id": e.SourceEventID, "race_id": r.SourceRaceID,
					"order": *r.RaceOrder, "previous_order": *lastOrder})
		}

		lastOrder = r.RaceOrder
	}

	return nil
}

// ValidateRace checks a single race's fields before persistence.
func (v *Validator) ValidateRace(r *liverc.Race) error {
	if strings.TrimSpace(r.SourceRaceID) == "" {
		return liverc.NewValidationError("source_race_id", "race id is empty", nil)
	}

	if strings.TrimSpace(r.ClassName) == "" {
		return liverc.NewValidationError("class_name", "race class is empty",
			map[string]any{"race_id": r.SourceRaceID})
	}

	if strings.TrimSpace(r.Label) == "" {
		return liverc.NewValidationError("label", "race label is empty",
			map[string]any{"race_id": r.SourceRaceID})
	}

	if r.RaceOrder != nil && *r.RaceOrder <= 0 {
		return liverc.NewValidationError("race_order", "race_order must be > 0 when present",
			map[string]any{"race_id": r.SourceRaceID, "race_order": *r.RaceOrder})
	}

	if _, err := url.ParseRequestURI(r.URL); err != nil {
		return liverc.NewValidationError("url", "race URL is not syntactically valid",
			map[string]any{"race_id": r.SourceRaceID, "url": r.URL})
	}

	if r.DurationSeconds != nil && *r.DurationSeconds < 0 {
		return liverc.NewValidationError("duration_seconds", "duration_seconds must be >= 0 when present",
			map[string]any{"race_id": r.SourceRaceID})
	}

	return nil
}

// ResultWithDriver pairs a normalized result with the source driver id
// its row carried, since RaceResult itself doesn't denormalize that
// field (it lives on RaceDriver, assigned during persistence).
type ResultWithDriver struct {
	SourceDriverID string
	Result         *liverc.RaceResult
}

// ValidateResultsSet checks the result set as a whole. An empty set is
// permitted: the race is still persisted, just with no result rows. A
// non-empty set requires unique driver ids, a minimum position of 1,
// and a maximum position no more than twice the result count (a sanity
// bound tolerant of DNFs scored at the back of the field).
func (v *Validator) ValidateResultsSet(raceID string, results []ResultWithDriver) error {
	if len(results) == 0 {
		v.logger.Warn("race has zero results, will be persisted with no RaceResult rows", "race_id", raceID)

		return nil
	}

	seen := make(map[string]bool, len(results))
	minPos, maxPos := results[0].Result.PositionFinal, results[0].Result.PositionFinal

	for _, rw := range results {
		if rw.SourceDriverID != "" {
			if seen[rw.SourceDriverID] {
				return liverc.NewValidationError("source_driver_id", "duplicate driver id in race results",
					map[string]any{"race_id": raceID, "driver_id": rw.SourceDriverID})
			}

			seen[rw.SourceDriverID] = true
		}

		if rw.Result.PositionFinal < minPos {
			minPos = rw.Result.PositionFinal
		}

		if rw.Result.PositionFinal > maxPos {
			maxPos = rw.Result.PositionFinal
		}
	}

	if minPos < 1 {
		return liverc.NewValidationError("position_final", "minimum finishing position must be 1",
			map[string]any{"race_id": raceID, "min_position": minPos})
	}

	if limit := 2 * len(results); maxPos > limit {
		return liverc.NewValidationError("position_final", "maximum finishing position exceeds 2x result count",
			map[string]any{"race_id": raceID, "max_position": maxPos, "limit": limit})
	}

	return nil
}

// ValidateResult checks one scored result. An out-of-range consistency
// value is not fatal: it is coerced to nil in place and logged, since
// the source's consistency field is known to be unreliable.
func (v *Validator) ValidateResult(raceID string, r *liverc.RaceResult) error {
	if r.PositionFinal < 1 {
		return liverc.NewValidationError("position_final", "position must be >= 1",
			map[string]any{"race_id": raceID})
	}

	if r.LapsCompleted < 0 {
		return liverc.NewValidationError("laps_completed", "laps completed must be >= 0",
			map[string]any{"race_id": raceID})
	}

	if r.TotalTimeSecs != nil && *r.TotalTimeSecs < 0 {
		return liverc.NewValidationError("total_time_secs", "total time must be >= 0",
			map[string]any{"race_id": raceID})
	}

	if r.FastLapSecs != nil && *r.FastLapSecs <= 0 {
		return liverc.NewValidationError("fast_lap_secs", "fast lap must be > 0",
			map[string]any{"race_id": raceID})
	}

	if r.AvgLapSecs != nil && *r.AvgLapSecs <= 0 {
		return liverc.NewValidationError("avg_lap_secs", "average lap must be > 0",
			map[string]any{"race_id": raceID})
	}

	if r.Consistency != nil && (*r.Consistency < 0 || *r.Consistency > 100) {
		v.logger.Warn("consistency value out of [0,100] range, coercing to null",
			"race_id", raceID, "consistency", *r.Consistency)

		r.Consistency = nil
	}

	return nil
}

// ValidateLaps checks one driver's parsed laps against the declared
// laps_completed and the lap-sequence invariants.
func (v *Validator) ValidateLaps(raceID, driverID string, lapsCompleted int, laps []*liverc.Lap) error {
	switch {
	case lapsCompleted > 10 && len(laps) == 0:
		return liverc.NewValidationError("laps", "laps_completed > 10 but no laps were parsed",
			map[string]any{"race_id": raceID, "driver_id": driverID, "laps_completed": lapsCompleted})
	case lapsCompleted > 0 && lapsCompleted <= 10 && len(laps) == 0:
		v.logger.Warn("driver declared few laps but none were parsed, passing",
			"race_id", raceID, "driver_id", driverID, "laps_completed", lapsCompleted)

		return nil
	}

	if len(laps) > lapsCompleted {
		return liverc.NewValidationError("laps", "more laps parsed than declared laps_completed",
			map[string]any{"race_id": raceID, "driver_id": driverID,
				"parsed": len(laps), "declared": lapsCompleted})
	}

	if len(laps) < lapsCompleted && len(laps) > 0 {
		v.logger.Warn("fewer laps parsed than declared laps_completed",
			"race_id", raceID, "driver_id", driverID, "parsed", len(laps), "declared", lapsCompleted)
	}

	if len(laps) == 0 {
		return nil
	}

	start := laps[0].LapNumber
	if start != 0 && start != 1 {
		return liverc.NewValidationError("lap_number", "lap sequence must start at 0 or 1",
			map[string]any{"race_id": raceID, "driver_id": driverID, "start": start})
	}

	var prevElapsed float64

	for i, lap := range laps {
		want := start + i
		if lap.LapNumber != want {
			return liverc.NewValidationError("lap_number", "lap numbers must be a contiguous sequence with no gaps",
				map[string]any{"race_id": raceID, "driver_id": driverID, "got": lap.LapNumber, "want": want})
		}

		if lap.ElapsedRaceTime < lap.LapTimeSeconds {
			return liverc.NewValidationError("elapsed_race_time", "elapsed_race_time must be >= lap_time_seconds",
				map[string]any{"race_id": raceID, "driver_id": driverID, "lap_number": lap.LapNumber})
		}

		if i > 0 && lap.ElapsedRaceTime <= prevElapsed {
			return liverc.NewValidationError("elapsed_race_time", "elapsed_race_time must strictly increase with lap_number",
				map[string]any{"race_id": raceID, "driver_id": driverID, "lap_number": lap.LapNumber})
		}

		prevElapsed = lap.ElapsedRaceTime

		for _, seg := range lap.Segments {
			if strings.TrimSpace(seg) == "" {
				return liverc.NewValidationError("segments", "segment entries must be non-empty strings",
					map[string]any{"race_id": raceID, "driver_id": driverID, "lap_number": lap.LapNumber})
			}
		}
	}

	return nil
}

// queryParam mirrors parse.queryParam's narrow extraction without
// importing the parse package: validate stays a pure function of
// already-normalized records and must not depend on parse.
func queryParam(rawURL, key string) string {
	idx := strings.Index(rawURL, "?")
	if idx < 0 {
		return ""
	}

	for _, pair := range strings.Split(rawURL[idx+1:], "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && kv[0] == key {
			return kv[1]
		}
	}

	return ""
}
