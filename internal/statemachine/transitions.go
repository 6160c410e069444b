// Package statemachine implements the small ingest-depth transition
// table: a two-state machine (none -> laps_full) plus the per-state
// entry criteria the pipeline checks before committing a transition. A
// pure function over (from, to) returning a sentinel-wrapped error, with
// no side effects.
package statemachine

import (
	"github.com/racedata/liverc-ingest/internal/liverc"
)

// ValidateTransition checks whether moving an Event from `from` to `to` is
// legal: none -> laps_full, none -> none (header-only refresh) and
// laps_full -> laps_full (idempotent re-ingestion) are the valid
// transitions; laps_full -> none is forbidden, and any other requested
// depth string is rejected.
func ValidateTransition(from, to liverc.IngestDepth) error {
	if !to.IsValid() {
		return liverc.NewStateMachineError(from, to, "requested depth is not a recognized ingest_depth")
	}

	switch from {
	case liverc.DepthNone:
		return nil // none -> none or none -> laps_full both allowed
	case liverc.DepthLapsFull:
		if to == liverc.DepthNone {
			return liverc.NewStateMachineError(from, to, "ingest_depth cannot regress from laps_full to none")
		}

		return nil
	default:
		return liverc.NewStateMachineError(from, to, "current depth is not a recognized ingest_depth")
	}
}

// EntryCriteria is the evidence the pipeline gathers about an event's
// persisted rows before it may accept a requested depth. Counts, not
// booleans, so a caller can distinguish "zero races" from "never
// checked".
type EntryCriteria struct {
	EventExists bool
	RaceCount   int
	ResultCount int
	LapCount    int
}

// CheckEntryCriteria reports whether c satisfies depth's entry criteria:
//
//	none: event exists; no races yet.
//	laps_full: event exists; at least one race, one result, one lap.
func CheckEntryCriteria(depth liverc.IngestDepth, c EntryCriteria) error {
	if !c.EventExists {
		return liverc.NewStateMachineError("", depth, "event row does not exist")
	}

	switch depth {
	case liverc.DepthNone:
		if c.RaceCount > 0 {
			return liverc.NewStateMachineError("", depth, "depth 'none' requires zero persisted races")
		}

		return nil
	case liverc.DepthLapsFull:
		if c.RaceCount == 0 || c.ResultCount == 0 || c.LapCount == 0 {
			return liverc.NewStateMachineError("", depth,
				"depth 'laps_full' requires at least one race, one result and one lap")
		}

		return nil
	default:
		return liverc.NewStateMachineError("", depth, "unrecognized ingest_depth")
	}
}
