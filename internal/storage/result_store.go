package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// Bulk batch sizes : laps are the highest-volume record
// (one row per lap per driver per race) so they chunk at a much larger
// size than the coarser result/annotation rows, keeping each statement's
// parameter count and lock duration bounded regardless of race size.
const (
	lapBatchSize        = 5000
	resultBatchSize     = 1000
	annotationBatchSize = 1000
)

// ErrResultUpsertFailed wraps a failed race_results bulk upsert.
var ErrResultUpsertFailed = errors.New("race result bulk upsert failed")

// UpsertRaceResults bulk-upserts results in chunks of resultBatchSize,
// keyed on race_driver_id.
func (s *RaceStore) UpsertRaceResults(ctx context.Context, raceID int64, results []*liverc.RaceResult) error {
	for start := 0; start < len(results); start += resultBatchSize {
		end := start + resultBatchSize
		if end > len(results) {
			end = len(results)
		}

		if err := s.upsertRaceResultChunk(ctx, raceID, results[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *RaceStore) upsertRaceResultChunk(ctx context.Context, raceID int64, chunk []*liverc.RaceResult) error {
	const columns = 12

	var (
		valuesSQL strings.Builder
		args = make([]any, 0, len(chunk)*columns)
	)

	for i, r := range chunk {
		if i > 0 {
			valuesSQL.WriteByte(',')
		}

		base := i*columns + 1
		valuesSQL.WriteString(fmt.Sprintf(
				"($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base, base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))

		extra, err := marshalExtra(r.Extra)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrResultUpsertFailed, err)
		}

		args = append(args,
			raceID, r.RaceDriverID, r.PositionFinal, r.LapsCompleted, r.TotalTimeRaw, r.TotalTimeSecs,
			r.FastLapSecs, r.AvgLapSecs, r.Consistency, r.QualifyingPos, r.SecondsBehind, extra,
		)
	}

	query := `
INSERT INTO race_results (
	race_id, race_driver_id, position_final, laps_completed, total_time_raw, total_time_secs,
	fast_lap_secs, avg_lap_secs, consistency, qualifying_pos, seconds_behind, extra
) VALUES ` + valuesSQL.String() + `
ON CONFLICT (race_driver_id) DO UPDATE SET
position_final = EXCLUDED.position_final,
laps_completed = EXCLUDED.laps_completed,
total_time_raw = EXCLUDED.total_time_raw,
total_time_secs = EXCLUDED.total_time_secs,
fast_lap_secs = EXCLUDED.fast_lap_secs,
avg_lap_secs = EXCLUDED.avg_lap_secs,
consistency = EXCLUDED.consistency,
qualifying_pos = EXCLUDED.qualifying_pos,
seconds_behind = EXCLUDED.seconds_behind,
extra = EXCLUDED.extra,
updated_at = now()
`

	_, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResultUpsertFailed, err)
	}

	return nil
}

func marshalExtra(extra map[string]any) (any, error) {
	if len(extra) == 0 {
		return nil, nil
	}

	b, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}

	return string(b), nil
}

// ErrLapUpsertFailed wraps a failed laps bulk upsert.
var ErrLapUpsertFailed = errors.New("lap bulk upsert failed")

// UpsertLaps bulk-upserts laps in chunks of lapBatchSize, keyed on
// (result_id, lap_number).
func (s *RaceStore) UpsertLaps(ctx context.Context, laps []*liverc.Lap) error {
	for start := 0; start < len(laps); start += lapBatchSize {
		end := start + lapBatchSize
		if end > len(laps) {
			end = len(laps)
		}

		if err := s.upsertLapChunk(ctx, laps[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *RaceStore) upsertLapChunk(ctx context.Context, chunk []*liverc.Lap) error {
	const columns = 8

	var (
		valuesSQL strings.Builder
		args      = make([]any, 0, len(chunk)*columns)
	)

	for i, l := range chunk {
		if i > 0 {
			valuesSQL.WriteByte(',')
		}

		base := i*columns + 1
		valuesSQL.WriteString(fmt.Sprintf(
			"($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))

		args = append(args,
			l.ResultID, l.LapNumber, l.PositionOnLap, l.LapTimeRaw, l.LapTimeSeconds,
			l.PaceString, l.ElapsedRaceTime, pq.StringArray(l.Segments),
		)
	}

	query := `
INSERT INTO laps (result_id, lap_number, position_on_lap, lap_time_raw, lap_time_seconds, pace_string, elapsed_race_time, segments)
VALUES ` + valuesSQL.String() + `
ON CONFLICT (result_id, lap_number) DO UPDATE SET
position_on_lap = EXCLUDED.position_on_lap,
lap_time_raw = EXCLUDED.lap_time_raw,
lap_time_seconds = EXCLUDED.lap_time_seconds,
pace_string = EXCLUDED.pace_string,
elapsed_race_time = EXCLUDED.elapsed_race_time,
segments = EXCLUDED.segments,
updated_at = now()
`

	_, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLapUpsertFailed, err)
	}

	return nil
}

// ErrAnnotationUpsertFailed wraps a failed lap_annotations bulk upsert.
var ErrAnnotationUpsertFailed = errors.New("lap annotation bulk upsert failed")

// UpsertLapAnnotations bulk-upserts derived annotations in chunks of
// annotationBatchSize. Merge semantics are resolved by the derivation
// engine before this call; this layer always overwrites.
func (s *RaceStore) UpsertLapAnnotations(ctx context.Context, annotations []*liverc.LapAnnotation) error {
	for start := 0; start < len(annotations); start += annotationBatchSize {
		end := start + annotationBatchSize
		if end > len(annotations) {
			end = len(annotations)
		}

		if err := s.upsertAnnotationChunk(ctx, annotations[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *RaceStore) upsertAnnotationChunk(ctx context.Context, chunk []*liverc.LapAnnotation) error {
	const columns = 6

	var (
		valuesSQL strings.Builder
		args = make([]any, 0, len(chunk)*columns)
	)

	for i, a := range chunk {
		if i > 0 {
			valuesSQL.WriteByte(',')
		}

		base := i*columns + 1
		valuesSQL.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)", base, base+1, base+2, base+3, base+4, base+5))

		metadata, err := marshalExtra(a.Metadata)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAnnotationUpsertFailed, err)
		}

		args = append(args, a.ResultID, a.LapNumber, a.InvalidReason, a.IncidentType, a.Confidence, metadata)
	}

	query := `
INSERT INTO lap_annotations (result_id, lap_number, invalid_reason, incident_type, confidence, metadata)
VALUES ` + valuesSQL.String() + `
ON CONFLICT (result_id, lap_number) DO UPDATE SET
invalid_reason = EXCLUDED.invalid_reason,
incident_type = EXCLUDED.incident_type,
confidence = EXCLUDED.confidence,
metadata = EXCLUDED.metadata,
updated_at = now()
`

	_, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAnnotationUpsertFailed, err)
	}

	return nil
}

// DeleteLapAnnotationsForRace clears all derived annotations for a
// race before a re-derivation pass: annotations are recomputed from
// scratch, never incrementally patched.
func (s *RaceStore) DeleteLapAnnotationsForRace(ctx context.Context, raceID int64) error {
	const query = `
	DELETE FROM lap_annotations
	USING race_results rr
	WHERE lap_annotations.result_id = rr.id AND rr.race_id = $1
	`

	_, err := s.conn.ExecContext(ctx, query, raceID)

	return err
}
