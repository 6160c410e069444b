package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// practiceLapBatchSize mirrors lapBatchSize: practice laps are the same
// shape and volume as race laps, just keyed by transponder instead of a
// result id.
const practiceLapBatchSize = 5000

// ErrPracticeSessionUpsertFailed wraps a failed practice_sessions upsert.
var ErrPracticeSessionUpsertFailed = errors.New("practice session upsert failed")

// PracticeSession is a practice-day session reduced to its persisted
// fields, distinct from liverc.Race since practice sessions are not
// Events and carry no class/ingest-depth semantics.
type PracticeSession struct {
	ID              int64
	TrackID         int64
	SourceSessionID string
	SessionDate     time.Time
	Label           string
	URL             string
}

// PracticeLap is a single recorded lap attached to a PracticeSession,
// keyed by transponder rather than by a race result id.
type PracticeLap struct {
	SessionID       int64
	Transponder     string
	LapNumber       int
	PositionOnLap   int
	LapTimeRaw      string
	LapTimeSeconds  float64
	PaceString      *string
	ElapsedRaceTime float64
	Segments        []string
}

// UpsertPracticeSession inserts or refreshes a PracticeSession by
// (track_id, source_session_id).
func (s *RaceStore) UpsertPracticeSession(ctx context.Context, p *PracticeSession) (int64, error) {
	const query = `
		INSERT INTO practice_sessions (track_id, source_session_id, session_date, label, url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (track_id, source_session_id) DO UPDATE SET
			session_date = EXCLUDED.session_date,
			label = EXCLUDED.label,
			url = EXCLUDED.url,
			updated_at = now()
		RETURNING id
	`

	var id int64

	err := s.conn.QueryRowContext(ctx, query, p.TrackID, p.SourceSessionID, p.SessionDate, p.Label, p.URL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPracticeSessionUpsertFailed, err)
	}

	return id, nil
}

// ErrPracticeLapUpsertFailed wraps a failed practice_laps bulk upsert.
var ErrPracticeLapUpsertFailed = errors.New("practice lap bulk upsert failed")

// UpsertPracticeLaps bulk-upserts practice laps in chunks of
// practiceLapBatchSize, keyed on (session_id, transponder, lap_number).
func (s *RaceStore) UpsertPracticeLaps(ctx context.Context, laps []*PracticeLap) error {
	for start := 0; start < len(laps); start += practiceLapBatchSize {
		end := start + practiceLapBatchSize
		if end > len(laps) {
			end = len(laps)
		}

		if err := s.upsertPracticeLapChunk(ctx, laps[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *RaceStore) upsertPracticeLapChunk(ctx context.Context, chunk []*PracticeLap) error {
	const columns = 9

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
			"($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))

		args = append(args,
			l.SessionID, l.Transponder, l.LapNumber, l.PositionOnLap,
			l.LapTimeRaw, l.LapTimeSeconds, l.PaceString, l.ElapsedRaceTime, pq.StringArray(l.Segments),
		)
	}

	query := `
		INSERT INTO practice_laps (
			session_id, transponder, lap_number, position_on_lap,
			lap_time_raw, lap_time_seconds, pace_string, elapsed_race_time, segments
		) VALUES ` + valuesSQL.String() + `
		ON CONFLICT (session_id, transponder, lap_number) DO UPDATE SET
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
		return fmt.Errorf("%w: %w", ErrPracticeLapUpsertFailed, err)
	}

	return nil
}
