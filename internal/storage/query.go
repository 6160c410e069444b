package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// ErrEventNotFound is returned by the single-event readers when no row
// matches.
var ErrEventNotFound = errors.New("event not found")

// ErrTrackNotFound is returned by GetTrackIDBySlug when no row matches.
var ErrTrackNotFound = errors.New("track not found")

// GetEventByID re-reads an Event by its surrogate id, the read the
// pipeline performs at the start of its event_lock-guarded section to
// check the current ingest_depth before applying a transition.
func (s *RaceStore) GetEventByID(ctx context.Context, id int64) (*liverc.Event, error) {
	return s.scanEvent(ctx, `
		SELECT id, source, source_event_id, track_id, name, scheduled_date,
		declared_entries, declared_drivers, url, ingest_depth, last_ingested_at
		FROM events WHERE id = $1
		`, id)
}

// GetEventBySourceID looks up an Event by its natural key, used by
// IngestEventBySourceId to locate (or signal the absence of) the Event
// row before the event-id path takes over.
func (s *RaceStore) GetEventBySourceID(ctx context.Context, source, sourceEventID string) (*liverc.Event, error) {
	return s.scanEvent(ctx, `
		SELECT id, source, source_event_id, track_id, name, scheduled_date,
		declared_entries, declared_drivers, url, ingest_depth, last_ingested_at
		FROM events WHERE source = $1 AND source_event_id = $2
		`, source, sourceEventID)
}

func (s *RaceStore) scanEvent(ctx context.Context, query string, args ...any) (*liverc.Event, error) {
	var e liverc.Event

	err := s.conn.QueryRowContext(ctx, query, args...).Scan(
		&e.ID, &e.Source, &e.SourceEventID, &e.TrackID, &e.Name, &e.ScheduledDate,
		&e.DeclaredEntries, &e.DeclaredDrivers, &e.URL, &e.IngestDepth, &e.LastIngestedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	return &e, nil
}

// GetTrackSlug resolves a Track's source_track_slug from its surrogate
// id, the piece of an EventContext the URLBuilder needs that an Event row
// does not itself carry.
func (s *RaceStore) GetTrackSlug(ctx context.Context, trackID int64) (string, error) {
	var slug string

	err := s.conn.QueryRowContext(ctx, `SELECT source_track_slug FROM tracks WHERE id = $1`, trackID).Scan(&slug)
	if err != nil {
		return "", fmt.Errorf("get track slug: %w", err)
	}

	return slug, nil
}

// GetTrackIDBySlug resolves a Track's surrogate id from its natural key,
// the reverse of GetTrackSlug, used by practice-day ingestion which
// addresses tracks by slug rather than by an already-known Event's
// track_id.
func (s *RaceStore) GetTrackIDBySlug(ctx context.Context, source, slug string) (int64, error) {
	var id int64

	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM tracks WHERE source = $1 AND source_track_slug = $2`, source, slug,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTrackNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("get track id: %w", err)
	}

	return id, nil
}

// ListEventsForTrack returns every Event recorded under trackID, newest
// scheduled_date first, the read a "list events"/"refresh events"
// collaborator would page through.
func (s *RaceStore) ListEventsForTrack(ctx context.Context, trackID int64) ([]liverc.Event, error) {
	const query = `
	SELECT id, source, source_event_id, track_id, name, scheduled_date,
	declared_entries, declared_drivers, url, ingest_depth, last_ingested_at
	FROM events WHERE track_id = $1
	ORDER BY scheduled_date DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, trackID)
	if err != nil {
		return nil, fmt.Errorf("list events for track: %w", err)
	}

	defer rows.Close()

	var out []liverc.Event

	for rows.Next() {
		var e liverc.Event
		if err := rows.Scan(
			&e.ID, &e.Source, &e.SourceEventID, &e.TrackID, &e.Name, &e.ScheduledDate,
			&e.DeclaredEntries, &e.DeclaredDrivers, &e.URL, &e.IngestDepth, &e.LastIngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// EntryCacheRow is one EventEntry joined with its Driver's identity
// fields, the shape the pipeline's event-entry cache is built from: all
// per-result lookups consult this map, since the database must not be
// hit once per result for class membership.
type EntryCacheRow struct {
	DriverID       int64
	SourceDriverID string
	DisplayName    string
	NormalizedName string
	ClassName      string
	Transponder    *string
}

// ListEventEntries loads every EventEntry for eventID joined with its
// Driver row, once, for the pipeline's event-entry cache.
func (s *RaceStore) ListEventEntries(ctx context.Context, eventID int64) ([]EntryCacheRow, error) {
	const query = `
	SELECT d.id, d.source_driver_id, d.display_name, d.normalized_name,
	ee.class_name, COALESCE(ee.transponder, d.transponder)
	FROM event_entries ee
	JOIN drivers d ON d.id = ee.driver_id
	WHERE ee.event_id = $1
	`

	rows, err := s.conn.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("list event entries: %w", err)
	}

	defer rows.Close()

	var out []EntryCacheRow

	for rows.Next() {
		var r EntryCacheRow
		if err := rows.Scan(&r.DriverID, &r.SourceDriverID, &r.DisplayName, &r.NormalizedName, &r.ClassName, &r.Transponder); err != nil {
			return nil, fmt.Errorf("scan event entry: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// CountEntryCriteria reports the race/result/lap counts the state
// machine's CheckEntryCriteria needs, for a given event.
func (s *RaceStore) CountEntryCriteria(ctx context.Context, eventID int64) (raceCount, resultCount, lapCount int, err error) {
	const query = `
	SELECT
	(SELECT count(*) FROM races WHERE event_id = $1),
	(SELECT count(*) FROM race_results rr JOIN races r ON r.id = rr.race_id WHERE r.event_id = $1),
	(SELECT count(*) FROM laps l JOIN race_results rr ON rr.id = l.result_id JOIN races r ON r.id = rr.race_id WHERE r.event_id = $1)
	`

	err = s.conn.QueryRowContext(ctx, query, eventID).Scan(&raceCount, &resultCount, &lapCount)
	if err != nil {
		err = fmt.Errorf("count entry criteria: %w", err)
	}

	return raceCount, resultCount, lapCount, err
}

// ListRaceIDsForEvent returns every persisted race id for eventID, used
// to scope CalculateRaceDurations to the races just ingested.
func (s *RaceStore) ListRaceIDsForEvent(ctx context.Context, eventID int64) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM races WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list race ids: %w", err)
	}

	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ListResultIDsForRace maps each persisted race_result's race_driver_id to
// its own surrogate id, for raceID. The pipeline needs this after a bulk
// UpsertRaceResults call (which, being a bulk upsert, does not return
// individual row ids) to attach laps to the result they belong to.
func (s *RaceStore) ListResultIDsForRace(ctx context.Context, raceID int64) (map[int64]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT race_driver_id, id FROM race_results WHERE race_id = $1`, raceID)
	if err != nil {
		return nil, fmt.Errorf("list result ids: %w", err)
	}

	defer rows.Close()

	out := make(map[int64]int64)

	for rows.Next() {
		var raceDriverID, resultID int64
		if err := rows.Scan(&raceDriverID, &resultID); err != nil {
			return nil, err
		}

		out[raceDriverID] = resultID
	}

	return out, rows.Err()
}
