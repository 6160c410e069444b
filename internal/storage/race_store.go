// Package storage implements the PostgreSQL-backed persistence layer
// for ingested race data: idempotent upserts keyed on each record's
// natural key, advisory-lock-guarded driver creation, savepoint-based
// recovery from the driver-creation race condition, and the bulk batch
// writers the pipeline uses for laps and results.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// RaceStore implements persistence for the race-data domain model over a
// PostgreSQL connection, with a conn+logger+functional-options
// construction shape.
type RaceStore struct {
	conn   *Connection
	logger *slog.Logger
}

// RaceStoreOption configures optional RaceStore behavior.
type RaceStoreOption func(*RaceStore)

// WithRaceStoreLogger overrides the default no-op logger.
func WithRaceStoreLogger(logger *slog.Logger) RaceStoreOption {
	return func(s *RaceStore) { s.logger = logger }
}

// NewRaceStore constructs a RaceStore over an established connection.
func NewRaceStore(conn *Connection, opts ...RaceStoreOption) *RaceStore {
	s := &RaceStore{conn: conn, logger: slog.Default()}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ErrTrackUpsertFailed wraps a failed track upsert.
var ErrTrackUpsertFailed = errors.New("track upsert failed")

// UpsertTrack inserts or refreshes a Track by its (source, slug)
// natural key. last_seen_at is bumped on every re-observation
// regardless of whether any other field changed, since a track is
// re-seen on every catalogue refresh.
func (s *RaceStore) UpsertTrack(ctx context.Context, t *liverc.Track) (int64, error) {
	const query = `
	INSERT INTO tracks (source, source_track_slug, name, dashboard_url, events_url, is_active, is_followed, last_seen_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (source, source_track_slug) DO UPDATE SET
	name = EXCLUDED.name,
	dashboard_url = EXCLUDED.dashboard_url,
	events_url = EXCLUDED.events_url,
	is_active = EXCLUDED.is_active,
	last_seen_at = EXCLUDED.last_seen_at,
	updated_at = now()
	RETURNING id
	`

	var id int64

	err := s.conn.QueryRowContext(ctx, query,
		t.Source, t.SourceTrackSlug, t.Name, t.DashboardURL, t.EventsURL, t.IsActive, t.IsFollowed, t.LastSeenAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTrackUpsertFailed, err)
	}

	return id, nil
}

// ListActiveTracks returns every Track row with is_active set, the bulk
// read a track-catalogue refresh collaborator would diff its scrape
// against to decide what changed.
func (s *RaceStore) ListActiveTracks(ctx context.Context, source string) ([]liverc.Track, error) {
	const query = `
	SELECT source, source_track_slug, name, dashboard_url, events_url, is_active, is_followed, last_seen_at
	FROM tracks WHERE source = $1 AND is_active
	ORDER BY source_track_slug
	`

	rows, err := s.conn.QueryContext(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("list active tracks: %w", err)
	}

	defer rows.Close()

	var out []liverc.Track

	for rows.Next() {
		var t liverc.Track
		if err := rows.Scan(
			&t.Source, &t.SourceTrackSlug, &t.Name, &t.DashboardURL, &t.EventsURL,
			&t.IsActive, &t.IsFollowed, &t.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// ListFollowedTracks narrows ListActiveTracks to tracks an operator has
// opted into automatic event refreshes for, the set "refresh events
// across all followed tracks" iterates.
func (s *RaceStore) ListFollowedTracks(ctx context.Context, source string) ([]liverc.Track, error) {
	const query = `
	SELECT source, source_track_slug, name, dashboard_url, events_url, is_active, is_followed, last_seen_at
	FROM tracks WHERE source = $1 AND is_active AND is_followed
	ORDER BY source_track_slug
	`

	rows, err := s.conn.QueryContext(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("list followed tracks: %w", err)
	}

	defer rows.Close()

	var out []liverc.Track

	for rows.Next() {
		var t liverc.Track
		if err := rows.Scan(
			&t.Source, &t.SourceTrackSlug, &t.Name, &t.DashboardURL, &t.EventsURL,
			&t.IsActive, &t.IsFollowed, &t.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// ErrEventUpsertFailed wraps a failed event upsert.
var ErrEventUpsertFailed = errors.New("event upsert failed")

// UpsertEvent inserts or refreshes an Event by (source, source_event_id),
// preserving the higher of the stored and incoming ingest_depth so a stale
// re-scrape of an already laps_full event cannot regress its depth, per
// the monotonic-depth invariant.
func (s *RaceStore) UpsertEvent(ctx context.Context, e *liverc.Event) (int64, error) {
	const query = `
	INSERT INTO events (
		source, source_event_id, track_id, name, scheduled_date,
		declared_entries, declared_drivers, url, ingest_depth
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (source, source_event_id) DO UPDATE SET
name = EXCLUDED.name,
scheduled_date = EXCLUDED.scheduled_date,
declared_entries = EXCLUDED.declared_entries,
declared_drivers = EXCLUDED.declared_drivers,
url = EXCLUDED.url,
ingest_depth = CASE
WHEN events.ingest_depth = 'laps_full' THEN events.ingest_depth
ELSE EXCLUDED.ingest_depth
END,
updated_at = now()
RETURNING id
`

	var id int64

	err := s.conn.QueryRowContext(ctx, query,
		e.Source, e.SourceEventID, e.TrackID, e.Name, e.ScheduledDate,
		e.DeclaredEntries, e.DeclaredDrivers, e.URL, string(e.IngestDepth),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEventUpsertFailed, err)
	}

	return id, nil
}

// MarkEventIngested sets an event's ingest_depth and last_ingested_at
// after a pipeline run completes. Transition legality is the state
// machine's job; this write assumes the caller already checked it.
func (s *RaceStore) MarkEventIngested(ctx context.Context, eventID int64, depth liverc.IngestDepth) error {
	const query = `
	UPDATE events SET ingest_depth = $2, last_ingested_at = $3, updated_at = now()
	WHERE id = $1
	`

	_, err := s.conn.ExecContext(ctx, query, eventID, string(depth), time.Now())

	return err
}

// UpsertEventEntry inserts or refreshes a declared entry for driverID at
// eventID.
func (s *RaceStore) UpsertEventEntry(ctx context.Context, entry *liverc.EventEntry) error {
	const query = `
	INSERT INTO event_entries (event_id, driver_id, class_name, transponder, car_number)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (event_id, driver_id) DO UPDATE SET
	class_name = EXCLUDED.class_name,
	transponder = COALESCE(EXCLUDED.transponder, event_entries.transponder),
	car_number = COALESCE(EXCLUDED.car_number, event_entries.car_number),
	updated_at = now()
	`

	_, err := s.conn.ExecContext(ctx, query, entry.EventID, entry.DriverID, entry.ClassName, entry.Transponder, entry.CarNumber)

	return err
}

// ErrRaceUpsertFailed wraps a failed race upsert.
var ErrRaceUpsertFailed = errors.New("race upsert failed")

// UpsertRace inserts or refreshes a Race by (event_id, source_race_id).
func (s *RaceStore) UpsertRace(ctx context.Context, r *liverc.Race) (int64, error) {
	const query = `
	INSERT INTO races (
		event_id, source_race_id, class_name, label, race_order,
		url, start_time, duration_seconds, session_type
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (event_id, source_race_id) DO UPDATE SET
class_name = EXCLUDED.class_name,
label = EXCLUDED.label,
race_order = EXCLUDED.race_order,
url = EXCLUDED.url,
start_time = COALESCE(EXCLUDED.start_time, races.start_time),
duration_seconds = COALESCE(EXCLUDED.duration_seconds, races.duration_seconds),
session_type = EXCLUDED.session_type,
updated_at = now()
RETURNING id
`

	var id int64

	err := s.conn.QueryRowContext(ctx, query,
		r.EventID, r.SourceRaceID, r.ClassName, r.Label, r.RaceOrder,
		r.URL, r.StartTime, r.DurationSeconds, string(r.SessionType),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRaceUpsertFailed, err)
	}

	return id, nil
}

// CalculateRaceDurations sets races.duration_seconds to the maximum
// total_time_secs over a race's results, for races where
// duration_seconds is still unset and at least one positive total time
// is present. The source rarely states a duration directly, so it is
// backfilled from the winners' totals after every ingest.
func (s *RaceStore) CalculateRaceDurations(ctx context.Context, raceIDs []int64) error {
	if len(raceIDs) == 0 {
		return nil
	}

	const query = `
UPDATE races SET duration_seconds = sub.max_total, updated_at = now()
FROM (
	SELECT rr.race_id, MAX(rr.total_time_secs) AS max_total
	FROM race_results rr
	WHERE rr.race_id = ANY($1) AND rr.total_time_secs > 0
	GROUP BY rr.race_id
) sub
WHERE races.id = sub.race_id AND races.duration_seconds IS NULL
`

	_, err := s.conn.ExecContext(ctx, query, pq.Int64Array(raceIDs))

	return err
}

// WithEventLock runs fn while holding the non-blocking per-event advisory
// lock keyed on "event:<event_id>" or "source_event:<source_event_id>":
// if another session already holds it, acquired is false and fn does not
// run, letting the caller surface liverc.NewIngestionInProgressError
// instead of blocking behind a concurrent ingest of the same event.
func (s *RaceStore) WithEventLock(ctx context.Context, lockKey string, fn func() error) (acquired bool, err error) {
	return withAdvisoryLockNonBlocking(ctx, s.conn.DB, lockKey, fn)
}

// pqErrorCode extracts a *pq.Error's SQLSTATE code, or "" if err does not
// wrap one.
func pqErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}
