package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

func setupStore(t *testing.T) (*RaceStore, *TestDatabase) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return NewRaceStore(&Connection{testDB.Connection}), testDB
}

func seedTrackAndEvent(t *testing.T, store *RaceStore) (trackID, eventID int64) {
	t.Helper()

	ctx := context.Background()

	trackID, err := store.UpsertTrack(ctx, &liverc.Track{
		Source:          liverc.SourceLiveRC,
		SourceTrackSlug: "thedirt",
		Name:            "The Dirt RC",
		DashboardURL:    "https://thedirt.liverc.com/",
		EventsURL:       "https://thedirt.liverc.com/events",
		IsActive:        true,
		LastSeenAt:      time.Now(),
	})
	require.NoError(t, err)

	eventID, err = store.UpsertEvent(ctx, &liverc.Event{
		Source:        liverc.SourceLiveRC,
		SourceEventID: "7002",
		TrackID:       trackID,
		Name:          "Spring Nationals",
		ScheduledDate: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		URL:           "https://thedirt.liverc.com/results/?p=view_event&id=7002",
		IngestDepth:   liverc.DepthNone,
	})
	require.NoError(t, err)

	return trackID, eventID
}

func TestUpsertEventIdempotentAndDepthMonotonic(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	trackID, eventID := seedTrackAndEvent(t, store)

	require.NoError(t, store.MarkEventIngested(ctx, eventID, liverc.DepthLapsFull))

	// A re-upsert at depth none must not regress the stored laps_full.
	again, err := store.UpsertEvent(ctx, &liverc.Event{
		Source:        liverc.SourceLiveRC,
		SourceEventID: "7002",
		TrackID:       trackID,
		Name:          "Spring Nationals (rescrape)",
		ScheduledDate: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		URL:           "https://thedirt.liverc.com/results/?p=view_event&id=7002",
		IngestDepth:   liverc.DepthNone,
	})
	require.NoError(t, err)
	assert.Equal(t, eventID, again, "natural key resolves to the same row")

	event, err := store.GetEventByID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, liverc.DepthLapsFull, event.IngestDepth)
	assert.Equal(t, "Spring Nationals (rescrape)", event.Name)
}

func TestRekeyDriverPromotesAndRepoints(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	_, eventID := seedTrackAndEvent(t, store)

	t.Run("promotes synthetic row in place when real id is new", func(t *testing.T) {
		synthID, err := store.UpsertDriver(ctx, &liverc.Driver{
			Source: liverc.SourceLiveRC, SourceDriverID: "entry_aaaa000011112222",
			DisplayName: "Alice Racer", NormalizedName: "alice racer",
		})
		require.NoError(t, err)

		require.NoError(t, store.RekeyDriver(ctx, liverc.SourceLiveRC, "entry_aaaa000011112222", "101"))

		realID, err := store.UpsertDriver(ctx, &liverc.Driver{
			Source: liverc.SourceLiveRC, SourceDriverID: "101",
			DisplayName: "Alice Racer", NormalizedName: "alice racer",
		})
		require.NoError(t, err)
		assert.Equal(t, synthID, realID, "same row now carries the real id")
	})

	t.Run("repoints entries when real id already exists", func(t *testing.T) {
		synthID, err := store.UpsertDriver(ctx, &liverc.Driver{
			Source: liverc.SourceLiveRC, SourceDriverID: "entry_bbbb000011112222",
			DisplayName: "Bob Driver", NormalizedName: "bob driver",
		})
		require.NoError(t, err)

		realID, err := store.UpsertDriver(ctx, &liverc.Driver{
			Source: liverc.SourceLiveRC, SourceDriverID: "102",
			DisplayName: "Bob Driver", NormalizedName: "bob driver",
		})
		require.NoError(t, err)
		require.NotEqual(t, synthID, realID)

		require.NoError(t, store.UpsertEventEntry(ctx, &liverc.EventEntry{
			EventID: eventID, DriverID: synthID, ClassName: "Pro Buggy",
		}))

		require.NoError(t, store.RekeyDriver(ctx, liverc.SourceLiveRC, "entry_bbbb000011112222", "102"))

		rows, err := store.ListEventEntries(ctx, eventID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, realID, rows[0].DriverID, "entry now points at the canonical driver")
	})
}

func TestRaceResultLapRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	_, eventID := seedTrackAndEvent(t, store)

	raceID, err := store.UpsertRace(ctx, &liverc.Race{
		EventID: eventID, SourceRaceID: "9001", ClassName: "Pro Buggy",
		Label: "Heat 1", URL: "/results/?p=view_race_result&id=9001",
		SessionType: liverc.SessionHeat,
	})
	require.NoError(t, err)

	driverID, err := store.UpsertDriver(ctx, &liverc.Driver{
		Source: liverc.SourceLiveRC, SourceDriverID: "101",
		DisplayName: "Alice Racer", NormalizedName: "alice racer",
	})
	require.NoError(t, err)

	raceDriverID, err := store.UpsertRaceDriver(ctx, &liverc.RaceDriver{
		RaceID: raceID, DriverID: driverID, SourceDriverID: "101", DisplayName: "Alice Racer",
	})
	require.NoError(t, err)

	total := 302.334
	require.NoError(t, store.UpsertRaceResults(ctx, raceID, []*liverc.RaceResult{{
		RaceID: raceID, RaceDriverID: raceDriverID, PositionFinal: 1,
		LapsCompleted: 2, TotalTimeRaw: "2/5:02.334", TotalTimeSecs: &total,
		Extra: map[string]any{"avg_5": 24.41},
	}}))

	resultIDs, err := store.ListResultIDsForRace(ctx, raceID)
	require.NoError(t, err)
	require.Len(t, resultIDs, 1)
	resultID := resultIDs[raceDriverID]

	laps := []*liverc.Lap{
		{ResultID: resultID, LapNumber: 1, PositionOnLap: 1, LapTimeRaw: "38.17", LapTimeSeconds: 38.17, ElapsedRaceTime: 38.17},
		{ResultID: resultID, LapNumber: 2, PositionOnLap: 1, LapTimeRaw: "23.951", LapTimeSeconds: 23.951, ElapsedRaceTime: 62.121, Segments: []string{"s1", "s2"}},
	}
	require.NoError(t, store.UpsertLaps(ctx, laps))

	// Re-upserting the same laps is idempotent on (result_id, lap_number).
	require.NoError(t, store.UpsertLaps(ctx, laps))

	races, results, lapCount, err := store.CountEntryCriteria(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 1, races)
	assert.Equal(t, 1, results)
	assert.Equal(t, 2, lapCount)

	require.NoError(t, store.UpsertLapAnnotations(ctx, []*liverc.LapAnnotation{{
		ResultID: resultID, LapNumber: 2, IncidentType: strPtr("suspected_crash"), Confidence: 0.6,
	}}))

	require.NoError(t, store.DeleteLapAnnotationsForRace(ctx, raceID))
	// Idempotent: deleting again is a no-op.
	require.NoError(t, store.DeleteLapAnnotationsForRace(ctx, raceID))

	// Duration back-fill picks the max positive total time.
	require.NoError(t, store.CalculateRaceDurations(ctx, []int64{raceID}))

	var duration *float64

	row := store.conn.QueryRowContext(ctx, `SELECT duration_seconds FROM races WHERE id = $1`, raceID)
	require.NoError(t, row.Scan(&duration))
	require.NotNil(t, duration)
	assert.InDelta(t, total, *duration, 0.001)
}

func TestWithEventLockExcludesConcurrentHolder(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)

	go func() {
		_, err := store.WithEventLock(ctx, "event:1", func() error {
			close(entered)
			<-release

			return nil
		})
		firstDone <- err
	}()

	<-entered

	acquired, err := store.WithEventLock(ctx, "event:1", func() error { return nil })
	require.NoError(t, err)
	assert.False(t, acquired, "second non-blocking acquire must fail while held")

	close(release)
	require.NoError(t, <-firstDone)

	acquired, err = store.WithEventLock(ctx, "event:1", func() error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "lock is free again after release")
}

func TestUpsertDriverTxSavepointRecovery(t *testing.T) {
	store, testDB := setupStore(t)
	ctx := context.Background()
	seedTrackAndEvent(t, store)

	winnerID, err := store.UpsertDriver(ctx, &liverc.Driver{
		Source: liverc.SourceLiveRC, SourceDriverID: "201",
		DisplayName: "Cara Speed", NormalizedName: "cara speed",
	})
	require.NoError(t, err)

	tx, err := testDB.Connection.BeginTx(ctx, nil)
	require.NoError(t, err)

	defer func() { _ = tx.Rollback() }()

	id, err := UpsertDriverTx(ctx, tx, &liverc.Driver{
		Source: liverc.SourceLiveRC, SourceDriverID: "201",
		DisplayName: "Cara Speed", NormalizedName: "cara speed",
	})
	require.NoError(t, err)
	assert.Equal(t, winnerID, id, "existing row is reused")

	// The transaction is still usable after the savepoint dance.
	var one int
	require.NoError(t, tx.QueryRowContext(ctx, `SELECT 1`).Scan(&one))
	require.NoError(t, tx.Commit())
}

func strPtr(s string) *string { return &s }
