package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racedata/liverc-ingest/internal/fetch"
	"github.com/racedata/liverc-ingest/internal/liverc"
	"github.com/racedata/liverc-ingest/internal/storage"
	"github.com/racedata/liverc-ingest/internal/validate"
)

// fakeStore is an in-memory pipeline.Store, just enough state to follow
// the ingest flow without a live Postgres connection.
type fakeStore struct {
	mu sync.Mutex

	events       map[int64]*liverc.Event
	tracks       map[int64]string // track id -> slug
	drivers      map[string]int64 // source_driver_id -> driver id
	driverNames  map[int64]string // driver id -> display name
	driverNorms  map[int64]string // driver id -> normalized name
	entries      map[int64]map[int64]*liverc.EventEntry // event id -> driver id -> entry
	races        map[string]int64 // source_race_id -> race id
	raceEvents   map[int64]int64  // race id -> event id
	raceDrivers  map[int64]map[string]int64 // race id -> source_driver_id -> race driver id
	results      map[int64]map[int64]int64  // race id -> race driver id -> result id
	laps         map[int64][]*liverc.Lap    // result id -> laps
	annotations  map[int64][]*liverc.LapAnnotation
	users        []storage.UserMatchRow
	links        map[[2]int64]liverc.LinkStatus
	eventLinks   []liverc.EventDriverLink
	heldLocks    map[string]bool
	lockedKeys   []string
	nextID       int64
	durationRuns int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:      map[int64]*liverc.Event{},
		tracks:      map[int64]string{},
		drivers:     map[string]int64{},
		driverNames: map[int64]string{},
		driverNorms: map[int64]string{},
		entries:     map[int64]map[int64]*liverc.EventEntry{},
		races:       map[string]int64{},
		raceEvents:  map[int64]int64{},
		raceDrivers: map[int64]map[string]int64{},
		results:     map[int64]map[int64]int64{},
		laps:        map[int64][]*liverc.Lap{},
		annotations: map[int64][]*liverc.LapAnnotation{},
		links:       map[[2]int64]liverc.LinkStatus{},
		heldLocks:   map[string]bool{},
		nextID:      1000,
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++

	return f.nextID
}

func (f *fakeStore) GetEventByID(_ context.Context, id int64) (*liverc.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.events[id]
	if !ok {
		return nil, storage.ErrEventNotFound
	}

	copied := *e

	return &copied, nil
}

func (f *fakeStore) GetEventBySourceID(_ context.Context, source, sourceEventID string) (*liverc.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.events {
		if e.Source == source && e.SourceEventID == sourceEventID {
			copied := *e

			return &copied, nil
		}
	}

	return nil, storage.ErrEventNotFound
}

func (f *fakeStore) GetTrackSlug(_ context.Context, trackID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	slug, ok := f.tracks[trackID]
	if !ok {
		return "", storage.ErrTrackNotFound
	}

	return slug, nil
}

func (f *fakeStore) GetTrackIDBySlug(_ context.Context, _, slug string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, s := range f.tracks {
		if s == slug {
			return id, nil
		}
	}

	return 0, storage.ErrTrackNotFound
}

func (f *fakeStore) UpsertEvent(_ context.Context, e *liverc.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, existing := range f.events {
		if existing.Source == e.Source && existing.SourceEventID == e.SourceEventID {
			name := e.Name
			existing.Name = name
			existing.ScheduledDate = e.ScheduledDate
			existing.DeclaredEntries = e.DeclaredEntries
			existing.DeclaredDrivers = e.DeclaredDrivers

			return id, nil
		}
	}

	id := f.id()
	copied := *e
	copied.ID = id
	f.events[id] = &copied

	return id, nil
}

func (f *fakeStore) MarkEventIngested(_ context.Context, eventID int64, depth liverc.IngestDepth) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.events[eventID].IngestDepth = depth
	f.events[eventID].LastIngestedAt = &now

	return nil
}

func (f *fakeStore) UpsertEventEntry(_ context.Context, entry *liverc.EventEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.entries[entry.EventID] == nil {
		f.entries[entry.EventID] = map[int64]*liverc.EventEntry{}
	}

	copied := *entry
	f.entries[entry.EventID][entry.DriverID] = &copied

	return nil
}

func (f *fakeStore) ListEventEntries(_ context.Context, eventID int64) ([]storage.EntryCacheRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []storage.EntryCacheRow

	for driverID, entry := range f.entries[eventID] {
		sourceDriverID := ""

		for sid, id := range f.drivers {
			if id == driverID {
				sourceDriverID = sid

				break
			}
		}

		out = append(out, storage.EntryCacheRow{
			DriverID:       driverID,
			SourceDriverID: sourceDriverID,
			DisplayName:    f.driverNames[driverID],
			NormalizedName: f.driverNorms[driverID],
			ClassName:      entry.ClassName,
			Transponder:    entry.Transponder,
		})
	}

	return out, nil
}

func (f *fakeStore) CountEntryCriteria(_ context.Context, eventID int64) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	races, results, laps := 0, 0, 0

	for raceID, evID := range f.raceEvents {
		if evID != eventID {
			continue
		}

		races++

		for _, resultID := range f.results[raceID] {
			results++
			laps += len(f.laps[resultID])
		}
	}

	return races, results, laps, nil
}

func (f *fakeStore) UpsertRace(_ context.Context, r *liverc.Race) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.races[r.SourceRaceID]; ok {
		return id, nil
	}

	id := f.id()
	f.races[r.SourceRaceID] = id
	f.raceEvents[id] = r.EventID

	return id, nil
}

func (f *fakeStore) UpsertDriver(_ context.Context, d *liverc.Driver) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.drivers[d.SourceDriverID]; ok {
		f.driverNames[id] = d.DisplayName
		f.driverNorms[id] = d.NormalizedName

		return id, nil
	}

	id := f.id()
	f.drivers[d.SourceDriverID] = id
	f.driverNames[id] = d.DisplayName
	f.driverNorms[id] = d.NormalizedName

	return id, nil
}

func (f *fakeStore) RekeyDriver(_ context.Context, _, tempSourceDriverID, realSourceDriverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tempID, ok := f.drivers[tempSourceDriverID]
	if !ok {
		return nil
	}

	if _, exists := f.drivers[realSourceDriverID]; !exists {
		delete(f.drivers, tempSourceDriverID)
		f.drivers[realSourceDriverID] = tempID
	}

	return nil
}

func (f *fakeStore) UpsertRaceDriver(_ context.Context, rd *liverc.RaceDriver) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.raceDrivers[rd.RaceID] == nil {
		f.raceDrivers[rd.RaceID] = map[string]int64{}
	}

	if id, ok := f.raceDrivers[rd.RaceID][rd.SourceDriverID]; ok {
		return id, nil
	}

	id := f.id()
	f.raceDrivers[rd.RaceID][rd.SourceDriverID] = id

	return id, nil
}

func (f *fakeStore) UpsertRaceResults(_ context.Context, raceID int64, results []*liverc.RaceResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.results[raceID] == nil {
		f.results[raceID] = map[int64]int64{}
	}

	for _, r := range results {
		if _, ok := f.results[raceID][r.RaceDriverID]; !ok {
			f.results[raceID][r.RaceDriverID] = f.id()
		}
	}

	return nil
}

func (f *fakeStore) ListResultIDsForRace(_ context.Context, raceID int64) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := map[int64]int64{}
	for raceDriverID, resultID := range f.results[raceID] {
		out[raceDriverID] = resultID
	}

	return out, nil
}

func (f *fakeStore) UpsertLaps(_ context.Context, laps []*liverc.Lap) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	byResult := map[int64][]*liverc.Lap{}
	for _, l := range laps {
		byResult[l.ResultID] = append(byResult[l.ResultID], l)
	}

	for resultID, ls := range byResult {
		f.laps[resultID] = ls
	}

	return nil
}

func (f *fakeStore) DeleteLapAnnotationsForRace(_ context.Context, raceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, resultID := range f.results[raceID] {
		delete(f.annotations, resultID)
	}

	return nil
}

func (f *fakeStore) UpsertLapAnnotations(_ context.Context, annotations []*liverc.LapAnnotation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range annotations {
		f.annotations[a.ResultID] = append(f.annotations[a.ResultID], a)
	}

	return nil
}

func (f *fakeStore) ListRaceIDsForEvent(_ context.Context, eventID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []int64

	for raceID, evID := range f.raceEvents {
		if evID == eventID {
			out = append(out, raceID)
		}
	}

	return out, nil
}

func (f *fakeStore) CalculateRaceDurations(_ context.Context, _ []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.durationRuns++

	return nil
}

func (f *fakeStore) ListUsersForMatching(_ context.Context) ([]storage.UserMatchRow, error) {
	return f.users, nil
}

func (f *fakeStore) FindExistingDriverLink(_ context.Context, driverID, candidateUserID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key := range f.links {
		if key[1] == driverID && key[0] != candidateUserID {
			return key[0], true, nil
		}
	}

	return 0, false, nil
}

func (f *fakeStore) UpsertEventDriverLink(_ context.Context, l *liverc.EventDriverLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.eventLinks = append(f.eventLinks, *l)

	return nil
}

func (f *fakeStore) UpsertUserDriverLinkStatus(_ context.Context, userID, driverID int64, status liverc.LinkStatus, _ float64, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.links[[2]int64{userID, driverID}] = status

	return nil
}

func (f *fakeStore) GetUserDriverLinkStatus(_ context.Context, userID, driverID int64) (liverc.LinkStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.links[[2]int64{userID, driverID}]

	return status, ok, nil
}

func (f *fakeStore) GetUserNormalizedName(_ context.Context, userID int64) (string, error) {
	for _, u := range f.users {
		if u.UserID == userID {
			return u.NormalizedName, nil
		}
	}

	return "", nil
}

func (f *fakeStore) GetDriverNormalizedName(_ context.Context, _ int64) (string, error) {
	return "", nil
}

func (f *fakeStore) ListTransponderEventDriverLinks(_ context.Context) ([]liverc.EventDriverLink, error) {
	return f.eventLinks, nil
}

func (f *fakeStore) UpsertPracticeSession(_ context.Context, _ *storage.PracticeSession) (int64, error) {
	return f.id(), nil
}

func (f *fakeStore) UpsertPracticeLaps(_ context.Context, _ []*storage.PracticeLap) error {
	return nil
}

func (f *fakeStore) WithEventLock(_ context.Context, lockKey string, fn func() error) (bool, error) {
	f.mu.Lock()

	if f.heldLocks[lockKey] {
		f.mu.Unlock()

		return false, nil
	}

	f.heldLocks[lockKey] = true
	f.lockedKeys = append(f.lockedKeys, lockKey)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.heldLocks, lockKey)
		f.mu.Unlock()
	}()

	return true, fn()
}

// fixture page builders, shaped like the selectors the parsers document.

func eventPage(raceIDs []string) string {
	rows := ""
	for i, id := range raceIDs {
		rows += fmt.Sprintf(`<tr class="race-row"><td><a class="race-link" href="/results/?p=view_race_result&id=%s">Race %d: Pro Buggy (Heat %d)</a></td><td class="race-time">2026-03-01 09:%02d:00</td></tr>`,
			id, i+1, i+1, 30+i)
	}

	return `<html><body>
<div class="event-header"><h1 class="event-name">Spring Nationals</h1><span class="event-date">2026-03-01 09:00:00</span></div>
<table class="event-stats"><tr><td class="declared-entries">3</td><td class="declared-drivers">3</td></tr></table>
<table class="race-list">` + rows + `</table>
</body></html>`
}

func entryListPage(names []string) string {
	rows := `<tr><th class="class_header">Pro Buggy</th></tr>`
	for i, n := range names {
		rows += fmt.Sprintf(`<tr><td class="car-number">%d</td><td class="driver-name">%s</td><td class="transponder">88%04d</td></tr>`, i+1, n, i+1)
	}

	return `<html><body><table class="entry-list">` + rows + `</table></body></html>`
}

func racePage(drivers []struct {
	ID   string
	Name string
}, lapsPerDriver int) string {
	rows := ""
	scripts := ""

	for i, d := range drivers {
		rows += fmt.Sprintf(`<tr data-driver-id="%s"><td class="position">%d</td><td class="driver-name">%s</td><td class="qualifying-position">%d</td><td class="laps-total">%d/5:00.000</td></tr>`,
			d.ID, i+1, d.Name, i+1, lapsPerDriver)

		lapEntries := "{'lapNum':'0','pos':'1','time':'0'}"
		for lap := 1; lap <= lapsPerDriver; lap++ {
			lapEntries += fmt.Sprintf(",{'lapNum':'%d','pos':'%d','time':'30.0'}", lap, i+1)
		}

		scripts += fmt.Sprintf("racerLaps[%s] = { 'driverName': '%s', 'laps': [ %s ] };\n", d.ID, d.Name, lapEntries)
	}

	return `<html><body><table class="race-results"><tbody>` + rows + `</tbody></table><script>` + scripts + `</script></body></html>`
}

func emptyRacePage() string {
	return `<html><body><table class="race-results"><tbody></tbody></table></body></html>`
}

type fixtureServer struct {
	*httptest.Server
	racePages map[string]string
	eventHTML string
	entryHTML string
}

func newFixtureServer(t *testing.T) *fixtureServer {
	t.Helper()

	fs := &fixtureServer{racePages: map[string]string{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/entry_list/":
			_, _ = w.Write([]byte(fs.entryHTML))
		case r.URL.Query().Get("p") == "view_event":
			_, _ = w.Write([]byte(fs.eventHTML))
		case r.URL.Query().Get("p") == "view_race_result":
			page, ok := fs.racePages[r.URL.Query().Get("id")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)

				return
			}

			_, _ = w.Write([]byte(page))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	t.Cleanup(fs.Server.Close)

	return fs
}

func testSettings() Settings {
	return Settings{
		RaceFetchConcurrency: 4,
		CommitBatchSize:      20,
		LapChunkSize:         5000,
		InactivityTimeout:    30 * time.Second,
		MaxTotalDuration:     time.Minute,
		SupervisorTick:       10 * time.Millisecond,
		RaceRetryDelay:       time.Millisecond,
	}
}

func newTestPipeline(t *testing.T, store Store, serverURL string) *Pipeline {
	t.Helper()

	httpClient := fetch.NewHTTPClient(time.Second, 5*time.Second, time.Second, 10*time.Second, 1, 10*time.Millisecond, "liverc-ingest-test")
	renderer := fetch.NewRenderer(1920, 1080, 0, "", 1)
	cache := fetch.NewStrategyCache(100)
	fetcher := fetch.NewFetcher(httpClient, renderer, cache, time.Second, nil)
	urls := fetch.NewURLBuilderWithBase(serverURL)

	return New(store, fetcher, urls, validate.New(nil), testSettings(), nil)
}

var happyDrivers = []struct {
	ID   string
	Name string
}{
	{ID: "101", Name: "Alice Racer"},
	{ID: "102", Name: "Bob Driver"},
	{ID: "103", Name: "Cara Speed"},
}

func seedEvent(store *fakeStore) int64 {
	trackID := store.id()
	store.tracks[trackID] = "thedirt"

	eventID := store.id()
	store.events[eventID] = &liverc.Event{
		ID:            eventID,
		Source:        liverc.SourceLiveRC,
		SourceEventID: "7002",
		TrackID:       trackID,
		Name:          "Spring Nationals",
		IngestDepth:   liverc.DepthNone,
	}

	return eventID
}

func TestIngestEventHappyPath(t *testing.T) {
	server := newFixtureServer(t)
	server.eventHTML = eventPage([]string{"9001", "9002"})
	server.entryHTML = entryListPage([]string{"Alice Racer", "Bob Driver", "Cara Speed"})
	server.racePages["9001"] = racePage(happyDrivers, 10)
	server.racePages["9002"] = racePage(happyDrivers, 10)

	store := newFakeStore()
	eventID := seedEvent(store)
	pipe := newTestPipeline(t, store, server.URL)

	result, err := pipe.IngestEvent(context.Background(), eventID, liverc.DepthLapsFull)
	require.NoError(t, err)

	assert.Equal(t, "updated", result.Status)
	assert.Equal(t, 2, result.RacesProcessed)
	assert.Equal(t, 6, result.ResultsWritten)
	assert.Equal(t, 60, result.LapsWritten)

	event, err := store.GetEventByID(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, liverc.DepthLapsFull, event.IngestDepth)
	assert.NotNil(t, event.LastIngestedAt)

	// Synthetic entry drivers were rekeyed to the result page's real ids.
	store.mu.Lock()
	_, hasReal := store.drivers["101"]
	store.mu.Unlock()
	assert.True(t, hasReal, "entry driver should be rekeyed to real source id")

	assert.Equal(t, 1, store.durationRuns)
}

func TestIngestEventSecondRunAlreadyComplete(t *testing.T) {
	server := newFixtureServer(t)
	server.eventHTML = eventPage([]string{"9001"})
	server.entryHTML = entryListPage([]string{"Alice Racer"})
	server.racePages["9001"] = racePage(happyDrivers[:1], 10)

	store := newFakeStore()
	eventID := seedEvent(store)
	pipe := newTestPipeline(t, store, server.URL)

	first, err := pipe.IngestEvent(context.Background(), eventID, liverc.DepthLapsFull)
	require.NoError(t, err)
	require.Equal(t, "updated", first.Status)

	second, err := pipe.IngestEvent(context.Background(), eventID, liverc.DepthLapsFull)
	require.NoError(t, err)
	assert.Equal(t, "already_complete", second.Status)
	assert.Zero(t, second.RacesProcessed)
	assert.Zero(t, second.LapsWritten)
}

func TestIngestEventLockContention(t *testing.T) {
	server := newFixtureServer(t)
	server.eventHTML = eventPage([]string{"9001"})
	server.entryHTML = entryListPage([]string{"Alice Racer"})
	server.racePages["9001"] = racePage(happyDrivers[:1], 10)

	store := newFakeStore()
	eventID := seedEvent(store)
	store.heldLocks[fmt.Sprintf("event:%d", eventID)] = true

	pipe := newTestPipeline(t, store, server.URL)

	_, err := pipe.IngestEvent(context.Background(), eventID, liverc.DepthLapsFull)
	require.Error(t, err)

	ie, ok := liverc.AsIngestionError(err)
	require.True(t, ok)
	assert.Equal(t, liverc.CodeIngestionInProgress, ie.Code)
}

func TestIngestEventZeroResultRace(t *testing.T) {
	server := newFixtureServer(t)
	server.eventHTML = eventPage([]string{"9001", "9002"})
	server.entryHTML = entryListPage([]string{"Alice Racer"})
	server.racePages["9001"] = racePage(happyDrivers[:1], 10)
	server.racePages["9002"] = emptyRacePage()

	store := newFakeStore()
	eventID := seedEvent(store)
	pipe := newTestPipeline(t, store, server.URL)

	result, err := pipe.IngestEvent(context.Background(), eventID, liverc.DepthLapsFull)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RacesProcessed, "the empty race still persists a Race row")
	assert.Equal(t, 1, result.ResultsWritten)
	assert.Equal(t, 10, result.LapsWritten)
}

func TestIngestEventFailedRaceFetchIsSkipped(t *testing.T) {
	server := newFixtureServer(t)
	server.eventHTML = eventPage([]string{"9001", "9404"})
	server.entryHTML = entryListPage([]string{"Alice Racer"})
	server.racePages["9001"] = racePage(happyDrivers[:1], 10)
	// 9404 is never registered: the server responds 404 and the batch
	// driver logs and skips that race.

	store := newFakeStore()
	eventID := seedEvent(store)
	pipe := newTestPipeline(t, store, server.URL)

	result, err := pipe.IngestEvent(context.Background(), eventID, liverc.DepthLapsFull)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RacesProcessed)
}

func TestIngestEventBySourceIdCreatesPlaceholder(t *testing.T) {
	server := newFixtureServer(t)
	server.eventHTML = eventPage([]string{"9001"})
	server.entryHTML = entryListPage([]string{"Alice Racer"})
	server.racePages["9001"] = racePage(happyDrivers[:1], 10)

	store := newFakeStore()
	trackID := store.id()
	store.tracks[trackID] = "thedirt"

	pipe := newTestPipeline(t, store, server.URL)

	result, err := pipe.IngestEventBySourceId(context.Background(), "7002", trackID, liverc.DepthLapsFull)
	require.NoError(t, err)
	assert.Equal(t, "updated", result.Status)

	event, err := store.GetEventBySourceID(context.Background(), liverc.SourceLiveRC, "7002")
	require.NoError(t, err)
	assert.Equal(t, liverc.DepthLapsFull, event.IngestDepth)

	// Both lock scopes were taken, source_event first.
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.lockedKeys, 2)
	assert.Equal(t, "source_event:7002", store.lockedKeys[0])
}

func TestIngestEventUserMatching(t *testing.T) {
	server := newFixtureServer(t)
	server.eventHTML = eventPage([]string{"9001"})
	server.entryHTML = entryListPage([]string{"Alice Racer"})
	server.racePages["9001"] = racePage(happyDrivers[:1], 10)

	store := newFakeStore()
	eventID := seedEvent(store)
	store.users = []storage.UserMatchRow{{UserID: 42, NormalizedName: "alice racer"}}

	pipe := newTestPipeline(t, store, server.URL)

	_, err := pipe.IngestEvent(context.Background(), eventID, liverc.DepthLapsFull)
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.eventLinks, 1)
	assert.Equal(t, liverc.MatchExact, store.eventLinks[0].MatchType)
	assert.Equal(t, liverc.LinkConfirmed, store.links[[2]int64{42, store.eventLinks[0].DriverID}])
}
