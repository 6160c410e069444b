// Package pipeline implements the orchestration layer: IngestEvent's
// six-step flow (fetch outside the lock, then validate, persist,
// race-process, match and advance depth under a per-event advisory
// lock), its bounded-parallel race-fetch batches, its activity-based
// timeout supervisor, and its once-only retry on a cross-transaction
// driver race condition. Store is a narrow interface rather than a
// direct storage dependency, so this package's tests can swap in an
// in-memory fake instead of a live Postgres connection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/racedata/liverc-ingest/internal/config"
	"github.com/racedata/liverc-ingest/internal/fetch"
	"github.com/racedata/liverc-ingest/internal/liverc"
	"github.com/racedata/liverc-ingest/internal/normalize"
	"github.com/racedata/liverc-ingest/internal/parse"
	"github.com/racedata/liverc-ingest/internal/statemachine"
	"github.com/racedata/liverc-ingest/internal/storage"
	"github.com/racedata/liverc-ingest/internal/validate"
)

// Store is everything the pipeline needs from persistence, kept narrow
// and interface-typed (rather than a direct *storage.RaceStore
// dependency) so this package's tests can swap in an in-memory fake
// instead of a live Postgres connection.
type Store interface {
	GetEventByID(ctx context.Context, id int64) (*liverc.Event, error)
	GetEventBySourceID(ctx context.Context, source, sourceEventID string) (*liverc.Event, error)
	GetTrackSlug(ctx context.Context, trackID int64) (string, error)
	UpsertEvent(ctx context.Context, e *liverc.Event) (int64, error)
	MarkEventIngested(ctx context.Context, eventID int64, depth liverc.IngestDepth) error
	UpsertEventEntry(ctx context.Context, entry *liverc.EventEntry) error
	ListEventEntries(ctx context.Context, eventID int64) ([]storage.EntryCacheRow, error)
	CountEntryCriteria(ctx context.Context, eventID int64) (raceCount, resultCount, lapCount int, err error)
	UpsertRace(ctx context.Context, r *liverc.Race) (int64, error)
	UpsertDriver(ctx context.Context, d *liverc.Driver) (int64, error)
	RekeyDriver(ctx context.Context, source, tempSourceDriverID, realSourceDriverID string) error
	UpsertRaceDriver(ctx context.Context, rd *liverc.RaceDriver) (int64, error)
	UpsertRaceResults(ctx context.Context, raceID int64, results []*liverc.RaceResult) error
	ListResultIDsForRace(ctx context.Context, raceID int64) (map[int64]int64, error)
	UpsertLaps(ctx context.Context, laps []*liverc.Lap) error
	DeleteLapAnnotationsForRace(ctx context.Context, raceID int64) error
	UpsertLapAnnotations(ctx context.Context, annotations []*liverc.LapAnnotation) error
	ListRaceIDsForEvent(ctx context.Context, eventID int64) ([]int64, error)
	CalculateRaceDurations(ctx context.Context, raceIDs []int64) error
	ListUsersForMatching(ctx context.Context) ([]storage.UserMatchRow, error)
	FindExistingDriverLink(ctx context.Context, driverID, candidateUserID int64) (existingUserID int64, linked bool, err error)
	UpsertEventDriverLink(ctx context.Context, l *liverc.EventDriverLink) error
	UpsertUserDriverLinkStatus(ctx context.Context, userID, driverID int64, status liverc.LinkStatus, similarity float64, reason *string) error
	GetUserDriverLinkStatus(ctx context.Context, userID, driverID int64) (liverc.LinkStatus, bool, error)
	GetUserNormalizedName(ctx context.Context, userID int64) (string, error)
	GetDriverNormalizedName(ctx context.Context, driverID int64) (string, error)
	ListTransponderEventDriverLinks(ctx context.Context) ([]liverc.EventDriverLink, error)
	GetTrackIDBySlug(ctx context.Context, source, slug string) (int64, error)
	UpsertPracticeSession(ctx context.Context, p *storage.PracticeSession) (int64, error)
	UpsertPracticeLaps(ctx context.Context, laps []*storage.PracticeLap) error
	WithEventLock(ctx context.Context, lockKey string, fn func() error) (acquired bool, err error)
}

// Settings is the pipeline's configurable concurrency and timing
// surface. Every field is read from config.Config, never hardcoded, so
// an operator can retune batch sizes and timeouts per deployment
// without a rebuild.
type Settings struct {
	RaceFetchConcurrency int
	CommitBatchSize      int
	LapChunkSize         int
	InactivityTimeout    time.Duration
	MaxTotalDuration     time.Duration
	SupervisorTick       time.Duration
	RaceRetryDelay       time.Duration
}

// SettingsFromConfig narrows a full config.Config down to the fields this
// package needs.
func SettingsFromConfig(c *config.Config) Settings {
	return Settings{
		RaceFetchConcurrency: c.RaceFetchConcurrency,
		CommitBatchSize:      c.CommitBatchSize,
		LapChunkSize:         c.LapChunkSize,
		InactivityTimeout:    c.InactivityTimeout,
		MaxTotalDuration:     c.MaxTotalDuration,
		SupervisorTick:       c.SupervisorTick,
		RaceRetryDelay:       c.RaceRetryDelay,
	}
}

// Pipeline wires the fetcher, the parsers (called directly - they have
// no stateful collaborator), the normalizer (likewise stateless), the
// validator, the store, the state machine and the match/derive stages
// behind the IngestEvent/IngestEventBySourceId operations.
type Pipeline struct {
	store        Store
	fetcher      *fetch.Fetcher
	urls         *fetch.URLBuilder
	validator    *validate.Validator
	settings     Settings
	logger       *slog.Logger
	classAliases *normalize.ClassAliasConfig

	retrying   map[int64]bool
	retryingMu sync.Mutex
}

// New builds a Pipeline. A nil logger falls back to slog.Default(). Class
// aliases are loaded eagerly from the environment-configured path (or the
// default, or nothing at all if neither exists) since every event ingested
// resolves its class names through them.
func New(store Store, fetcher *fetch.Fetcher, urls *fetch.URLBuilder, validator *validate.Validator, settings Settings, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	aliases, err := normalize.LoadClassAliasesFromEnv()
	if err != nil {
		aliases = &normalize.ClassAliasConfig{}
	}

	return &Pipeline{
		store: store,
		fetcher: fetcher,
		urls: urls,
		validator: validator,
		settings: settings,
		logger: logger,
		classAliases: aliases,
		retrying: make(map[int64]bool),
	}
}

// IngestResult is IngestEvent's outcome: either the already_complete
// short-circuit or the ordinary completion path.
type IngestResult struct {
	EventID        int64
	Status         string // "updated" or "already_complete"
	RacesProcessed int
	ResultsWritten int
	LapsWritten    int
}

// EventContext is the immutable per-event addressing information loaded
// once, outside any lock.
type EventContext struct {
	EventID       int64
	TrackID       int64
	TrackSlug     string
	SourceEventID string
}

// loadEventContext reads the fields an already-persisted Event needs for
// its own re-fetch: track slug (for URL construction) and source event id
// (for the event page's own URL).
func (p *Pipeline) loadEventContext(ctx context.Context, eventID int64) (EventContext, error) {
	e, err := p.store.GetEventByID(ctx, eventID)
	if err != nil {
		return EventContext{}, fmt.Errorf("load event context: %w", err)
	}

	slug, err := p.store.GetTrackSlug(ctx, e.TrackID)
	if err != nil {
		return EventContext{}, fmt.Errorf("load event context: %w", err)
	}

	return EventContext{
		EventID: e.ID,
		TrackID: e.TrackID,
		TrackSlug: slug,
		SourceEventID: e.SourceEventID,
	}, nil
}

// IngestEvent implements the top-level operation end to end.
func (p *Pipeline) IngestEvent(ctx context.Context, eventID int64, depth liverc.IngestDepth) (*IngestResult, error) {
	ectx, err := p.loadEventContext(ctx, eventID)
	if err != nil {
		return nil, err
	}

	return p.ingestEventContext(ctx, ectx, depth)
}

// IngestEventBySourceId implements the alternative entry point: it
// holds source_event_lock first to create or locate the Event row, then
// proceeds through the event-id path.
func (p *Pipeline) IngestEventBySourceId(ctx context.Context, sourceEventID string, trackID int64, depth liverc.IngestDepth) (*IngestResult, error) {
	lockKey := "source_event:" + sourceEventID

	var result *IngestResult

	acquired, err := p.store.WithEventLock(ctx, lockKey, func() error {
		slug, terr := p.store.GetTrackSlug(ctx, trackID)
		if terr != nil {
			return terr
		}

		eventID, rerr := p.resolveOrCreateEvent(ctx, sourceEventID, trackID, slug)
		if rerr != nil {
			return rerr
		}

		res, ierr := p.IngestEvent(ctx, eventID, depth)
		if ierr != nil {
			return ierr
		}

		result = res

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !acquired {
		return nil, liverc.NewIngestionInProgressError(lockKey)
	}

	return result, nil
}

// resolveOrCreateEvent finds an existing Event by its natural key, or
// creates a minimal placeholder row (ingest_depth none) that the
// event-id path then fetches and fleshes out.
func (p *Pipeline) resolveOrCreateEvent(ctx context.Context, sourceEventID string, trackID int64, trackSlug string) (int64, error) {
	e, err := p.store.GetEventBySourceID(ctx, liverc.SourceLiveRC, sourceEventID)
	if err == nil {
		return e.ID, nil
	}

	if !errors.Is(err, storage.ErrEventNotFound) {
		return 0, err
	}

	placeholder := &liverc.Event{
		Source: liverc.SourceLiveRC,
		SourceEventID: sourceEventID,
		TrackID: trackID,
		Name: sourceEventID,
		URL: p.urls.EventView(trackSlug, sourceEventID),
		IngestDepth: liverc.DepthNone,
	}

	return p.store.UpsertEvent(ctx, placeholder)
}

// ingestEventContext runs the fetch-validate-persist flow for an
// already-addressed event, retrying the whole flow exactly once on a
// detected cross-transaction driver race condition. Each attempt gets a
// run id so an operator can correlate every log line of one ingestion
// across the fetch workers and the supervisor.
func (p *Pipeline) ingestEventContext(ctx context.Context, ectx EventContext, depth liverc.IngestDepth) (*IngestResult, error) {
	runID := uuid.NewString()
	p.logger.Info("starting event ingestion",
		"run_id", runID, "event_id", ectx.EventID, "source_event_id", ectx.SourceEventID, "depth", string(depth))

	started := time.Now()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	activity := newActivityTracker()

	supervisorDone := make(chan error, 1)

	go p.runSupervisor(runCtx, ectx.EventID, activity, supervisorDone)

	type runOutcome struct {
		result *IngestResult
		err    error
	}

	runDone := make(chan runOutcome, 1)

	go func() {
		result, err := p.runOnce(runCtx, ectx, depth, activity)
		runDone <- runOutcome{result, err}
	}()

	var result *IngestResult

	var err error

	select {
	case outcome := <-runDone:
		cancelRun()

		<-supervisorDone

		result, err = outcome.result, outcome.err
	case supervisorErr := <-supervisorDone:
		cancelRun()

		outcome := <-runDone

		if supervisorErr != nil {
			err = supervisorErr
		} else {
			// Supervisor exited on outer-context cancellation; the run's
			// own outcome carries the real cause.
			result, err = outcome.result, outcome.err
		}
	}

	if err != nil && liverc.IsRaceCondition(err) && p.claimRetry(ectx.EventID) {
		p.logger.Warn("retrying event after driver race condition", "run_id", runID, "event_id", ectx.EventID)
		time.Sleep(p.settings.RaceRetryDelay)

		return p.ingestEventContext(ctx, ectx, depth)
	}

	if err == nil {
		p.logger.Info("event ingestion finished",
			"run_id", runID, "event_id", ectx.EventID, "status", result.Status,
			"duration_ms", time.Since(started).Milliseconds())
	}

	return result, err
}

func (p *Pipeline) claimRetry(eventID int64) bool {
	p.retryingMu.Lock()
	defer p.retryingMu.Unlock()

	if p.retrying[eventID] {
		return false
	}

	p.retrying[eventID] = true

	return true
}

// runOnce performs one full attempt: fetch and validate outside the
// lock, then everything in commitEvent under the per-event advisory
// lock, which it acquires and releases itself.
func (p *Pipeline) runOnce(ctx context.Context, ectx EventContext, depth liverc.IngestDepth, activity *activityTracker) (*IngestResult, error) {
	header, races, entries, err := p.fetchAndValidateEventHeader(ctx, ectx)
	if err != nil {
		return nil, err
	}

	var result *IngestResult

	lockKey := fmt.Sprintf("event:%d", ectx.EventID)

	acquired, err := p.store.WithEventLock(ctx, lockKey, func() error {
		res, ierr := p.commitEvent(ctx, ectx, depth, header, races, entries, activity)
		if ierr != nil {
			return ierr
		}

		result = res

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !acquired {
		return nil, liverc.NewIngestionInProgressError(lockKey)
	}

	return result, nil
}

// fetchAndValidateEventHeader fetches the event page and entry list
// outside any lock, sorts races by (order is null, order), and
// validates and normalizes the header.
func (p *Pipeline) fetchAndValidateEventHeader(
	ctx context.Context, ectx EventContext,
) (*liverc.Event, []parse.RawRaceSummary, []parse.RawEntry, error) {
	eventURL := p.urls.EventView(ectx.TrackSlug, ectx.SourceEventID)

	html, err := p.fetcher.Fetch(ctx, eventURL, "div.event-header", func(body []byte) error {
		_, verr := parse.EventDetail(string(body), eventURL)

		return verr
	})
	if err != nil {
		return nil, nil, nil, err
	}

	detail, err := parse.EventDetail(html, eventURL)
	if err != nil {
		return nil, nil, nil, err
	}

	races := make([]parse.RawRaceSummary, len(detail.Races))
	copy(races, detail.Races)

	sort.SliceStable(races, func(i, j int) bool {
		iNil, jNil := races[i].RaceOrder == nil, races[j].RaceOrder == nil
		if iNil != jNil {
			return jNil // non-nil order sorts before nil order
		}

		if iNil {
			return false
		}

		return *races[i].RaceOrder < *races[j].RaceOrder
	})

	entryURL := p.urls.EntryList(ectx.TrackSlug, ectx.SourceEventID)

	entryHTML, err := p.fetcher.Fetch(ctx, entryURL, "table.entry-list", func(body []byte) error {
		_, verr := parse.EntryList(string(body), entryURL)

		return verr
	})
	if err != nil {
		return nil, nil, nil, err
	}

	entries, err := parse.EntryList(entryHTML, entryURL)
	if err != nil {
		return nil, nil, nil, err
	}

	if len(entries) == 0 {
		return nil, nil, nil, liverc.NewValidationError("entries", "entry list is empty", map[string]any{"event_id": ectx.SourceEventID})
	}

	scheduledDate, dateErr := normalize.DateTime(detail.DateRaw)
	if dateErr != nil {
		return nil, nil, nil, dateErr
	}

	header := &liverc.Event{
		Source: liverc.SourceLiveRC,
		SourceEventID: detail.SourceEventID,
		TrackID: ectx.TrackID,
		Name: normalize.String(detail.Name),
		ScheduledDate: scheduledDate,
		DeclaredEntries: detail.DeclaredEntries,
		DeclaredDrivers: detail.DeclaredDrivers,
		URL: eventURL,
	}

	raceSummaries := make([]validate.EventRaceSummary, len(races))
	for i, r := range races {
		raceSummaries[i] = validate.EventRaceSummary{SourceRaceID: r.SourceRaceID, RaceOrder: r.RaceOrder}
	}

	if verr := p.validator.ValidateEvent(header, eventURL, raceSummaries); verr != nil {
		return nil, nil, nil, verr
	}

	return header, races, entries, nil
}

// commitEvent is everything that runs under the event lock: depth
// check, header update, entry persistence, the race loop, matching and
// the final depth advance.
func (p *Pipeline) commitEvent(
	ctx context.Context, ectx EventContext, requestedDepth liverc.IngestDepth,
	header *liverc.Event, races []parse.RawRaceSummary, entries []parse.RawEntry,
	activity *activityTracker,
) (*IngestResult, error) {
	current, err := p.store.GetEventByID(ctx, ectx.EventID)
	if err != nil {
		return nil, err
	}

	if err := statemachine.ValidateTransition(current.IngestDepth, requestedDepth); err != nil {
		return nil, err
	}

	if current.IngestDepth == liverc.DepthLapsFull {
		existing, err := p.store.ListEventEntries(ctx, ectx.EventID)
		if err != nil {
			return nil, err
		}

		if len(existing) > 0 {
			return &IngestResult{EventID: ectx.EventID, Status: "already_complete"}, nil
		}
	}

	header.ID = ectx.EventID
	header.TrackID = ectx.TrackID
	header.IngestDepth = current.IngestDepth

	if _, err := p.store.UpsertEvent(ctx, header); err != nil {
		return nil, err
	}

	activity.record()

	if err := p.persistEntries(ctx, ectx.EventID, entries); err != nil {
		return nil, err
	}

	activity.record()

	result := &IngestResult{EventID: ectx.EventID, Status: "updated"}

	if requestedDepth == liverc.DepthLapsFull && current.IngestDepth != liverc.DepthLapsFull {
		if err := p.runRaceLoop(ctx, ectx, races, result, activity); err != nil {
			return nil, err
		}
	}

	if err := p.runMatching(ctx, ectx.EventID); err != nil {
		return nil, err
	}

	activity.record()

	raceCount, resultCount, lapCount, err := p.store.CountEntryCriteria(ctx, ectx.EventID)
	if err != nil {
		return nil, err
	}

	if err := statemachine.CheckEntryCriteria(requestedDepth, statemachine.EntryCriteria{
		EventExists: true, RaceCount: raceCount, ResultCount: resultCount, LapCount: lapCount,
	}); err != nil {
		return nil, err
	}

	if err := p.store.MarkEventIngested(ctx, ectx.EventID, requestedDepth); err != nil {
		return nil, err
	}

	activity.record()

	return result, nil
}

// persistEntries stores the declared entry list: each entry
// creates/updates a synthetic-id Driver and an EventEntry.
func (p *Pipeline) persistEntries(ctx context.Context, eventID int64, entries []parse.RawEntry) error {
	for _, e := range entries {
		driver := &liverc.Driver{
			Source: liverc.SourceLiveRC,
			SourceDriverID: parse.SyntheticDriverID(e.DriverName),
			DisplayName: e.DriverName,
			NormalizedName: normalize.DriverName(e.DriverName),
			Transponder: e.Transponder,
		}

		driverID, err := p.store.UpsertDriver(ctx, driver)
		if err != nil {
			return err
		}

		entry := &liverc.EventEntry{
			EventID: eventID,
			DriverID: driverID,
			ClassName: p.classAliases.Resolve(normalize.String(e.ClassName)),
			Transponder: e.Transponder,
			CarNumber: e.CarNumber,
		}

		if err := p.store.UpsertEventEntry(ctx, entry); err != nil {
			return err
		}
	}

	return nil
}
