package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/racedata/liverc-ingest/internal/derive"
	"github.com/racedata/liverc-ingest/internal/liverc"
	"github.com/racedata/liverc-ingest/internal/match"
	"github.com/racedata/liverc-ingest/internal/normalize"
	"github.com/racedata/liverc-ingest/internal/parse"
	"github.com/racedata/liverc-ingest/internal/storage"
	"github.com/racedata/liverc-ingest/internal/validate"
)

// racePackage is everything FetchRacePackage gathers for one race before
// any database write happens, so the fetch stage and the write stage can
// run at different concurrencies (parallel fetch, sequential write).
type racePackage struct {
	summary      parse.RawRaceSummary
	results      []parse.RawResult
	lapsByDriver map[string][]parse.RawLap
	fetchErr     error
}

// runRaceLoop implements the race-processing stage: races are
// fetched in bounded-parallel batches (default concurrency
// RaceFetchConcurrency), then written to the store one at a time, in
// race_order, since writes share one event-scoped driver-rekey/lap-buffer
// state that parallel writers would corrupt.
func (p *Pipeline) runRaceLoop(ctx context.Context, ectx EventContext, races []parse.RawRaceSummary, result *IngestResult, activity *activityTracker) error {
	entryCache, err := p.buildEntryCache(ctx, ectx.EventID)
	if err != nil {
		return err
	}

	packages := p.fetchRacePackages(ctx, ectx, races)

	var batch []preparedRace

	for _, pkg := range packages {
		activity.record()

		if pkg.fetchErr != nil {
			p.logger.Warn("skipping race after fetch failure",
				"event_id", ectx.EventID, "source_race_id", pkg.summary.SourceRaceID, "error", pkg.fetchErr)

			continue
		}

		prepared, err := p.writeRace(ctx, ectx, pkg, entryCache, result)
		if err != nil {
			return err
		}

		batch = append(batch, prepared)
		result.RacesProcessed++

		if len(batch) >= p.settings.CommitBatchSize {
			if err := p.commitBatch(ctx, batch, result); err != nil {
				return err
			}

			batch = nil
		}
	}

	if err := p.commitBatch(ctx, batch, result); err != nil {
		return err
	}

	raceIDs, err := p.store.ListRaceIDsForEvent(ctx, ectx.EventID)
	if err != nil {
		return err
	}

	return p.store.CalculateRaceDurations(ctx, raceIDs)
}

// commitBatch flushes one batch's laps to the store, then derives and
// persists each of its races' annotations. Annotations must follow laps:
// lap_annotations' primary key is a foreign key into laps.
func (p *Pipeline) commitBatch(ctx context.Context, batch []preparedRace, result *IngestResult) error {
	if len(batch) == 0 {
		return nil
	}

	var laps []*liverc.Lap

	for _, prepared := range batch {
		laps = append(laps, prepared.laps...)
	}

	if len(laps) > 0 {
		if err := p.store.UpsertLaps(ctx, laps); err != nil {
			return err
		}

		result.LapsWritten += len(laps)
	}

	for _, prepared := range batch {
		if err := p.store.DeleteLapAnnotationsForRace(ctx, prepared.raceID); err != nil {
			return err
		}

		annotations := derive.Derive(prepared.derive)
		if len(annotations) == 0 {
			continue
		}

		domainAnnotations := make([]*liverc.LapAnnotation, len(annotations))
		for i, a := range annotations {
			domainAnnotations[i] = &liverc.LapAnnotation{
				ResultID: a.ResultID,
				LapNumber: a.LapNumber,
				InvalidReason: a.InvalidReason,
				IncidentType: a.IncidentType,
				Confidence: a.Confidence,
				Metadata: a.Metadata,
			}
		}

		if err := p.store.UpsertLapAnnotations(ctx, domainAnnotations); err != nil {
			return err
		}
	}

	return nil
}

// entryCache is the event-entry lookup built once before the race
// loop. Every per-result lookup consults this map; the database is
// never hit once per result for class membership.
type entryCache struct {
	byDriverID map[int64]storage.EntryCacheRow
	candidates []match.EntryCandidate
}

func (p *Pipeline) buildEntryCache(ctx context.Context, eventID int64) (*entryCache, error) {
	rows, err := p.store.ListEventEntries(ctx, eventID)
	if err != nil {
		return nil, err
	}

	c := &entryCache{
		byDriverID: make(map[int64]storage.EntryCacheRow, len(rows)),
		candidates: make([]match.EntryCandidate, len(rows)),
	}

	for i, r := range rows {
		c.byDriverID[r.DriverID] = r
		// Candidates carry the cheap strip-and-uppercase normalization:
		// entry-to-result matching compares display names, not the full
		// canonicalized form reserved for user-driver fuzzy matching.
		c.candidates[i] = match.EntryCandidate{
			DriverID:       r.DriverID,
			SourceDriverID: r.SourceDriverID,
			NormalizedName: normalize.SimpleDriverName(r.DisplayName),
		}
	}

	return c, nil
}

// fetchRacePackages fetches every race's result page and lap data with at
// most RaceFetchConcurrency requests in flight at once, preserving the
// input order in the returned slice regardless of completion order. A
// buffered permits channel is the hand-rolled semaphore, mirroring
// fetch.Renderer's own concurrency-limiting idiom, since this module's
// dependency set has no errgroup/semaphore package to reach for.
func (p *Pipeline) fetchRacePackages(ctx context.Context, ectx EventContext, races []parse.RawRaceSummary) []racePackage {
	out := make([]racePackage, len(races))

	concurrency := p.settings.RaceFetchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	permits := make(chan struct{}, concurrency)

	var wg sync.WaitGroup

	for i, race := range races {
		wg.Add(1)

		go func(i int, race parse.RawRaceSummary) {
			defer wg.Done()

			permits <- struct{}{}
			defer func() { <-permits }()

			out[i] = p.fetchRacePackage(ctx, ectx, race)
		}(i, race)
	}

	wg.Wait()

	return out
}

// fetchRacePackage fetches and parses one race's result page and
// embedded lap data. Any error is attached to the
// package rather than returned, so one race's fetch failure does not
// abort the others already in flight.
func (p *Pipeline) fetchRacePackage(ctx context.Context, ectx EventContext, race parse.RawRaceSummary) racePackage {
	raceURL := p.urls.RaceResult(ectx.TrackSlug, race.SourceRaceID)

	html, err := p.fetcher.Fetch(ctx, raceURL, "table.race-results", func(body []byte) error {
		_, verr := parse.RaceResult(string(body), raceURL)

		return verr
	})
	if err != nil {
		return racePackage{summary: race, fetchErr: err}
	}

	results, err := parse.RaceResult(html, raceURL)
	if err != nil {
		return racePackage{summary: race, fetchErr: err}
	}

	lapsByDriver, err := parse.ParseAllDriverLaps(html, raceURL)
	if err != nil {
		p.logger.Warn("race page carried no parseable lap data", "race_id", race.SourceRaceID, "error", err)

		lapsByDriver = map[string][]parse.RawLap{}
	}

	return racePackage{summary: race, results: results, lapsByDriver: lapsByDriver}
}

// preparedRace is one race's write outcome: the laps still awaiting a
// buffered flush, and everything the derivation engine needs once those
// laps are committed (its own annotations FK-depend on the laps rows
// already existing, per lap_annotations' composite foreign key).
type preparedRace struct {
	raceID int64
	laps   []*liverc.Lap
	derive derive.RaceInput
}

// writeRace implements the per-race write sequence: upsert the
// Race row even when results is empty, match each result back to its
// declared entry, rekey the entry's synthetic driver id to the result's
// real source id on first sight, upsert the RaceDriver/RaceResult rows,
// and collect that result's laps for the caller's buffered flush.
func (p *Pipeline) writeRace(
	ctx context.Context, ectx EventContext, pkg racePackage, cache *entryCache, result *IngestResult,
) (prepared preparedRace, err error) {
	sessionType := normalize.SessionType(pkg.summary.FullLabel, pkg.summary.URL)

	race := &liverc.Race{
		EventID: ectx.EventID,
		SourceRaceID: pkg.summary.SourceRaceID,
		ClassName: p.classAliases.Resolve(normalize.String(pkg.summary.ClassName)),
		Label: normalize.String(pkg.summary.Label),
		RaceOrder: pkg.summary.RaceOrder,
		URL: pkg.summary.URL,
		SessionType: sessionType,
	}

	if err := p.validator.ValidateRace(race); err != nil {
		return preparedRace{}, err
	}

	raceID, err := p.store.UpsertRace(ctx, race)
	if err != nil {
		return preparedRace{}, err
	}

	resultsWithDriver := make([]validate.ResultWithDriver, len(pkg.results))
	for i, r := range pkg.results {
		resultsWithDriver[i] = validate.ResultWithDriver{
			SourceDriverID: r.SourceDriverID,
			Result: toDomainResult(r),
		}
	}

	if err := p.validator.ValidateResultsSet(race.SourceRaceID, resultsWithDriver); err != nil {
		return preparedRace{}, err
	}

	domainResults := make([]*liverc.RaceResult, 0, len(pkg.results))
	rawLapsByRaceDriverID := make(map[int64][]parse.RawLap, len(pkg.results))

	for _, r := range pkg.results {
		domainResult := toDomainResult(r)
		if err := p.validator.ValidateResult(race.SourceRaceID, domainResult); err != nil {
			return preparedRace{}, err
		}

		rawLaps := pkg.lapsByDriver[r.SourceDriverID]
		if err := p.validator.ValidateLaps(race.SourceRaceID, r.SourceDriverID, r.LapsCompleted, toDomainLaps(0, rawLaps)); err != nil {
			return preparedRace{}, err
		}

		normalizedName := normalize.SimpleDriverName(r.DisplayName)
		entry := match.MatchResultToEntry(r.SourceDriverID, normalizedName, cache.candidates)

		driverID, err := p.resolveResultDriver(ctx, r, normalizedName, entry)
		if err != nil {
			return preparedRace{}, err
		}

		raceDriverID, err := p.store.UpsertRaceDriver(ctx, &liverc.RaceDriver{
			RaceID: raceID,
			DriverID: driverID,
			SourceDriverID: r.SourceDriverID,
			DisplayName: r.DisplayName,
		})
		if err != nil {
			return preparedRace{}, err
		}

		domainResult.RaceDriverID = raceDriverID
		domainResults = append(domainResults, domainResult)
		rawLapsByRaceDriverID[raceDriverID] = rawLaps
	}

	if err := p.store.UpsertRaceResults(ctx, raceID, domainResults); err != nil {
		return preparedRace{}, err
	}

	result.ResultsWritten += len(domainResults)

	var laps []*liverc.Lap

	derivedResults := make([]derive.ResultInput, 0, len(domainResults))

	if len(rawLapsByRaceDriverID) > 0 {
		resultIDs, err := p.store.ListResultIDsForRace(ctx, raceID)
		if err != nil {
			return preparedRace{}, err
		}

		for _, dr := range domainResults {
			resultID := resultIDs[dr.RaceDriverID]
			rawLaps := rawLapsByRaceDriverID[dr.RaceDriverID]
			domainLaps := toDomainLaps(resultID, rawLaps)

			laps = append(laps, domainLaps...)

			lapInputs := make([]derive.LapInput, len(domainLaps))
			for i, l := range domainLaps {
				lapInputs[i] = derive.LapInput{
					LapNumber: l.LapNumber,
					LapTimeSeconds: l.LapTimeSeconds,
					ElapsedRaceTime: l.ElapsedRaceTime,
				}
			}

			derivedResults = append(derivedResults, derive.ResultInput{
				ResultID: resultID,
				LapsCompleted: dr.LapsCompleted,
				Laps: lapInputs,
			})
		}
	}

	raceInput := derive.RaceInput{
		VehicleType: vehicleTypeLabel(normalize.InferVehicleType(race.ClassName, "")),
		ClassName: race.ClassName,
		Results: derivedResults,
	}

	return preparedRace{raceID: raceID, laps: laps, derive: raceInput}, nil
}

// vehicleTypeLabel renders InferVehicleType's boolean back into the free
// text field derive.RaceInput.VehicleType expects, since this module's own
// nitro detection is already folded into normalize.InferVehicleType and
// has no separate declared-vehicle-type string to carry through.
func vehicleTypeLabel(isNitro bool) string {
	if isNitro {
		return "nitro"
	}

	return ""
}

// resolveResultDriver implements the synthetic-id rekey: a result
// matched to a declared entry whose driver id is still the temporary
// entry_<hash> form is rekeyed to the result's real source driver id, and
// every future lookup for that driver uses the real id from then on.
func (p *Pipeline) resolveResultDriver(
	ctx context.Context, r parse.RawResult, normalizedName string, entry *match.EntryCandidate,
) (int64, error) {
	if entry == nil {
		driver := &liverc.Driver{
			Source: liverc.SourceLiveRC,
			SourceDriverID: r.SourceDriverID,
			DisplayName: r.DisplayName,
			NormalizedName: normalizedName,
		}

		return p.store.UpsertDriver(ctx, driver)
	}

	if r.SourceDriverID != "" && entry.SourceDriverID != r.SourceDriverID {
		if err := p.store.RekeyDriver(ctx, liverc.SourceLiveRC, entry.SourceDriverID, r.SourceDriverID); err != nil {
			return 0, err
		}
	}

	return entry.DriverID, nil
}

func toDomainResult(r parse.RawResult) *liverc.RaceResult {
	res := &liverc.RaceResult{
		PositionFinal: r.PositionFinal,
		LapsCompleted: r.LapsCompleted,
		TotalTimeRaw: r.TotalTimeRaw,
		TotalTimeSecs: r.TotalTimeSecs,
		QualifyingPos: r.QualifyingPos,
		SecondsBehind: r.SecondsBehind,
		Consistency: r.Consistency,
	}

	if res.TotalTimeSecs == nil && strings.Contains(r.TotalTimeRaw, "/") {
		if _, secs, err := normalize.TotalTime(r.TotalTimeRaw); err == nil {
			res.TotalTimeSecs = &secs
		}
	}

	if r.FastLapRaw != "" {
		if secs, err := normalize.LapTime(r.FastLapRaw); err == nil {
			res.FastLapSecs = &secs
		}
	}

	if r.AvgLapRaw != "" {
		if secs, err := normalize.LapTime(r.AvgLapRaw); err == nil {
			res.AvgLapSecs = &secs
		}
	}

	extra := map[string]any{}

	if r.Avg5 != nil {
		extra["avg_5"] = *r.Avg5
	}

	if r.Avg10 != nil {
		extra["avg_10"] = *r.Avg10
	}

	if r.Avg15 != nil {
		extra["avg_15"] = *r.Avg15
	}

	if r.Top3Consecutive != nil {
		extra["top_3_consecutive"] = *r.Top3Consecutive
	}

	if r.StdDev != nil {
		extra["std_dev"] = *r.StdDev
	}

	if len(extra) > 0 {
		res.Extra = extra
	}

	return res
}

func toDomainLaps(resultID int64, raw []parse.RawLap) []*liverc.Lap {
	out := make([]*liverc.Lap, len(raw))

	for i, l := range raw {
		out[i] = &liverc.Lap{
			ResultID: resultID,
			LapNumber: l.LapNumber,
			PositionOnLap: l.PositionOnLap,
			LapTimeRaw: l.LapTimeRaw,
			LapTimeSeconds: l.LapTimeSeconds,
			PaceString: l.PaceString,
			ElapsedRaceTime: l.ElapsedRaceTime,
			Segments: l.Segments,
		}
	}

	return out
}
