package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/racedata/liverc-ingest/internal/liverc"
	"github.com/racedata/liverc-ingest/internal/normalize"
	"github.com/racedata/liverc-ingest/internal/parse"
	"github.com/racedata/liverc-ingest/internal/storage"
)

// PracticeSummary is IngestPracticeDay's outcome, mirroring IngestResult's
// shape but scoped to the narrower practice write path: no Race,
// RaceResult, or ingest-depth state, since a practice day is not an Event
// per the data model.
type PracticeSummary struct {
	TrackSlug       string
	Date            string
	SessionsWritten int
	LapsWritten     int
}

// IngestPracticeMonth ingests every practice day the track's monthly
// calendar records for (year, month), in ascending date order. A single
// day's failure is logged and does not abort the remaining days,
// mirroring the per-race failure isolation of the event race loop.
func (p *Pipeline) IngestPracticeMonth(ctx context.Context, trackSlug string, year int, month time.Month) ([]*PracticeSummary, error) {
	monthURL := p.urls.PracticeSessionList(trackSlug, fmt.Sprintf("%04d-%02d-01", year, month))

	html, err := p.fetcher.Fetch(ctx, monthURL, "", nil)
	if err != nil {
		return nil, err
	}

	days, err := parse.PracticeDaysInMonth(html, monthURL, year, month)
	if err != nil {
		return nil, err
	}

	summaries := make([]*PracticeSummary, 0, len(days))

	for _, d := range days {
		day, derr := time.Parse("2006-01-02", d.DateRaw)
		if derr != nil {
			p.logger.Warn("skipping practice day with unparseable date", "date", d.DateRaw, "error", derr)

			continue
		}

		summary, ierr := p.IngestPracticeDay(ctx, trackSlug, day)
		if ierr != nil {
			p.logger.Warn("skipping failed practice day", "date", d.DateRaw, "error", ierr)

			continue
		}

		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// IngestPracticeDay ingests every practice session recorded for trackSlug
// on day, reusing the fetch/parse/normalize stages and a narrower slice
// of the store (practice_sessions/practice_laps only). Practice days
// carry no entry list, no ingest-depth state and no per-result
// validation surface.
func (p *Pipeline) IngestPracticeDay(ctx context.Context, trackSlug string, day time.Time) (*PracticeSummary, error) {
	trackID, err := p.store.GetTrackIDBySlug(ctx, liverc.SourceLiveRC, trackSlug)
	if err != nil {
		return nil, fmt.Errorf("ingest practice day: %w", err)
	}

	date := day.Format("2006-01-02")

	listURL := p.urls.PracticeSessionList(trackSlug, date)

	html, err := p.fetcher.Fetch(ctx, listURL, "table.practice-session-list", func(body []byte) error {
		_, verr := parse.PracticeDayOverview(string(body), listURL)

		return verr
	})
	if err != nil {
		return nil, err
	}

	sessions, err := parse.PracticeDayOverview(html, listURL)
	if err != nil {
		return nil, err
	}

	summary := &PracticeSummary{TrackSlug: trackSlug, Date: date}

	for _, s := range sessions {
		if err := p.ingestPracticeSession(ctx, trackID, day, s, summary); err != nil {
			return nil, fmt.Errorf("ingest practice session %s: %w", s.SourceSessionID, err)
		}
	}

	return summary, nil
}

func (p *Pipeline) ingestPracticeSession(
	ctx context.Context, trackID int64, day time.Time, s parse.RawPracticeSession, summary *PracticeSummary,
) error {
	sessionURL := p.urls.PracticeSession("", s.SourceSessionID)
	if s.URL != "" {
		sessionURL = s.URL
	}

	html, err := p.fetcher.Fetch(ctx, sessionURL, "", nil)
	if err != nil {
		return err
	}

	lapsByTransponder, err := parse.ParseAllPracticeLaps(html, sessionURL)
	if err != nil {
		p.logger.Warn("practice session carried no parseable lap data",
			"session_id", s.SourceSessionID, "error", err)

		return nil
	}

	sessionDate := day
	if s.StartRaw != "" {
		if parsed, derr := normalize.DateTime(s.StartRaw); derr == nil {
			sessionDate = parsed
		}
	}

	sessionID, err := p.store.UpsertPracticeSession(ctx, &storage.PracticeSession{
		TrackID: trackID,
		SourceSessionID: s.SourceSessionID,
		SessionDate: sessionDate,
		Label: normalize.String(s.Label),
		URL: sessionURL,
	})
	if err != nil {
		return err
	}

	summary.SessionsWritten++

	var laps []*storage.PracticeLap

	for transponder, raw := range lapsByTransponder {
		for _, l := range raw {
			laps = append(laps, &storage.PracticeLap{
				SessionID: sessionID,
				Transponder: transponder,
				LapNumber: l.LapNumber,
				PositionOnLap: l.PositionOnLap,
				LapTimeRaw: l.LapTimeRaw,
				LapTimeSeconds: l.LapTimeSeconds,
				PaceString: l.PaceString,
				ElapsedRaceTime: l.ElapsedRaceTime,
				Segments: l.Segments,
			})
		}
	}

	if len(laps) == 0 {
		return nil
	}

	if err := p.store.UpsertPracticeLaps(ctx, laps); err != nil {
		return err
	}

	summary.LapsWritten += len(laps)

	return nil
}
