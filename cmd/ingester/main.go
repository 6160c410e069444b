// Package main provides the ingestion CLI: the external collaborator that
// drives track and event refreshes, single-event ingestion, practice-day
// ingestion, driver-identity auto-confirmation, and status/integrity
// reporting over internal/pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/racedata/liverc-ingest/internal/config"
	"github.com/racedata/liverc-ingest/internal/fetch"
	"github.com/racedata/liverc-ingest/internal/liverc"
	"github.com/racedata/liverc-ingest/internal/pipeline"
	"github.com/racedata/liverc-ingest/internal/statemachine"
	"github.com/racedata/liverc-ingest/internal/storage"
	"github.com/racedata/liverc-ingest/internal/validate"
)

const (
	version = "1.0.0-dev"
	name    = "ingester"
)

// exitOK, exitParseOrValidation and exitGeneric are the three exit codes
// the CLI surface promises: 0 success, 1 parse/validation failure, 2
// network or other failure.
const (
	exitOK                = 0
	exitParseOrValidation = 1
	exitGeneric           = 2
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(exitOK)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitOK)
	}

	command := os.Args[1]

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitGeneric)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)}))

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(exitGeneric)
	}
	defer app.conn.Close()

	ctx := context.Background()

	var runErr error

	switch command {
	case "list-tracks":
		runErr = app.listTracks(ctx, os.Args[2:])
	case "list-events":
		runErr = app.listEvents(ctx, os.Args[2:])
	case "ingest-event":
		runErr = app.ingestEvent(ctx, os.Args[2:])
	case "ingest-practice":
		runErr = app.ingestPractice(ctx, os.Args[2:])
	case "refresh-followed":
		runErr = app.refreshFollowed(ctx, os.Args[2:])
	case "status":
		runErr = app.status(ctx, os.Args[2:])
	case "auto-confirm":
		runErr = app.autoConfirm(ctx)
	case "verify":
		runErr = app.verify(ctx, os.Args[2:])
	case "--help", "help":
		printUsage()

		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(exitGeneric)
	}

	if runErr != nil {
		logger.Error("command failed", "command", command, "error", runErr)
		os.Exit(exitCodeFor(runErr))
	}
}

// exitCodeFor maps an IngestionError's code to the CLI's two failure exit
// statuses: parse/normalize/validation problems are the operator's data
// problem (1); everything else (transport, persistence, locking, timeout)
// is a generic failure (2). An error that isn't an *liverc.IngestionError
// at all (a wiring or config problem) also falls back to generic.
func exitCodeFor(err error) int {
	ie, ok := liverc.AsIngestionError(err)
	if !ok {
		return exitGeneric
	}

	switch ie.Code {
	case liverc.CodeEventPageFormat, liverc.CodeRacePageFormat, liverc.CodeLapTableMissing,
		liverc.CodeUnsupportedVariant, liverc.CodeNormalisation, liverc.CodeValidation:
		return exitParseOrValidation
	default:
		return exitGeneric
	}
}

// app bundles the wired collaborators every subcommand needs: the
// database connection (closed on exit), the raw *storage.RaceStore (for
// the catalogue/status subcommands that read fields pipeline.Store
// doesn't expose), and the pipeline itself (for ingestion subcommands).
type app struct {
	conn  *storage.Connection
	store *storage.RaceStore
	pipe  *pipeline.Pipeline
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	dbCfg := storage.LoadConfig()
	if err := dbCfg.Validate(); err != nil {
		return nil, fmt.Errorf("database configuration: %w", err)
	}

	conn, err := storage.NewConnection(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	logger.Info("connected to database", "url", dbCfg.MaskDatabaseURL())

	store := storage.NewRaceStore(conn, storage.WithRaceStoreLogger(logger))

	httpClient := fetch.NewHTTPClient(
		cfg.HTTPConnectTimeout, cfg.HTTPReadTimeout, cfg.HTTPWriteTimeout, cfg.HTTPRequestCap,
		cfg.HTTPMaxRetries, cfg.HTTPBackoffBase, cfg.UserAgent,
		fetch.WithLogger(logger),
		fetch.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.FetchRatePerSec), cfg.FetchRateBurst)),
	)
	renderer := fetch.NewRenderer(cfg.RenderViewportWidth, cfg.RenderViewportHeight, cfg.RenderSettleDelay, cfg.ChromeExecPath, cfg.RenderPermits)
	cache := fetch.NewStrategyCache(cfg.StrategyCacheSize)
	fetcher := fetch.NewFetcher(httpClient, renderer, cache, cfg.RenderTimeout, logger)
	urls := fetch.NewURLBuilder()
	validator := validate.New(logger)

	settings := pipeline.SettingsFromConfig(cfg)
	pipe := pipeline.New(store, fetcher, urls, validator, settings, logger)

	return &app{conn: conn, store: store, pipe: pipe}, nil
}

func (a *app) listTracks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list-tracks", flag.ContinueOnError)
	followedOnly := fs.Bool("followed-only", false, "list only tracks marked as followed")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		tracks []liverc.Track
		err    error
	)

	if *followedOnly {
		tracks, err = a.store.ListFollowedTracks(ctx, liverc.SourceLiveRC)
	} else {
		tracks, err = a.store.ListActiveTracks(ctx, liverc.SourceLiveRC)
	}

	if err != nil {
		return err
	}

	for _, t := range tracks {
		fmt.Printf("%s\t%s\tfollowed=%t\tlast_seen=%s\n", t.SourceTrackSlug, t.Name, t.IsFollowed, t.LastSeenAt.Format(time.RFC3339))
	}

	return nil
}

func (a *app) listEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list-events", flag.ContinueOnError)
	trackID := fs.Int64("track-id", 0, "surrogate track id to list events for")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *trackID == 0 {
		return fmt.Errorf("list-events: -track-id is required")
	}

	events, err := a.store.ListEventsForTrack(ctx, *trackID)
	if err != nil {
		return err
	}

	for _, e := range events {
		fmt.Printf("%d\t%s\t%s\tdepth=%s\n", e.ID, e.SourceEventID, e.Name, e.IngestDepth)
	}

	return nil
}

func (a *app) ingestEvent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest-event", flag.ContinueOnError)
	eventID := fs.Int64("event-id", 0, "surrogate event id of an already-known event")
	sourceEventID := fs.String("source-event-id", "", "source event id, used with -track-id when the event isn't known yet")
	trackID := fs.Int64("track-id", 0, "surrogate track id, required with -source-event-id")
	full := fs.Bool("full", false, "ingest laps_full depth instead of the default header-only depth")

	if err := fs.Parse(args); err != nil {
		return err
	}

	depth := liverc.DepthNone
	if *full {
		depth = liverc.DepthLapsFull
	}

	var (
		result *pipeline.IngestResult
		err    error
	)

	switch {
	case *eventID != 0:
		result, err = a.pipe.IngestEvent(ctx, *eventID, depth)
	case *sourceEventID != "" && *trackID != 0:
		result, err = a.pipe.IngestEventBySourceId(ctx, *sourceEventID, *trackID, depth)
	default:
		return fmt.Errorf("ingest-event: either -event-id or both -source-event-id and -track-id are required")
	}

	if err != nil {
		return err
	}

	fmt.Printf("event_id=%d status=%s races_ingested=%d results_ingested=%d laps_ingested=%d\n",
		result.EventID, result.Status, result.RacesProcessed, result.ResultsWritten, result.LapsWritten)

	return nil
}

func (a *app) ingestPractice(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest-practice", flag.ContinueOnError)
	trackSlug := fs.String("track-slug", "", "track slug to ingest practice data for")
	dateStr := fs.String("date", "", "practice day, YYYY-MM-DD")
	monthStr := fs.String("month", "", "whole practice month, YYYY-MM")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *trackSlug == "" || (*dateStr == "" && *monthStr == "") {
		return fmt.Errorf("ingest-practice: -track-slug and one of -date or -month are required")
	}

	if *monthStr != "" {
		month, err := time.Parse("2006-01", *monthStr)
		if err != nil {
			return fmt.Errorf("ingest-practice: invalid -month: %w", err)
		}

		summaries, err := a.pipe.IngestPracticeMonth(ctx, *trackSlug, month.Year(), month.Month())
		if err != nil {
			return err
		}

		for _, summary := range summaries {
			fmt.Printf("track=%s date=%s sessions_ingested=%d laps_ingested=%d\n",
				summary.TrackSlug, summary.Date, summary.SessionsWritten, summary.LapsWritten)
		}

		return nil
	}

	day, err := time.Parse("2006-01-02", *dateStr)
	if err != nil {
		return fmt.Errorf("ingest-practice: invalid -date: %w", err)
	}

	summary, err := a.pipe.IngestPracticeDay(ctx, *trackSlug, day)
	if err != nil {
		return err
	}

	fmt.Printf("track=%s date=%s sessions_ingested=%d laps_ingested=%d\n",
		summary.TrackSlug, summary.Date, summary.SessionsWritten, summary.LapsWritten)

	return nil
}

// refreshFollowed re-ingests every event already on record for each
// followed track (header-only depth unless -full selects laps_full), the
// batch entry point a scheduled
// refresh would call. A single event's failure is logged and does not
// abort the remaining events, mirroring the batch fetch-layer error
// propagation rule for per-race failures.
func (a *app) refreshFollowed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("refresh-followed", flag.ContinueOnError)
	full := fs.Bool("full", false, "ingest laps_full depth instead of the default header-only depth")

	if err := fs.Parse(args); err != nil {
		return err
	}

	depth := liverc.DepthNone
	if *full {
		depth = liverc.DepthLapsFull
	}

	tracks, err := a.store.ListFollowedTracks(ctx, liverc.SourceLiveRC)
	if err != nil {
		return err
	}

	var lastErr error

	for _, t := range tracks {
		trackID, err := a.store.GetTrackIDBySlug(ctx, t.Source, t.SourceTrackSlug)
		if err != nil {
			lastErr = err

			continue
		}

		events, err := a.store.ListEventsForTrack(ctx, trackID)
		if err != nil {
			lastErr = err

			continue
		}

		for _, e := range events {
			if _, err := a.pipe.IngestEvent(ctx, e.ID, depth); err != nil {
				fmt.Fprintf(os.Stderr, "event %d: %v\n", e.ID, err)

				lastErr = err
			}
		}
	}

	return lastErr
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	eventID := fs.Int64("event-id", 0, "surrogate event id to report on")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *eventID == 0 {
		return fmt.Errorf("status: -event-id is required")
	}

	event, err := a.store.GetEventByID(ctx, *eventID)
	if err != nil {
		return err
	}

	raceCount, resultCount, lapCount, err := a.store.CountEntryCriteria(ctx, *eventID)
	if err != nil {
		return err
	}

	lastIngested := "never"
	if event.LastIngestedAt != nil {
		lastIngested = event.LastIngestedAt.Format(time.RFC3339)
	}

	fmt.Printf("event_id=%d depth=%s last_ingested=%s races=%d results=%d laps=%d\n",
		event.ID, event.IngestDepth, lastIngested, raceCount, resultCount, lapCount)

	return nil
}

func (a *app) autoConfirm(ctx context.Context) error {
	return a.pipe.RunAutoConfirm(ctx)
}

// verify implements the "integrity verification" subcommand: re-derives
// the entry criteria an event's recorded ingest_depth claims to satisfy
// and reports a mismatch instead of silently trusting the stored value.
func (a *app) verify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	eventID := fs.Int64("event-id", 0, "surrogate event id to verify")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *eventID == 0 {
		return fmt.Errorf("verify: -event-id is required")
	}

	event, err := a.store.GetEventByID(ctx, *eventID)
	if err != nil {
		return err
	}

	raceCount, resultCount, lapCount, err := a.store.CountEntryCriteria(ctx, *eventID)
	if err != nil {
		return err
	}

	criteria := statemachine.EntryCriteria{EventExists: true, RaceCount: raceCount, ResultCount: resultCount, LapCount: lapCount}
	if err := statemachine.CheckEntryCriteria(event.IngestDepth, criteria); err != nil {
		return err
	}

	fmt.Printf("event_id=%d depth=%s: entry criteria satisfied\n", event.ID, event.IngestDepth)

	return nil
}

func printUsage() {
	fmt.Printf(`%s v%s - race-data ingestion CLI

USAGE:
    %s COMMAND [FLAGS]

COMMANDS:
    list-tracks [-followed-only]                         list tracks on record
    list-events -track-id=N                              list events recorded for a track
    ingest-event (-event-id=N | -source-event-id=S -track-id=N) [-full]
                                                           ingest one event
    ingest-practice -track-slug=S (-date=YYYY-MM-DD | -month=YYYY-MM)
                                                           ingest practice sessions
    refresh-followed [-full]                              re-ingest every event of every followed track
    status -event-id=N                                    print an event's ingest status
    auto-confirm                                          run the transponder-evidence auto-confirmation pass
    verify -event-id=N                                    check an event's recorded depth against its data
    --version                                             print version and exit

ENVIRONMENT VARIABLES:
    DATABASE_URL                     PostgreSQL connection string (REQUIRED)
    DB_POOL_SIZE, DB_MAX_OVERFLOW    connection pool tuning
    LOG_LEVEL                        debug|info|warn|error
    TRACK_SYNC_REPORT_RETENTION_DAYS retention for persisted track-sync reports

EXIT CODES:
    0  success
    1  parse or validation error
    2  network, persistence or other failure
`, name, version, name)
}
