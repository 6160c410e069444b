// Package liverc defines the canonical domain model for race data ingested
// from the source connector: tracks, events, races, drivers, results, laps
// and the identity-linking records that tie external users to drivers.
package liverc

import "time"

// SourceLiveRC identifies the upstream connector a record was scraped
// from. Only one source is implemented today, but the field is carried
// on every natural key so a future connector cannot collide with it.
const SourceLiveRC = "liverc"

type (
	// IngestDepth is the completeness of an Event's ingestion.
	IngestDepth string

	// SessionType classifies a Race by what kind of session it is.
	SessionType string

	// LinkStatus is the lifecycle state of a UserDriverLink.
	LinkStatus string

	// MatchType is how an EventDriverLink's evidence was produced.
	MatchType string
)

const (
	DepthNone     IngestDepth = "none"
	DepthLapsFull IngestDepth = "laps_full"

	SessionPractice   SessionType = "practice"
	SessionQualifying SessionType = "qualifying"
	SessionMain       SessionType = "main"
	SessionHeat       SessionType = "heat"
	SessionRace       SessionType = "race"

	LinkSuggested LinkStatus = "suggested"
	LinkConfirmed LinkStatus = "confirmed"
	LinkRejected  LinkStatus = "rejected"
	LinkConflict  LinkStatus = "conflict"

	MatchTransponder MatchType = "transponder"
	MatchExact       MatchType = "exact"
	MatchFuzzy       MatchType = "fuzzy"
)

// IsValid reports whether d is one of the declared depth states.
func (d IngestDepth) IsValid() bool {
	switch d {
	case DepthNone, DepthLapsFull:
		return true
	default:
		return false
	}
}

type (
	// Track is a named venue exposed by the source under a slug.
	Track struct {
		Source          string
		SourceTrackSlug string
		Name            string
		DashboardURL    string
		EventsURL       string
		IsActive        bool
		IsFollowed      bool
		LastSeenAt      time.Time
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// Event is a meeting at a Track.
	Event struct {
		ID              int64
		Source          string
		SourceEventID   string
		TrackID         int64
		TrackSlug       string
		Name            string
		ScheduledDate   time.Time
		DeclaredEntries int
		DeclaredDrivers int
		URL             string
		IngestDepth     IngestDepth
		LastIngestedAt  *time.Time
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// EventEntry is a driver's declared entry in a class at an event.
	EventEntry struct {
		EventID      int64
		DriverID     int64
		ClassName    string
		Transponder  *string
		CarNumber    *string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Race is one scored session within an event.
	Race struct {
		ID              int64
		EventID         int64
		SourceRaceID    string
		ClassName       string
		Label           string
		RaceOrder       *int
		URL             string
		StartTime       *time.Time
		DurationSeconds *float64
		SessionType     SessionType
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// Driver is a canonical identity per source.
	Driver struct {
		ID               int64
		Source           string
		SourceDriverID   string
		DisplayName      string
		NormalizedName   string
		Transponder      *string
		CreatedAt        time.Time
		UpdatedAt        time.Time
	}

	// RaceDriver is a driver's appearance in a Race.
	RaceDriver struct {
		ID             int64
		RaceID         int64
		DriverID       int64
		SourceDriverID string
		DisplayName    string
		Transponder    *string
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// RaceResult is the scored outcome of a RaceDriver.
	RaceResult struct {
		ID              int64
		RaceID          int64
		RaceDriverID    int64
		PositionFinal   int
		LapsCompleted   int
		TotalTimeRaw    string
		TotalTimeSecs   *float64
		FastLapSecs     *float64
		AvgLapSecs      *float64
		Consistency     *float64
		QualifyingPos   *int
		SecondsBehind   *float64
		Extra           map[string]any
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// Lap is a single recorded lap attached to a RaceResult.
	Lap struct {
		ResultID        int64
		LapNumber       int
		PositionOnLap   int
		LapTimeRaw      string
		LapTimeSeconds  float64
		PaceString      *string
		ElapsedRaceTime float64
		Segments        []string
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// LapAnnotation is a derived tag on a stored Lap.
	LapAnnotation struct {
		ResultID      int64
		LapNumber     int
		InvalidReason *string
		IncidentType  *string
		Confidence    float64
		Metadata      map[string]any
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// User is an external account that may be linked to a Driver.
	User struct {
		ID             int64
		Email          string
		DisplayName    string
		NormalizedName string
		Transponder    *string
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// UserDriverLink is a claim that a User is a Driver.
	UserDriverLink struct {
		ID             int64
		UserID         int64
		DriverID       int64
		Status         LinkStatus
		Similarity     float64
		SuggestedAt    *time.Time
		ConfirmedAt    *time.Time
		RejectedAt     *time.Time
		MatcherID      string
		MatcherVersion string
		ConflictReason *string
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// EventDriverLink is per-event evidence feeding a UserDriverLink.
	EventDriverLink struct {
		ID          int64
		UserID      int64
		EventID     int64
		DriverID    int64
		MatchType   MatchType
		Similarity  float64
		Transponder *string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}
)

const (
	// MatcherID identifies the fuzzy-matching algorithm used for EventDriverLink
	// and UserDriverLink similarity scores, recorded for forward compatibility
	// if the algorithm is ever swapped out.
	MatcherID      = "jaro-winkler"
	MatcherVersion = "1.0.0"

	AutoConfirmMin          = 0.95
	SuggestMin              = 0.85
	MinEventsForAutoConfirm = 2
	NameCompatibilityMin    = 0.85
)
