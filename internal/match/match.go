// Package match implements the driver-identity matcher: matching
// parsed race results back to declared entries, and linking external
// user accounts to canonical drivers by transponder, exact name, or
// Jaro-Winkler similarity. Candidate matches are scored by a confidence
// ladder (exact field match first, then a normalized fuzzy score with
// tiered thresholds) using github.com/xrash/smetrics's Jaro-Winkler
// implementation.
package match

import (
	"github.com/xrash/smetrics"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// jaroWinklerBoostThreshold and jaroWinklerPrefixSize are smetrics'
// tuning knobs for its Winkler prefix bonus; these are the library's own
// documented defaults and are distinct from the matching confidence
// thresholds (those live as liverc.AutoConfirmMin etc).
const (
	jaroWinklerBoostThreshold = 0.7
	jaroWinklerPrefixSize     = 4
)

// Similarity returns the Jaro-Winkler similarity of two already-normalized
// names, in [0,1].
func Similarity(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, jaroWinklerBoostThreshold, jaroWinklerPrefixSize)
}

// EntryCandidate is a declared EventEntry reduced to the fields the
// entry-list to result matcher needs.
type EntryCandidate struct {
	DriverID       int64
	SourceDriverID string
	NormalizedName string
}

// MatchResultToEntry matches one parsed race result back to a declared
// entry: on source_driver_id if both sides carry one, else on
// normalized display name, else unmatched (a nil return).
func MatchResultToEntry(resultSourceDriverID, resultNormalizedName string, entries []EntryCandidate) *EntryCandidate {
	if resultSourceDriverID != "" {
		for i := range entries {
			if entries[i].SourceDriverID != "" && entries[i].SourceDriverID == resultSourceDriverID {
				return &entries[i]
			}
		}
	}

	for i := range entries {
		if entries[i].NormalizedName == resultNormalizedName {
			return &entries[i]
		}
	}

	return nil
}

// UserCandidate is a User reduced to the fields the user-driver matcher
// needs, preloaded once per event.
type UserCandidate struct {
	UserID         int64
	NormalizedName string
	Transponder    *string
}

// DriverOutcome is the result of matching one event driver against the
// preloaded user set.
type DriverOutcome struct {
	Matched        bool
	UserID         int64
	MatchType      liverc.MatchType
	Similarity     float64
	ProposedStatus liverc.LinkStatus
}

// MatchDriverToUsers runs the matching ladder for a single event
// driver: same transponder, then exact normalized name, then fuzzy
// similarity at two confidence tiers.
func MatchDriverToUsers(driverNormalizedName string, driverTransponder *string, users []UserCandidate) DriverOutcome {
	if driverTransponder != nil && *driverTransponder != "" {
		for _, u := range users {
			if u.Transponder != nil && *u.Transponder == *driverTransponder {
				return DriverOutcome{
					Matched: true, UserID: u.UserID, MatchType: liverc.MatchTransponder,
					Similarity: 1.0, ProposedStatus: liverc.LinkSuggested,
				}
			}
		}
	}

	for _, u := range users {
		if u.NormalizedName == driverNormalizedName {
			return DriverOutcome{
				Matched: true, UserID: u.UserID, MatchType: liverc.MatchExact,
				Similarity: 1.0, ProposedStatus: liverc.LinkConfirmed,
			}
		}
	}

	best := DriverOutcome{}
	bestScore := 0.0

	for _, u := range users {
		score := Similarity(driverNormalizedName, u.NormalizedName)
		if score > bestScore {
			bestScore = score
			best = DriverOutcome{Matched: true, UserID: u.UserID, MatchType: liverc.MatchFuzzy, Similarity: score}
		}
	}

	switch {
	case bestScore >= liverc.AutoConfirmMin:
		best.ProposedStatus = liverc.LinkConfirmed

		return best
	case bestScore >= liverc.SuggestMin:
		best.ProposedStatus = liverc.LinkSuggested

		return best
	default:
		return DriverOutcome{}
	}
}

// ResolveConflict downgrades a proposed link when the driver is
// already linked to a different user: the link is persisted with
// status conflict and a reason instead of the proposed status.
func ResolveConflict(outcome DriverOutcome, existingUserID int64, existingLinked bool) (status liverc.LinkStatus, reason *string) {
	if !existingLinked || existingUserID == outcome.UserID {
		return outcome.ProposedStatus, nil
	}

	r := "driver already linked to a different user"

	return liverc.LinkConflict, &r
}

// ResolveTransponder implements the EventDriverLink transponder
// fallback order: EventEntry, then Driver, then User.
func ResolveTransponder(entryTransponder, driverTransponder, userTransponder *string) *string {
	for _, t := range []*string{entryTransponder, driverTransponder, userTransponder} {
		if t != nil && *t != "" {
			return t
		}
	}

	return nil
}

// AutoConfirmGroup is one (user, driver) pair with two or more
// transponder-matched EventDriverLinks, the unit the
// auto-confirmation pass operates on.
type AutoConfirmGroup struct {
	UserID   int64
	DriverID int64
	Count    int
}

// GroupTransponderLinks implements the grouping step of the
// auto-confirmation: bucket transponder-type EventDriverLinks by (user,
// driver) and keep only groups with at least
// liverc.MinEventsForAutoConfirm members.
func GroupTransponderLinks(links []liverc.EventDriverLink) []AutoConfirmGroup {
	type key struct {
		userID   int64
		driverID int64
	}

	counts := make(map[key]int)

	for _, l := range links {
		if l.MatchType != liverc.MatchTransponder {
			continue
		}

		counts[key{l.UserID, l.DriverID}]++
	}

	groups := make([]AutoConfirmGroup, 0, len(counts))

	for k, c := range counts {
		if c >= liverc.MinEventsForAutoConfirm {
			groups = append(groups, AutoConfirmGroup{UserID: k.userID, DriverID: k.driverID, Count: c})
		}
	}

	return groups
}

// DecideAutoConfirm implements the per-group decision: skip
// groups whose UserDriverLink is already confirmed or rejected; require
// name-compatibility ≥ liverc.NameCompatibilityMin; detect conflicting
// ownership before confirming.
func DecideAutoConfirm(
	currentStatus liverc.LinkStatus,
	userNormalizedName, driverNormalizedName string,
	conflictingUserID *int64,
) (status liverc.LinkStatus, reason *string, skip bool) {
	if currentStatus == liverc.LinkConfirmed || currentStatus == liverc.LinkRejected {
		return currentStatus, nil, true
	}

	if conflictingUserID != nil {
		r := "driver already linked to a different user"

		return liverc.LinkConflict, &r, false
	}

	if Similarity(userNormalizedName, driverNormalizedName) < liverc.NameCompatibilityMin {
		r := "user and driver names are not sufficiently similar"

		return liverc.LinkRejected, &r, false
	}

	return liverc.LinkConfirmed, nil, false
}
