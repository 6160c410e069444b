package pipeline

import (
	"context"

	"github.com/racedata/liverc-ingest/internal/liverc"
	"github.com/racedata/liverc-ingest/internal/match"
)

// runMatching runs user-driver matching after the race loop:
// for every driver who entered this event, match against the preloaded
// user set, resolve any existing-link conflict, and persist both the
// per-event evidence (EventDriverLink) and the driver's overall claim
// (UserDriverLink).
func (p *Pipeline) runMatching(ctx context.Context, eventID int64) error {
	entries, err := p.store.ListEventEntries(ctx, eventID)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	userRows, err := p.store.ListUsersForMatching(ctx)
	if err != nil {
		return err
	}

	candidates := make([]match.UserCandidate, len(userRows))
	for i, u := range userRows {
		candidates[i] = match.UserCandidate{UserID: u.UserID, NormalizedName: u.NormalizedName, Transponder: u.Transponder}
	}

	for _, entry := range entries {
		outcome := match.MatchDriverToUsers(entry.NormalizedName, entry.Transponder, candidates)
		if !outcome.Matched {
			continue
		}

		existingUserID, existingLinked, err := p.store.FindExistingDriverLink(ctx, entry.DriverID, outcome.UserID)
		if err != nil {
			return err
		}

		status, reason := match.ResolveConflict(outcome, existingUserID, existingLinked)

		// entry.Transponder is already entry-then-driver coalesced by the
		// cache query, so only the user tier remains as a fallback here.
		transponder := match.ResolveTransponder(entry.Transponder, nil, findUserTransponder(candidates, outcome.UserID))

		if err := p.store.UpsertEventDriverLink(ctx, &liverc.EventDriverLink{
			UserID: outcome.UserID,
			EventID: eventID,
			DriverID: entry.DriverID,
			MatchType: outcome.MatchType,
			Similarity: outcome.Similarity,
			Transponder: transponder,
		}); err != nil {
			return err
		}

		if err := p.store.UpsertUserDriverLinkStatus(ctx, outcome.UserID, entry.DriverID, status, outcome.Similarity, reason); err != nil {
			return err
		}
	}

	return nil
}

func findUserTransponder(candidates []match.UserCandidate, userID int64) *string {
	for _, c := range candidates {
		if c.UserID == userID {
			return c.Transponder
		}
	}

	return nil
}

// RunAutoConfirm implements the "scheduled or post-ingest"
// auto-confirmation pass: group every transponder-matched
// EventDriverLink by (user, driver) and promote groups that have
// accumulated enough independent events of evidence.
func (p *Pipeline) RunAutoConfirm(ctx context.Context) error {
	links, err := p.store.ListTransponderEventDriverLinks(ctx)
	if err != nil {
		return err
	}

	groups := match.GroupTransponderLinks(links)

	for _, g := range groups {
		currentStatus, exists, err := p.store.GetUserDriverLinkStatus(ctx, g.UserID, g.DriverID)
		if err != nil {
			return err
		}

		if !exists {
			currentStatus = ""
		}

		userName, err := p.store.GetUserNormalizedName(ctx, g.UserID)
		if err != nil {
			return err
		}

		driverName, err := p.store.GetDriverNormalizedName(ctx, g.DriverID)
		if err != nil {
			return err
		}

		existingUserID, linked, err := p.store.FindExistingDriverLink(ctx, g.DriverID, g.UserID)
		if err != nil {
			return err
		}

		var conflictingUserID *int64
		if linked {
			conflictingUserID = &existingUserID
		}

		status, reason, skip := match.DecideAutoConfirm(currentStatus, userName, driverName, conflictingUserID)
		if skip {
			continue
		}

		similarity := match.Similarity(userName, driverName)

		if err := p.store.UpsertUserDriverLinkStatus(ctx, g.UserID, g.DriverID, status, similarity, reason); err != nil {
			return err
		}
	}

	return nil
}
