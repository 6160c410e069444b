package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// UserMatchRow is a User reduced to the fields the user-driver matcher
// needs.
type UserMatchRow struct {
	UserID         int64
	NormalizedName string
	Transponder    *string
}

// ListUsersForMatching loads every User as a UserMatchRow, preloaded once
// per event.
func (s *RaceStore) ListUsersForMatching(ctx context.Context) ([]UserMatchRow, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, normalized_name, transponder FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	defer rows.Close()

	var out []UserMatchRow

	for rows.Next() {
		var r UserMatchRow
		if err := rows.Scan(&r.UserID, &r.NormalizedName, &r.Transponder); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// GetUserNormalizedName and GetDriverNormalizedName back the
// auto-confirmation pass's name-compatibility check.
func (s *RaceStore) GetUserNormalizedName(ctx context.Context, userID int64) (string, error) {
	var n string

	err := s.conn.QueryRowContext(ctx, `SELECT normalized_name FROM users WHERE id = $1`, userID).Scan(&n)

	return n, err
}

func (s *RaceStore) GetDriverNormalizedName(ctx context.Context, driverID int64) (string, error) {
	var n string

	err := s.conn.QueryRowContext(ctx, `SELECT normalized_name FROM drivers WHERE id = $1`, driverID).Scan(&n)

	return n, err
}

// FindExistingDriverLink reports whether driverID is already linked (with
// a confirmed or suggested status, confirmed taking precedence) to a user
// other than candidateUserID, for the matcher's conflict detection.
func (s *RaceStore) FindExistingDriverLink(ctx context.Context, driverID, candidateUserID int64) (existingUserID int64, linked bool, err error) {
	const query = `
	SELECT user_id FROM user_driver_links
	WHERE driver_id = $1 AND status IN ('confirmed', 'suggested')
	ORDER BY CASE status WHEN 'confirmed' THEN 0 ELSE 1 END
	LIMIT 1
	`

	err = s.conn.QueryRowContext(ctx, query, driverID).Scan(&existingUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("find existing driver link: %w", err)
	}

	return existingUserID, existingUserID != candidateUserID, nil
}

// UpsertEventDriverLink persists one piece of per-event matching
// evidence.
func (s *RaceStore) UpsertEventDriverLink(ctx context.Context, l *liverc.EventDriverLink) error {
	const query = `
	INSERT INTO event_driver_links (user_id, event_id, driver_id, match_type, similarity, transponder)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (user_id, event_id, driver_id) DO UPDATE SET
	match_type = EXCLUDED.match_type,
	similarity = EXCLUDED.similarity,
	transponder = EXCLUDED.transponder
	`

	_, err := s.conn.ExecContext(ctx, query, l.UserID, l.EventID, l.DriverID, string(l.MatchType), l.Similarity, l.Transponder)

	return err
}

// UpsertUserDriverLinkStatus inserts or advances the single
// UserDriverLink claim between userID and driverID to status, stamping
// the timestamp matching that status and recording a conflict reason
// when present.
func (s *RaceStore) UpsertUserDriverLinkStatus(
	ctx context.Context, userID, driverID int64, status liverc.LinkStatus, similarity float64, reason *string,
) error {
	now := time.Now()

	var suggestedAt, confirmedAt, rejectedAt *time.Time

	switch status {
	case liverc.LinkSuggested:
		suggestedAt = &now
	case liverc.LinkConfirmed:
		confirmedAt = &now
	case liverc.LinkRejected:
		rejectedAt = &now
	case liverc.LinkConflict:
		// no timestamp column dedicated to conflict; reason alone records it.
	}

	const query = `
INSERT INTO user_driver_links (
	user_id, driver_id, status, similarity, suggested_at, confirmed_at, rejected_at,
	matcher_id, matcher_version, conflict_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id, driver_id) DO UPDATE SET
status = EXCLUDED.status,
similarity = EXCLUDED.similarity,
suggested_at = COALESCE(EXCLUDED.suggested_at, user_driver_links.suggested_at),
confirmed_at = COALESCE(EXCLUDED.confirmed_at, user_driver_links.confirmed_at),
rejected_at = COALESCE(EXCLUDED.rejected_at, user_driver_links.rejected_at),
conflict_reason = EXCLUDED.conflict_reason,
updated_at = now()
`

	_, err := s.conn.ExecContext(ctx, query,
		userID, driverID, string(status), similarity, suggestedAt, confirmedAt, rejectedAt,
		liverc.MatcherID, liverc.MatcherVersion, reason,
	)

	return err
}

// GetUserDriverLinkStatus reads the current status of the UserDriverLink
// claim between userID and driverID, if one exists.
func (s *RaceStore) GetUserDriverLinkStatus(ctx context.Context, userID, driverID int64) (liverc.LinkStatus, bool, error) {
	var status string

	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM user_driver_links WHERE user_id = $1 AND driver_id = $2`, userID, driverID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("get user driver link status: %w", err)
	}

	return liverc.LinkStatus(status), true, nil
}

// ListTransponderEventDriverLinks loads every transponder-type
// EventDriverLink across all events, the input to the scheduled
// or post-ingest auto-confirmation grouping pass.
func (s *RaceStore) ListTransponderEventDriverLinks(ctx context.Context) ([]liverc.EventDriverLink, error) {
	const query = `
	SELECT user_id, event_id, driver_id, match_type, similarity, transponder
	FROM event_driver_links WHERE match_type = 'transponder'
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list transponder links: %w", err)
	}

	defer rows.Close()

	var out []liverc.EventDriverLink

	for rows.Next() {
		var l liverc.EventDriverLink

		var matchType string

		if err := rows.Scan(&l.UserID, &l.EventID, &l.DriverID, &matchType, &l.Similarity, &l.Transponder); err != nil {
			return nil, fmt.Errorf("scan event driver link: %w", err)
		}

		l.MatchType = liverc.MatchType(matchType)
		out = append(out, l)
	}

	return out, rows.Err()
}
