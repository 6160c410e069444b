package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// ErrDriverUpsertFailed wraps a failed driver upsert.
var ErrDriverUpsertFailed = errors.New("driver upsert failed")

// UpsertDriver inserts or refreshes a Driver by (source, source_driver_id).
// The insert path is wrapped in a session advisory lock scoped to the
// driver's natural key: two concurrent race-page fetches that both
// observe the same previously-unseen driver for the first time would
// otherwise both attempt the INSERT branch of the ON CONFLICT clause and
// one loses a unique-constraint race inside its own transaction, which
// Postgres surfaces by poisoning that transaction rather than letting the
// statement's own ON CONFLICT clause absorb it. The advisory lock
// serializes first-sight inserts per driver key so the fast path never
// needs the savepoint fallback in practice; UpsertDriverTx's savepoint
// recovery covers callers batching drivers inside one transaction.
func (s *RaceStore) UpsertDriver(ctx context.Context, d *liverc.Driver) (int64, error) {
	var id int64

	lockKey := d.Source + ":" + d.SourceDriverID

	err := withAdvisoryLock(ctx, s.conn.DB, lockKey, func() error {
		const query = `
			INSERT INTO drivers (source, source_driver_id, display_name, normalized_name, transponder)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (source, source_driver_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			normalized_name = EXCLUDED.normalized_name,
			transponder = COALESCE(EXCLUDED.transponder, drivers.transponder),
			updated_at = now()
			RETURNING id
			`

		return s.conn.QueryRowContext(ctx, query,
			d.Source, d.SourceDriverID, d.DisplayName, d.NormalizedName, d.Transponder,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDriverUpsertFailed, err)
	}

	return id, nil
}

// UpsertDriverTx performs the same upsert as UpsertDriver but against an
// open transaction, using a SAVEPOINT around the insert so a caller
// processing a batch of drivers within one transaction can recover from a
// single driver's unique-constraint race without aborting the whole
// transaction: on a unique_violation the savepoint is rolled back and
// the row is re-read, surfacing liverc.ErrDriverRaceCondition to the
// caller if the re-read still can't find it, so the caller can retry
// the whole batch once.
func UpsertDriverTx(ctx context.Context, tx *sql.Tx, d *liverc.Driver) (int64, error) {
	const savepoint = "sp_driver_upsert"

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDriverUpsertFailed, err)
	}

	const query = `
INSERT INTO drivers (source, source_driver_id, display_name, normalized_name, transponder)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source, source_driver_id) DO UPDATE SET
display_name = EXCLUDED.display_name,
normalized_name = EXCLUDED.normalized_name,
transponder = COALESCE(EXCLUDED.transponder, drivers.transponder),
updated_at = now()
RETURNING id
`

	var id int64

	err := tx.QueryRowContext(ctx, query, d.Source, d.SourceDriverID, d.DisplayName, d.NormalizedName, d.Transponder).Scan(&id)
	if err == nil {
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint)

		return id, nil
	}

	if pqErrorCode(err) != "23505" { // unique_violation
		return 0, fmt.Errorf("%w: %w", ErrDriverUpsertFailed, err)
	}

	if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
		return 0, fmt.Errorf("%w: %w", ErrDriverUpsertFailed, rbErr)
	}

	const readQuery = `SELECT id FROM drivers WHERE source = $1 AND source_driver_id = $2`

	if readErr := tx.QueryRowContext(ctx, readQuery, d.Source, d.SourceDriverID).Scan(&id); readErr != nil {
		if errors.Is(readErr, sql.ErrNoRows) {
			return 0, liverc.ErrDriverRaceCondition
		}

		return 0, fmt.Errorf("%w: %w", ErrDriverUpsertFailed, readErr)
	}

	return id, nil
}

// RekeyDriver resolves a temporary entry_<hash> source_driver_id once a
// race result reveals the source's own id for that driver. When no row
// with the real id exists yet, the synthetic row is promoted in place
// (its id simply becomes the real one). When a real-id row already
// exists, every event_entries row pointing at the synthetic driver is
// repointed to the real row instead; the synthetic row itself is left
// behind rather than deleted, so nothing referencing it can cascade.
func (s *RaceStore) RekeyDriver(ctx context.Context, source, tempSourceDriverID, realSourceDriverID string) error {
	const promote = `
	UPDATE drivers SET source_driver_id = $3, updated_at = now()
	WHERE source = $1 AND source_driver_id = $2
	AND NOT EXISTS (
		SELECT 1 FROM drivers WHERE source = $1 AND source_driver_id = $3
	)
	`

	res, err := s.conn.ExecContext(ctx, promote, source, tempSourceDriverID, realSourceDriverID)
	if err != nil {
		return fmt.Errorf("rekey driver: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	const repoint = `
	UPDATE event_entries ee SET driver_id = canon.id, updated_at = now()
	FROM drivers synth, drivers canon
	WHERE ee.driver_id = synth.id
	AND synth.source = $1 AND synth.source_driver_id = $2
	AND canon.source = $1 AND canon.source_driver_id = $3
	`

	if _, err := s.conn.ExecContext(ctx, repoint, source, tempSourceDriverID, realSourceDriverID); err != nil {
		return fmt.Errorf("rekey driver: %w", err)
	}

	return nil
}

// UpsertRaceDriver links a driver to a race under the source driver id
// observed on that specific race page (which may differ transiently from
// the driver's canonical source_driver_id during the entry-list→result
// rekey window).
func (s *RaceStore) UpsertRaceDriver(ctx context.Context, rd *liverc.RaceDriver) (int64, error) {
	const query = `
	INSERT INTO race_drivers (race_id, driver_id, source_driver_id, display_name, transponder)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (race_id, source_driver_id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id,
	display_name = EXCLUDED.display_name,
	transponder = COALESCE(EXCLUDED.transponder, race_drivers.transponder)
	RETURNING id
	`

	var id int64

	err := s.conn.QueryRowContext(ctx, query, rd.RaceID, rd.DriverID, rd.SourceDriverID, rd.DisplayName, rd.Transponder).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("race driver upsert failed: %w", err)
	}

	return id, nil
}
