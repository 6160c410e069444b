package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
)

// advisoryLockID derives a Postgres session advisory-lock key from an
// arbitrary string, the way a numeric lock id is carved out of a driver's
// natural key (source, source_driver_id) before a serialized upsert: the
// first 8 bytes of the key's SHA-256 digest, read big-endian and reduced
// into the signed 31-bit range pg_advisory_lock's bigint argument accepts
// without sign ambiguity across platforms.
func advisoryLockID(key string) int64 {
	sum := sha256.Sum256([]byte(key))

	raw := binary.BigEndian.Uint64(sum[:8])

	return int64(raw % (1 << 31)) //nolint:gosec // intentional narrowing into lock-id space
}

// withAdvisoryLock runs fn while holding a session-level Postgres
// advisory lock scoped to key, blocking until it is acquired. The lock
// is taken and released on one pinned *sql.Conn (see the non-blocking
// variant below for why) and released unconditionally before returning.
func withAdvisoryLock(ctx context.Context, db *sql.DB, key string, fn func() error) error {
	id := advisoryLockID(key)

	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		return err
	}

	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, id)
	}()

	return fn()
}

// withAdvisoryLockNonBlocking runs fn while holding a session-level
// advisory lock scoped to key, acquired with pg_try_advisory_lock rather
// than the blocking pg_advisory_lock. If the lock is already held by
// another session it returns acquired=false immediately instead of
// waiting, so the pipeline's per-event and per-source-event lock scopes
// can surface IngestionInProgress rather than queue behind a concurrent
// ingest of the same event.
//
// Session advisory locks belong to one Postgres connection, so the lock
// must be taken and released on the same pinned *sql.Conn: acquiring on
// a pooled db handle would let the release land on a different session
// and leave the lock held until that session dies.
func withAdvisoryLockNonBlocking(ctx context.Context, db *sql.DB, key string, fn func() error) (acquired bool, err error) {
	id := advisoryLockID(key)

	conn, err := db.Conn(ctx)
	if err != nil {
		return false, err
	}

	defer func() { _ = conn.Close() }()

	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		return false, err
	}

	if !acquired {
		return false, nil
	}

	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, id)
	}()

	return true, fn()
}
