// Package sqlstore provides the per-actor embedded SQL substrate of §4.C:
// one modernc.org/sqlite (pure Go, CGO-free) database per actor instance,
// opened lazily on first use and kept open for the life of the hosting
// process. Actor definitions that declare an onMigrate hook run their
// schema statements through Migrate the first time the actor's database
// is opened; rerunning Migrate against an already-migrated database is a
// no-op so long as the statements are idempotent (CREATE TABLE IF NOT
// EXISTS, CREATE INDEX IF NOT EXISTS), the same discipline store/sqlite
// uses for its own schema.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// DB wraps one actor's SQLite database. A single *sql.DB connection is
// kept so SQLite's own writer-serialization applies; concurrent
// goroutines issuing queries block on SQLite's lock rather than racing.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the SQLite database at path. path may be ":memory:"
// for the in-memory driver and engine tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{conn: conn, path: path}, nil
}

// Conn returns the underlying *sql.DB for action handlers that use the
// `db` context capability directly (§4.D context object).
func (d *DB) Conn() *sql.DB { return d.conn }

// Migrate runs stmts in order, wrapping SQLITE_BUSY into a typed Busy
// error so callers can retry instead of treating it as a fatal failure.
func (d *DB) Migrate(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return MapError(err)
		}
	}
	return nil
}

func (d *DB) Close() error { return d.conn.Close() }

// MapError classifies a database/sql error from modernc.org/sqlite into
// the runtime's error taxonomy. "database is locked" surfaces as a
// retryable Busy error rather than Internal, since a caller that retries
// after the current writer releases the lock will typically succeed.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
		return riveterrors.Busy("sqlite database is locked, retry")
	}
	return riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeDriverError, err)
}
