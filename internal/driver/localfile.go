package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/sqlstore"
)

// LocalFile is the single-host production driver: each actor gets its own
// SQLite database file under baseDir (§4.G "local-file backend persists
// each actor's KV and the registry's own bookkeeping to disk, one SQLite
// file per actor, so a host restart resumes every actor from its last
// persisted record"). Leases and alarms live in one shared bookkeeping
// database since only one host process ever holds baseDir.
type LocalFile struct {
	hostID  string
	baseDir string

	mu     sync.Mutex
	stores map[string]*openStore
	book   *sqlstore.DB
}

type openStore struct {
	db    *sqlstore.DB
	store *kv.SQLite
}

// NewLocalFile opens (creating if needed) baseDir and its bookkeeping
// database.
func NewLocalFile(hostID, baseDir string) (*Driver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create driver base dir %s: %w", baseDir, err)
	}
	book, err := sqlstore.Open(filepath.Join(baseDir, "_bookkeeping.db"))
	if err != nil {
		return nil, err
	}
	if err := book.Migrate(context.Background(), []string{
		`CREATE TABLE IF NOT EXISTS leases (
			actor_id TEXT PRIMARY KEY,
			host_id  TEXT NOT NULL,
			token    TEXT NOT NULL,
			expires  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alarms (
			actor_id TEXT PRIMARY KEY,
			at_ms    INTEGER NOT NULL
		)`,
	}); err != nil {
		book.Close()
		return nil, err
	}

	lf := &LocalFile{
		hostID:  hostID,
		baseDir: baseDir,
		stores:  make(map[string]*openStore),
		book:    book,
	}
	return &Driver{KV: lf, Placement: lf, Alarm: lf}, nil
}

func (lf *LocalFile) Open(ctx context.Context, actorID string) (kv.Store, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if os, ok := lf.stores[actorID]; ok {
		return os.store, nil
	}

	path := filepath.Join(lf.baseDir, sanitizeActorFilename(actorID)+".db")
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	store, err := kv.NewSQLite(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	lf.stores[actorID] = &openStore{db: db, store: store}
	return store, nil
}

// SQLPath returns the dedicated embedded-SQL database path for an actor
// definition that declares a DB descriptor (§4.C), separate from its KV
// file so SQL and KV each get SQLite's single-writer connection.
func (lf *LocalFile) SQLPath(actorID string) string {
	return filepath.Join(lf.baseDir, sanitizeActorFilename(actorID)+".sql.db")
}

// sanitizeActorFilename maps an actor id (which may contain '/' from the
// content-addressed name/key encoding) to a safe single path component.
func sanitizeActorFilename(actorID string) string {
	out := make([]rune, 0, len(actorID))
	for _, r := range actorID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (lf *LocalFile) ResolveHost(ctx context.Context, actorID string) (string, bool, error) {
	var hostID string
	var expiresMS int64
	err := lf.book.Conn().QueryRowContext(ctx,
		`SELECT host_id, expires FROM leases WHERE actor_id = ?`, actorID).Scan(&hostID, &expiresMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, sqlstore.MapError(err)
	}
	if time.Now().After(time.UnixMilli(expiresMS)) {
		return "", false, nil
	}
	return hostID, true, nil
}

// ListOwnedLeases implements driver.LeaseLister: leases live in the
// on-disk bookkeeping database, so they survive the process that wrote
// them exiting, which is exactly the case reconciliation-on-boot needs
// (§3 "Reconciliation-on-boot" — "a crash-restarted host reclaims leases
// it already held rather than orphaning them").
func (lf *LocalFile) ListOwnedLeases(ctx context.Context, hostID string) ([]string, error) {
	rows, err := lf.book.Conn().QueryContext(ctx,
		`SELECT actor_id FROM leases WHERE host_id = ? AND expires > ?`, hostID, time.Now().UnixMilli())
	if err != nil {
		return nil, sqlstore.MapError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, sqlstore.MapError(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (lf *LocalFile) AcquireLease(ctx context.Context, actorID, hostID string, ttl time.Duration) (*Lease, error) {
	existingHost, live, err := lf.ResolveHost(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if live && existingHost != hostID {
		return nil, riveterrors.Busy(fmt.Sprintf("actor %s already live on host %s", actorID, existingHost))
	}

	token := uuid.NewString()
	expires := time.Now().Add(ttl)
	_, err = lf.book.Conn().ExecContext(ctx,
		`INSERT INTO leases (actor_id, host_id, token, expires) VALUES (?, ?, ?, ?)
		 ON CONFLICT(actor_id) DO UPDATE SET host_id = excluded.host_id, token = excluded.token, expires = excluded.expires`,
		actorID, hostID, token, expires.UnixMilli())
	if err != nil {
		return nil, sqlstore.MapError(err)
	}
	return &Lease{ActorID: actorID, HostID: hostID, Token: token, Expires: expires}, nil
}

func (lf *LocalFile) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	res, err := lf.book.Conn().ExecContext(ctx,
		`UPDATE leases SET expires = ? WHERE actor_id = ? AND token = ?`,
		expires.UnixMilli(), lease.ActorID, lease.Token)
	if err != nil {
		return sqlstore.MapError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return riveterrors.NotFound(fmt.Sprintf("lease for actor %s", lease.ActorID))
	}
	lease.Expires = expires
	return nil
}

func (lf *LocalFile) ReleaseLease(ctx context.Context, lease *Lease) error {
	_, err := lf.book.Conn().ExecContext(ctx,
		`DELETE FROM leases WHERE actor_id = ? AND token = ?`, lease.ActorID, lease.Token)
	return sqlstore.MapError(err)
}

func (lf *LocalFile) ScheduleAlarm(ctx context.Context, actorID string, at time.Time) error {
	_, err := lf.book.Conn().ExecContext(ctx,
		`INSERT INTO alarms (actor_id, at_ms) VALUES (?, ?)
		 ON CONFLICT(actor_id) DO UPDATE SET at_ms = MIN(at_ms, excluded.at_ms)`,
		actorID, at.UnixMilli())
	return sqlstore.MapError(err)
}

func (lf *LocalFile) CancelAlarm(ctx context.Context, actorID string) error {
	_, err := lf.book.Conn().ExecContext(ctx, `DELETE FROM alarms WHERE actor_id = ?`, actorID)
	return sqlstore.MapError(err)
}

func (lf *LocalFile) PollDue(ctx context.Context, before time.Time) ([]AlarmFire, error) {
	rows, err := lf.book.Conn().QueryContext(ctx,
		`SELECT actor_id, at_ms FROM alarms WHERE at_ms <= ?`, before.UnixMilli())
	if err != nil {
		return nil, sqlstore.MapError(err)
	}
	defer rows.Close()

	var due []AlarmFire
	var ids []string
	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, sqlstore.MapError(err)
		}
		due = append(due, AlarmFire{ActorID: id, At: time.UnixMilli(ms)})
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, err := lf.book.Conn().ExecContext(ctx, `DELETE FROM alarms WHERE actor_id = ?`, id); err != nil {
			return nil, sqlstore.MapError(err)
		}
	}
	return due, rows.Err()
}

// Close closes every open per-actor database plus the bookkeeping database.
func (lf *LocalFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	var firstErr error
	for _, entry := range lf.stores {
		if err := entry.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := lf.book.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
