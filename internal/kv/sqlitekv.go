package kv

import (
	"context"
	"database/sql"

	"github.com/rivetkit-go/rivetkit/internal/sqlstore"
)

// SQLite is a Store backed by a single-table SQLite database, used by the
// local-file driver (§4.G) so an actor's KV survives process restarts. Key
// ordering relies on SQLite's default byte-wise BLOB comparison, which
// matches Memory's lexicographic ordering.
type SQLite struct {
	db *sqlstore.DB
}

// NewSQLite wraps db, creating the backing table if absent.
func NewSQLite(ctx context.Context, db *sqlstore.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := db.Migrate(ctx, []string{
		`CREATE TABLE IF NOT EXISTS rivetkv (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var v []byte
	err := s.db.Conn().QueryRowContext(ctx, `SELECT v FROM rivetkv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, sqlstore.MapError(err)
	}
	return v, true, nil
}

func (s *SQLite) Put(ctx context.Context, key, value []byte) error {
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO rivetkv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	return sqlstore.MapError(err)
}

func (s *SQLite) Delete(ctx context.Context, key []byte) error {
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM rivetkv WHERE k = ?`, key)
	return sqlstore.MapError(err)
}

func (s *SQLite) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	q := `SELECT k, v FROM rivetkv WHERE 1=1`
	var args []any
	if opts.Prefix != nil {
		q += ` AND k >= ? AND k < ?`
		args = append(args, opts.Prefix, prefixUpperBound(opts.Prefix))
	}
	if opts.Start != nil {
		q += ` AND k >= ?`
		args = append(args, opts.Start)
	}
	if opts.End != nil {
		q += ` AND k < ?`
		args = append(args, opts.End)
	}
	if opts.Reverse {
		q += ` ORDER BY k DESC`
	} else {
		q += ` ORDER BY k ASC`
	}
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, sqlstore.MapError(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, sqlstore.MapError(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) DeletePrefix(ctx context.Context, prefix []byte) error {
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM rivetkv WHERE k >= ? AND k < ?`,
		prefix, prefixUpperBound(prefix))
	return sqlstore.MapError(err)
}

func (s *SQLite) Batch(ctx context.Context, ops []BatchOp) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return sqlstore.MapError(err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rivetkv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
				op.Key, op.Value); err != nil {
				return sqlstore.MapError(err)
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM rivetkv WHERE k = ?`, op.Key); err != nil {
				return sqlstore.MapError(err)
			}
		}
	}
	return sqlstore.MapError(tx.Commit())
}

func (s *SQLite) Close() error { return nil } // owning *sqlstore.DB is closed by the actor host

// prefixUpperBound returns the smallest byte string greater than every
// string that has prefix, by incrementing its last non-0xff byte and
// truncating any trailing 0xff bytes. A nil result means prefix is all
// 0xff, i.e. there is no finite upper bound; callers only use this when
// prefix is non-empty, which covers every namespaced key the runtime uses.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
