package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite stores everything in one WAL-mode database file. Several
// processes may open the same file: rows are created with plain inserts
// whose unique keys reject a second writer, and chronicles are rewritten
// inside IMMEDIATE transactions.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and initializes the
// schema.
func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store needs a path")
	}
	if log == nil {
		log = slog.Default()
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp with the default config. Every write
// goes through it.
func (s *SQLite) retryOnContention(ctx context.Context, op string, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, s.log, op, fn)
}

// withTx runs fn in one write transaction, retrying the whole transaction
// on contention. BEGIN takes the write lock up front (_txlock=immediate),
// so a concurrent writer waits on busy_timeout rather than failing when
// its read lock is upgraded.
func (s *SQLite) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	return s.retryOnContention(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// staleOnConflict reports a unique or primary key violation as
// model.ErrStale: another handle on the file created the row first.
func staleOnConflict(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", model.ErrStale, err)
		}
	}
	return err
}

func (s *SQLite) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chronicles (
		nid        INTEGER PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stamps (
		seq    INTEGER PRIMARY KEY,
		status INTEGER NOT NULL,
		time   INTEGER NOT NULL,
		author INTEGER NOT NULL,
		module INTEGER NOT NULL,
		path   INTEGER NOT NULL,
		UNIQUE (status, time, author, module, path)
	);

	CREATE TABLE IF NOT EXISTS identifiers (
		uuid    TEXT PRIMARY KEY,
		nid     INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		UNIQUE (nid, ordinal)
	);

	CREATE TABLE IF NOT EXISTS assemblages (
		nid        INTEGER PRIMARY KEY,
		assemblage INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assemblages_asm ON assemblages(assemblage, nid);

	CREATE TABLE IF NOT EXISTS paths (
		nid     INTEGER PRIMARY KEY,
		name    TEXT NOT NULL,
		origins TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ---------------------------------------------------------------------------
// Chronicles
// ---------------------------------------------------------------------------

// GetBytes returns the chronicle record for nid.
func (s *SQLite) GetBytes(ctx context.Context, nid model.Nid) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM chronicles WHERE nid = ?`, nid).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get chronicle %d: %w", nid, err)
	}
	return data, true, nil
}

// PutBytes upserts the chronicle record for nid.
func (s *SQLite) PutBytes(ctx context.Context, nid model.Nid, data []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.retryOnContention(ctx, "put chronicle", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chronicles (nid, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(nid) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			nid, data, now,
		)
		return err
	})
}

// UpdateBytes rewrites the chronicle record for nid inside one
// transaction, so appends from different processes never overwrite each
// other.
func (s *SQLite) UpdateBytes(ctx context.Context, nid model.Nid, fn func(old []byte, ok bool) ([]byte, error)) error {
	return s.withTx(ctx, "update chronicle", func(tx *sql.Tx) error {
		var old []byte
		err := tx.QueryRowContext(ctx, `SELECT data FROM chronicles WHERE nid = ?`, nid).Scan(&old)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("get chronicle %d: %w", nid, err)
		}
		data, err := fn(old, err == nil)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chronicles (nid, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(nid) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			nid, data, time.Now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// Nids lists stored chronicles in ascending nid order.
func (s *SQLite) Nids(ctx context.Context) ([]model.Nid, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT nid FROM chronicles ORDER BY nid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nids []model.Nid
	for rows.Next() {
		var nid model.Nid
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		nids = append(nids, nid)
	}
	return nids, rows.Err()
}

// ---------------------------------------------------------------------------
// Stamps
// ---------------------------------------------------------------------------

// PutStamp inserts a stamp row. A sequence or tuple already stored fails
// with model.ErrStale.
func (s *SQLite) PutStamp(ctx context.Context, seq model.StampSequence, st model.Stamp) error {
	return staleOnConflict(s.retryOnContention(ctx, "put stamp", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO stamps (seq, status, time, author, module, path) VALUES (?, ?, ?, ?, ?, ?)`,
			seq, st.Status, st.Time, st.Author, st.Module, st.Path,
		)
		return err
	}))
}

// LoadStamps streams the stamp table in sequence order.
func (s *SQLite) LoadStamps(ctx context.Context, fn func(model.StampSequence, model.Stamp) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, status, time, author, module, path FROM stamps ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var seq model.StampSequence
		var st model.Stamp
		if err := rows.Scan(&seq, &st.Status, &st.Time, &st.Author, &st.Module, &st.Path); err != nil {
			return err
		}
		if err := fn(seq, st); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

// PutIdentifier inserts a UUID binding. A UUID or (nid, ordinal) already
// stored fails with model.ErrStale.
func (s *SQLite) PutIdentifier(ctx context.Context, nid model.Nid, ordinal int, id uuid.UUID) error {
	return staleOnConflict(s.retryOnContention(ctx, "put identifier", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO identifiers (uuid, nid, ordinal) VALUES (?, ?, ?)`,
			id.String(), nid, ordinal,
		)
		return err
	}))
}

// LoadIdentifiers streams UUID bindings ordered by (nid, ordinal).
func (s *SQLite) LoadIdentifiers(ctx context.Context, fn func(model.Nid, uuid.UUID) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT nid, uuid FROM identifiers ORDER BY nid, ordinal`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var nid model.Nid
		var raw string
		if err := rows.Scan(&nid, &raw); err != nil {
			return err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("identifier of nid %d: %v: %w", nid, err, model.ErrCorruptRecord)
		}
		if err := fn(nid, id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PutAssemblage records assemblage membership. A nid already placed fails
// with model.ErrStale.
func (s *SQLite) PutAssemblage(ctx context.Context, nid, assemblage model.Nid) error {
	return staleOnConflict(s.retryOnContention(ctx, "put assemblage", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO assemblages (nid, assemblage) VALUES (?, ?)`, nid, assemblage)
		return err
	}))
}

// LoadAssemblages streams memberships ordered by nid.
func (s *SQLite) LoadAssemblages(ctx context.Context, fn func(nid, assemblage model.Nid) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT nid, assemblage FROM assemblages ORDER BY nid`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var nid, asm model.Nid
		if err := rows.Scan(&nid, &asm); err != nil {
			return err
		}
		if err := fn(nid, asm); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

// PutPath upserts a path definition. Origins are stored as JSON.
func (s *SQLite) PutPath(ctx context.Context, p model.StampPath) error {
	origins, err := json.Marshal(p.Origins)
	if err != nil {
		return err
	}
	return s.retryOnContention(ctx, "put path", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO paths (nid, name, origins) VALUES (?, ?, ?)
			 ON CONFLICT(nid) DO UPDATE SET name = excluded.name, origins = excluded.origins`,
			p.Nid, p.Name, string(origins),
		)
		return err
	})
}

// LoadPaths returns every path ordered by nid.
func (s *SQLite) LoadPaths(ctx context.Context) ([]model.StampPath, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT nid, name, origins FROM paths ORDER BY nid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []model.StampPath
	for rows.Next() {
		var p model.StampPath
		var origins string
		if err := rows.Scan(&p.Nid, &p.Name, &origins); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(origins), &p.Origins); err != nil {
			return nil, fmt.Errorf("origins of path %d: %v: %w", p.Nid, err, model.ErrCorruptRecord)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Stats counts rows per table.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM chronicles),
		(SELECT COUNT(*) FROM stamps),
		(SELECT COUNT(*) FROM identifiers),
		(SELECT COUNT(*) FROM paths)`,
	).Scan(&st.Chronicles, &st.Stamps, &st.Identifiers, &st.Paths)
	return st, err
}
