// Package sqlstore implements the storage interface on database/sql for
// SQLite (modernc.org/sqlite), MySQL and Dolt (go-sql-driver/mysql), and
// PostgreSQL (pgx).
//
// Every transaction runs on a dedicated connection. How writers are kept
// apart depends on the engine:
//
//   - SQLite takes the database write lock up front with BEGIN IMMEDIATE
//   - MySQL/Dolt take a per-scope GET_LOCK named lock
//   - PostgreSQL takes transaction-scoped advisory locks, shared or exclusive
//
// Engine errors that mean "run it again" (busy, deadlock, serialization
// failure, lock timeout) are wrapped with storage.ErrSerializationConflict so
// that storage.Retry can act on them.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/arborhq/arbor/internal/debug"
	"github.com/arborhq/arbor/internal/lockfile"
	"github.com/arborhq/arbor/internal/storage"
)

// Config holds SQL store configuration.
type Config struct {
	// Dialect is one of sqlite, mysql, dolt, postgres.
	Dialect string

	// DSN is the driver data source name. For sqlite it may be a plain file
	// path; pragmas for foreign keys and WAL are added automatically.
	DSN string

	// MaxOpenConns caps the connection pool (0 = driver default; SQLite
	// defaults to 4).
	MaxOpenConns int

	// ExclusiveAccess makes a SQLite store hold its access lock file
	// exclusively, keeping other arbor processes out (used by rebuild).
	ExclusiveAccess bool

	// AccessLockTimeout bounds the wait for the SQLite access lock file.
	AccessLockTimeout time.Duration
}

// Store implements storage.Storage on a SQL database.
type Store struct {
	db      *sql.DB
	dialect dialect
	access  *lockfile.AccessLock
	closed  atomic.Bool
}

var _ storage.Storage = (*Store)(nil)

// Open connects to the database described by cfg and creates the schema if
// it does not exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s: DSN is required", d.name())
	}

	dsn := cfg.DSN
	var access *lockfile.AccessLock
	switch d.(type) {
	case sqliteDialect:
		path := sqlitePath(dsn)
		if path != "" {
			access, err = lockfile.Acquire(lockfile.PathFor(path), cfg.ExclusiveAccess, cfg.AccessLockTimeout)
			if err != nil {
				return nil, err
			}
		}
		dsn = sqliteDSN(dsn)
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 4
		}
	case mysqlDialect:
		dsn, err = mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		access.Release()
		return nil, fmt.Errorf("open %s: %w", d.name(), err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{db: db, dialect: d, access: access}
	if err := db.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s: %w", d.name(), err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	debug.Log().Debug().Str("backend", d.name()).Msg("sql store opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Backend implements storage.Storage.
func (s *Store) Backend() string {
	return s.dialect.name()
}

// DB exposes the underlying pool for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close implements storage.Storage.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.db.Close()
	s.access.Release()
	return err
}

// RunInTransaction implements storage.Storage.
func (s *Store) RunInTransaction(ctx context.Context, opts storage.TxOptions, fn func(tx storage.Transaction) error) (err error) {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return s.dialect.classify(fmt.Errorf("acquire connection: %w", err))
	}
	defer func() { _ = conn.Close() }()

	q, commit, rollback, err := s.dialect.begin(ctx, conn, opts)
	if err != nil {
		return s.dialect.classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if rerr := s.dialect.release(ctx, conn); rerr != nil {
			debug.Logf("sqlstore: release locks: %v", rerr)
		}
	}()

	tx := &sqlTx{q: q, dialect: s.dialect, opts: opts}

	committed := false
	defer func() {
		if r := recover(); r != nil {
			_ = rollback()
			panic(r)
		}
		if !committed {
			_ = rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	if err := commit(); err != nil {
		return s.dialect.classify(fmt.Errorf("commit transaction: %w", err))
	}
	committed = true
	return nil
}

// sqlitePath returns the database file for a sqlite DSN, or "" for
// in-memory databases.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}

// sqliteDSN adds the pragmas the store depends on unless the caller set them.
func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	var pragmas []string
	if !strings.Contains(dsn, "foreign_keys") {
		pragmas = append(pragmas, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "journal_mode") && sqlitePath(dsn) != "" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		pragmas = append(pragmas, "_pragma=busy_timeout(5000)")
	}
	if len(pragmas) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

// mysqlDSN makes UPDATE report matched rather than changed rows, which the
// range primitives rely on for their counts.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql DSN: %w", err)
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// errNoRows reports whether err is sql.ErrNoRows.
func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
