package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/arborhq/arbor/internal/storage"
)

// querier is satisfied by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect isolates everything that differs between SQL engines: DDL,
// placeholders, how a write transaction begins, logical locks, and error
// classification.
type dialect interface {
	name() string
	driverName() string
	schema() []string

	// begin starts a transaction on conn. The returned querier runs every
	// statement of the transaction.
	begin(ctx context.Context, conn *sql.Conn, opts storage.TxOptions) (querier, func() error, func() error, error)

	// lock acquires a logical lock for the rest of the transaction.
	lock(ctx context.Context, q querier, key storage.LockKey, timeout time.Duration) error

	// release drops locks that outlive the transaction (MySQL named locks).
	release(ctx context.Context, conn *sql.Conn) error

	// insertNode inserts a row and returns its generated id.
	insertNode(ctx context.Context, q querier, query string, args ...any) (int64, error)

	rebind(query string) string
	classify(err error) error
}

// lockID maps a lock name to a 64-bit advisory lock key.
func lockID(key storage.LockKey) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.Name()))
	return int64(h.Sum64())
}

func txBeginner(ctx context.Context, conn *sql.Conn, opts *sql.TxOptions) (querier, func() error, func() error, error) {
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	return tx, tx.Commit, tx.Rollback, nil
}

// ── SQLite ──────────────────────────────────────────────────────────────────

// sqliteDialect serializes writers with BEGIN IMMEDIATE: the database-wide
// write lock is taken up front, so logical locks are unnecessary.
type sqliteDialect struct{}

func (sqliteDialect) name() string       { return "sqlite" }
func (sqliteDialect) driverName() string { return "sqlite" }

func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope_id INTEGER NOT NULL DEFAULT 0,
			parent_id INTEGER NULL REFERENCES nodes(id) ON DELETE CASCADE,
			root_id INTEGER NULL,
			lft INTEGER NOT NULL,
			rgt INTEGER NOT NULL,
			sort_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_scope_root_lft ON nodes (scope_id, root_id, lft)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_scope_root_rgt ON nodes (scope_id, root_id, rgt)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes (parent_id)`,
	}
}

func (sqliteDialect) begin(ctx context.Context, conn *sql.Conn, opts storage.TxOptions) (querier, func() error, func() error, error) {
	if opts.LockTimeout > 0 {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.LockTimeout.Milliseconds())); err != nil {
			return nil, nil, nil, err
		}
	}
	stmt := "BEGIN IMMEDIATE"
	if opts.ReadOnly {
		stmt = "BEGIN DEFERRED"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return nil, nil, nil, err
	}
	commit := func() error {
		_, err := conn.ExecContext(ctx, "COMMIT")
		return err
	}
	rollback := func() error {
		// Use background context to ensure rollback completes even if ctx is canceled
		_, err := conn.ExecContext(context.Background(), "ROLLBACK")
		return err
	}
	return conn, commit, rollback, nil
}

func (sqliteDialect) lock(context.Context, querier, storage.LockKey, time.Duration) error {
	return nil
}

func (sqliteDialect) release(context.Context, *sql.Conn) error {
	return nil
}

func (sqliteDialect) insertNode(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked") {
		return storage.Conflict(err)
	}
	return err
}

// ── MySQL / Dolt ────────────────────────────────────────────────────────────

// mysqlDialect serializes with GET_LOCK named locks. Named locks have no
// shared mode, so every write takes its scope's forest lock exclusively and
// shared requests are skipped (READ COMMITTED reads see committed rows).
//
// The table carries no parent foreign key: InnoDB stops cascading deletes
// after 15 levels, and subtree deletes already remove whole ranges.
type mysqlDialect struct{}

func (mysqlDialect) name() string       { return "mysql" }
func (mysqlDialect) driverName() string { return "mysql" }

func (mysqlDialect) schema() []string {
	return []string{
		"CREATE TABLE IF NOT EXISTS nodes (" +
			"id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
			"scope_id BIGINT NOT NULL DEFAULT 0," +
			"parent_id BIGINT NULL," +
			"root_id BIGINT NULL," +
			"lft INT NOT NULL," +
			"rgt INT NOT NULL," +
			"sort_key VARCHAR(255) NOT NULL DEFAULT ''," +
			"INDEX idx_nodes_scope_root_lft (scope_id, root_id, lft)," +
			"INDEX idx_nodes_scope_root_rgt (scope_id, root_id, rgt)," +
			"INDEX idx_nodes_parent (parent_id)" +
			")",
	}
}

func (mysqlDialect) begin(ctx context.Context, conn *sql.Conn, opts storage.TxOptions) (querier, func() error, func() error, error) {
	return txBeginner(ctx, conn, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: opts.ReadOnly})
}

func (mysqlDialect) lock(ctx context.Context, q querier, key storage.LockKey, timeout time.Duration) error {
	if key.Mode == storage.LockShared {
		return nil
	}
	forest := storage.ForestLock(key.Scope, storage.LockExclusive)
	seconds := int(math.Ceil(timeout.Seconds()))
	if timeout <= 0 {
		seconds = -1 // wait indefinitely
	}
	var got sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", forest.Name(), seconds).Scan(&got); err != nil {
		return err
	}
	if !got.Valid || got.Int64 != 1 {
		return &storage.LockTimeoutError{Key: forest, Timeout: timeout}
	}
	return nil
}

func (mysqlDialect) release(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(context.Background(), "SELECT RELEASE_ALL_LOCKS()")
	return err
}

func (mysqlDialect) insertNode(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (mysqlDialect) rebind(query string) string { return query }

func (mysqlDialect) classify(err error) error {
	if isMySQLConflict(err) {
		return storage.Conflict(err)
	}
	return err
}

// ── PostgreSQL ──────────────────────────────────────────────────────────────

// postgresDialect uses transaction-scoped advisory locks, shared or
// exclusive, bounded by SET LOCAL lock_timeout.
type postgresDialect struct{}

func (postgresDialect) name() string       { return "postgres" }
func (postgresDialect) driverName() string { return "pgx" }

func (postgresDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id BIGSERIAL PRIMARY KEY,
			scope_id BIGINT NOT NULL DEFAULT 0,
			parent_id BIGINT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			root_id BIGINT NULL,
			lft INTEGER NOT NULL,
			rgt INTEGER NOT NULL,
			sort_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_scope_root_lft ON nodes (scope_id, root_id, lft)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_scope_root_rgt ON nodes (scope_id, root_id, rgt)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes (parent_id)`,
	}
}

func (postgresDialect) begin(ctx context.Context, conn *sql.Conn, opts storage.TxOptions) (querier, func() error, func() error, error) {
	q, commit, rollback, err := txBeginner(ctx, conn, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds())
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			_ = rollback()
			return nil, nil, nil, err
		}
	}
	return q, commit, rollback, nil
}

func (postgresDialect) lock(ctx context.Context, q querier, key storage.LockKey, timeout time.Duration) error {
	fn := "pg_advisory_xact_lock_shared"
	if key.Mode == storage.LockExclusive {
		fn = "pg_advisory_xact_lock"
	}
	if _, err := q.ExecContext(ctx, "SELECT "+fn+"($1)", lockID(key)); err != nil {
		if isPostgresLockTimeout(err) {
			return &storage.LockTimeoutError{Key: key, Timeout: timeout}
		}
		return err
	}
	return nil
}

func (postgresDialect) release(context.Context, *sql.Conn) error {
	return nil
}

func (postgresDialect) insertNode(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id)
	return id, err
}

// rebind rewrites ? placeholders to $n.
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) classify(err error) error {
	if isPostgresConflict(err) {
		return storage.Conflict(err)
	}
	return err
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "mysql", "dolt":
		return mysqlDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unknown SQL dialect %q (supported: sqlite, mysql, dolt, postgres)", name)
}
