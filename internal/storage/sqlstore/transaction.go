package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

const nodeColumns = "id, scope_id, parent_id, root_id, lft, rgt, sort_key"

// sqlTx implements storage.Transaction on one SQL transaction.
type sqlTx struct {
	q       querier
	dialect dialect
	opts    storage.TxOptions
	held    map[string]storage.LockMode
}

var _ storage.Transaction = (*sqlTx)(nil)

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.q.ExecContext(ctx, t.dialect.rebind(query), args...)
	if err != nil {
		return nil, t.dialect.classify(err)
	}
	return res, nil
}

func (t *sqlTx) affected(ctx context.Context, query string, args ...any) (int, error) {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (t *sqlTx) checkWritable() error {
	if t.opts.ReadOnly {
		return storage.ErrReadOnly
	}
	return nil
}

// Lock implements storage.Transaction.
func (t *sqlTx) Lock(ctx context.Context, keys ...storage.LockKey) error {
	if t.held == nil {
		t.held = make(map[string]storage.LockMode)
	}
	for _, k := range keys {
		if mode, ok := t.held[k.Name()]; ok && mode >= k.Mode {
			continue
		}
		if err := t.dialect.lock(ctx, t.q, k, t.opts.LockTimeout); err != nil {
			return t.dialect.classify(err)
		}
		t.held[k.Name()] = k.Mode
	}
	return nil
}

// scanNodes reads rows selected with nodeColumns.
func scanNodes(rows *sql.Rows) ([]*types.Node, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*types.Node, error) {
	var (
		n      types.Node
		parent sql.NullInt64
		root   sql.NullInt64
	)
	if err := s.Scan(&n.ID, &n.ScopeID, &parent, &root, &n.Lft, &n.Rgt, &n.SortKey); err != nil {
		return nil, err
	}
	if parent.Valid {
		n.ParentID = types.ParentRef(parent.Int64)
	}
	n.RootID = root.Int64
	return &n, nil
}

func (t *sqlTx) query(ctx context.Context, where string, args ...any) ([]*types.Node, error) {
	q := "SELECT " + nodeColumns + " FROM nodes WHERE " + where
	rows, err := t.q.QueryContext(ctx, t.dialect.rebind(q), args...)
	if err != nil {
		return nil, t.dialect.classify(fmt.Errorf("query nodes: %w", err))
	}
	return scanNodes(rows)
}

// domainClause filters rows to d. It returns the SQL fragment and its args.
func domainClause(d storage.Domain) (string, []any) {
	if d.RootID == 0 {
		return "scope_id = ?", []any{d.Scope}
	}
	return "scope_id = ? AND root_id = ?", []any{d.Scope, d.RootID}
}

func rangeClause(r storage.Range) (string, []any) {
	where, args := domainClause(r.Domain)
	return where + " AND lft >= ? AND rgt <= ?", append(args, r.Lft, r.Rgt)
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableRoot(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// GetNode implements storage.Transaction.
func (t *sqlTx) GetNode(ctx context.Context, id int64) (*types.Node, error) {
	q := "SELECT " + nodeColumns + " FROM nodes WHERE id = ?"
	n, err := scanNode(t.q.QueryRowContext(ctx, t.dialect.rebind(q), id))
	if errNoRows(err) {
		return nil, fmt.Errorf("node %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, t.dialect.classify(fmt.Errorf("get node %d: %w", id, err))
	}
	return n, nil
}

// Roots implements storage.Transaction.
func (t *sqlTx) Roots(ctx context.Context, scope int64) ([]*types.Node, error) {
	return t.query(ctx, "scope_id = ? AND parent_id IS NULL ORDER BY lft, id", scope)
}

// Children implements storage.Transaction.
func (t *sqlTx) Children(ctx context.Context, parentID int64) ([]*types.Node, error) {
	return t.query(ctx, "parent_id = ? ORDER BY lft, id", parentID)
}

// Subtree implements storage.Transaction.
func (t *sqlTx) Subtree(ctx context.Context, r storage.Range) ([]*types.Node, error) {
	where, args := rangeClause(r)
	return t.query(ctx, where+" ORDER BY lft, id", args...)
}

// Ancestors implements storage.Transaction.
func (t *sqlTx) Ancestors(ctx context.Context, d storage.Domain, b types.Bounds) ([]*types.Node, error) {
	where, args := domainClause(d)
	return t.query(ctx, where+" AND lft < ? AND rgt > ? ORDER BY lft, id", append(args, b.Lft, b.Rgt)...)
}

// Nodes implements storage.Transaction.
func (t *sqlTx) Nodes(ctx context.Context, scope int64) ([]*types.Node, error) {
	return t.query(ctx, "scope_id = ? ORDER BY root_id, lft, id", scope)
}

// TreeNodes implements storage.Transaction.
func (t *sqlTx) TreeNodes(ctx context.Context, scope, rootID int64) ([]*types.Node, error) {
	return t.query(ctx, "scope_id = ? AND root_id = ? ORDER BY lft, id", scope, rootID)
}

// Scopes implements storage.Transaction.
func (t *sqlTx) Scopes(ctx context.Context) ([]int64, error) {
	rows, err := t.q.QueryContext(ctx, "SELECT DISTINCT scope_id FROM nodes ORDER BY scope_id")
	if err != nil {
		return nil, t.dialect.classify(fmt.Errorf("list scopes: %w", err))
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var scope int64
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		out = append(out, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}
	return out, nil
}

// CreateNode implements storage.Transaction.
func (t *sqlTx) CreateNode(ctx context.Context, n *types.Node) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	q := t.dialect.rebind("INSERT INTO nodes (scope_id, parent_id, root_id, lft, rgt, sort_key) VALUES (?, ?, ?, ?, ?, ?)")
	id, err := t.dialect.insertNode(ctx, t.q, q,
		n.ScopeID, nullableID(n.ParentID), nullableRoot(n.RootID), n.Lft, n.Rgt, n.SortKey)
	if err != nil {
		return t.dialect.classify(fmt.Errorf("insert node: %w", err))
	}
	n.ID = id
	return nil
}

// UpdateNode implements storage.Transaction.
func (t *sqlTx) UpdateNode(ctx context.Context, n *types.Node) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	count, err := t.affected(ctx,
		"UPDATE nodes SET parent_id = ?, root_id = ?, lft = ?, rgt = ?, sort_key = ? WHERE id = ?",
		nullableID(n.ParentID), nullableRoot(n.RootID), n.Lft, n.Rgt, n.SortKey, n.ID)
	if err != nil {
		return fmt.Errorf("update node %d: %w", n.ID, err)
	}
	if count == 0 {
		return fmt.Errorf("node %d: %w", n.ID, storage.ErrNotFound)
	}
	return nil
}

// Shift implements storage.Transaction.
func (t *sqlTx) Shift(ctx context.Context, d storage.Domain, from, delta int) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	where, args := domainClause(d)
	if _, err := t.exec(ctx, "UPDATE nodes SET lft = lft + ? WHERE "+where+" AND lft >= ?",
		append(append([]any{delta}, args...), from)...); err != nil {
		return fmt.Errorf("shift lft: %w", err)
	}
	if _, err := t.exec(ctx, "UPDATE nodes SET rgt = rgt + ? WHERE "+where+" AND rgt >= ?",
		append(append([]any{delta}, args...), from)...); err != nil {
		return fmt.Errorf("shift rgt: %w", err)
	}
	return nil
}

// Offset implements storage.Transaction.
func (t *sqlTx) Offset(ctx context.Context, r storage.Range, delta int) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	where, args := rangeClause(r)
	n, err := t.affected(ctx, "UPDATE nodes SET lft = lft + ?, rgt = rgt + ? WHERE "+where,
		append([]any{delta, delta}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("offset range: %w", err)
	}
	return n, nil
}

// Reroot implements storage.Transaction.
func (t *sqlTx) Reroot(ctx context.Context, r storage.Range, rootID int64) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	where, args := rangeClause(r)
	n, err := t.affected(ctx, "UPDATE nodes SET root_id = ? WHERE "+where, append([]any{rootID}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("reroot range: %w", err)
	}
	return n, nil
}

// DeleteRange implements storage.Transaction. The count is taken before the
// delete because engines omit cascaded rows from the affected-row count.
func (t *sqlTx) DeleteRange(ctx context.Context, r storage.Range) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	where, args := rangeClause(r)
	var count int
	if err := t.q.QueryRowContext(ctx, t.dialect.rebind("SELECT COUNT(*) FROM nodes WHERE "+where), args...).Scan(&count); err != nil {
		return 0, t.dialect.classify(fmt.Errorf("count range: %w", err))
	}
	if _, err := t.exec(ctx, "DELETE FROM nodes WHERE "+where, args...); err != nil {
		return 0, fmt.Errorf("delete range: %w", err)
	}
	return count, nil
}

// SavePlacements implements storage.Transaction.
func (t *sqlTx) SavePlacements(ctx context.Context, nodes []*types.Node) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	for _, n := range nodes {
		count, err := t.affected(ctx, "UPDATE nodes SET parent_id = ?, root_id = ?, lft = ?, rgt = ? WHERE id = ?",
			nullableID(n.ParentID), nullableRoot(n.RootID), n.Lft, n.Rgt, n.ID)
		if err != nil {
			return fmt.Errorf("save placement of node %d: %w", n.ID, err)
		}
		if count == 0 {
			return fmt.Errorf("node %d: %w", n.ID, storage.ErrNotFound)
		}
	}
	return nil
}
