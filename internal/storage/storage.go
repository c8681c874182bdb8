// Package storage provides the interfaces and shared types for nested-set
// tree storage.
//
// Concrete implementations live in the memory and sqlstore sub-packages. The
// engine (nestedset, coordinator, rebuild) depends only on the interfaces
// defined here, so every backend exposes the same small set of range
// primitives: shift, offset, reroot, and range delete.
package storage

import (
	"context"
	"time"

	"github.com/arborhq/arbor/internal/types"
)

// Storage is the interface satisfied by *memory.Store and *sqlstore.Store.
type Storage interface {
	// RunInTransaction executes fn inside one transaction. If fn returns an
	// error or panics, every write it made is rolled back. Backends do not
	// retry; retry policy belongs to the caller (see Retry).
	RunInTransaction(ctx context.Context, opts TxOptions, fn func(tx Transaction) error) error

	// Backend names the implementation ("memory", "sqlite", "mysql", "postgres").
	Backend() string

	Close() error
}

// TxOptions configures a single transaction attempt.
type TxOptions struct {
	// ReadOnly marks transactions that never write. Backends may use a
	// cheaper begin for them.
	ReadOnly bool

	// LockTimeout bounds every lock wait inside the transaction. Zero means
	// the backend default.
	LockTimeout time.Duration
}

// Domain identifies one numbering space: a whole scope (RootID == 0) or a
// single tree within it.
type Domain struct {
	Scope  int64
	RootID int64
}

// ScopeDomain returns the numbering domain covering every tree of scope.
func ScopeDomain(scope int64) Domain {
	return Domain{Scope: scope}
}

// TreeDomain returns the numbering domain of a single tree.
func TreeDomain(scope, rootID int64) Domain {
	return Domain{Scope: scope, RootID: rootID}
}

// Range selects the nodes of a domain whose interval lies inside [Lft, Rgt],
// i.e. lft >= Lft AND rgt <= Rgt.
type Range struct {
	Domain
	Lft int
	Rgt int
}

// Transaction exposes the primitives the nested-set engine needs, all bound
// to one underlying transaction.
//
// # Transaction Semantics
//
//   - Reads observe the transaction's own writes
//   - Range updates are applied atomically per call
//   - Locks acquired via Lock are held until commit or rollback
type Transaction interface {
	// Lock acquires the given logical locks, in the order given. Callers
	// should pass keys through SortLockKeys so that every writer acquires
	// in the same order. Expiry of TxOptions.LockTimeout yields a
	// *LockTimeoutError.
	Lock(ctx context.Context, keys ...LockKey) error

	// Reads
	GetNode(ctx context.Context, id int64) (*types.Node, error)
	Roots(ctx context.Context, scope int64) ([]*types.Node, error)                  // parent_id IS NULL, ordered by lft, id
	Children(ctx context.Context, parentID int64) ([]*types.Node, error)            // ordered by lft
	Subtree(ctx context.Context, r Range) ([]*types.Node, error)                    // ordered by lft
	Ancestors(ctx context.Context, d Domain, b types.Bounds) ([]*types.Node, error) // lft < b.Lft AND rgt > b.Rgt, ordered by lft
	Nodes(ctx context.Context, scope int64) ([]*types.Node, error)                  // whole scope, ordered by root_id, lft
	TreeNodes(ctx context.Context, scope, rootID int64) ([]*types.Node, error)      // ordered by lft
	Scopes(ctx context.Context) ([]int64, error)                                    // distinct scope ids holding nodes, ascending

	// Single-row writes
	CreateNode(ctx context.Context, n *types.Node) error // assigns n.ID
	UpdateNode(ctx context.Context, n *types.Node) error // writes parent_id, root_id, lft, rgt, sort_key

	// Range writes
	Shift(ctx context.Context, d Domain, from, delta int) error     // lft >= from: lft += delta; rgt >= from: rgt += delta
	Offset(ctx context.Context, r Range, delta int) (int, error)    // both bounds += delta for nodes in r
	Reroot(ctx context.Context, r Range, rootID int64) (int, error) // root_id = rootID for nodes in r
	DeleteRange(ctx context.Context, r Range) (int, error)          // delete nodes in r
	SavePlacements(ctx context.Context, nodes []*types.Node) error  // bulk parent_id/root_id/lft/rgt write
}
