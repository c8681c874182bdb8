package coordinator

import (
	"context"
	"fmt"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

// mutationLocks returns the locks for a mutation that shifts the given
// trees. rootLevel marks mutations that add, remove, or reslot roots.
func (c *Coordinator) mutationLocks(scope int64, rootLevel bool, trees ...int64) []storage.LockKey {
	if c.opts.Mode == types.NumberingShared {
		return []storage.LockKey{storage.ForestLock(scope, storage.LockExclusive)}
	}
	keys := []storage.LockKey{storage.ForestLock(scope, storage.LockShared)}
	if rootLevel {
		keys = append(keys, storage.RootsLock(scope, storage.LockExclusive))
	}
	for _, id := range trees {
		keys = append(keys, storage.TreeLock(scope, id, storage.LockExclusive))
	}
	return keys
}

// readLocks returns the locks for a read confined to the given trees.
func (c *Coordinator) readLocks(scope int64, trees ...int64) []storage.LockKey {
	keys := []storage.LockKey{storage.ForestLock(scope, storage.LockShared)}
	if c.opts.Mode == types.NumberingPerTree {
		for _, id := range trees {
			keys = append(keys, storage.TreeLock(scope, id, storage.LockShared))
		}
	}
	return keys
}

// lockNode plans from an unlocked read of id, locks via plan, and returns
// the node re-read under the locks. It fails with a conflict if the node
// changed trees in between.
func (c *Coordinator) lockNode(ctx context.Context, tx storage.Transaction, id int64, plan func(n *types.Node) []storage.LockKey) (*types.Node, error) {
	n, err := tx.GetNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", id, err)
	}
	if err := c.lock(ctx, tx, plan(n)...); err != nil {
		return nil, err
	}
	return c.reread(ctx, tx, n)
}

// reread loads planned again and checks it is still in the planned tree.
func (c *Coordinator) reread(ctx context.Context, tx storage.Transaction, planned *types.Node) (*types.Node, error) {
	n, err := tx.GetNode(ctx, planned.ID)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", planned.ID, err)
	}
	if n.RootID != planned.RootID {
		return nil, staleTree(n.ID, planned.RootID, n.RootID)
	}
	return n, nil
}

// lockForest locks a whole scope for a read that spans every tree. Under
// per-tree numbering that is the root level plus each tree, shared; the root
// set cannot change while the roots lock is held.
func (c *Coordinator) lockForest(ctx context.Context, tx storage.Transaction, scope int64) error {
	if c.opts.Mode == types.NumberingShared {
		return c.lock(ctx, tx, storage.ForestLock(scope, storage.LockShared))
	}
	roots, err := tx.Roots(ctx, scope)
	if err != nil {
		return fmt.Errorf("failed to load roots: %w", err)
	}
	keys := []storage.LockKey{
		storage.ForestLock(scope, storage.LockShared),
		storage.RootsLock(scope, storage.LockShared),
	}
	for _, r := range roots {
		keys = append(keys, storage.TreeLock(scope, r.ID, storage.LockShared))
	}
	if err := c.lock(ctx, tx, keys...); err != nil {
		return err
	}
	again, err := tx.Roots(ctx, scope)
	if err != nil {
		return fmt.Errorf("failed to load roots: %w", err)
	}
	if !sameIDs(roots, again) {
		return fmt.Errorf("%w: roots of scope %d changed while waiting for locks", storage.ErrSerializationConflict, scope)
	}
	return nil
}

func sameIDs(a, b []*types.Node) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int64]bool, len(a))
	for _, n := range a {
		seen[n.ID] = true
	}
	for _, n := range b {
		if !seen[n.ID] {
			return false
		}
	}
	return true
}
