package coordinator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/telemetry"
	"github.com/arborhq/arbor/internal/types"
)

// read runs fn on id re-read under shared locks of its tree.
func (c *Coordinator) read(ctx context.Context, name string, id int64, fn func(ctx context.Context, tx storage.Transaction, n *types.Node) error) error {
	return c.run(ctx, name, true, func(ctx context.Context, _ *telemetry.TreeOp, tx storage.Transaction) error {
		n, err := c.lockNode(ctx, tx, id, func(n *types.Node) []storage.LockKey {
			return c.readLocks(n.ScopeID, n.RootID)
		})
		if err != nil {
			return err
		}
		return fn(ctx, tx, n)
	}, attribute.Int64("arbor.node_id", id))
}

// Get returns a node.
func (c *Coordinator) Get(ctx context.Context, id int64) (*types.Node, error) {
	var out *types.Node
	err := c.read(ctx, "get", id, func(_ context.Context, _ storage.Transaction, n *types.Node) error {
		out = n
		return nil
	})
	return out, err
}

// Children returns the direct children of id in sibling order.
func (c *Coordinator) Children(ctx context.Context, id int64) ([]*types.Node, error) {
	var out []*types.Node
	err := c.read(ctx, "children", id, func(ctx context.Context, tx storage.Transaction, n *types.Node) error {
		var err error
		out, err = tx.Children(ctx, n.ID)
		return err
	})
	return out, err
}

// Descendants returns every node below id in pre-order, read from its
// interval.
func (c *Coordinator) Descendants(ctx context.Context, id int64) ([]*types.Node, error) {
	var out []*types.Node
	err := c.read(ctx, "descendants", id, func(ctx context.Context, tx storage.Transaction, n *types.Node) error {
		if n.IsLeaf() {
			return nil
		}
		var err error
		out, err = tx.Subtree(ctx, storage.Range{Domain: c.mut.Domain(n), Lft: n.Lft + 1, Rgt: n.Rgt - 1})
		if err == nil && len(out) != n.DescendantCount() {
			err = fmt.Errorf("%w: interval %s of node %d holds %d nodes, expected %d",
				storage.ErrCorruptTree, n.Bounds(), n.ID, len(out), n.DescendantCount())
		}
		return err
	})
	return out, err
}

// Ancestors returns the chain from the root down to id's parent.
func (c *Coordinator) Ancestors(ctx context.Context, id int64) ([]*types.Node, error) {
	var out []*types.Node
	err := c.read(ctx, "ancestors", id, func(ctx context.Context, tx storage.Transaction, n *types.Node) error {
		var err error
		out, err = tx.Ancestors(ctx, c.mut.Domain(n), n.Bounds())
		return err
	})
	return out, err
}

// Level returns the depth of id; roots are at level 0.
func (c *Coordinator) Level(ctx context.Context, id int64) (int, error) {
	anc, err := c.Ancestors(ctx, id)
	return len(anc), err
}

// IsDescendantOf reports whether id lies strictly below ancestorID.
func (c *Coordinator) IsDescendantOf(ctx context.Context, id, ancestorID int64) (bool, error) {
	var out bool
	err := c.read(ctx, "is_descendant", id, func(ctx context.Context, tx storage.Transaction, n *types.Node) error {
		anc, err := tx.GetNode(ctx, ancestorID)
		if err != nil {
			return fmt.Errorf("node %d: %w", ancestorID, err)
		}
		// Contains is false across trees, and n's tree is locked.
		out = anc.Contains(n)
		return nil
	})
	return out, err
}

// Roots returns the roots of scope in forest order.
func (c *Coordinator) Roots(ctx context.Context, scope int64) ([]*types.Node, error) {
	var out []*types.Node
	err := c.run(ctx, "roots", true, func(ctx context.Context, _ *telemetry.TreeOp, tx storage.Transaction) error {
		if err := c.lockForest(ctx, tx, scope); err != nil {
			return err
		}
		var err error
		out, err = tx.Roots(ctx, scope)
		return err
	}, attribute.Int64("arbor.scope_id", scope))
	return out, err
}

// Forest returns every node of scope ordered by tree, then lft.
func (c *Coordinator) Forest(ctx context.Context, scope int64) ([]*types.Node, error) {
	var out []*types.Node
	err := c.run(ctx, "forest", true, func(ctx context.Context, _ *telemetry.TreeOp, tx storage.Transaction) error {
		if err := c.lockForest(ctx, tx, scope); err != nil {
			return err
		}
		var err error
		out, err = tx.Nodes(ctx, scope)
		return err
	}, attribute.Int64("arbor.scope_id", scope))
	return out, err
}
