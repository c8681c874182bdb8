package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/rebuild"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/telemetry"
	"github.com/arborhq/arbor/internal/types"
)

// InsertRoot creates a new tree in node.ScopeID holding node alone. Only
// ScopeID and SortKey of node are read; the stored node is returned.
func (c *Coordinator) InsertRoot(ctx context.Context, node *types.Node, opts ...PlaceOption) (*types.Node, error) {
	cfg := newCallConfig(opts)
	var out *types.Node
	err := c.run(ctx, "insert_root", false, func(ctx context.Context, _ *telemetry.TreeOp, tx storage.Transaction) error {
		if err := c.lock(ctx, tx, c.mutationLocks(node.ScopeID, true)...); err != nil {
			return err
		}
		n := &types.Node{ScopeID: node.ScopeID, SortKey: node.SortKey}
		if err := c.mut.InsertRoot(ctx, tx, n, cfg.place); err != nil {
			return err
		}
		if err := c.runHooks(ctx, tx, cfg.hooks, Event{Op: "insert_root", Node: n.Clone()}); err != nil {
			return err
		}
		out = n
		return nil
	}, attribute.Int64("arbor.scope_id", node.ScopeID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertChild creates node as a leaf under parentID, placed among its
// siblings by the ordering (or Before). Only SortKey of node is read.
func (c *Coordinator) InsertChild(ctx context.Context, node *types.Node, parentID int64, opts ...PlaceOption) (*types.Node, error) {
	cfg := newCallConfig(opts)
	var out *types.Node
	err := c.run(ctx, "insert_child", false, func(ctx context.Context, _ *telemetry.TreeOp, tx storage.Transaction) error {
		parent, err := c.lockNode(ctx, tx, parentID, func(p *types.Node) []storage.LockKey {
			return c.mutationLocks(p.ScopeID, false, p.RootID)
		})
		if err != nil {
			return err
		}
		n := &types.Node{SortKey: node.SortKey}
		if err := c.mut.InsertChild(ctx, tx, n, parent, cfg.place); err != nil {
			return err
		}
		if err := c.runHooks(ctx, tx, cfg.hooks, Event{Op: "insert_child", Node: n.Clone()}); err != nil {
			return err
		}
		out = n
		return nil
	}, attribute.Int64("arbor.parent_id", parentID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Move reparents nodeID and its subtree under newParentID, or makes it a
// root when newParentID is nil. Moving a node into itself or below itself
// fails with storage.ErrInvalidMove and changes nothing.
func (c *Coordinator) Move(ctx context.Context, nodeID int64, newParentID *int64, opts ...PlaceOption) (*types.Node, error) {
	cfg := newCallConfig(opts)
	attrs := []attribute.KeyValue{attribute.Int64("arbor.node_id", nodeID)}
	if newParentID != nil {
		attrs = append(attrs, attribute.Int64("arbor.parent_id", *newParentID))
	}
	var out *types.Node
	err := c.run(ctx, "move", false, func(ctx context.Context, _ *telemetry.TreeOp, tx storage.Transaction) error {
		n, parent, err := c.lockMove(ctx, tx, nodeID, newParentID)
		if err != nil {
			return err
		}
		if err := c.mut.Move(ctx, tx, n, parent, cfg.place); err != nil {
			return err
		}
		if err := c.runHooks(ctx, tx, cfg.hooks, Event{Op: "move", Node: n.Clone()}); err != nil {
			return err
		}
		out = n
		return nil
	}, attrs...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockMove locks source and destination trees for a move and returns both
// nodes re-read under the locks. parent is nil for a move to root level.
func (c *Coordinator) lockMove(ctx context.Context, tx storage.Transaction, nodeID int64, newParentID *int64) (*types.Node, *types.Node, error) {
	n, err := tx.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("node %d: %w", nodeID, err)
	}
	var parent *types.Node
	dest := n.ID
	if newParentID != nil {
		if *newParentID == nodeID {
			return nil, nil, fmt.Errorf("%w: %d cannot be its own parent", storage.ErrInvalidMove, nodeID)
		}
		parent, err = tx.GetNode(ctx, *newParentID)
		if err != nil {
			return nil, nil, fmt.Errorf("parent %d: %w", *newParentID, err)
		}
		if parent.ScopeID != n.ScopeID {
			return nil, nil, fmt.Errorf("%w: %d is in scope %d, %d is in scope %d",
				storage.ErrInvalidMove, n.ID, n.ScopeID, parent.ID, parent.ScopeID)
		}
		dest = parent.RootID
	}

	rootLevel := n.IsRoot() || parent == nil
	if err := c.lock(ctx, tx, c.mutationLocks(n.ScopeID, rootLevel, n.RootID, dest)...); err != nil {
		return nil, nil, err
	}

	if n, err = c.reread(ctx, tx, n); err != nil {
		return nil, nil, err
	}
	if parent != nil {
		if parent, err = c.reread(ctx, tx, parent); err != nil {
			return nil, nil, err
		}
	}
	return n, parent, nil
}

// Reorder re-slots nodeID among its current siblings, e.g. after its sort
// key changed. Under per-tree numbering roots have no position and are
// returned unchanged.
func (c *Coordinator) Reorder(ctx context.Context, nodeID int64) (*types.Node, error) {
	var out *types.Node
	err := c.run(ctx, "reorder", false, func(ctx context.Context, _ *telemetry.TreeOp, tx storage.Transaction) error {
		n, err := c.lockNode(ctx, tx, nodeID, func(n *types.Node) []storage.LockKey {
			return c.mutationLocks(n.ScopeID, n.IsRoot(), n.RootID)
		})
		if err != nil {
			return err
		}
		var parent *types.Node
		if !n.IsRoot() {
			if parent, err = tx.GetNode(ctx, *n.ParentID); err != nil {
				return fmt.Errorf("parent %d: %w", *n.ParentID, err)
			}
		}
		if err := c.mut.Move(ctx, tx, n, parent, nestedset.Placement{}); err != nil {
			return err
		}
		if err := c.runHooks(ctx, tx, nil, Event{Op: "reorder", Node: n.Clone()}); err != nil {
			return err
		}
		out = n
		return nil
	}, attribute.Int64("arbor.node_id", nodeID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes nodeID and all its descendants and returns how many nodes
// were removed.
func (c *Coordinator) Delete(ctx context.Context, nodeID int64, opts ...PlaceOption) (int, error) {
	cfg := newCallConfig(opts)
	var removed int
	err := c.run(ctx, "delete", false, func(ctx context.Context, op *telemetry.TreeOp, tx storage.Transaction) error {
		n, err := c.lockNode(ctx, tx, nodeID, func(n *types.Node) []storage.LockKey {
			return c.mutationLocks(n.ScopeID, n.IsRoot(), n.RootID)
		})
		if err != nil {
			return err
		}
		count, err := c.mut.Delete(ctx, tx, n)
		if err != nil {
			return err
		}
		if err := c.runHooks(ctx, tx, cfg.hooks, Event{Op: "delete", Node: n, Removed: count}); err != nil {
			return err
		}
		op.SetAttributes(attribute.Int("arbor.removed", count))
		removed = count
		return nil
	}, attribute.Int64("arbor.node_id", nodeID))
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Rebuild renumbers every tree of scope from parent_id links.
func (c *Coordinator) Rebuild(ctx context.Context, scope int64) (*types.RebuildReport, error) {
	ctx, op := c.metrics.Start(ctx, "rebuild", string(c.opts.Mode), attribute.Int64("arbor.scope_id", scope))
	report, err := c.rebuilder(op, false).Rebuild(ctx, scope)
	op.End(err)
	return report, err
}

// RebuildTree renumbers the single tree rooted at rootID. It requires
// per-tree numbering.
func (c *Coordinator) RebuildTree(ctx context.Context, scope, rootID int64) (*types.RebuildReport, error) {
	ctx, op := c.metrics.Start(ctx, "rebuild_tree", string(c.opts.Mode),
		attribute.Int64("arbor.scope_id", scope),
		attribute.Int64("arbor.root_id", rootID),
	)
	report, err := c.rebuilder(op, false).RebuildTree(ctx, scope, rootID)
	op.End(err)
	return report, err
}

// RebuildPlan reports what Rebuild would change without writing.
func (c *Coordinator) RebuildPlan(ctx context.Context, scope int64) (*types.RebuildReport, error) {
	ctx, op := c.metrics.Start(ctx, "rebuild_plan", string(c.opts.Mode), attribute.Int64("arbor.scope_id", scope))
	report, err := c.rebuilder(op, true).Rebuild(ctx, scope)
	op.End(err)
	return report, err
}

// RebuildAll renumbers every scope in the store in one transaction.
func (c *Coordinator) RebuildAll(ctx context.Context) (*types.RebuildReport, error) {
	return c.rebuildAll(ctx, "rebuild_all", false)
}

// RebuildAllPlan reports what RebuildAll would change without writing.
func (c *Coordinator) RebuildAllPlan(ctx context.Context) (*types.RebuildReport, error) {
	return c.rebuildAll(ctx, "rebuild_all_plan", true)
}

func (c *Coordinator) rebuildAll(ctx context.Context, name string, dryRun bool) (*types.RebuildReport, error) {
	ctx, op := c.metrics.Start(ctx, name, string(c.opts.Mode))
	report, err := c.rebuilder(op, dryRun).RebuildAll(ctx)
	if err == nil {
		op.SetAttributes(attribute.Int("arbor.scopes", len(report.Scopes)))
	}
	op.End(err)
	return report, err
}

func (c *Coordinator) rebuilder(op *telemetry.TreeOp, dryRun bool) *rebuild.Rebuilder {
	return rebuild.New(c.store, rebuild.Options{
		Mode:        c.opts.Mode,
		Ordering:    c.opts.Ordering,
		Orphans:     c.opts.Orphans,
		Retry:       c.opts.Retry,
		LockTimeout: c.opts.LockTimeout,
		DryRun:      dryRun,
		Notify: func(attempt int, err error, _ time.Duration) {
			op.Retry(attempt, err)
		},
	})
}

// Validate checks every invariant of scope under an exclusive forest lock.
// Violations are reported in the result, not as an error.
func (c *Coordinator) Validate(ctx context.Context, scope int64) (*nestedset.Result, error) {
	var res *nestedset.Result
	err := c.run(ctx, "validate", true, func(ctx context.Context, op *telemetry.TreeOp, tx storage.Transaction) error {
		if err := c.lock(ctx, tx, storage.ForestLock(scope, storage.LockExclusive)); err != nil {
			return err
		}
		nodes, err := tx.Nodes(ctx, scope)
		if err != nil {
			return fmt.Errorf("failed to load scope %d: %w", scope, err)
		}
		res = nestedset.Validate(scope, nodes, c.validateOptions())
		op.SetAttributes(attribute.Int("arbor.violations", len(res.Violations)))
		return nil
	}, attribute.Int64("arbor.scope_id", scope))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ValidateAll validates every scope in the store under exclusive forest
// locks on all of them, returning one result per scope in scope order.
func (c *Coordinator) ValidateAll(ctx context.Context) ([]*nestedset.Result, error) {
	var results []*nestedset.Result
	err := c.run(ctx, "validate_all", true, func(ctx context.Context, op *telemetry.TreeOp, tx storage.Transaction) error {
		scopes, err := tx.Scopes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list scopes: %w", err)
		}
		if err := c.lock(ctx, tx, storage.ForestLocks(scopes, storage.LockExclusive)...); err != nil {
			return err
		}
		results = results[:0]
		violations := 0
		for _, scope := range scopes {
			nodes, err := tx.Nodes(ctx, scope)
			if err != nil {
				return fmt.Errorf("failed to load scope %d: %w", scope, err)
			}
			res := nestedset.Validate(scope, nodes, c.validateOptions())
			violations += len(res.Violations)
			results = append(results, res)
		}
		op.SetAttributes(
			attribute.Int("arbor.scopes", len(scopes)),
			attribute.Int("arbor.violations", violations),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator) validateOptions() nestedset.Options {
	vopts := nestedset.Options{Mode: c.opts.Mode}
	if c.opts.CheckOrder {
		vopts.Ordering = c.opts.Ordering
	}
	return vopts
}
