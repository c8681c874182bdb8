// Package rebuild recomputes lft/rgt/root_id for one forest, every forest,
// or one tree of a per-tree forest, from parent_id links alone.
//
// A rebuild holds the forest lock exclusively for its whole transaction, so
// no mutation interleaves with the load, renumber, and bulk write. It is the
// recovery path after ErrCorruptTree and is idempotent.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arborhq/arbor/internal/debug"
	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

// ErrSharedNumbering is returned by RebuildTree on a forest that uses one
// numbering for every tree; such forests can only be rebuilt whole.
var ErrSharedNumbering = errors.New("single-tree rebuild needs per-tree numbering")

// Options configures a Rebuilder.
type Options struct {
	Mode        types.NumberingMode
	Ordering    nestedset.Ordering
	Orphans     nestedset.OrphanHandling
	Retry       storage.RetryPolicy
	LockTimeout time.Duration
	// DryRun computes the report without writing anything.
	DryRun bool
	// Notify, if set, is called before each retry.
	Notify storage.RetryNotify
}

// Rebuilder renumbers forests stored in a storage.Storage.
type Rebuilder struct {
	store storage.Storage
	opts  Options
}

// New returns a Rebuilder with defaults filled in.
func New(store storage.Storage, opts Options) *Rebuilder {
	if opts.Mode == "" {
		opts.Mode = types.NumberingShared
	}
	if opts.Ordering == nil {
		opts.Ordering = nestedset.ByID{}
	}
	if opts.Orphans == "" {
		opts.Orphans = nestedset.OrphanPromote
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = storage.DefaultLockTimeout
	}
	return &Rebuilder{store: store, opts: opts}
}

// Rebuild renumbers every tree of scope. Orphans are handled per
// Options.Orphans; parent cycles abort the rebuild and nothing is written.
func (r *Rebuilder) Rebuild(ctx context.Context, scope int64) (*types.RebuildReport, error) {
	var report *types.RebuildReport
	err := r.retry(ctx, func(tx storage.Transaction) error {
		if err := tx.Lock(ctx, storage.ForestLock(scope, storage.LockExclusive)); err != nil {
			return err
		}
		nodes, err := tx.Nodes(ctx, scope)
		if err != nil {
			return fmt.Errorf("failed to load scope %d: %w", scope, err)
		}
		report, err = r.apply(ctx, tx, scope, nodes, r.opts.Orphans)
		return err
	})
	if err != nil {
		return nil, err
	}
	debug.Log().Info().
		Int64("scope", scope).
		Int("nodes", report.NodesProcessed).
		Int("trees", report.TreesProcessed).
		Int("changed", report.NodesChanged).
		Int("orphans", len(report.Orphans)).
		Bool("dry_run", r.opts.DryRun).
		Msg("forest rebuilt")
	return report, nil
}

// RebuildAll renumbers every scope in one transaction, holding each
// forest lock exclusively. Scopes created after the scope list was read are
// left alone. The combined report carries the rebuilt scope ids.
func (r *Rebuilder) RebuildAll(ctx context.Context) (*types.RebuildReport, error) {
	var report *types.RebuildReport
	err := r.retry(ctx, func(tx storage.Transaction) error {
		scopes, err := tx.Scopes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list scopes: %w", err)
		}
		keys := storage.SortLockKeys(storage.ForestLocks(scopes, storage.LockExclusive))
		if err := tx.Lock(ctx, keys...); err != nil {
			return err
		}
		report = &types.RebuildReport{}
		for _, scope := range scopes {
			nodes, err := tx.Nodes(ctx, scope)
			if err != nil {
				return fmt.Errorf("failed to load scope %d: %w", scope, err)
			}
			sr, err := r.apply(ctx, tx, scope, nodes, r.opts.Orphans)
			if err != nil {
				return fmt.Errorf("scope %d: %w", scope, err)
			}
			report.Add(sr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	debug.Log().Info().
		Ints64("scopes", report.Scopes).
		Int("nodes", report.NodesProcessed).
		Int("trees", report.TreesProcessed).
		Int("changed", report.NodesChanged).
		Bool("dry_run", r.opts.DryRun).
		Msg("all forests rebuilt")
	return report, nil
}

// RebuildTree renumbers only the tree whose rows carry root_id = rootID.
// Other trees of the scope are not read or written. A row of that tree whose
// parent lies outside it means root_id itself is broken; that needs a whole
// forest rebuild and is reported as ErrCorruptTree.
func (r *Rebuilder) RebuildTree(ctx context.Context, scope, rootID int64) (*types.RebuildReport, error) {
	if r.opts.Mode != types.NumberingPerTree {
		return nil, ErrSharedNumbering
	}
	var report *types.RebuildReport
	err := r.retry(ctx, func(tx storage.Transaction) error {
		keys := storage.SortLockKeys([]storage.LockKey{
			storage.ForestLock(scope, storage.LockShared),
			storage.TreeLock(scope, rootID, storage.LockExclusive),
		})
		if err := tx.Lock(ctx, keys...); err != nil {
			return err
		}
		root, err := tx.GetNode(ctx, rootID)
		if err != nil {
			return fmt.Errorf("root %d: %w", rootID, err)
		}
		if root.ScopeID != scope || !root.IsRoot() {
			return fmt.Errorf("node %d is not a root of scope %d: %w", rootID, scope, storage.ErrNotFound)
		}
		nodes, err := tx.TreeNodes(ctx, scope, rootID)
		if err != nil {
			return fmt.Errorf("failed to load tree %d: %w", rootID, err)
		}
		for _, n := range nodes {
			if n.IsRoot() && n.ID != rootID {
				return &nestedset.CorruptTreeError{ScopeID: scope, Violations: []nestedset.Violation{{
					Kind:    nestedset.KindRoot,
					NodeIDs: []int64{n.ID},
					Detail:  fmt.Sprintf("root carries root_id %d", rootID),
				}}}
			}
		}
		report, err = r.apply(ctx, tx, scope, nodes, nestedset.OrphanStrict)
		return err
	})
	if err != nil {
		return nil, err
	}
	debug.Log().Info().
		Int64("scope", scope).
		Int64("root", rootID).
		Int("nodes", report.NodesProcessed).
		Int("changed", report.NodesChanged).
		Bool("dry_run", r.opts.DryRun).
		Msg("tree rebuilt")
	return report, nil
}

// apply renumbers nodes, checks the result, and writes the rows whose
// placement changed.
func (r *Rebuilder) apply(ctx context.Context, tx storage.Transaction, scope int64, nodes []*types.Node, orphans nestedset.OrphanHandling) (*types.RebuildReport, error) {
	ren, err := nestedset.Renumber(scope, nodes, nestedset.RenumberOptions{
		Mode:     r.opts.Mode,
		Ordering: r.opts.Ordering,
		Orphans:  orphans,
	})
	if err != nil {
		return nil, err
	}
	if res := nestedset.Validate(scope, ren.Nodes, nestedset.Options{Mode: r.opts.Mode}); !res.OK() {
		return nil, fmt.Errorf("renumbering produced an invalid forest: %w", res.Err())
	}
	if !r.opts.DryRun && len(ren.Changed) > 0 {
		if err := tx.SavePlacements(ctx, ren.Changed); err != nil {
			return nil, fmt.Errorf("failed to write placements: %w", err)
		}
	}
	return &types.RebuildReport{
		ScopeID:        scope,
		NodesProcessed: len(ren.Nodes),
		TreesProcessed: ren.Trees,
		NodesChanged:   len(ren.Changed),
		Orphans:        ren.Orphans,
	}, nil
}

func (r *Rebuilder) retry(ctx context.Context, fn func(tx storage.Transaction) error) error {
	opts := storage.TxOptions{LockTimeout: r.opts.LockTimeout, ReadOnly: r.opts.DryRun}
	return storage.Retry(ctx, r.store, opts, r.opts.Retry, r.opts.Notify, fn)
}
