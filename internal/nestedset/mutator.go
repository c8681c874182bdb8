package nestedset

import (
	"context"
	"fmt"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

// Mutator computes and applies the lft/rgt/root_id changes for a single
// insert, move, or delete. It assumes the caller holds the locks that make
// its reads stable for the duration of tx.
type Mutator struct {
	Mode     types.NumberingMode
	Ordering Ordering
}

// NewMutator returns a mutator, defaulting to shared numbering and
// insertion ordering.
func NewMutator(mode types.NumberingMode, ord Ordering) *Mutator {
	if mode == "" {
		mode = types.NumberingShared
	}
	if ord == nil {
		ord = ByID{}
	}
	return &Mutator{Mode: mode, Ordering: ord}
}

// Domain returns the numbering space shifts for n must stay within.
func (m *Mutator) Domain(n *types.Node) storage.Domain {
	return m.domainOf(n.ScopeID, n.RootID)
}

func (m *Mutator) domainOf(scope, rootID int64) storage.Domain {
	if m.Mode == types.NumberingPerTree {
		return storage.TreeDomain(scope, rootID)
	}
	return storage.ScopeDomain(scope)
}

// InsertRoot creates n as a childless root. Under shared numbering it is
// slotted among the existing roots by ordering and everything at or after the
// slot shifts right by 2; under per-tree numbering it simply gets [1,2].
func (m *Mutator) InsertRoot(ctx context.Context, tx storage.Transaction, n *types.Node, place Placement) error {
	n.ParentID = nil
	n.RootID = 0

	slot := 1
	if m.Mode == types.NumberingShared {
		roots, err := tx.Roots(ctx, n.ScopeID)
		if err != nil {
			return fmt.Errorf("failed to load roots: %w", err)
		}
		slot, err = m.slot(roots, n, place, end(roots))
		if err != nil {
			return err
		}
		if err := tx.Shift(ctx, storage.ScopeDomain(n.ScopeID), slot, 2); err != nil {
			return fmt.Errorf("failed to open root slot: %w", err)
		}
	}

	n.Lft, n.Rgt = slot, slot+1
	if err := tx.CreateNode(ctx, n); err != nil {
		return fmt.Errorf("failed to create root: %w", err)
	}
	n.RootID = n.ID
	if err := tx.UpdateNode(ctx, n); err != nil {
		return fmt.Errorf("failed to set root_id: %w", err)
	}
	return nil
}

// InsertChild creates n as a leaf under parent. parent must be freshly read
// inside tx.
func (m *Mutator) InsertChild(ctx context.Context, tx storage.Transaction, n, parent *types.Node, place Placement) error {
	if err := checkShiftable(parent); err != nil {
		return err
	}
	siblings, err := tx.Children(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("failed to load children of %d: %w", parent.ID, err)
	}
	slot, err := m.slot(siblings, n, place, parent.Rgt)
	if err != nil {
		return err
	}
	if err := tx.Shift(ctx, m.Domain(parent), slot, 2); err != nil {
		return fmt.Errorf("failed to open child slot: %w", err)
	}

	n.ScopeID = parent.ScopeID
	n.ParentID = types.ParentRef(parent.ID)
	n.RootID = parent.RootID
	n.Lft, n.Rgt = slot, slot+1
	if err := tx.CreateNode(ctx, n); err != nil {
		return fmt.Errorf("failed to create child: %w", err)
	}
	return nil
}

// Move reparents n (with its whole subtree) under parent, or makes it a root
// when parent is nil. Moving to the current parent re-slots n among its
// siblings. n and parent must be freshly read inside tx.
//
// The subtree is first parked at non-positive values so that closing the old
// gap and opening the new one never touch it; then it is offset into place.
// Its internal shape is preserved exactly.
func (m *Mutator) Move(ctx context.Context, tx storage.Transaction, n, parent *types.Node, place Placement) error {
	if err := checkShiftable(n); err != nil {
		return err
	}
	if parent != nil {
		if err := m.checkTarget(n, parent); err != nil {
			return err
		}
	} else if n.IsRoot() && m.Mode == types.NumberingPerTree {
		return nil // per-tree roots have no position to change
	}

	width := n.Width()
	src := m.Domain(n)
	park := n.Rgt
	parked := storage.Range{Domain: src, Lft: n.Lft - park, Rgt: 0}

	moved, err := tx.Offset(ctx, storage.Range{Domain: src, Lft: n.Lft, Rgt: n.Rgt}, -park)
	if err != nil {
		return fmt.Errorf("failed to park subtree of %d: %w", n.ID, err)
	}
	if moved*2 != width {
		return corrupt(n.ScopeID, KindGap, fmt.Sprintf("interval %s holds %d nodes, expected %d", n.Bounds(), moved, width/2), n.ID)
	}
	if err := tx.Shift(ctx, src, n.Rgt+1, -width); err != nil {
		return fmt.Errorf("failed to close gap: %w", err)
	}

	destRoot := n.ID
	if parent != nil {
		destRoot = parent.RootID
	}
	if destRoot != n.RootID {
		if _, err := tx.Reroot(ctx, parked, destRoot); err != nil {
			return fmt.Errorf("failed to move subtree to tree %d: %w", destRoot, err)
		}
	}
	parked.Domain = m.domainOf(n.ScopeID, destRoot)

	var slot int
	switch {
	case parent != nil:
		// The gap we just closed may have moved the parent.
		parent, err = tx.GetNode(ctx, parent.ID)
		if err != nil {
			return fmt.Errorf("failed to reload parent: %w", err)
		}
		siblings, err := tx.Children(ctx, parent.ID)
		if err != nil {
			return fmt.Errorf("failed to load children of %d: %w", parent.ID, err)
		}
		slot, err = m.slot(without(siblings, n.ID), n, place, parent.Rgt)
		if err != nil {
			return err
		}
	case m.Mode == types.NumberingPerTree:
		slot = 1
	default:
		roots, err := tx.Roots(ctx, n.ScopeID)
		if err != nil {
			return fmt.Errorf("failed to load roots: %w", err)
		}
		roots = without(roots, n.ID)
		slot, err = m.slot(roots, n, place, end(roots))
		if err != nil {
			return err
		}
	}

	if err := tx.Shift(ctx, parked.Domain, slot, width); err != nil {
		return fmt.Errorf("failed to open gap: %w", err)
	}
	if _, err := tx.Offset(ctx, parked, slot-parked.Lft); err != nil {
		return fmt.Errorf("failed to place subtree: %w", err)
	}

	n.ParentID = nil
	if parent != nil {
		n.ParentID = types.ParentRef(parent.ID)
	}
	n.RootID = destRoot
	n.Lft, n.Rgt = slot, slot+width-1
	if err := tx.UpdateNode(ctx, n); err != nil {
		return fmt.Errorf("failed to update %d: %w", n.ID, err)
	}
	return nil
}

// Delete removes n and every node inside its interval, then closes the gap.
// It returns the number of nodes removed.
func (m *Mutator) Delete(ctx context.Context, tx storage.Transaction, n *types.Node) (int, error) {
	if err := checkShiftable(n); err != nil {
		return 0, err
	}
	width := n.Width()
	d := m.Domain(n)
	removed, err := tx.DeleteRange(ctx, storage.Range{Domain: d, Lft: n.Lft, Rgt: n.Rgt})
	if err != nil {
		return 0, fmt.Errorf("failed to delete subtree of %d: %w", n.ID, err)
	}
	if removed*2 != width {
		return 0, corrupt(n.ScopeID, KindGap, fmt.Sprintf("interval %s held %d nodes, expected %d", n.Bounds(), removed, width/2), n.ID)
	}
	if err := tx.Shift(ctx, d, n.Rgt+1, -width); err != nil {
		return 0, fmt.Errorf("failed to close gap: %w", err)
	}
	return removed, nil
}

// checkTarget rejects moves into the node itself, its own subtree, or another
// forest. Containment is cheap to test from the intervals.
func (m *Mutator) checkTarget(n, parent *types.Node) error {
	if err := checkShiftable(parent); err != nil {
		return err
	}
	if parent.ScopeID != n.ScopeID {
		return fmt.Errorf("%w: %d is in scope %d, %d is in scope %d", storage.ErrInvalidMove, n.ID, n.ScopeID, parent.ID, parent.ScopeID)
	}
	if parent.ID == n.ID {
		return fmt.Errorf("%w: %d cannot be its own parent", storage.ErrInvalidMove, n.ID)
	}
	if n.Contains(parent) {
		return fmt.Errorf("%w: %d is a descendant of %d", storage.ErrInvalidMove, parent.ID, n.ID)
	}
	return nil
}

// slot returns the lft the new or moved node takes among siblings (ordered
// by lft, excluding the node itself). fallback is the slot after the last
// sibling.
func (m *Mutator) slot(siblings []*types.Node, n *types.Node, place Placement, fallback int) (int, error) {
	if place.Before != 0 {
		for _, s := range siblings {
			if s.ID == place.Before {
				return s.Lft, nil
			}
		}
		return 0, fmt.Errorf("sibling %d: %w", place.Before, storage.ErrNotFound)
	}
	for _, s := range siblings {
		if m.Ordering.Less(n, s) {
			return s.Lft, nil
		}
	}
	return fallback, nil
}

// checkShiftable refuses to compute shifts from an interval that is already
// broken.
func checkShiftable(n *types.Node) error {
	if !n.Bounds().Valid() || n.Width()%2 != 0 {
		return corrupt(n.ScopeID, KindBounds, fmt.Sprintf("interval %s is not well formed", n.Bounds()), n.ID)
	}
	return nil
}

func corrupt(scope int64, kind ViolationKind, detail string, ids ...int64) error {
	return &CorruptTreeError{ScopeID: scope, Violations: []Violation{{Kind: kind, NodeIDs: ids, Detail: detail}}}
}

// end is the slot after the last root.
func end(roots []*types.Node) int {
	last := 0
	for _, r := range roots {
		if r.Rgt > last {
			last = r.Rgt
		}
	}
	return last + 1
}

func without(nodes []*types.Node, id int64) []*types.Node {
	out := nodes[:0:0]
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}
