// Package nestedset implements nested-set (lft/rgt) tree maintenance: the
// invariant validator, the single-node mutator, and the renumbering walk used
// by rebuilds.
//
// A node's interval strictly contains the intervals of all its descendants.
// Insert, move, and delete keep the numbering contiguous by shifting the
// intervals to the right of the change; nothing here takes locks, the
// coordinator package owns the transaction and locking discipline.
package nestedset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

// ViolationKind classifies a broken invariant.
type ViolationKind string

const (
	KindBounds    ViolationKind = "bounds"    // lft < 1 or lft >= rgt
	KindDuplicate ViolationKind = "duplicate" // a lft/rgt value used twice in one numbering
	KindGap       ViolationKind = "gap"       // numbering is not exactly 1..2n
	KindOverlap   ViolationKind = "overlap"   // intervals partially overlap
	KindParent    ViolationKind = "parent"    // containment disagrees with parent_id
	KindRoot      ViolationKind = "root"      // root_id disagrees with the tree
	KindOrder     ViolationKind = "order"     // siblings out of ordering
	KindCycle     ViolationKind = "cycle"     // node unreachable from any root
)

// Violation records a single broken invariant.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	NodeIDs []int64       `json:"node_ids"`
	Detail  string        `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %v: %s", v.Kind, v.NodeIDs, v.Detail)
}

// Result is the outcome of Validate.
type Result struct {
	ScopeID    int64       `json:"scope_id"`
	Nodes      int         `json:"nodes"`
	Trees      int         `json:"trees"`
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether no invariant is violated.
func (r *Result) OK() bool {
	return len(r.Violations) == 0
}

// Err returns a *CorruptTreeError when violations were found.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	return &CorruptTreeError{ScopeID: r.ScopeID, Violations: r.Violations}
}

func (r *Result) add(kind ViolationKind, detail string, ids ...int64) {
	r.Violations = append(r.Violations, Violation{Kind: kind, NodeIDs: ids, Detail: detail})
}

// CorruptTreeError reports invariant violations. It matches
// storage.ErrCorruptTree.
type CorruptTreeError struct {
	ScopeID    int64
	Violations []Violation
}

func (e *CorruptTreeError) Error() string {
	const shown = 3
	parts := make([]string, 0, shown)
	for i, v := range e.Violations {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Violations)-shown))
			break
		}
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("corrupt tree in scope %d: %s", e.ScopeID, strings.Join(parts, "; "))
}

func (e *CorruptTreeError) Unwrap() error {
	return storage.ErrCorruptTree
}

// Options configures Validate.
type Options struct {
	Mode types.NumberingMode
	// Ordering, if set, additionally checks that siblings appear in
	// ordering order. Leave nil for forests that accept explicit placement.
	Ordering Ordering
}

// Validate checks a full scope's nodes against every nested-set invariant.
// The input is not modified.
func Validate(scope int64, nodes []*types.Node, opts Options) *Result {
	if opts.Mode == "" {
		opts.Mode = types.NumberingShared
	}
	res := &Result{ScopeID: scope, Nodes: len(nodes)}

	byID := make(map[int64]*types.Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			res.add(KindDuplicate, "node id appears twice", n.ID)
			continue
		}
		byID[n.ID] = n
		if n.IsRoot() {
			res.Trees++
		}
		if !n.Bounds().Valid() {
			res.add(KindBounds, fmt.Sprintf("interval %s is not well formed", n.Bounds()), n.ID)
		}
	}

	checkRootIDs(res, byID)

	for _, group := range numberingGroups(nodes, opts.Mode) {
		checkNumbering(res, group)
		checkContainment(res, group, byID)
	}

	if opts.Ordering != nil {
		checkOrder(res, nodes, opts)
	}
	return res
}

func checkRootIDs(res *Result, byID map[int64]*types.Node) {
	for _, n := range sortedByID(byID) {
		if n.IsRoot() {
			if n.RootID != n.ID {
				res.add(KindRoot, fmt.Sprintf("root has root_id %d", n.RootID), n.ID)
			}
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok {
			res.add(KindParent, fmt.Sprintf("parent %d does not exist", *n.ParentID), n.ID)
			continue
		}
		if parent.RootID != n.RootID {
			res.add(KindRoot, fmt.Sprintf("root_id %d differs from parent's %d", n.RootID, parent.RootID), n.ID, parent.ID)
		}
	}
}

// numberingGroups splits nodes into independent lft/rgt numberings.
func numberingGroups(nodes []*types.Node, mode types.NumberingMode) [][]*types.Node {
	if mode == types.NumberingShared {
		return [][]*types.Node{nodes}
	}
	byRoot := make(map[int64][]*types.Node)
	var roots []int64
	for _, n := range nodes {
		if _, ok := byRoot[n.RootID]; !ok {
			roots = append(roots, n.RootID)
		}
		byRoot[n.RootID] = append(byRoot[n.RootID], n)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	groups := make([][]*types.Node, 0, len(roots))
	for _, r := range roots {
		groups = append(groups, byRoot[r])
	}
	return groups
}

// checkNumbering verifies the group's values are exactly 1..2n, each once.
func checkNumbering(res *Result, group []*types.Node) {
	owner := make(map[int]int64, 2*len(group))
	for _, n := range group {
		for _, v := range []int{n.Lft, n.Rgt} {
			if prev, taken := owner[v]; taken {
				res.add(KindDuplicate, fmt.Sprintf("value %d used twice", v), prev, n.ID)
				continue
			}
			owner[v] = n.ID
		}
	}
	limit := 2 * len(group)
	var missing []int
	for v := 1; v <= limit; v++ {
		if _, ok := owner[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		res.add(KindGap, fmt.Sprintf("values %v missing from 1..%d", truncateInts(missing, 8), limit), rootIDs(group)...)
	}
	var outside []int
	for v := range owner {
		if v < 1 || v > limit {
			outside = append(outside, v)
		}
	}
	sort.Ints(outside)
	for _, v := range outside {
		res.add(KindGap, fmt.Sprintf("value %d outside 1..%d", v, limit), owner[v])
	}
}

// checkContainment sweeps the group in lft order with a stack of open
// intervals. The innermost open interval is a node's structural parent; it
// must be the node's parent_id, and no interval may straddle a boundary.
func checkContainment(res *Result, group []*types.Node, byID map[int64]*types.Node) {
	sorted := make([]*types.Node, 0, len(group))
	for _, n := range group {
		if n.Bounds().Valid() {
			sorted = append(sorted, n)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Lft != sorted[j].Lft {
			return sorted[i].Lft < sorted[j].Lft
		}
		return sorted[i].ID < sorted[j].ID
	})

	var stack []*types.Node
	for _, n := range sorted {
		for len(stack) > 0 && stack[len(stack)-1].Rgt < n.Lft {
			stack = stack[:len(stack)-1]
		}
		var structural *types.Node
		if len(stack) > 0 {
			structural = stack[len(stack)-1]
			if n.Rgt >= structural.Rgt {
				res.add(KindOverlap, fmt.Sprintf("%s partially overlaps %s", n.Bounds(), structural.Bounds()), structural.ID, n.ID)
			}
		}
		switch {
		case structural == nil && !n.IsRoot():
			if _, ok := byID[*n.ParentID]; ok {
				res.add(KindParent, fmt.Sprintf("not contained in parent %d", *n.ParentID), n.ID)
			}
		case structural != nil && n.IsRoot():
			res.add(KindParent, fmt.Sprintf("root nested inside %d", structural.ID), n.ID, structural.ID)
		case structural != nil && !n.HasParent(structural.ID):
			res.add(KindParent, fmt.Sprintf("innermost container is %d, parent_id is %d", structural.ID, *n.ParentID), n.ID)
		}
		stack = append(stack, n)
	}
}

func checkOrder(res *Result, nodes []*types.Node, opts Options) {
	siblings := make(map[int64][]*types.Node)
	for _, n := range nodes {
		var key int64 // roots share key 0
		if n.ParentID != nil {
			key = *n.ParentID
		}
		if n.IsRoot() && opts.Mode == types.NumberingPerTree {
			continue // per-tree roots carry no positional order
		}
		siblings[key] = append(siblings[key], n)
	}
	keys := make([]int64, 0, len(siblings))
	for k := range siblings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		group := siblings[k]
		sort.Slice(group, func(i, j int) bool { return group[i].Lft < group[j].Lft })
		for i := 1; i < len(group); i++ {
			if opts.Ordering.Less(group[i], group[i-1]) {
				res.add(KindOrder, fmt.Sprintf("%q placed after %q under %s ordering",
					group[i].SortKey, group[i-1].SortKey, opts.Ordering.Name()), group[i-1].ID, group[i].ID)
			}
		}
	}
}

func sortedByID(byID map[int64]*types.Node) []*types.Node {
	out := make([]*types.Node, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func rootIDs(group []*types.Node) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, n := range group {
		if !seen[n.RootID] {
			seen[n.RootID] = true
			ids = append(ids, n.RootID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func truncateInts(vs []int, n int) []int {
	if len(vs) <= n {
		return vs
	}
	return vs[:n]
}
