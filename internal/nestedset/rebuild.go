package nestedset

import (
	"fmt"
	"sort"

	"github.com/arborhq/arbor/internal/types"
)

// OrphanHandling specifies how a rebuild treats nodes whose parent_id points
// at a node that does not exist.
type OrphanHandling string

const (
	// OrphanPromote turns orphans into roots of their own trees (default).
	OrphanPromote OrphanHandling = "promote"
	// OrphanStrict fails the rebuild on the first orphan.
	OrphanStrict OrphanHandling = "strict"
)

// RenumberOptions configures Renumber.
type RenumberOptions struct {
	Mode     types.NumberingMode
	Ordering Ordering
	Orphans  OrphanHandling
}

// Renumbering is the outcome of Renumber.
type Renumbering struct {
	Nodes   []*types.Node // every input node with recomputed placement, in pre-order
	Changed []*types.Node // subset of Nodes whose parent_id, root_id, lft or rgt changed
	Trees   int
	Orphans []int64
}

type frame struct {
	node *types.Node
	next int // index of the next child to visit
}

// Renumber recomputes lft/rgt/root_id for nodes from their parent_id links
// alone, using a depth-first pre-order walk with an explicit stack. Existing
// lft/rgt values are ignored, so garbage input is fine; roots and siblings
// are visited in ordering order, which makes the result canonical: running
// it twice yields identical numbers.
//
// The input is not modified. Nodes unreachable from any root (parent cycles)
// make the whole renumbering fail with a *CorruptTreeError.
func Renumber(scope int64, nodes []*types.Node, opts RenumberOptions) (*Renumbering, error) {
	if opts.Mode == "" {
		opts.Mode = types.NumberingShared
	}
	if opts.Ordering == nil {
		opts.Ordering = ByID{}
	}
	if opts.Orphans == "" {
		opts.Orphans = OrphanPromote
	}

	byID := make(map[int64]*types.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n.Clone()
	}

	out := &Renumbering{}
	children := make(map[int64][]*types.Node)
	var roots []*types.Node
	for _, n := range sortedByID(byID) {
		if n.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		if _, ok := byID[*n.ParentID]; !ok {
			if opts.Orphans == OrphanStrict {
				return nil, corrupt(scope, KindParent, fmt.Sprintf("parent %d does not exist", *n.ParentID), n.ID)
			}
			out.Orphans = append(out.Orphans, n.ID)
			n.ParentID = nil
			roots = append(roots, n)
			continue
		}
		children[*n.ParentID] = append(children[*n.ParentID], n)
	}

	SortSiblings(roots, opts.Ordering)
	for _, kids := range children {
		SortSiblings(kids, opts.Ordering)
	}

	counter := 1
	for _, root := range roots {
		if opts.Mode == types.NumberingPerTree {
			counter = 1
		}
		root.RootID = root.ID
		root.Lft = counter
		counter++
		out.Nodes = append(out.Nodes, root)

		stack := []frame{{node: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			kids := children[top.node.ID]
			if top.next < len(kids) {
				child := kids[top.next]
				top.next++
				child.RootID = root.ID
				child.Lft = counter
				counter++
				out.Nodes = append(out.Nodes, child)
				stack = append(stack, frame{node: child})
				continue
			}
			top.node.Rgt = counter
			counter++
			stack = stack[:len(stack)-1]
		}
	}
	out.Trees = len(roots)

	if len(out.Nodes) != len(byID) {
		visited := make(map[int64]bool, len(out.Nodes))
		for _, n := range out.Nodes {
			visited[n.ID] = true
		}
		var stuck []int64
		for id := range byID {
			if !visited[id] {
				stuck = append(stuck, id)
			}
		}
		sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
		return nil, corrupt(scope, KindCycle, "parent links form a cycle; nodes are unreachable from any root", stuck...)
	}

	original := make(map[int64]*types.Node, len(nodes))
	for _, n := range nodes {
		original[n.ID] = n
	}
	for _, n := range out.Nodes {
		if placementChanged(original[n.ID], n) {
			out.Changed = append(out.Changed, n)
		}
	}
	return out, nil
}

func placementChanged(before, after *types.Node) bool {
	if before.Lft != after.Lft || before.Rgt != after.Rgt || before.RootID != after.RootID {
		return true
	}
	if (before.ParentID == nil) != (after.ParentID == nil) {
		return true
	}
	return before.ParentID != nil && *before.ParentID != *after.ParentID
}
