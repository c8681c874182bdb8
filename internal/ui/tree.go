package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss/tree"

	"github.com/arborhq/arbor/internal/types"
)

// TreeOptions controls RenderForest.
type TreeOptions struct {
	// Bounds appends each node's [lft,rgt] interval.
	Bounds bool
}

type outlineNode struct {
	node     *types.Node
	children []*outlineNode
}

// RenderForest draws nodes as one tree per root. Nesting is taken from the
// intervals, so the drawing shows what the numbering encodes even when
// parent links disagree.
func RenderForest(nodes []*types.Node, opts TreeOptions) string {
	if len(nodes) == 0 {
		return RenderMuted("(empty forest)")
	}
	var out []string
	for _, root := range outline(nodes) {
		out = append(out, build(root, opts).String())
	}
	return strings.Join(out, "\n")
}

// outline groups nodes by tree and nests them by interval containment.
func outline(nodes []*types.Node) []*outlineNode {
	groups := make(map[int64][]*types.Node)
	var order []int64
	for _, n := range nodes {
		if _, ok := groups[n.RootID]; !ok {
			order = append(order, n.RootID)
		}
		groups[n.RootID] = append(groups[n.RootID], n)
	}
	for _, id := range order {
		g := groups[id]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Lft < g[j].Lft })
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := groups[order[i]][0], groups[order[j]][0]
		if a.Lft != b.Lft {
			return a.Lft < b.Lft
		}
		return order[i] < order[j]
	})

	var tops []*outlineNode
	for _, id := range order {
		var stack []*outlineNode
		for _, n := range groups[id] {
			on := &outlineNode{node: n}
			for len(stack) > 0 && stack[len(stack)-1].node.Rgt < n.Lft {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				tops = append(tops, on)
			} else {
				top := stack[len(stack)-1]
				top.children = append(top.children, on)
			}
			stack = append(stack, on)
		}
	}
	return tops
}

func build(on *outlineNode, opts TreeOptions) *tree.Tree {
	t := tree.Root(label(on.node, opts)).
		Enumerator(tree.RoundedEnumerator).
		EnumeratorStyle(BranchStyle)
	for _, c := range on.children {
		if len(c.children) == 0 {
			t.Child(label(c.node, opts))
			continue
		}
		t.Child(build(c, opts))
	}
	return t
}

func label(n *types.Node, opts TreeOptions) string {
	s := fmt.Sprintf("#%d", n.ID)
	if n.SortKey != "" {
		s += " " + n.SortKey
	}
	if n.IsRoot() {
		s = RootStyle.Render(s)
	}
	if opts.Bounds {
		s += " " + BoundsStyle.Render(n.Bounds().String())
	}
	return s
}

// RenderNode prints a single node's fields, one per line.
func RenderNode(n *types.Node, level int) string {
	parent := "-"
	if n.ParentID != nil {
		parent = fmt.Sprintf("%d", *n.ParentID)
	}
	rows := [][2]string{
		{"id", fmt.Sprintf("%d", n.ID)},
		{"scope", fmt.Sprintf("%d", n.ScopeID)},
		{"parent", parent},
		{"root", fmt.Sprintf("%d", n.RootID)},
		{"bounds", n.Bounds().String()},
		{"level", fmt.Sprintf("%d", level)},
		{"descendants", fmt.Sprintf("%d", n.DescendantCount())},
	}
	if n.SortKey != "" {
		rows = append(rows, [2]string{"sort key", n.SortKey})
	}
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(FieldLabelStyle.Render(r[0]))
		b.WriteString(r[1])
		b.WriteByte('\n')
	}
	return b.String()
}
