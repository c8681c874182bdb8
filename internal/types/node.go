// Package types defines core data structures for the arbor nested-set engine.
package types

import "fmt"

// Node is a tree-bearing record. Hierarchy is encoded twice: by the ParentID
// link and by the [Lft, Rgt] interval, which strictly contains the intervals of
// all descendants.
type Node struct {
	ID       int64  `json:"id"`
	ScopeID  int64  `json:"scope_id"`            // Forest the node belongs to
	ParentID *int64 `json:"parent_id,omitempty"` // nil for roots
	RootID   int64  `json:"root_id"`             // ID of the tree's root; 0 while unassigned
	Lft      int    `json:"lft"`
	Rgt      int    `json:"rgt"`
	SortKey  string `json:"sort_key,omitempty"` // Collaborator-supplied sibling ordering key
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// Width is the size of the node's interval, rgt - lft + 1. It is always twice
// the number of nodes in the subtree.
func (n *Node) Width() int {
	return n.Rgt - n.Lft + 1
}

// IsLeaf reports whether the node has no descendants.
func (n *Node) IsLeaf() bool {
	return n.Rgt-n.Lft == 1
}

// DescendantCount returns the number of nodes below n.
func (n *Node) DescendantCount() int {
	return (n.Rgt - n.Lft - 1) / 2
}

// Contains reports whether other lies strictly inside n's interval within the
// same tree. A node does not contain itself.
func (n *Node) Contains(other *Node) bool {
	if other == nil || n.ScopeID != other.ScopeID || n.RootID != other.RootID {
		return false
	}
	return n.Lft < other.Lft && other.Rgt < n.Rgt
}

// Equal compares nodes by identity.
func (n *Node) Equal(other *Node) bool {
	return other != nil && n.ID == other.ID
}

// Bounds returns the node's interval.
func (n *Node) Bounds() Bounds {
	return Bounds{Lft: n.Lft, Rgt: n.Rgt}
}

// HasParent reports whether the node's parent is id.
func (n *Node) HasParent(id int64) bool {
	return n.ParentID != nil && *n.ParentID == id
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	return &c
}

func (n *Node) String() string {
	parent := "-"
	if n.ParentID != nil {
		parent = fmt.Sprintf("%d", *n.ParentID)
	}
	return fmt.Sprintf("node(%d parent=%s root=%d [%d,%d])", n.ID, parent, n.RootID, n.Lft, n.Rgt)
}

// Bounds is a closed lft/rgt interval.
type Bounds struct {
	Lft int `json:"lft"`
	Rgt int `json:"rgt"`
}

// Valid reports whether the interval is well formed.
func (b Bounds) Valid() bool {
	return b.Lft >= 1 && b.Lft < b.Rgt
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d]", b.Lft, b.Rgt)
}

// ParentRef returns a pointer suitable for Node.ParentID.
func ParentRef(id int64) *int64 {
	return &id
}

// NumberingMode selects how lft/rgt values are laid out across a forest.
type NumberingMode string

const (
	// NumberingShared lays every tree of a scope out on one numbering, roots
	// side by side in forest order. Every mutation shifts forest-wide.
	NumberingShared NumberingMode = "shared"
	// NumberingPerTree numbers each tree independently from 1.
	NumberingPerTree NumberingMode = "per-tree"
)

// IsValid reports whether m is a known numbering mode.
func (m NumberingMode) IsValid() bool {
	switch m {
	case NumberingShared, NumberingPerTree:
		return true
	}
	return false
}

// RebuildReport summarizes a rebuild pass.
type RebuildReport struct {
	ScopeID        int64   `json:"scope_id"`
	NodesProcessed int     `json:"nodes_processed"`
	TreesProcessed int     `json:"trees_processed"`
	NodesChanged   int     `json:"nodes_changed"`
	Orphans        []int64 `json:"orphans,omitempty"` // Nodes whose parent no longer exists, promoted to roots

	// Scopes lists the forests folded into a combined report; empty for a
	// single-scope rebuild.
	Scopes []int64 `json:"scopes,omitempty"`
}

// Add folds the report of one scope into r.
func (r *RebuildReport) Add(o *RebuildReport) {
	r.Scopes = append(r.Scopes, o.ScopeID)
	r.NodesProcessed += o.NodesProcessed
	r.TreesProcessed += o.TreesProcessed
	r.NodesChanged += o.NodesChanged
	r.Orphans = append(r.Orphans, o.Orphans...)
}
