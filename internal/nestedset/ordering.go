package nestedset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arborhq/arbor/internal/types"
)

// Ordering decides where a node goes among its siblings. The engine keeps
// siblings ascending by lft in Ordering order; it never inspects what the
// key means.
type Ordering interface {
	Name() string
	// Less reports whether a sorts before b. A node without an id (not yet
	// created) must compare consistently so insertion points are stable.
	Less(a, b *types.Node) bool
}

// ByID orders siblings by creation: new nodes are appended as last child.
// This is how issue trees behave.
type ByID struct{}

func (ByID) Name() string { return "id" }

func (ByID) Less(a, b *types.Node) bool {
	switch {
	case a.ID == 0:
		return false
	case b.ID == 0:
		return true
	}
	return a.ID < b.ID
}

// ByName orders siblings case-insensitively by SortKey, then by id. This is
// how project trees behave.
type ByName struct{}

func (ByName) Name() string { return "name" }

func (ByName) Less(a, b *types.Node) bool {
	ka, kb := strings.ToLower(a.SortKey), strings.ToLower(b.SortKey)
	if ka != kb {
		return ka < kb
	}
	return ByID{}.Less(a, b)
}

// OrderingByName resolves a configured ordering name.
func OrderingByName(name string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "id", "insertion":
		return ByID{}, nil
	case "name", "alpha", "alphabetical":
		return ByName{}, nil
	}
	return nil, fmt.Errorf("unknown ordering %q (valid: id, name)", name)
}

// SortSiblings sorts nodes in place by ord.
func SortSiblings(nodes []*types.Node, ord Ordering) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return ord.Less(nodes[i], nodes[j])
	})
}

// Placement overrides the ordering for a single insert or move.
type Placement struct {
	// Before places the node immediately before this sibling. Zero means
	// "use the forest ordering".
	Before int64
}
