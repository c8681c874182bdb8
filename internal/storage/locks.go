package storage

import (
	"fmt"
	"sort"
)

// LockMode is the strength of a logical lock.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "exclusive"
	}
	return "shared"
}

// Reserved Tree values of a LockKey.
const (
	// ForestTree keys the whole scope. Every operation takes it: tree-level
	// mutations shared, forest-wide ones (rebuild, validate, shared
	// numbering) exclusive.
	ForestTree int64 = 0
	// RootsTree keys the root level of a scope. Root inserts, root deletes
	// and moves that create or remove a root take it exclusively.
	RootsTree int64 = -1
)

// LockKey names a logical lock on a forest, its root level, or one tree.
type LockKey struct {
	Scope int64
	Tree  int64 // ForestTree, RootsTree, or a root node id
	Mode  LockMode
}

// ForestLock keys the whole scope.
func ForestLock(scope int64, mode LockMode) LockKey {
	return LockKey{Scope: scope, Tree: ForestTree, Mode: mode}
}

// RootsLock keys the root level of scope.
func RootsLock(scope int64, mode LockMode) LockKey {
	return LockKey{Scope: scope, Tree: RootsTree, Mode: mode}
}

// TreeLock keys the tree rooted at rootID.
func TreeLock(scope, rootID int64, mode LockMode) LockKey {
	return LockKey{Scope: scope, Tree: rootID, Mode: mode}
}

// ForestLocks keys the forest of every scope in scopes.
func ForestLocks(scopes []int64, mode LockMode) []LockKey {
	keys := make([]LockKey, 0, len(scopes))
	for _, s := range scopes {
		keys = append(keys, ForestLock(s, mode))
	}
	return keys
}

// IsForest reports whether k keys a whole scope.
func (k LockKey) IsForest() bool {
	return k.Tree == ForestTree
}

// Name is a stable identifier for the locked resource, independent of mode.
func (k LockKey) Name() string {
	switch k.Tree {
	case ForestTree:
		return fmt.Sprintf("arbor:forest:%d", k.Scope)
	case RootsTree:
		return fmt.Sprintf("arbor:roots:%d", k.Scope)
	default:
		return fmt.Sprintf("arbor:tree:%d:%d", k.Scope, k.Tree)
	}
}

// SortLockKeys merges duplicate keys (keeping the strongest mode) and orders
// them forest first, then root level, then trees by ascending id. Acquiring
// in this order rules out lock-order deadlocks between engine operations.
func SortLockKeys(keys []LockKey) []LockKey {
	merged := make(map[string]LockKey, len(keys))
	for _, k := range keys {
		if prev, ok := merged[k.Name()]; ok && prev.Mode >= k.Mode {
			continue
		}
		merged[k.Name()] = k
	}
	out := make([]LockKey, 0, len(merged))
	for _, k := range merged {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return lockRank(a) < lockRank(b)
	})
	return out
}

func lockRank(k LockKey) int64 {
	switch {
	case k.IsForest():
		return -2
	case k.Tree == RootsTree:
		return -1
	default:
		return k.Tree
	}
}
