package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

// memTx implements storage.Transaction for Store.
type memTx struct {
	store *Store
	opts  storage.TxOptions
	held  []heldLock
	// undo maps a touched id to its row before the transaction touched it;
	// nil means the row was created by this transaction.
	undo map[int64]*types.Node
}

var _ storage.Transaction = (*memTx)(nil)

// Lock implements storage.Transaction.
func (t *memTx) Lock(ctx context.Context, keys ...storage.LockKey) error {
	for _, k := range keys {
		if t.holds(k) {
			continue
		}
		h, err := t.store.locks.acquire(ctx, k, t.opts.LockTimeout)
		if err != nil {
			return err
		}
		t.held = append(t.held, h)
	}
	return nil
}

func (t *memTx) holds(k storage.LockKey) bool {
	for _, h := range t.held {
		if h.key.Name() == k.Name() && h.key.Mode >= k.Mode {
			return true
		}
	}
	return false
}

func (t *memTx) releaseLocks() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].release()
	}
	t.held = nil
}

// touch records id's pre-transaction state. Callers hold store.mu.
func (t *memTx) touch(id int64) {
	if _, seen := t.undo[id]; seen {
		return
	}
	t.undo[id] = t.store.nodes[id].Clone()
}

func (t *memTx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, orig := range t.undo {
		if orig == nil {
			delete(t.store.nodes, id)
			continue
		}
		t.store.nodes[id] = orig
	}
	t.undo = nil
}

func (t *memTx) checkWritable() error {
	if t.opts.ReadOnly {
		return storage.ErrReadOnly
	}
	return nil
}

// GetNode implements storage.Transaction.
func (t *memTx) GetNode(ctx context.Context, id int64) (*types.Node, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	n, ok := t.store.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, storage.ErrNotFound)
	}
	return n.Clone(), nil
}

// Roots implements storage.Transaction.
func (t *memTx) Roots(ctx context.Context, scope int64) ([]*types.Node, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := t.store.filter(func(n *types.Node) bool { return n.ScopeID == scope && n.ParentID == nil })
	sortByLft(out)
	return out, nil
}

// Children implements storage.Transaction.
func (t *memTx) Children(ctx context.Context, parentID int64) ([]*types.Node, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := t.store.filter(func(n *types.Node) bool { return n.HasParent(parentID) })
	sortByLft(out)
	return out, nil
}

// Subtree implements storage.Transaction.
func (t *memTx) Subtree(ctx context.Context, r storage.Range) ([]*types.Node, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := t.store.filter(func(n *types.Node) bool { return inRange(n, r) })
	sortByLft(out)
	return out, nil
}

// Ancestors implements storage.Transaction.
func (t *memTx) Ancestors(ctx context.Context, d storage.Domain, b types.Bounds) ([]*types.Node, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := t.store.filter(func(n *types.Node) bool {
		return inDomain(n, d) && n.Lft < b.Lft && n.Rgt > b.Rgt
	})
	sortByLft(out)
	return out, nil
}

// Nodes implements storage.Transaction.
func (t *memTx) Nodes(ctx context.Context, scope int64) ([]*types.Node, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := t.store.filter(func(n *types.Node) bool { return n.ScopeID == scope })
	sort.Slice(out, func(i, j int) bool {
		if out[i].RootID != out[j].RootID {
			return out[i].RootID < out[j].RootID
		}
		if out[i].Lft != out[j].Lft {
			return out[i].Lft < out[j].Lft
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TreeNodes implements storage.Transaction.
func (t *memTx) TreeNodes(ctx context.Context, scope, rootID int64) ([]*types.Node, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := t.store.filter(func(n *types.Node) bool { return n.ScopeID == scope && n.RootID == rootID })
	sortByLft(out)
	return out, nil
}

// Scopes implements storage.Transaction.
func (t *memTx) Scopes(ctx context.Context) ([]int64, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, n := range t.store.nodes {
		if !seen[n.ScopeID] {
			seen[n.ScopeID] = true
			out = append(out, n.ScopeID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CreateNode implements storage.Transaction.
func (t *memTx) CreateNode(ctx context.Context, n *types.Node) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.nextID++
	n.ID = t.store.nextID
	t.undo[n.ID] = nil
	t.store.nodes[n.ID] = n.Clone()
	return nil
}

// UpdateNode implements storage.Transaction.
func (t *memTx) UpdateNode(ctx context.Context, n *types.Node) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cur, ok := t.store.nodes[n.ID]
	if !ok {
		return fmt.Errorf("node %d: %w", n.ID, storage.ErrNotFound)
	}
	t.touch(n.ID)
	c := n.Clone()
	c.ScopeID = cur.ScopeID
	t.store.nodes[n.ID] = c
	return nil
}

// Shift implements storage.Transaction.
func (t *memTx) Shift(ctx context.Context, d storage.Domain, from, delta int) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, n := range t.store.nodes {
		if !inDomain(n, d) || (n.Lft < from && n.Rgt < from) {
			continue
		}
		t.touch(id)
		if n.Lft >= from {
			n.Lft += delta
		}
		if n.Rgt >= from {
			n.Rgt += delta
		}
	}
	return nil
}

// Offset implements storage.Transaction.
func (t *memTx) Offset(ctx context.Context, r storage.Range, delta int) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	count := 0
	for id, n := range t.store.nodes {
		if !inRange(n, r) {
			continue
		}
		t.touch(id)
		n.Lft += delta
		n.Rgt += delta
		count++
	}
	return count, nil
}

// Reroot implements storage.Transaction.
func (t *memTx) Reroot(ctx context.Context, r storage.Range, rootID int64) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	count := 0
	for id, n := range t.store.nodes {
		if !inRange(n, r) {
			continue
		}
		t.touch(id)
		n.RootID = rootID
		count++
	}
	return count, nil
}

// DeleteRange implements storage.Transaction.
func (t *memTx) DeleteRange(ctx context.Context, r storage.Range) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	count := 0
	for id, n := range t.store.nodes {
		if !inRange(n, r) {
			continue
		}
		t.touch(id)
		delete(t.store.nodes, id)
		count++
	}
	return count, nil
}

// SavePlacements implements storage.Transaction.
func (t *memTx) SavePlacements(ctx context.Context, nodes []*types.Node) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, n := range nodes {
		cur, ok := t.store.nodes[n.ID]
		if !ok {
			return fmt.Errorf("node %d: %w", n.ID, storage.ErrNotFound)
		}
		t.touch(n.ID)
		cur.ParentID = nil
		if n.ParentID != nil {
			cur.ParentID = types.ParentRef(*n.ParentID)
		}
		cur.RootID = n.RootID
		cur.Lft = n.Lft
		cur.Rgt = n.Rgt
	}
	return nil
}
