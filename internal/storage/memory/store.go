// Package memory implements the storage interface in process memory.
//
// Writes are applied in place and recorded in a per-transaction undo log, so
// a rollback restores every touched row. Isolation between transactions comes
// entirely from the logical locks of Transaction.Lock; the engine always
// locks what it is about to read and shift.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

// Store implements storage.Storage in memory.
type Store struct {
	mu     sync.RWMutex // Protects nodes and nextID
	nodes  map[int64]*types.Node
	nextID int64
	locks  *lockManager
	closed atomic.Bool
}

var _ storage.Storage = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{
		nodes: make(map[int64]*types.Node),
		locks: newLockManager(),
	}
}

// Backend implements storage.Storage.
func (s *Store) Backend() string {
	return "memory"
}

// Close implements storage.Storage.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Seed inserts nodes verbatim, bypassing the engine. Intended for tests and
// for loading trees whose numbering is to be rebuilt. Nodes without an id
// get the next one.
func (s *Store) Seed(nodes ...*types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		c := n.Clone()
		if c.ID == 0 {
			s.nextID++
			c.ID = s.nextID
			n.ID = c.ID
		} else if c.ID > s.nextID {
			s.nextID = c.ID
		}
		s.nodes[c.ID] = c
	}
}

// Snapshot returns copies of every node in scope ordered by id.
func (s *Store) Snapshot(scope int64) []*types.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(n *types.Node) bool { return n.ScopeID == scope })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunInTransaction implements storage.Storage. Locks taken through the
// transaction are released after the commit or rollback completes.
func (s *Store) RunInTransaction(ctx context.Context, opts storage.TxOptions, fn func(tx storage.Transaction) error) (err error) {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{store: s, opts: opts, undo: make(map[int64]*types.Node)}

	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
		tx.releaseLocks()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	// A canceled caller never commits, even if fn ignored the context.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	committed = true
	return nil
}

// filter returns clones of matching nodes. Callers hold s.mu.
func (s *Store) filter(match func(*types.Node) bool) []*types.Node {
	var out []*types.Node
	for _, n := range s.nodes {
		if match(n) {
			out = append(out, n.Clone())
		}
	}
	return out
}

func sortByLft(nodes []*types.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Lft != nodes[j].Lft {
			return nodes[i].Lft < nodes[j].Lft
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func inDomain(n *types.Node, d storage.Domain) bool {
	return n.ScopeID == d.Scope && (d.RootID == 0 || n.RootID == d.RootID)
}

func inRange(n *types.Node, r storage.Range) bool {
	return inDomain(n, r.Domain) && n.Lft >= r.Lft && n.Rgt <= r.Rgt
}
