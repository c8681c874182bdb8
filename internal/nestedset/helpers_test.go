package nestedset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/storage/memory"
	"github.com/arborhq/arbor/internal/types"
)

const testScope = int64(1)

// testContext returns a context with timeout for test operations.
func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// fixture drives a Mutator against a memory store.
type fixture struct {
	t     *testing.T
	store *memory.Store
	m     *Mutator
}

func newFixture(t *testing.T, mode types.NumberingMode, ord Ordering) *fixture {
	t.Helper()
	return &fixture{t: t, store: memory.New(), m: NewMutator(mode, ord)}
}

func (f *fixture) run(fn func(ctx context.Context, tx storage.Transaction) error) error {
	f.t.Helper()
	ctx, cancel := testContext(f.t)
	defer cancel()
	return f.store.RunInTransaction(ctx, storage.TxOptions{}, func(tx storage.Transaction) error {
		return fn(ctx, tx)
	})
}

func (f *fixture) root(key string) int64 {
	f.t.Helper()
	n := &types.Node{ScopeID: testScope, SortKey: key}
	require.NoError(f.t, f.run(func(ctx context.Context, tx storage.Transaction) error {
		return f.m.InsertRoot(ctx, tx, n, Placement{})
	}))
	return n.ID
}

func (f *fixture) child(parentID int64, key string) int64 {
	f.t.Helper()
	n := &types.Node{SortKey: key}
	require.NoError(f.t, f.run(func(ctx context.Context, tx storage.Transaction) error {
		parent, err := tx.GetNode(ctx, parentID)
		if err != nil {
			return err
		}
		return f.m.InsertChild(ctx, tx, n, parent, Placement{})
	}))
	return n.ID
}

func (f *fixture) move(id int64, parentID *int64, place Placement) error {
	f.t.Helper()
	return f.run(func(ctx context.Context, tx storage.Transaction) error {
		n, err := tx.GetNode(ctx, id)
		if err != nil {
			return err
		}
		var parent *types.Node
		if parentID != nil {
			if parent, err = tx.GetNode(ctx, *parentID); err != nil {
				return err
			}
		}
		return f.m.Move(ctx, tx, n, parent, place)
	})
}

func (f *fixture) delete(id int64) (int, error) {
	f.t.Helper()
	var removed int
	err := f.run(func(ctx context.Context, tx storage.Transaction) error {
		n, err := tx.GetNode(ctx, id)
		if err != nil {
			return err
		}
		removed, err = f.m.Delete(ctx, tx, n)
		return err
	})
	return removed, err
}

func (f *fixture) node(id int64) *types.Node {
	f.t.Helper()
	for _, n := range f.store.Snapshot(testScope) {
		if n.ID == id {
			return n
		}
	}
	f.t.Fatalf("node %d not found", id)
	return nil
}

func (f *fixture) bounds(id int64) types.Bounds {
	f.t.Helper()
	return f.node(id).Bounds()
}

// requireValid fails the test if the scope violates any invariant.
func (f *fixture) requireValid() {
	f.t.Helper()
	res := Validate(testScope, f.store.Snapshot(testScope), Options{Mode: f.m.Mode})
	require.True(f.t, res.OK(), "invariants violated: %v", res.Violations)
}

func b(lft, rgt int) types.Bounds {
	return types.Bounds{Lft: lft, Rgt: rgt}
}
