package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/storage/memory"
	"github.com/arborhq/arbor/internal/types"
)

func TestInsertChildShiftsLaterRoots(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	a := insertRoot(t, c, "A")
	bID := insertRoot(t, c, "B")
	assert.Equal(t, b(1, 2), bounds(s, a))
	assert.Equal(t, b(3, 4), bounds(s, bID))

	cID := insertChild(t, c, a, "C")
	assert.Equal(t, b(1, 4), bounds(s, a))
	assert.Equal(t, b(2, 3), bounds(s, cID))
	assert.Equal(t, b(5, 6), bounds(s, bID))
	assert.Equal(t, a, snapshot(s)[cID].RootID)
	requireValid(t, s, types.NumberingShared)
}

func TestMoveToOtherRoot(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	a := insertRoot(t, c, "A")
	bID := insertRoot(t, c, "B")
	cID := insertChild(t, c, a, "C")

	ctx, cancel := testContext(t)
	defer cancel()
	moved, err := c.Move(ctx, cID, types.ParentRef(bID))
	require.NoError(t, err)
	assert.Equal(t, b(4, 5), moved.Bounds())
	assert.Equal(t, bID, moved.RootID)

	assert.Equal(t, b(1, 2), bounds(s, a))
	assert.Equal(t, b(3, 6), bounds(s, bID))
	assert.Equal(t, b(4, 5), bounds(s, cID))
	requireValid(t, s, types.NumberingShared)
}

func TestDeleteLeafAndSubtree(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	a := insertRoot(t, c, "A")
	x := insertChild(t, c, a, "X")
	y := insertChild(t, c, x, "Y")
	z := insertChild(t, c, a, "Z")
	d := insertRoot(t, c, "D")

	ctx, cancel := testContext(t)
	defer cancel()

	removed, err := c.Delete(ctx, z)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, b(1, 6), bounds(s, a))
	assert.Equal(t, b(7, 8), bounds(s, d))

	removed, err = c.Delete(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NotContains(t, snapshot(s), y)
	assert.Equal(t, b(1, 2), bounds(s, a))
	assert.Equal(t, b(3, 4), bounds(s, d))

	removed, err = c.Delete(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, b(1, 2), bounds(s, d))
	requireValid(t, s, types.NumberingShared)
}

func TestInvalidMovesChangeNothing(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	a := insertRoot(t, c, "A")
	x := insertChild(t, c, a, "X")
	y := insertChild(t, c, x, "Y")
	before := s.Snapshot(testScope)

	ctx, cancel := testContext(t)
	defer cancel()

	_, err := c.Move(ctx, x, types.ParentRef(y))
	assert.ErrorIs(t, err, storage.ErrInvalidMove)
	_, err = c.Move(ctx, x, types.ParentRef(x))
	assert.ErrorIs(t, err, storage.ErrInvalidMove)
	_, err = c.Move(ctx, a, types.ParentRef(y))
	assert.ErrorIs(t, err, storage.ErrInvalidMove)

	other, err := c.InsertRoot(ctx, &types.Node{ScopeID: 2})
	require.NoError(t, err)
	_, err = c.Move(ctx, x, types.ParentRef(other.ID))
	assert.ErrorIs(t, err, storage.ErrInvalidMove)

	assert.Equal(t, before, s.Snapshot(testScope))
}

func TestMissingNodesAreNotRetried(t *testing.T) {
	s := &countingStore{Storage: memory.New()}
	c := New(s, testOptions(types.NumberingShared))
	ctx, cancel := testContext(t)
	defer cancel()

	_, err := c.InsertChild(ctx, &types.Node{}, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = c.Move(ctx, 42, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = c.Delete(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = c.Get(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int32(4), s.txs.Load())
}

func TestBeforePlacement(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	a := insertRoot(t, c, "A")
	x := insertChild(t, c, a, "X")
	y := insertChild(t, c, a, "Y")

	ctx, cancel := testContext(t)
	defer cancel()
	z, err := c.InsertChild(ctx, &types.Node{SortKey: "Z"}, a, Before(x))
	require.NoError(t, err)
	assert.Equal(t, b(2, 3), z.Bounds())
	assert.Equal(t, b(4, 5), bounds(s, x))
	assert.Equal(t, b(6, 7), bounds(s, y))

	_, err = c.Move(ctx, y, types.ParentRef(a), Before(z.ID))
	require.NoError(t, err)
	kids, err := c.Children(ctx, a)
	require.NoError(t, err)
	require.Len(t, kids, 3)
	assert.Equal(t, []int64{y, z.ID, x}, []int64{kids[0].ID, kids[1].ID, kids[2].ID})

	_, err = c.InsertChild(ctx, &types.Node{}, a, Before(999))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	requireValid(t, s, types.NumberingShared)
}

func TestReorderAfterSortKeyChange(t *testing.T) {
	s := memory.New()
	opts := testOptions(types.NumberingShared)
	opts.Ordering = nestedset.ByName{}
	c := New(s, opts)
	bID := insertRoot(t, c, "b")
	cID := insertRoot(t, c, "c")
	assert.Equal(t, b(3, 4), bounds(s, cID))

	ctx, cancel := testContext(t)
	defer cancel()
	require.NoError(t, s.RunInTransaction(ctx, storage.TxOptions{}, func(tx storage.Transaction) error {
		n, err := tx.GetNode(ctx, cID)
		if err != nil {
			return err
		}
		n.SortKey = "a"
		return tx.UpdateNode(ctx, n)
	}))

	n, err := c.Reorder(ctx, cID)
	require.NoError(t, err)
	assert.Equal(t, b(1, 2), n.Bounds())
	assert.Equal(t, b(3, 4), bounds(s, bID))
	requireValid(t, s, types.NumberingShared)
}

func TestHooks(t *testing.T) {
	var events []Event
	s := &countingStore{Storage: memory.New()}
	opts := testOptions(types.NumberingShared)
	opts.Hooks = []Hook{func(_ context.Context, _ storage.Transaction, ev Event) error {
		events = append(events, ev)
		return nil
	}}
	c := New(s, opts)
	ctx, cancel := testContext(t)
	defer cancel()

	root, err := c.InsertRoot(ctx, &types.Node{ScopeID: testScope})
	require.NoError(t, err)
	child, err := c.InsertChild(ctx, &types.Node{}, root.ID)
	require.NoError(t, err)
	removed, err := c.Delete(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	require.Len(t, events, 3)
	assert.Equal(t, "insert_root", events[0].Op)
	assert.Equal(t, root.ID, events[0].Node.ID)
	assert.Equal(t, "insert_child", events[1].Op)
	assert.Equal(t, child.ID, events[1].Node.ID)
	assert.Equal(t, "delete", events[2].Op)
	assert.Equal(t, 2, events[2].Removed)
}

func TestHookErrorRollsBack(t *testing.T) {
	mem := memory.New()
	s := &countingStore{Storage: mem}
	c := New(s, testOptions(types.NumberingShared))
	a := insertRoot(t, c, "A")
	before := mem.Snapshot(testScope)
	txs := s.txs.Load()

	ctx, cancel := testContext(t)
	defer cancel()
	boom := errors.New("boom")
	_, err := c.InsertChild(ctx, &types.Node{}, a, WithHook(func(context.Context, storage.Transaction, Event) error {
		return boom
	}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, mem.Snapshot(testScope))

	// A hook that reports a conflict still ends the operation.
	_, err = c.Delete(ctx, a, WithHook(func(context.Context, storage.Transaction, Event) error {
		return storage.ErrSerializationConflict
	}))
	assert.ErrorIs(t, err, storage.ErrSerializationConflict)
	assert.False(t, storage.IsRetryable(err))
	assert.Equal(t, txs+2, s.txs.Load())
	assert.Equal(t, before, mem.Snapshot(testScope))
}

func TestStalePlanIsRetried(t *testing.T) {
	mem := memory.New()
	s := &countingStore{Storage: mem}
	c := New(s, testOptions(types.NumberingPerTree))
	a := insertRoot(t, c, "A")
	x := insertChild(t, c, a, "X")
	txs := s.txs.Load()

	ctx, cancel := testContext(t)
	defer cancel()
	s.stale.Store(1)
	removed, err := c.Delete(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, txs+2, s.txs.Load())
	requireValid(t, mem, types.NumberingPerTree)
}

func TestStalePlanGivesUp(t *testing.T) {
	s := &countingStore{Storage: memory.New()}
	opts := testOptions(types.NumberingShared)
	opts.Retry.MaxRetries = 1
	c := New(s, opts)
	assert.True(t, c.Options().CheckOrder)
	assert.Equal(t, storage.DefaultLockTimeout, c.Options().LockTimeout, "zero values take defaults")
	a := insertRoot(t, c, "A")

	ctx, cancel := testContext(t)
	defer cancel()
	s.stale.Store(100)
	_, err := c.InsertChild(ctx, &types.Node{}, a)
	assert.ErrorIs(t, err, storage.ErrSerializationConflict)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestLockTimeout(t *testing.T) {
	mem := memory.New()
	opts := testOptions(types.NumberingShared)
	opts.LockTimeout = 20 * time.Millisecond
	opts.Retry.MaxRetries = 1
	c := New(mem, opts)
	a := insertRoot(t, c, "A")

	ctx, cancel := testContext(t)
	defer cancel()
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- mem.RunInTransaction(ctx, storage.TxOptions{}, func(tx storage.Transaction) error {
			if err := tx.Lock(ctx, storage.ForestLock(testScope, storage.LockExclusive)); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	_, err := c.InsertChild(ctx, &types.Node{}, a)
	assert.ErrorIs(t, err, storage.ErrLockTimeout)
	assert.ErrorIs(t, err, storage.ErrSerializationConflict)

	close(release)
	require.NoError(t, <-done)
	_, err = c.InsertChild(ctx, &types.Node{}, a)
	assert.NoError(t, err)
}

func TestCanceledContext(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.InsertRoot(ctx, &types.Node{ScopeID: testScope})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Snapshot(testScope))
}

func TestPerTreeNumbering(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingPerTree)
	a := insertRoot(t, c, "A")
	bID := insertRoot(t, c, "B")
	assert.Equal(t, b(1, 2), bounds(s, a))
	assert.Equal(t, b(1, 2), bounds(s, bID))

	x := insertChild(t, c, a, "X")
	assert.Equal(t, b(1, 4), bounds(s, a))
	assert.Equal(t, b(1, 2), bounds(s, bID), "other trees are not shifted")

	ctx, cancel := testContext(t)
	defer cancel()
	_, err := c.Move(ctx, x, types.ParentRef(bID))
	require.NoError(t, err)
	assert.Equal(t, b(1, 2), bounds(s, a))
	assert.Equal(t, b(1, 4), bounds(s, bID))
	assert.Equal(t, bID, snapshot(s)[x].RootID)

	moved, err := c.Move(ctx, x, nil)
	require.NoError(t, err)
	assert.True(t, moved.IsRoot())
	assert.Equal(t, x, moved.RootID)
	assert.Equal(t, b(1, 2), moved.Bounds())
	assert.Equal(t, b(1, 2), bounds(s, bID))
	requireValid(t, s, types.NumberingPerTree)
}

// Scenario: a per-tree forest whose first tree was corrupted to 7/7 is
// repaired by rebuilding that tree only.
func TestRebuildTreeRepairsCorruption(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingPerTree)
	r := insertRoot(t, c, "R")
	x := insertChild(t, c, r, "X")
	y := insertChild(t, c, r, "Y")
	other := insertRoot(t, c, "O")
	insertChild(t, c, other, "OX")

	nodes := snapshot(s)
	for _, id := range []int64{r, x, y} {
		n := nodes[id]
		n.Lft, n.Rgt = 7, 7
		s.Seed(n)
	}

	ctx, cancel := testContext(t)
	defer cancel()
	res, err := c.Validate(ctx, testScope)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err(), storage.ErrCorruptTree)

	_, err = c.Delete(ctx, x)
	assert.ErrorIs(t, err, storage.ErrCorruptTree)

	report, err := c.RebuildTree(ctx, testScope, r)
	require.NoError(t, err)
	assert.Equal(t, 3, report.NodesProcessed)
	assert.Equal(t, b(1, 6), bounds(s, r))
	assert.Equal(t, b(2, 3), bounds(s, x))
	assert.Equal(t, b(4, 5), bounds(s, y))
	assert.Equal(t, b(1, 4), bounds(s, other))

	res, err = c.Validate(ctx, testScope)
	require.NoError(t, err)
	assert.True(t, res.OK(), "violations: %v", res.Violations)
}

func TestRebuildForest(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	a := insertRoot(t, c, "A")
	x := insertChild(t, c, a, "X")
	bID := insertRoot(t, c, "B")
	for _, n := range s.Snapshot(testScope) {
		n.Lft, n.Rgt = 0, 0
		s.Seed(n)
	}

	ctx, cancel := testContext(t)
	defer cancel()
	plan, err := c.RebuildPlan(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.NodesChanged)
	assert.Equal(t, b(0, 0), bounds(s, a))

	report, err := c.Rebuild(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, 3, report.NodesProcessed)
	assert.Equal(t, 2, report.TreesProcessed)
	assert.Equal(t, b(1, 4), bounds(s, a))
	assert.Equal(t, b(2, 3), bounds(s, x))
	assert.Equal(t, b(5, 6), bounds(s, bID))

	again, err := c.Rebuild(ctx, testScope)
	require.NoError(t, err)
	assert.Zero(t, again.NodesChanged)
}

func TestValidateCheckOrder(t *testing.T) {
	s := memory.New()
	opts := testOptions(types.NumberingShared)
	opts.Ordering = nestedset.ByName{}
	opts.CheckOrder = true
	c := New(s, opts)
	a := insertRoot(t, c, "A")

	ctx, cancel := testContext(t)
	defer cancel()
	y, err := c.InsertChild(ctx, &types.Node{SortKey: "y"}, a)
	require.NoError(t, err)
	_, err = c.InsertChild(ctx, &types.Node{SortKey: "z"}, a, Before(y.ID))
	require.NoError(t, err)

	res, err := c.Validate(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, nestedset.KindOrder, res.Violations[0].Kind)
}

func TestRebuildAndValidateAllScopes(t *testing.T) {
	c, s := setupCoordinator(t, types.NumberingShared)
	ctx, cancel := testContext(t)
	defer cancel()

	empty, err := c.ValidateAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	a := insertRoot(t, c, "A")
	insertChild(t, c, a, "X")
	other, err := c.InsertRoot(ctx, &types.Node{ScopeID: 2, SortKey: "B"})
	require.NoError(t, err)
	_, err = c.InsertChild(ctx, &types.Node{SortKey: "BX"}, other.ID)
	require.NoError(t, err)

	for _, n := range s.Snapshot(testScope) {
		n.Lft, n.Rgt = 0, 0
		s.Seed(n)
	}
	broken := other.Clone()
	broken.Lft, broken.Rgt = 0, 0
	s.Seed(broken)

	results, err := c.ValidateAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, testScope, results[0].ScopeID)
	assert.Equal(t, int64(2), results[1].ScopeID)
	assert.False(t, results[0].OK())
	assert.False(t, results[1].OK())

	plan, err := c.RebuildAllPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{testScope, 2}, plan.Scopes)
	assert.Equal(t, 3, plan.NodesChanged)
	assert.Equal(t, b(0, 0), bounds(s, a), "a plan writes nothing")

	report, err := c.RebuildAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{testScope, 2}, report.Scopes)
	assert.Equal(t, 4, report.NodesProcessed)
	assert.Equal(t, 2, report.TreesProcessed)
	assert.Equal(t, 3, report.NodesChanged)

	results, err = c.ValidateAll(ctx)
	require.NoError(t, err)
	for _, res := range results {
		assert.True(t, res.OK(), "scope %d: %v", res.ScopeID, res.Violations)
	}
	requireValid(t, s, types.NumberingShared)
	assert.Equal(t, b(1, 4), bounds(s, a))
}
