package nestedset

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
)

func TestInsertSharedNumbering(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})

	a := f.root("A")
	assert.Equal(t, b(1, 2), f.bounds(a))
	bRoot := f.root("B")
	assert.Equal(t, b(3, 4), f.bounds(bRoot))
	c := f.child(a, "C")

	assert.Equal(t, b(1, 4), f.bounds(a))
	assert.Equal(t, b(2, 3), f.bounds(c))
	assert.Equal(t, b(5, 6), f.bounds(bRoot))

	assert.Equal(t, a, f.node(a).RootID)
	assert.Equal(t, a, f.node(c).RootID)
	require.NotNil(t, f.node(c).ParentID)
	assert.Equal(t, a, *f.node(c).ParentID)
	f.requireValid()
}

func TestInsertPerTreeNumbering(t *testing.T) {
	f := newFixture(t, types.NumberingPerTree, ByID{})

	a := f.root("A")
	bRoot := f.root("B")
	c := f.child(a, "C")

	assert.Equal(t, b(1, 4), f.bounds(a))
	assert.Equal(t, b(2, 3), f.bounds(c))
	assert.Equal(t, b(1, 2), f.bounds(bRoot), "other trees are untouched")
	f.requireValid()
}

func TestInsertChildAppendsLast(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	c1 := f.child(a, "x")
	c2 := f.child(a, "y")
	c3 := f.child(a, "z")

	assert.Equal(t, b(1, 8), f.bounds(a))
	assert.Equal(t, b(2, 3), f.bounds(c1))
	assert.Equal(t, b(4, 5), f.bounds(c2))
	assert.Equal(t, b(6, 7), f.bounds(c3))
	f.requireValid()
}

func TestInsertByNameOrdering(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByName{})

	beta := f.root("beta")
	alpha := f.root("Alpha")
	assert.Equal(t, b(1, 2), f.bounds(alpha))
	assert.Equal(t, b(3, 4), f.bounds(beta))

	z := f.child(alpha, "zeta")
	m := f.child(alpha, "mu")
	assert.Equal(t, b(2, 3), f.bounds(m))
	assert.Equal(t, b(4, 5), f.bounds(z))
	assert.Equal(t, b(7, 8), f.bounds(beta))

	res := Validate(testScope, f.store.Snapshot(testScope), Options{Ordering: ByName{}})
	assert.True(t, res.OK(), "%v", res.Violations)
}

func TestInsertBeforeSibling(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	first := f.child(a, "first")

	n := &types.Node{SortKey: "inserted"}
	require.NoError(t, f.run(func(ctx context.Context, tx storage.Transaction) error {
		parent, err := tx.GetNode(ctx, a)
		if err != nil {
			return err
		}
		return f.m.InsertChild(ctx, tx, n, parent, Placement{Before: first})
	}))

	assert.Equal(t, b(2, 3), f.bounds(n.ID))
	assert.Equal(t, b(4, 5), f.bounds(first))
	f.requireValid()
}

func TestInsertBeforeUnknownSibling(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")

	err := f.run(func(ctx context.Context, tx storage.Transaction) error {
		parent, err := tx.GetNode(ctx, a)
		if err != nil {
			return err
		}
		return f.m.InsertChild(ctx, tx, &types.Node{}, parent, Placement{Before: 999})
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, f.store.Snapshot(testScope), 1)
}

func TestMoveToOtherRoot(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	c := f.child(a, "C")
	d := f.root("D")
	require.Equal(t, b(5, 6), f.bounds(d))

	require.NoError(t, f.move(c, &d, Placement{}))

	assert.Equal(t, b(1, 2), f.bounds(a))
	assert.Equal(t, b(3, 6), f.bounds(d))
	assert.Equal(t, b(4, 5), f.bounds(c))
	assert.Equal(t, d, f.node(c).RootID)
	f.requireValid()
}

func TestMovePerTreeAcrossTrees(t *testing.T) {
	f := newFixture(t, types.NumberingPerTree, ByID{})
	a := f.root("A")
	c := f.child(a, "C")
	gc := f.child(c, "GC")
	d := f.root("D")

	require.NoError(t, f.move(c, &d, Placement{}))

	assert.Equal(t, b(1, 2), f.bounds(a))
	assert.Equal(t, b(1, 6), f.bounds(d))
	assert.Equal(t, b(2, 5), f.bounds(c))
	assert.Equal(t, b(3, 4), f.bounds(gc))
	assert.Equal(t, d, f.node(gc).RootID)
	f.requireValid()
}

func TestMovePreservesSubtreeShape(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	x := f.child(a, "X")
	x1 := f.child(x, "X1")
	x2 := f.child(x, "X2")
	x21 := f.child(x2, "X21")
	y := f.child(a, "Y")

	before := map[int64]int{}
	for _, id := range []int64{x1, x2, x21} {
		before[id] = f.node(id).Lft - f.node(x).Lft
	}
	width := f.node(x).Width()

	require.NoError(t, f.move(x, &y, Placement{}))

	assert.Equal(t, width, f.node(x).Width())
	for id, off := range before {
		assert.Equal(t, off, f.node(id).Lft-f.node(x).Lft, "node %d offset", id)
	}
	assert.True(t, f.node(y).Contains(f.node(x21)))
	f.requireValid()
}

func TestMoveToRoot(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	c := f.child(a, "C")
	bRoot := f.root("B")

	require.NoError(t, f.move(c, nil, Placement{}))

	// By id, C (created second) sorts between A and B.
	assert.Equal(t, b(1, 2), f.bounds(a))
	assert.Equal(t, b(3, 4), f.bounds(c))
	assert.Equal(t, b(5, 6), f.bounds(bRoot))
	assert.Nil(t, f.node(c).ParentID)
	assert.Equal(t, c, f.node(c).RootID)
	f.requireValid()
}

func TestMoveRootUnderNode(t *testing.T) {
	f := newFixture(t, types.NumberingPerTree, ByID{})
	a := f.root("A")
	bRoot := f.root("B")
	bc := f.child(bRoot, "BC")

	require.NoError(t, f.move(bRoot, &a, Placement{}))

	assert.Equal(t, b(1, 6), f.bounds(a))
	assert.Equal(t, b(2, 5), f.bounds(bRoot))
	assert.Equal(t, b(3, 4), f.bounds(bc))
	assert.Equal(t, a, f.node(bc).RootID)
	f.requireValid()
}

func TestMoveReorderBefore(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	c1 := f.child(a, "1")
	c2 := f.child(a, "2")
	c3 := f.child(a, "3")

	require.NoError(t, f.move(c3, &a, Placement{Before: c1}))

	assert.Equal(t, b(1, 8), f.bounds(a))
	assert.Equal(t, b(2, 3), f.bounds(c3))
	assert.Equal(t, b(4, 5), f.bounds(c1))
	assert.Equal(t, b(6, 7), f.bounds(c2))
	f.requireValid()
}

func TestMoveRejectsCycles(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	c := f.child(a, "C")
	gc := f.child(c, "GC")
	snapshot := f.store.Snapshot(testScope)

	err := f.move(a, &gc, Placement{})
	assert.ErrorIs(t, err, storage.ErrInvalidMove)

	err = f.move(c, &c, Placement{})
	assert.ErrorIs(t, err, storage.ErrInvalidMove)

	assert.Equal(t, snapshot, f.store.Snapshot(testScope), "rejected moves must not write")
}

func TestMoveFailureRollsBack(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	c := f.child(a, "C")
	d := f.root("D")
	snapshot := f.store.Snapshot(testScope)

	// The unknown sibling is only discovered after the subtree was parked.
	err := f.move(c, &d, Placement{Before: 12345})
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, snapshot, f.store.Snapshot(testScope))
}

func TestDeleteLeaf(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	bChild := f.child(a, "B")
	c := f.child(a, "C")

	removed, err := f.delete(bChild)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, b(1, 4), f.bounds(a))
	assert.Equal(t, b(2, 3), f.bounds(c))
	f.requireValid()
}

func TestDeleteIsTransitive(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	bChild := f.child(a, "B")
	c := f.child(bChild, "C")
	require.Equal(t, b(1, 6), f.bounds(a))

	removed, err := f.delete(bChild)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, b(1, 2), f.bounds(a))

	for _, n := range f.store.Snapshot(testScope) {
		assert.NotEqual(t, c, n.ID, "descendant survived delete")
	}
	f.requireValid()
}

func TestDeleteRootShiftsLaterRoots(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	a := f.root("A")
	f.child(a, "C")
	bRoot := f.root("B")

	removed, err := f.delete(a)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, b(1, 2), f.bounds(bRoot))
	f.requireValid()
}

func TestMutationsRefuseCorruptBounds(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	bad := &types.Node{ScopeID: testScope, Lft: 7, Rgt: 7}
	f.store.Seed(bad)

	_, err := f.delete(bad.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrCorruptTree))

	var cte *CorruptTreeError
	require.ErrorAs(t, err, &cte)
	assert.Equal(t, KindBounds, cte.Violations[0].Kind)
}

func TestDeleteDetectsMissingRows(t *testing.T) {
	f := newFixture(t, types.NumberingShared, ByID{})
	// Claims two descendants but holds none.
	root := &types.Node{ScopeID: testScope, Lft: 1, Rgt: 6}
	f.store.Seed(root)

	_, err := f.delete(root.ID)
	assert.ErrorIs(t, err, storage.ErrCorruptTree)
	assert.Len(t, f.store.Snapshot(testScope), 1, "failed delete must roll back")
}
