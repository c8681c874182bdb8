package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/storage/memory"
	"github.com/arborhq/arbor/internal/types"
)

const testScope = int64(1)

// testContext returns a context with timeout for test operations.
func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func testOptions(mode types.NumberingMode) Options {
	opts := DefaultOptions()
	opts.Mode = mode
	opts.Retry.InitialInterval = time.Millisecond
	opts.Retry.MaxInterval = 10 * time.Millisecond
	return opts
}

// setupCoordinator returns a coordinator over a fresh memory store.
func setupCoordinator(t *testing.T, mode types.NumberingMode) (*Coordinator, *memory.Store) {
	t.Helper()
	s := memory.New()
	return New(s, testOptions(mode)), s
}

func insertRoot(t *testing.T, c *Coordinator, key string) int64 {
	t.Helper()
	ctx, cancel := testContext(t)
	defer cancel()
	n, err := c.InsertRoot(ctx, &types.Node{ScopeID: testScope, SortKey: key})
	require.NoError(t, err)
	return n.ID
}

func insertChild(t *testing.T, c *Coordinator, parentID int64, key string) int64 {
	t.Helper()
	ctx, cancel := testContext(t)
	defer cancel()
	n, err := c.InsertChild(ctx, &types.Node{SortKey: key}, parentID)
	require.NoError(t, err)
	return n.ID
}

func snapshot(s *memory.Store) map[int64]*types.Node {
	out := make(map[int64]*types.Node)
	for _, n := range s.Snapshot(testScope) {
		out[n.ID] = n
	}
	return out
}

func bounds(s *memory.Store, id int64) types.Bounds {
	n, ok := snapshot(s)[id]
	if !ok {
		return types.Bounds{}
	}
	return n.Bounds()
}

func b(lft, rgt int) types.Bounds {
	return types.Bounds{Lft: lft, Rgt: rgt}
}

func requireValid(t *testing.T, s *memory.Store, mode types.NumberingMode) {
	t.Helper()
	res := nestedset.Validate(testScope, s.Snapshot(testScope), nestedset.Options{Mode: mode})
	require.True(t, res.OK(), "violations: %v", res.Violations)
}

// countingStore counts transactions and can feed a stale root_id to the
// first GetNode calls, simulating a concurrent move between planning and
// locking.
type countingStore struct {
	storage.Storage
	txs   atomic.Int32
	stale atomic.Int32
}

func (s *countingStore) RunInTransaction(ctx context.Context, opts storage.TxOptions, fn func(tx storage.Transaction) error) error {
	s.txs.Add(1)
	return s.Storage.RunInTransaction(ctx, opts, func(tx storage.Transaction) error {
		return fn(&staleTx{Transaction: tx, store: s})
	})
}

type staleTx struct {
	storage.Transaction
	store *countingStore
}

func (t *staleTx) GetNode(ctx context.Context, id int64) (*types.Node, error) {
	n, err := t.Transaction.GetNode(ctx, id)
	if err != nil {
		return n, err
	}
	// Successive stale reads disagree with each other too.
	if left := t.store.stale.Add(-1); left >= 0 {
		n.RootID += 1000 + int64(left)
	}
	return n, nil
}
