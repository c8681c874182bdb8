package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arborhq/arbor/internal/storage"
)

// exclusiveWeight is the semaphore capacity. A shared holder takes 1, an
// exclusive holder takes everything, so exclusive waits for all readers and
// blocks new ones (semaphore.Weighted is FIFO, so writers do not starve).
const exclusiveWeight = 1 << 30

// lockManager hands out shared/exclusive logical locks keyed by
// storage.LockKey.Name(). Semaphores are created on first use and kept for
// the life of the store.
type lockManager struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newLockManager() *lockManager {
	return &lockManager{sems: make(map[string]*semaphore.Weighted)}
}

func (m *lockManager) sem(name string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sems[name]
	if !ok {
		s = semaphore.NewWeighted(exclusiveWeight)
		m.sems[name] = s
	}
	return s
}

// heldLock is a lock owned by a transaction.
type heldLock struct {
	key    storage.LockKey
	weight int64
	sem    *semaphore.Weighted
}

func (h heldLock) release() {
	h.sem.Release(h.weight)
}

// acquire waits for key until timeout. A zero timeout waits as long as ctx
// allows.
func (m *lockManager) acquire(ctx context.Context, key storage.LockKey, timeout time.Duration) (heldLock, error) {
	weight := int64(1)
	if key.Mode == storage.LockExclusive {
		weight = exclusiveWeight
	}
	s := m.sem(key.Name())

	if s.TryAcquire(weight) {
		return heldLock{key: key, weight: weight, sem: s}, nil
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.Acquire(waitCtx, weight); err != nil {
		if ctx.Err() != nil {
			return heldLock{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return heldLock{}, &storage.LockTimeoutError{Key: key, Timeout: timeout}
		}
		return heldLock{}, err
	}
	return heldLock{key: key, weight: weight, sem: s}, nil
}
