package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStorage fails RunInTransaction with the queued errors, then
// succeeds. It never calls fn with a real transaction.
type scriptedStorage struct {
	errs  []error
	calls int
}

func (s *scriptedStorage) RunInTransaction(ctx context.Context, opts TxOptions, fn func(tx Transaction) error) error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedStorage) Backend() string { return "scripted" }
func (s *scriptedStorage) Close() error    { return nil }

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterConflicts(t *testing.T) {
	s := &scriptedStorage{errs: []error{
		Conflict(errors.New("deadlock")),
		&LockTimeoutError{Key: ForestLock(1, LockExclusive), Timeout: time.Millisecond},
	}}

	var attempts []int
	err := Retry(context.Background(), s, TxOptions{}, fastPolicy(5), func(attempt int, err error, _ time.Duration) {
		attempts = append(attempts, attempt)
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, s.calls)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	s := &scriptedStorage{errs: []error{ErrNotFound, nil}}

	err := Retry(context.Background(), s, TxOptions{}, fastPolicy(5), nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, s.calls)
}

func TestRetryExhausted(t *testing.T) {
	conflict := Conflict(errors.New("serialization failure"))
	s := &scriptedStorage{errs: []error{conflict, conflict, conflict, conflict}}

	err := Retry(context.Background(), s, TxOptions{}, fastPolicy(2), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerializationConflict)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, s.calls)
}

func TestRetryDisabled(t *testing.T) {
	s := &scriptedStorage{errs: []error{Conflict(errors.New("busy"))}}

	err := Retry(context.Background(), s, TxOptions{}, fastPolicy(0), nil, nil)
	assert.ErrorIs(t, err, ErrSerializationConflict)
	assert.Equal(t, 1, s.calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conflict := Conflict(errors.New("busy"))
	s := &scriptedStorage{errs: []error{conflict, conflict, conflict}}

	err := Retry(ctx, s, TxOptions{}, fastPolicy(5), nil, nil)
	assert.Error(t, err)
	assert.LessOrEqual(t, s.calls, 1)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, DefaultInitialInterval, p.InitialInterval)
	assert.Equal(t, DefaultMaxElapsed, p.MaxElapsed)
}
