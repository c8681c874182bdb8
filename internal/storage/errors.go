package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced node does not exist (it may have
// been deleted concurrently). It is never retried.
var ErrNotFound = errors.New("not found")

// ErrInvalidMove is returned when a move would place a node inside itself or
// one of its descendants, or across forests.
var ErrInvalidMove = errors.New("invalid move")

// ErrSerializationConflict is returned when a transaction lost a race with a
// concurrent mutation. Callers may retry the whole operation.
var ErrSerializationConflict = errors.New("serialization conflict")

// ErrLockTimeout is returned when a lock could not be acquired in time. Every
// lock timeout is also a serialization conflict.
var ErrLockTimeout = errors.New("lock timeout")

// ErrCorruptTree is returned when lft/rgt values violate the nested-set
// invariants. It is fatal; the forest needs a rebuild.
var ErrCorruptTree = errors.New("corrupt tree")

// ErrReadOnly is returned by writes inside a read-only transaction.
var ErrReadOnly = errors.New("write in read-only transaction")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// LockTimeoutError records which lock expired.
type LockTimeoutError struct {
	Key     LockKey
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %s lock %s", e.Timeout, e.Key.Mode, e.Key.Name())
}

// Unwrap makes a lock timeout match both ErrLockTimeout and
// ErrSerializationConflict.
func (e *LockTimeoutError) Unwrap() []error {
	return []error{ErrLockTimeout, ErrSerializationConflict}
}

// Conflict wraps a driver error as a serialization conflict.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSerializationConflict, err)
}

// Permanent marks err as final: IsRetryable reports false for it even when
// it wraps a serialization conflict. errors.Is and errors.As still see err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsRetryable reports whether err is worth retrying with fresh state.
func IsRetryable(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	return errors.Is(err, ErrSerializationConflict)
}
