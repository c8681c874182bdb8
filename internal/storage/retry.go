package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arborhq/arbor/internal/debug"
)

// Default retry configuration for transactions that lose a race.
const (
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 20 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
	DefaultMaxElapsed      = 30 * time.Second
	DefaultLockTimeout     = 5 * time.Second
)

// RetryPolicy bounds how often a conflicted transaction is re-run.
type RetryPolicy struct {
	MaxRetries      int           // attempts after the first; 0 disables retry
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // cap on a single delay
	MaxElapsed      time.Duration // cap on total time spent retrying; 0 = unbounded
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		MaxElapsed:      DefaultMaxElapsed,
	}
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	bo.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(p.MaxRetries, 0))), ctx)
}

// RetryNotify is called before each retry with the failed attempt number,
// the error, and the delay before the next attempt.
type RetryNotify func(attempt int, err error, delay time.Duration)

// Retry runs fn in a fresh transaction until it succeeds, fails with a
// non-retryable error, or the policy is exhausted. Only serialization
// conflicts (including lock timeouts) are retried; every attempt re-reads
// state from scratch because it runs in a new transaction.
func Retry(ctx context.Context, s Storage, opts TxOptions, policy RetryPolicy, notify RetryNotify, fn func(tx Transaction) error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := s.RunInTransaction(ctx, opts, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err // Retryable - backoff will retry
		}
		return backoff.Permanent(err) // Non-retryable - stop immediately
	}, policy.newBackOff(ctx), func(err error, delay time.Duration) {
		debug.Log().Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("transaction conflict, retrying")
		if notify != nil {
			notify(attempt, err, delay)
		}
	})
	if err != nil && IsRetryable(err) {
		return fmt.Errorf("transaction failed after %d attempts: %w", attempt, err)
	}
	return err
}
