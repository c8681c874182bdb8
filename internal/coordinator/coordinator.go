// Package coordinator runs nested-set mutations safely under concurrent
// writers.
//
// Each operation runs in its own transaction. It plans its locks from an
// unlocked read, acquires them in a fixed order (forest, root level, trees by
// id), re-reads everything it will shift, and fails with a serialization
// conflict if the node changed trees meanwhile. Conflicts and lock timeouts
// are retried with exponential backoff; every other error is returned as-is.
//
// Lock plan per numbering mode:
//
//	shared numbering   every mutation: forest X; reads: forest S
//	per-tree numbering tree mutation: forest S + tree X
//	                   root-level mutation: forest S + roots X + tree X
//	                   reads: forest S + tree S
//	both               rebuild and validate: forest X
//	                   all-scope rebuild and validate: forest X on every scope
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arborhq/arbor/internal/debug"
	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/telemetry"
	"github.com/arborhq/arbor/internal/types"
)

// Event describes a completed mutation to a Hook.
type Event struct {
	Op      string
	Node    *types.Node // the inserted, moved, reordered, or deleted node
	Removed int         // nodes removed by a delete
}

// Hook runs inside the mutation's transaction after the tree was updated.
// Returning an error rolls the whole operation back; it is not retried.
type Hook func(ctx context.Context, tx storage.Transaction, ev Event) error

// Options configures a Coordinator.
type Options struct {
	Mode     types.NumberingMode
	Ordering nestedset.Ordering
	Orphans  nestedset.OrphanHandling

	Retry       storage.RetryPolicy
	LockTimeout time.Duration

	// CheckOrder makes Validate also report siblings out of Ordering order.
	CheckOrder bool

	// Hooks run after every mutation, before per-call hooks.
	Hooks []Hook
}

// DefaultOptions returns shared numbering, insertion ordering, and the
// default retry policy.
func DefaultOptions() Options {
	return Options{
		Mode:        types.NumberingShared,
		Ordering:    nestedset.ByID{},
		Orphans:     nestedset.OrphanPromote,
		Retry:       storage.DefaultRetryPolicy(),
		LockTimeout: storage.DefaultLockTimeout,
	}
}

// Coordinator serializes tree mutations for one numbering mode and ordering.
// It is safe for concurrent use.
type Coordinator struct {
	store   storage.Storage
	mut     *nestedset.Mutator
	opts    Options
	metrics *telemetry.TreeMetrics
}

// New returns a coordinator over store. Zero-valued options fall back to
// DefaultOptions, except Retry: a zero policy disables retries.
func New(store storage.Storage, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.Ordering == nil {
		opts.Ordering = def.Ordering
	}
	if opts.Orphans == "" {
		opts.Orphans = def.Orphans
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = def.LockTimeout
	}
	return &Coordinator{
		store:   store,
		mut:     nestedset.NewMutator(opts.Mode, opts.Ordering),
		opts:    opts,
		metrics: telemetry.NewTreeMetrics(),
	}
}

// Options returns the effective options.
func (c *Coordinator) Options() Options {
	return c.opts
}

// PlaceOption configures a single insert or move.
type PlaceOption func(*callConfig)

type callConfig struct {
	place nestedset.Placement
	hooks []Hook
}

// Before places the node immediately before the given sibling instead of
// where the ordering would put it.
func Before(siblingID int64) PlaceOption {
	return func(c *callConfig) {
		c.place.Before = siblingID
	}
}

// WithHook adds a hook for this call only.
func WithHook(h Hook) PlaceOption {
	return func(c *callConfig) {
		c.hooks = append(c.hooks, h)
	}
}

func newCallConfig(opts []PlaceOption) callConfig {
	var cfg callConfig
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// run executes fn with retries and instrumentation.
func (c *Coordinator) run(ctx context.Context, name string, readOnly bool, fn func(ctx context.Context, op *telemetry.TreeOp, tx storage.Transaction) error, spanAttrs ...attribute.KeyValue) error {
	ctx, op := c.metrics.Start(ctx, name, string(c.opts.Mode), spanAttrs...)
	txOpts := storage.TxOptions{ReadOnly: readOnly, LockTimeout: c.opts.LockTimeout}
	notify := func(attempt int, err error, _ time.Duration) {
		op.Retry(attempt, err)
	}
	err := storage.Retry(ctx, c.store, txOpts, c.opts.Retry, notify, func(tx storage.Transaction) error {
		return fn(ctx, op, tx)
	})
	op.End(err)
	return err
}

// lock acquires keys in the global order.
func (c *Coordinator) lock(ctx context.Context, tx storage.Transaction, keys ...storage.LockKey) error {
	keys = storage.SortLockKeys(keys)
	if debug.Enabled() {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.Mode.String() + " " + k.Name()
		}
		debug.Log().Debug().Strs("locks", names).Msg("acquiring")
	}
	return tx.Lock(ctx, keys...)
}

// runHooks invokes the configured and per-call hooks. A hook error is final.
func (c *Coordinator) runHooks(ctx context.Context, tx storage.Transaction, extra []Hook, ev Event) error {
	for _, hooks := range [][]Hook{c.opts.Hooks, extra} {
		for _, h := range hooks {
			if err := h(ctx, tx, ev); err != nil {
				return storage.Permanent(fmt.Errorf("%s hook: %w", ev.Op, err))
			}
		}
	}
	return nil
}

// staleTree reports a node that changed trees between planning and locking.
func staleTree(id, planned, actual int64) error {
	return fmt.Errorf("%w: node %d moved from tree %d to tree %d while waiting for locks",
		storage.ErrSerializationConflict, id, planned, actual)
}
