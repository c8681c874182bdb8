package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arborhq/arbor/internal/coordinator"
	"github.com/arborhq/arbor/internal/debug"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/types"
	"github.com/arborhq/arbor/internal/ui"
)

type stressStats struct {
	Workers    int           `json:"workers"`
	Ops        int64         `json:"ops"`
	Inserts    int64         `json:"inserts"`
	Moves      int64         `json:"moves"`
	Deletes    int64         `json:"deletes"`
	Skipped    int64         `json:"skipped"` // targets gone or moves into own subtree
	Elapsed    time.Duration `json:"elapsed_ns"`
	Nodes      int           `json:"nodes"`
	Violations int           `json:"violations"`
}

// livePool tracks ids the workers believe exist.
type livePool struct {
	mu  sync.Mutex
	ids []int64
}

func (p *livePool) add(id int64) {
	p.mu.Lock()
	p.ids = append(p.ids, id)
	p.mu.Unlock()
}

func (p *livePool) pick(r *rand.Rand) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return 0, false
	}
	return p.ids[r.Intn(len(p.ids))], true
}

func newStressCmd(a *app) *cobra.Command {
	var workers, ops int
	var seed int64
	cmd := &cobra.Command{
		Use:     "stress",
		GroupID: "maint",
		Short:   "Run a random concurrent workload, then validate",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 1 || ops < 1 {
				return fmt.Errorf("--workers and --ops must be positive")
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			debug.Log().Info().
				Int("workers", workers).
				Int("ops", ops).
				Int64("seed", seed).
				Str("mode", string(a.coord.Options().Mode)).
				Msg("stress start")
			stats, err := runStress(cmd.Context(), a.coord, a.cfg.Scope, workers, ops, seed)
			if err != nil {
				return err
			}
			res, err := a.coord.Validate(cmd.Context(), a.cfg.Scope)
			if err != nil {
				return err
			}
			stats.Nodes, stats.Violations = res.Nodes, len(res.Violations)

			if a.jsonOutput {
				if err := outputJSON(cmd.OutOrStdout(), stats); err != nil {
					return err
				}
			} else {
				printNormal(cmd, "%d ops by %d workers in %v (seed %d): %d inserts, %d moves, %d deletes, %d skipped\n",
					stats.Ops, stats.Workers, stats.Elapsed.Round(time.Millisecond), seed,
					stats.Inserts, stats.Moves, stats.Deletes, stats.Skipped)
				fmt.Fprint(cmd.OutOrStdout(), ui.RenderResult(res))
			}
			if !res.OK() {
				return errValidationFailed
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 8, "Concurrent workers")
	cmd.Flags().IntVar(&ops, "ops", 100, "Operations per worker")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default: time based)")
	return cmd
}

func runStress(ctx context.Context, c *coordinator.Coordinator, scope int64, workers, ops int, seed int64) (*stressStats, error) {
	stats := &stressStats{Workers: workers}
	var inserts, moves, deletes, skipped atomic.Int64

	pool := &livePool{}
	existing, err := c.Forest(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, n := range existing {
		pool.add(n.ID)
	}
	if len(existing) == 0 {
		n, err := c.InsertRoot(ctx, &types.Node{ScopeID: scope})
		if err != nil {
			return nil, err
		}
		pool.add(n.ID)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		r := rand.New(rand.NewSource(seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < ops; i++ {
				id, ok := pool.pick(r)
				if !ok {
					continue
				}
				var err error
				switch op := r.Intn(10); {
				case op < 2:
					var n *types.Node
					if n, err = c.InsertRoot(gctx, &types.Node{ScopeID: scope}); err == nil {
						pool.add(n.ID)
					}
					inserts.Add(1)
				case op < 6:
					var n *types.Node
					if n, err = c.InsertChild(gctx, &types.Node{ScopeID: scope}, id); err == nil {
						pool.add(n.ID)
					}
					inserts.Add(1)
				case op < 9:
					var dest *int64
					if other, ok := pool.pick(r); ok && r.Intn(4) > 0 {
						dest = types.ParentRef(other)
					}
					_, err = c.Move(gctx, id, dest)
					moves.Add(1)
				default:
					_, err = c.Delete(gctx, id)
					deletes.Add(1)
				}
				if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidMove) {
					skipped.Add(1)
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.Elapsed = time.Since(start)
	stats.Inserts, stats.Moves, stats.Deletes, stats.Skipped = inserts.Load(), moves.Load(), deletes.Load(), skipped.Load()
	stats.Ops = stats.Inserts + stats.Moves + stats.Deletes
	return stats, nil
}
