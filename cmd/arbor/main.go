// Command arbor manages nested-set forests stored in memory, SQLite, MySQL
// or PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arborhq/arbor/internal/config"
	"github.com/arborhq/arbor/internal/coordinator"
	"github.com/arborhq/arbor/internal/debug"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/storage/factory"
	"github.com/arborhq/arbor/internal/telemetry"
)

var (
	Version = "0.1.0"
	Build   = "dev"
)

// app carries per-invocation state shared by the subcommands.
type app struct {
	cfgFile    string
	backend    string
	dsn        string
	mode       string
	scope      int64
	jsonOutput bool
	verbose    bool
	quiet      bool

	cfg   *config.Config
	store storage.Storage
	coord *coordinator.Coordinator
}

// Command annotations: noStore commands run without opening the backend;
// exclusiveStore commands keep other processes out of a file-backed store.
const (
	noStore        = "arbor/no-store"
	exclusiveStore = "arbor/exclusive"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "arbor",
		Short:         "arbor - nested-set forest engine",
		Long:          `Hierarchies stored as lft/rgt intervals, kept consistent under concurrent writers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintf(cmd.OutOrStdout(), "arbor version %s (%s)\n", Version, Build)
				return nil
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug.SetVerbose(a.verbose)
			debug.SetQuiet(a.quiet)
			if err := a.loadConfig(cmd); err != nil {
				return err
			}
			if cmd.Annotations[noStore] != "" {
				return nil
			}
			return a.open(cmd.Context(), cmd.Annotations[exclusiveStore] != "")
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Config file (default: ./.arbor.yaml, then ~/.arbor.yaml)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "Storage backend: memory, sqlite, mysql, postgres, dolt")
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "", "Data source name (a file path for sqlite)")
	root.PersistentFlags().StringVar(&a.mode, "mode", "", "Numbering mode: shared or per-tree")
	root.PersistentFlags().Int64Var(&a.scope, "scope", 0, "Forest scope id")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose/debug output")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Suppress non-essential output (errors only)")
	root.Flags().Bool("version", false, "Print version information")

	root.AddGroup(&cobra.Group{ID: "tree", Title: "Working With Trees:"})
	root.AddGroup(&cobra.Group{ID: "maint", Title: "Maintenance:"})
	root.AddGroup(&cobra.Group{ID: "setup", Title: "Setup & Configuration:"})

	root.AddCommand(
		newInitCmd(a),
		newAddCmd(a),
		newMoveCmd(a),
		newReorderCmd(a),
		newDeleteCmd(a),
		newShowCmd(a),
		newValidateCmd(a),
		newRebuildCmd(a),
		newStressCmd(a),
	)
	return root
}

// loadConfig reads the config file and environment, then applies flags.
func (a *app) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.LoadFile(a.cfgFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = a.backend
	}
	if flags.Changed("dsn") {
		cfg.DSN = a.dsn
	}
	if flags.Changed("mode") {
		cfg.Forest.Mode = a.mode
	}
	if flags.Changed("scope") {
		cfg.Scope = a.scope
	}
	if f := flags.Lookup("check-order"); f != nil && f.Changed {
		cfg.Forest.CheckOrder = f.Value.String() == "true"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	debug.Log().Debug().
		Str("backend", cfg.Backend).
		Str("mode", cfg.Forest.Mode).
		Str("config", config.ConfigFileUsed()).
		Msg("config loaded")
	return nil
}

func (a *app) open(ctx context.Context, exclusive bool) error {
	if err := telemetry.Init(ctx, a.cfg.TelemetryOptions(), "arbor", Version); err != nil {
		return err
	}
	fopts := a.cfg.FactoryOptions()
	fopts.ExclusiveAccess = exclusive
	store, err := factory.New(ctx, a.cfg.Backend, fopts)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", a.cfg.Backend, err)
	}
	opts, err := a.cfg.CoordinatorOptions()
	if err != nil {
		_ = store.Close()
		return err
	}
	a.store = telemetry.WrapStorage(store)
	a.coord = coordinator.New(a.store, opts)
	return nil
}

func (a *app) close(ctx context.Context) error {
	defer telemetry.Shutdown(ctx)
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store, a.coord = nil, nil
	return err
}

// execute runs one invocation and releases the backend even when the
// command fails.
func execute(ctx context.Context, args []string, stdout io.Writer) (err error) {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	defer func() {
		if cerr := a.close(ctx); err == nil {
			err = cerr
		}
	}()
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errValidationFailed) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
