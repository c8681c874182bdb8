package main

import (
	"github.com/spf13/cobra"

	"github.com/arborhq/arbor/internal/config"
	"github.com/arborhq/arbor/internal/storage/factory"
	"github.com/arborhq/arbor/internal/ui"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:         "init [dir]",
		GroupID:     "setup",
		Short:       "Write .arbor.yaml and create the schema",
		Long:        `Writes the effective configuration (file, environment and flags) to .arbor.yaml and, for SQL backends, creates the nodes table.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{noStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := config.WriteFile(dir, a.cfg, force)
			if err != nil {
				return err
			}
			if a.cfg.Backend != factory.BackendMemory {
				if err := a.open(cmd.Context(), false); err != nil {
					return err
				}
			}
			printNormal(cmd, "%s wrote %s (%s, %s numbering)\n", ui.RenderPass(ui.IconPass), path, a.cfg.Backend, a.cfg.Forest.Mode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
