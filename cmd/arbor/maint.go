package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/types"
	"github.com/arborhq/arbor/internal/ui"
)

func newValidateCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "validate",
		GroupID: "maint",
		Short:   "Check every numbering invariant of the scope",
		Long: `Checks bounds, gaps, duplicates, overlaps, parent containment and root ids
under an exclusive forest lock. With --all, every scope in the store is checked.
Exits with status 2 when violations are found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []*nestedset.Result
			if all {
				var err error
				if results, err = a.coord.ValidateAll(cmd.Context()); err != nil {
					return err
				}
			} else {
				res, err := a.coord.Validate(cmd.Context(), a.cfg.Scope)
				if err != nil {
					return err
				}
				results = []*nestedset.Result{res}
			}

			failed := false
			for _, res := range results {
				failed = failed || !res.OK()
			}
			switch {
			case a.jsonOutput && all:
				if err := outputJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			case a.jsonOutput:
				if err := outputJSON(cmd.OutOrStdout(), results[0]); err != nil {
					return err
				}
			case len(results) == 0:
				printNormal(cmd, "%s\n", ui.RenderMuted("(no scopes)"))
			default:
				for _, res := range results {
					fmt.Fprint(cmd.OutOrStdout(), ui.RenderResult(res))
				}
			}
			if failed {
				return errValidationFailed
			}
			return nil
		},
	}
	cmd.Flags().Bool("check-order", false, "Also require siblings in ordering order")
	cmd.Flags().BoolVar(&all, "all", false, "Validate every scope, not just --scope")
	return cmd
}

func newRebuildCmd(a *app) *cobra.Command {
	var dryRun, all bool
	var rootID int64
	cmd := &cobra.Command{
		Use:     "rebuild",
		GroupID: "maint",
		Short:   "Renumber lft/rgt from parent links",
		Long: `Recomputes every interval of the scope from parent_id links, writing only the
nodes whose placement changed. With --all, every scope in the store is
renumbered in one transaction. With --tree, only that tree is renumbered
(per-tree numbering only).`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{exclusiveStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun && rootID > 0 {
				return fmt.Errorf("--dry-run and --tree cannot be combined")
			}
			if all && rootID > 0 {
				return fmt.Errorf("--all and --tree cannot be combined")
			}
			var (
				report *types.RebuildReport
				err    error
			)
			switch {
			case all && dryRun:
				report, err = a.coord.RebuildAllPlan(cmd.Context())
			case all:
				report, err = a.coord.RebuildAll(cmd.Context())
			case rootID > 0:
				report, err = a.coord.RebuildTree(cmd.Context(), a.cfg.Scope, rootID)
			case dryRun:
				report, err = a.coord.RebuildPlan(cmd.Context(), a.cfg.Scope)
			default:
				report, err = a.coord.Rebuild(cmd.Context(), a.cfg.Scope)
			}
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), report)
			}
			printNormal(cmd, "%s", ui.RenderRebuild(report, dryRun))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	cmd.Flags().BoolVar(&all, "all", false, "Rebuild every scope, not just --scope")
	cmd.Flags().Int64Var(&rootID, "tree", 0, "Rebuild only the tree rooted at this id")
	return cmd
}
