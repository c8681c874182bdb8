package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arborhq/arbor/internal/types"
	"github.com/arborhq/arbor/internal/ui"
)

type nodeDetail struct {
	Node        *types.Node   `json:"node"`
	Level       int           `json:"level"`
	Ancestors   []*types.Node `json:"ancestors"`
	Descendants []*types.Node `json:"descendants"`
}

func newShowCmd(a *app) *cobra.Command {
	var bounds bool
	cmd := &cobra.Command{
		Use:     "show [id]",
		GroupID: "tree",
		Short:   "Draw the forest, or one node with its path and subtree",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := ui.TreeOptions{Bounds: bounds}
			if len(args) == 0 {
				nodes, err := a.coord.Forest(ctx, a.cfg.Scope)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return outputJSON(cmd.OutOrStdout(), nodes)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.RenderForest(nodes, opts))
				return nil
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			n, err := a.coord.Get(ctx, id)
			if err != nil {
				return err
			}
			ancestors, err := a.coord.Ancestors(ctx, id)
			if err != nil {
				return err
			}
			descendants, err := a.coord.Descendants(ctx, id)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), nodeDetail{Node: n, Level: len(ancestors), Ancestors: ancestors, Descendants: descendants})
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, ui.RenderNode(n, len(ancestors)))
			if len(ancestors) > 0 {
				path := make([]string, 0, len(ancestors)+1)
				for _, anc := range ancestors {
					path = append(path, fmt.Sprintf("%d", anc.ID))
				}
				path = append(path, fmt.Sprintf("%d", n.ID))
				fmt.Fprintf(out, "%s%s\n", ui.FieldLabelStyle.Render("path"), strings.Join(path, " / "))
			}
			fmt.Fprintln(out, ui.RenderSeparator())
			fmt.Fprintln(out, ui.RenderForest(append([]*types.Node{n}, descendants...), opts))
			return nil
		},
	}
	cmd.Flags().BoolVar(&bounds, "bounds", false, "Show each node's [lft,rgt] interval")
	return cmd
}
