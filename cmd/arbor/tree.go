package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arborhq/arbor/internal/coordinator"
	"github.com/arborhq/arbor/internal/types"
)

func placeOptions(cmd *cobra.Command) ([]coordinator.PlaceOption, error) {
	before, _ := cmd.Flags().GetInt64("before")
	if before < 0 {
		return nil, fmt.Errorf("invalid --before %d", before)
	}
	if before == 0 {
		return nil, nil
	}
	return []coordinator.PlaceOption{coordinator.Before(before)}, nil
}

func (a *app) printNode(cmd *cobra.Command, verb string, n *types.Node) error {
	if a.jsonOutput {
		return outputJSON(cmd.OutOrStdout(), n)
	}
	printNormal(cmd, "%s %d %s\n", verb, n.ID, n.Bounds())
	return nil
}

func newAddCmd(a *app) *cobra.Command {
	var parent int64
	var key string
	cmd := &cobra.Command{
		Use:     "add",
		GroupID: "tree",
		Short:   "Insert a node as a new root or under --parent",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := placeOptions(cmd)
			if err != nil {
				return err
			}
			node := &types.Node{ScopeID: a.cfg.Scope, SortKey: key}
			var n *types.Node
			if parent > 0 {
				n, err = a.coord.InsertChild(cmd.Context(), node, parent, opts...)
			} else {
				n, err = a.coord.InsertRoot(cmd.Context(), node, opts...)
			}
			if err != nil {
				return err
			}
			return a.printNode(cmd, "added", n)
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", 0, "Parent node id (default: insert a root)")
	cmd.Flags().StringVar(&key, "key", "", "Sort key used by name ordering")
	cmd.Flags().Int64("before", 0, "Place before this sibling instead of by ordering")
	return cmd
}

func newMoveCmd(a *app) *cobra.Command {
	var parent int64
	var toRoot bool
	cmd := &cobra.Command{
		Use:     "move <id>",
		GroupID: "tree",
		Short:   "Move a node and its subtree under --parent, or to a root with --root",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if toRoot == (parent > 0) {
				return fmt.Errorf("exactly one of --parent or --root is required")
			}
			opts, err := placeOptions(cmd)
			if err != nil {
				return err
			}
			var dest *int64
			if parent > 0 {
				dest = types.ParentRef(parent)
			}
			n, err := a.coord.Move(cmd.Context(), id, dest, opts...)
			if err != nil {
				return err
			}
			return a.printNode(cmd, "moved", n)
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", 0, "New parent node id")
	cmd.Flags().BoolVar(&toRoot, "root", false, "Detach the node into a tree of its own")
	cmd.Flags().Int64("before", 0, "Place before this sibling instead of by ordering")
	return cmd
}

func newReorderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "reorder <id>",
		GroupID: "tree",
		Short:   "Move a node to the slot its sort key calls for among its siblings",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			n, err := a.coord.Reorder(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printNode(cmd, "reordered", n)
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		GroupID: "tree",
		Short:   "Delete a node and its whole subtree",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			removed, err := a.coord.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]interface{}{"id": id, "removed": removed})
			}
			printNormal(cmd, "deleted %d (%d nodes)\n", id, removed)
			return nil
		},
	}
}
