package ui

import (
	"fmt"
	"strings"

	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/types"
)

// RenderResult summarizes a validation pass, listing each violation.
func RenderResult(res *nestedset.Result) string {
	var b strings.Builder
	b.WriteString(RenderCategory(fmt.Sprintf("scope %d", res.ScopeID)))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d nodes in %d trees\n", res.Nodes, res.Trees)
	if res.OK() {
		b.WriteString(RenderPass(IconPass + " numbering is consistent"))
		b.WriteByte('\n')
		return b.String()
	}
	b.WriteString(RenderFail(fmt.Sprintf("%s %d violations", IconFail, len(res.Violations))))
	b.WriteByte('\n')
	b.WriteString(RenderSeparator())
	b.WriteByte('\n')
	for _, v := range res.Violations {
		fmt.Fprintf(&b, "  %s %v %s\n", RenderWarn(string(v.Kind)), v.NodeIDs, v.Detail)
	}
	return b.String()
}

// RenderRebuild summarizes a rebuild. dryRun changes the verb only.
func RenderRebuild(r *types.RebuildReport, dryRun bool) string {
	verb := "renumbered"
	if dryRun {
		verb = "would renumber"
	}
	var b strings.Builder
	line := fmt.Sprintf("%s %s %d of %d nodes in %d trees", IconPass, verb, r.NodesChanged, r.NodesProcessed, r.TreesProcessed)
	if r.NodesChanged == 0 {
		line = fmt.Sprintf("%s %d nodes in %d trees already consistent", IconPass, r.NodesProcessed, r.TreesProcessed)
	}
	if len(r.Scopes) > 0 {
		line += fmt.Sprintf(" across %d scopes", len(r.Scopes))
	}
	b.WriteString(RenderPass(line))
	b.WriteByte('\n')
	if len(r.Orphans) > 0 {
		b.WriteString(RenderWarn(fmt.Sprintf("%s promoted %d orphans to roots: %v", IconWarn, len(r.Orphans), r.Orphans)))
		b.WriteByte('\n')
	}
	return b.String()
}
