package curate

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/maruel/natural"

	"fwbids/meta"
)

// Summary renders per template counts and invalid nodes of the result as
// text tables.
func (r *Result) Summary() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Curation %s", r.RunID)
	tw.AppendHeader(table.Row{"Template", "Containers"})

	names := slices.Collect(maps.Keys(r.Templates))
	sort.Sort(natural.StringSlice(names))
	for _, name := range names {
		tw.AppendRow(table.Row{name, r.Templates[name]})
	}
	tw.AppendFooter(table.Row{"total", r.Nodes})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})

	out := tw.Render()
	if len(r.Invalid) == 0 {
		return out
	}

	iw := table.NewWriter()
	iw.SetStyle(table.StyleRounded)
	iw.SetTitle("Invalid containers")
	iw.AppendHeader(table.Row{"Name", "Template", "Error"})
	for _, inv := range r.Invalid {
		iw.AppendRow(table.Row{inv.Name, inv.Template, inv.Message})
	}
	return out + "\n" + iw.Render()
}

// Tree renders hierarchy with derived BIDS locations, one container per
// line.
func Tree(root *meta.Node) string {
	var b strings.Builder
	_ = root.Walk(func(n *meta.Node, parents []*meta.Node) error {
		for range parents {
			b.WriteString("  ")
		}
		fmt.Fprintf(&b, "%s %q", n.Type, n.Name())
		switch {
		case meta.IsNotApplicable(n.Data):
			b.WriteString(" NA")
		default:
			if block, ok := n.BIDS(); ok {
				tmpl, _ := meta.AsString(block["template"])
				fmt.Fprintf(&b, " [%s]", tmpl)
				dir, _ := meta.LookupString(block, "Path")
				if name, ok := meta.LookupString(block, "Filename"); ok {
					fmt.Fprintf(&b, " -> %s", path.Join(dir, name))
				}
			}
		}
		b.WriteByte('\n')
		return nil
	})
	return b.String()
}
