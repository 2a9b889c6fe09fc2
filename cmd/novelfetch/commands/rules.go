package commands

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(rulesCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Lists the loaded rules, user rules shadowing bundled ones.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp(cmd.Context())
		defer a.Close()

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Name", "URL", "Search", "Toc", "Chapter"})
		for _, r := range a.registry.All() {
			t.AppendRow(table.Row{r.ID, r.Name, r.URL, r.Searchable(), r.HasToc(), r.HasChapter()})
		}
		t.Render()
	},
}
