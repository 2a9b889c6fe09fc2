package commands

import (
	"fmt"

	"novelfetch/lib/serviceutil"
	"novelfetch/services/search"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var searchSource int

func init() {
	searchCmd.Flags().IntVar(&searchSource, "source", 0, "Only search the source with this id.")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <keyword> [--source <id>]",
	Short: "Searches every searchable source, or a single one, for a book.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp(cmd.Context())
		defer a.Close()

		svc := search.NewService(a.registry, a.scraper, a.locks, a.clock, nil, search.Options{
			Concurrency:   a.cfg.Search.Concurrency,
			SourceTimeout: millis(a.cfg.Search.SourceTimeoutMs),
			CacheSize:     a.cfg.Search.CacheSize,
			CacheTTL:      millis(a.cfg.Search.CacheTtlMs),
		})

		var results []search.Result
		var err error
		if searchSource > 0 {
			results, err = svc.Search(cmd.Context(), searchSource, args[0])
		} else {
			results, err = svc.SearchAll(cmd.Context(), args[0])
		}
		if err != nil {
			serviceutil.Fatal("search failed", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"#", "Title", "Author", "Source", "Latest", "Score", "URL"})
		for i, r := range results {
			t.AppendRow(table.Row{
				i + 1,
				r.Title,
				r.Author,
				fmt.Sprintf("%s (%d)", r.SourceName, r.SourceID),
				r.LatestChapter,
				fmt.Sprintf("%.2f", r.Score),
				r.URL,
			})
		}
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d results", len(results))})
		t.Render()
	},
}
