package commands

import (
	"fmt"
	"log/slog"

	"novelfetch/lib/export"
	"novelfetch/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var exportDir string

func init() {
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "The directory to export into, defaults to export_dir of the config.")
	rootCmd.AddCommand(booksCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(checkpointCmd)
}

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "Lists the books in the library.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp(cmd.Context())
		defer a.Close()

		books, err := a.openStore(cmd.Context()).ListBooks(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to list books", err)
		}
		t := newTable()
		t.AppendHeader(table.Row{"ID", "Title", "Author", "Source", "Chapters", "Reading"})
		for _, b := range books {
			t.AppendRow(table.Row{
				b.ID,
				b.Title,
				b.Author,
				b.SourceID,
				fmt.Sprintf("%d/%d", b.DoneChapters, b.TotalChapters),
				b.ReadChapterTitle,
			})
		}
		t.Render()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <book-id> [--dir <dir>]",
	Short: "Exports the downloaded chapters of a book as a txt file.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp(cmd.Context())
		defer a.Close()

		dir := exportDir
		if dir == "" {
			dir = a.cfg.ExportDir
		}
		path, err := export.ToDir(cmd.Context(), a.openStore(cmd.Context()), args[0], dir)
		if err != nil {
			serviceutil.Fatal("failed to export", err)
		}
		slog.Info("exported", "path", path)
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Merges the write-ahead log into the library database file.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp(cmd.Context())
		defer a.Close()

		err := a.openStore(cmd.Context()).Checkpoint(cmd.Context())
		if err != nil {
			serviceutil.Fatal("checkpoint failed", err)
		}
		slog.Info("checkpoint done")
	},
}
