package commands

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"novelfetch/lib/export"
	"novelfetch/lib/serviceutil"
	"novelfetch/lib/telemetry"
	"novelfetch/services/download"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	downloadTitle  string
	downloadAuthor string
	downloadRange  string
	downloadLatest int
	downloadExport bool
)

func init() {
	downloadCmd.Flags().StringVar(&downloadTitle, "title", "", "The title of the book.")
	downloadCmd.Flags().StringVar(&downloadAuthor, "author", "unknown", "The author of the book.")
	downloadCmd.Flags().StringVar(&downloadRange, "range", "", "Only download chapters <start>:<end> (end exclusive).")
	downloadCmd.Flags().IntVar(&downloadLatest, "latest", 0, "Only download the latest n chapters.")
	downloadCmd.Flags().BoolVar(&downloadExport, "export", false, "Export the book as txt once downloaded.")
	downloadCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(downloadCmd)
}

func parseMode() (download.Mode, error) {
	switch {
	case downloadRange != "" && downloadLatest > 0:
		return download.Mode{}, fmt.Errorf("--range and --latest are exclusive")
	case downloadRange != "":
		start, end, found := strings.Cut(downloadRange, ":")
		if !found {
			return download.Mode{}, fmt.Errorf("range must look like <start>:<end>, got %q", downloadRange)
		}
		lo, err := strconv.Atoi(start)
		if err != nil {
			return download.Mode{}, fmt.Errorf("range start: %w", err)
		}
		hi, err := strconv.Atoi(end)
		if err != nil {
			return download.Mode{}, fmt.Errorf("range end: %w", err)
		}
		return download.RangeMode(lo, hi), nil
	case downloadLatest > 0:
		return download.LatestNMode(downloadLatest), nil
	}
	return download.FullBookMode(), nil
}

func renderTasks(tasks []download.Snapshot) {
	t := newTable()
	t.AppendHeader(table.Row{"Task", "Title", "Mode", "Status", "Progress", "Retries", "Error"})
	for _, task := range tasks {
		t.AppendRow(table.Row{
			task.ID[:8],
			task.Request.Title,
			task.Request.Mode.String(),
			task.Status.String(),
			fmt.Sprintf("%d%%", task.Progress),
			task.RetryCount,
			task.Error,
		})
	}
	t.Render()
}

// runDownload queues req and blocks until it settles.
func runDownload(a *app, cmd *cobra.Command, req download.Request) download.Snapshot {
	store := a.openStore(cmd.Context())
	bus := download.NewEventBus()
	bus.Subscribe(func(s download.Snapshot) {
		slog.Info(
			"task",
			"status", s.Status.String(),
			"progress", s.Progress,
			"chapter", s.CurrentTitle,
		)
	})

	orch := download.NewOrchestrator(download.OrchestratorParams{
		Registry:   a.registry,
		Scraper:    a.scraper,
		Repository: store,
		Locks:      a.locks,
		Bus:        bus,
		Clock:      a.clock,
		Trace: download.TraceFunc(func(taskID string, at time.Time, line string) {
			slog.Debug(line, "task", taskID, "at", at.Format(time.TimeOnly))
		}),
	})
	queue := download.NewQueue(cmd.Context(), orch, a.cfg.Download.Parallelism)
	telemetry.InstrumentPerfStats(cmd.Context(), 10*time.Second)

	snapshot := queue.Enqueue(req)
	queue.Wait()
	renderTasks(queue.Tasks())

	final, err := queue.Task(snapshot.ID)
	if err != nil {
		serviceutil.Fatal("lost track of task", err)
	}
	return final
}

var downloadCmd = &cobra.Command{
	Use:   "download <source-id> <detail-url> --title <title> [--author <author>] [--range a:b | --latest n] [--export]",
	Short: "Downloads a book from a source into the library, skipping chapters already downloaded.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sourceID, err := strconv.Atoi(args[0])
		if err != nil {
			serviceutil.Fatal("invalid source id", err)
		}
		mode, err := parseMode()
		if err != nil {
			serviceutil.Fatal("invalid mode", err)
		}

		a := newApp(cmd.Context())
		defer a.Close()

		final := runDownload(a, cmd, download.Request{
			SourceID:  sourceID,
			DetailURL: args[1],
			Title:     downloadTitle,
			Author:    downloadAuthor,
			Mode:      mode,
		})
		if final.Status != download.Succeeded || !downloadExport {
			return
		}
		path, err := export.ToDir(cmd.Context(), a.store, final.BookID, a.cfg.ExportDir)
		if err != nil {
			serviceutil.Fatal("failed to export", err)
		}
		slog.Info("exported", "path", path)
	},
}
