package commands

import (
	"fmt"
	"strconv"

	"novelfetch/lib/serviceutil"
	"novelfetch/services/download"
	"novelfetch/services/prefetch"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	planReason string
	planQueue  bool
)

func init() {
	planCmd.Flags().StringVar(&planReason, "reason", string(prefetch.ReasonProgress), "Why the plan is made: progress, jump or force-current.")
	planCmd.Flags().BoolVar(&planQueue, "queue", false, "Download the planned window when the policy allows it.")
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan <book-id> <anchor-chapter> [--reason <reason>] [--queue]",
	Short: "Plans which chapters to prefetch around the chapter being read.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		anchor, err := strconv.Atoi(args[1])
		if err != nil {
			serviceutil.Fatal("invalid anchor", err)
		}

		a := newApp(cmd.Context())
		defer a.Close()
		store := a.openStore(cmd.Context())

		plan, err := prefetch.NewPlanner(store).Plan(
			cmd.Context(),
			args[0],
			anchor,
			a.cfg.Prefetch.BatchSize,
			a.cfg.Prefetch.LowWatermark,
		)
		if err != nil {
			serviceutil.Fatal("failed to plan", err)
		}
		queue := prefetch.ReaderAutoPrefetchPolicy{}.ShouldQueueWindow(plan, prefetch.Reason(planReason))

		t := newTable()
		t.AppendHeader(table.Row{"Field", "Value"})
		t.AppendRows([]table.Row{
			{"window", fmt.Sprintf("[%d, %d)", plan.WindowStartIndex, plan.WindowStartIndex+plan.WindowTakeCount)},
			{"done after anchor", plan.ConsecutiveDoneAfterAnchor},
			{"planner wants window", plan.ShouldQueueWindow},
			{"first gap", plan.FirstGapIndex},
			{"gap before anchor", plan.HasEarlierGap},
			{"queue (" + planReason + ")", queue},
		})
		t.Render()

		if !planQueue || !queue {
			return
		}
		book, err := store.GetBook(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("failed to read book", err)
		}
		runDownload(a, cmd, download.Request{
			SourceID: book.SourceID,
			TocURL:   book.TocURL,
			Title:    book.Title,
			Author:   book.Author,
			Mode:     download.RangeMode(plan.WindowStartIndex, plan.WindowStartIndex+plan.WindowTakeCount),
		})
	},
}
