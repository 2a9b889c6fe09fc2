package commands

import (
	"log/slog"
	"strconv"

	"novelfetch/lib/bookstore"
	"novelfetch/lib/serviceutil"

	"github.com/spf13/cobra"
)

var (
	readPage     int
	readBookmark bool
)

func init() {
	readCmd.Flags().IntVar(&readPage, "page", 0, "The page within the chapter.")
	readCmd.Flags().BoolVar(&readBookmark, "bookmark", false, "Also bookmark the position.")
	rootCmd.AddCommand(readCmd)
}

var readCmd = &cobra.Command{
	Use:   "read <book-id> <chapter> [--page <n>] [--bookmark]",
	Short: "Records the reading position of a book.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		chapter, err := strconv.Atoi(args[1])
		if err != nil {
			serviceutil.Fatal("invalid chapter", err)
		}

		a := newApp(cmd.Context())
		defer a.Close()
		store := a.openStore(cmd.Context())
		ctx := cmd.Context()

		var title string
		chapters, err := store.ChapterStates(ctx, args[0])
		if err != nil {
			serviceutil.Fatal("failed to read chapters", err)
		}
		for _, c := range chapters {
			if c.IndexNo == chapter {
				title = c.Title
			}
		}

		err = store.UpdateReadProgress(ctx, args[0], chapter, title)
		if err != nil {
			serviceutil.Fatal("failed to update progress", err)
		}
		err = store.SaveReadingState(ctx, bookstore.ReadingState{
			BookID:       args[0],
			ChapterIndex: chapter,
			PageIndex:    readPage,
		})
		if err != nil {
			serviceutil.Fatal("failed to save reading state", err)
		}
		if readBookmark {
			err = store.AddBookmark(ctx, bookstore.Bookmark{
				BookID:       args[0],
				ChapterIndex: chapter,
				PageIndex:    readPage,
				ChapterTitle: title,
			})
			if err != nil {
				serviceutil.Fatal("failed to bookmark", err)
			}
		}
		slog.Info("reading position saved", "chapter", chapter, "title", title, "page", readPage)
	},
}
