package bookstore

import (
	"context"
	"testing"
	"time"

	"novelfetch/internal/components/chrono"
	"novelfetch/lib/testutil"

	"github.com/stretchr/testify/require"
)

func setupStore(t testing.TB) (Store, *chrono.ManualClock) {
	res, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "bookstore",
		DbSchema: Schema,
	})
	t.Cleanup(cleanup)
	clock := chrono.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(res.DB, clock), clock
}

func TestBookLifecycle(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()

	_, found, err := store.FindBook(ctx, "Dragon King", "Alice")
	require.NoError(t, err)
	require.False(t, found)

	book, err := store.SaveBook(ctx, Book{Title: "Dragon King", Author: "Alice", SourceID: 3, TotalChapters: 2})
	require.NoError(t, err)
	require.NotEmpty(t, book.ID)

	existing, found, err := store.FindBook(ctx, "Dragon King", "Alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, book.ID, existing.ID)
	require.Equal(t, 3, existing.SourceID)
	require.Equal(t, clock.Now().UnixMilli(), existing.CreatedAt.UnixMilli())

	clock.Advance(time.Minute)
	book.TocURL = "https://a.example.com/book/1/"
	book.TotalChapters = 5
	_, err = store.SaveBook(ctx, book)
	require.NoError(t, err)

	loaded, err := store.GetBook(ctx, book.ID)
	require.NoError(t, err)
	require.Equal(t, 5, loaded.TotalChapters)
	require.Equal(t, "https://a.example.com/book/1/", loaded.TocURL)
	require.True(t, loaded.UpdatedAt.After(loaded.CreatedAt))

	books, err := store.ListBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)

	_, err = store.GetBook(ctx, "missing")
	require.ErrorIs(t, err, ErrBookNotFound)
}

func TestDoneChaptersNeverExceedTotal(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	book, err := store.SaveBook(ctx, Book{Title: "t", Author: "a", TotalChapters: 2})
	require.NoError(t, err)

	require.NoError(t, store.SetDoneChapters(ctx, book.ID, 5))
	loaded, err := store.GetBook(ctx, book.ID)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.DoneChapters)

	book.DoneChapters = 10
	saved, err := store.SaveBook(ctx, book)
	require.NoError(t, err)
	require.Equal(t, 2, saved.DoneChapters)

	require.ErrorIs(t, store.SetDoneChapters(ctx, "missing", 1), ErrBookNotFound)
}

func TestChapterStatuses(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	book, err := store.SaveBook(ctx, Book{Title: "t", Author: "a", TotalChapters: 3})
	require.NoError(t, err)

	err = store.ResetChapters(ctx, []Chapter{
		{BookID: book.ID, IndexNo: 0, Title: "one", SourceURL: "u0"},
		{BookID: book.ID, IndexNo: 1, Title: "two", SourceURL: "u1"},
		{BookID: book.ID, IndexNo: 2, Title: "three", SourceURL: "u2"},
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkChapterDownloading(ctx, book.ID, 0))
	require.NoError(t, store.MarkChapterDone(ctx, book.ID, 0, "content zero"))
	require.NoError(t, store.MarkChapterFailed(ctx, book.ID, 1, "timeout"))
	require.Error(t, store.MarkChapterDone(ctx, book.ID, 9, "nowhere"))

	chapters, err := store.Chapters(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 3)
	require.Equal(t, Done, chapters[0].Status)
	require.Equal(t, "content zero", chapters[0].Content)
	require.Equal(t, "", chapters[0].Error)
	require.Equal(t, Failed, chapters[1].Status)
	require.Equal(t, "timeout", chapters[1].Error)
	require.Equal(t, "", chapters[1].Content)
	require.Equal(t, Pending, chapters[2].Status)

	done, err := store.CountDone(ctx, book.ID)
	require.NoError(t, err)
	require.Equal(t, 1, done)

	// re-inserting a failed chapter resets it to pending and clears the error
	err = store.ResetChapters(ctx, []Chapter{{BookID: book.ID, IndexNo: 1, Title: "two (rev)", SourceURL: "u1b"}})
	require.NoError(t, err)

	states, err := store.ChapterStates(ctx, book.ID)
	require.NoError(t, err)
	require.Equal(t, []ChapterState{
		{IndexNo: 0, Title: "one", Status: Done},
		{IndexNo: 1, Title: "two (rev)", Status: Pending},
		{IndexNo: 2, Title: "three", Status: Pending},
	}, states)
}

func TestTruncateChapters(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	book, err := store.SaveBook(ctx, Book{Title: "t", Author: "a", TotalChapters: 3})
	require.NoError(t, err)
	err = store.ResetChapters(ctx, []Chapter{
		{BookID: book.ID, IndexNo: 0, Title: "one"},
		{BookID: book.ID, IndexNo: 1, Title: "two"},
		{BookID: book.ID, IndexNo: 2, Title: "three"},
	})
	require.NoError(t, err)
	require.NoError(t, store.MarkChapterDone(ctx, book.ID, 2, "three"))

	dropped, err := store.TruncateChapters(ctx, book.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	done, err := store.CountDone(ctx, book.ID)
	require.NoError(t, err)
	require.Equal(t, 0, done)

	dropped, err = store.TruncateChapters(ctx, book.ID, 5)
	require.NoError(t, err)
	require.Equal(t, 0, dropped)

	states, err := store.ChapterStates(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
}

func TestReadingStateAndBookmarks(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	book, err := store.SaveBook(ctx, Book{Title: "t", Author: "a", TotalChapters: 3})
	require.NoError(t, err)

	_, found, err := store.GetReadingState(ctx, book.ID)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.SaveReadingState(ctx, ReadingState{BookID: book.ID, ChapterIndex: 1, PageIndex: 4, AnchorText: "once"}))
	require.NoError(t, store.SaveReadingState(ctx, ReadingState{BookID: book.ID, ChapterIndex: 2, PageIndex: 0}))
	state, found, err := store.GetReadingState(ctx, book.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, state.ChapterIndex)
	require.Equal(t, "", state.AnchorText)

	require.NoError(t, store.AddBookmark(ctx, Bookmark{BookID: book.ID, ChapterIndex: 2, PageIndex: 1, ChapterTitle: "three"}))
	require.NoError(t, store.AddBookmark(ctx, Bookmark{BookID: book.ID, ChapterIndex: 0, PageIndex: 3, ChapterTitle: "one"}))
	marks, err := store.Bookmarks(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, marks, 2)
	require.Equal(t, 0, marks[0].ChapterIndex)

	require.NoError(t, store.DeleteBookmark(ctx, book.ID, 0, 3))
	marks, err = store.Bookmarks(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, marks, 1)

	require.NoError(t, store.UpdateReadProgress(ctx, book.ID, 2, "three"))
	loaded, err := store.GetBook(ctx, book.ID)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.ReadChapterIndex)
	require.Equal(t, "three", loaded.ReadChapterTitle)
}

func TestCheckpoint(t *testing.T) {
	store, _ := setupStore(t)
	require.NoError(t, store.Checkpoint(context.Background()))
}
