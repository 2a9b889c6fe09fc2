package download

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"novelfetch/internal/components/chrono"
	"novelfetch/lib/bookstore"
	"novelfetch/lib/errkind"
	"novelfetch/lib/export"
	"novelfetch/lib/gateway"
	"novelfetch/lib/rules"
	"novelfetch/lib/scraper"
	"novelfetch/lib/testutil"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	site  *testutil.Site
	store bookstore.Store
	bus   *EventBus
	orch  *Orchestrator

	mutex  sync.Mutex
	traces []string
}

func (f *fixture) Trace(taskID string, at time.Time, line string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.traces = append(f.traces, line)
}

func setup(t *testing.T, site *testutil.Site) *fixture {
	res, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "download",
		DbSchema: bookstore.Schema,
	})
	t.Cleanup(cleanup)

	clock := chrono.NewManualClock(epoch)
	store := bookstore.NewStore(res.DB, clock)

	gw, err := gateway.New(gateway.Options{Backoff: time.Millisecond})
	require.NoError(t, err)

	registry := rules.NewRegistry(nil)
	registry.Put(site.Rule(1))

	f := &fixture{site: site, store: store, bus: NewEventBus()}
	f.orch = NewOrchestrator(OrchestratorParams{
		Registry:   registry,
		Scraper:    scraper.New(gw, nil),
		Repository: store,
		Bus:        f.bus,
		Trace:      f,
		Clock:      clock,
	})
	return f
}

func (f *fixture) request(book int) Request {
	return Request{
		SourceID:  1,
		DetailURL: f.site.BookURL(book),
		Title:     "Dragon King",
		Author:    "Alice",
		Mode:      FullBookMode(),
	}
}

func (f *fixture) run(t *testing.T, req Request) Snapshot {
	task := NewTask(req)
	f.orch.Run(context.Background(), task)
	return task.Snapshot()
}

func dragonKing(chapters ...testutil.SiteChapter) testutil.SiteBook {
	return testutil.SiteBook{Title: "Dragon King", Author: "Alice", Chapters: chapters}
}

func TestDownloadEndToEnd(t *testing.T) {
	const phrase = "read it first at fastnovel"

	site := testutil.NewSite(t, dragonKing(
		testutil.SiteChapter{Title: "Chapter 1", Body: "<p>The dragon woke.</p>"},
		testutil.SiteChapter{Title: "Chapter 2", Body: "<p>The king " + phrase + " fell.</p>"},
	))
	site.Filter = phrase
	f := setup(t, site)

	var progress []int
	f.bus.Subscribe(func(s Snapshot) {
		progress = append(progress, s.Progress)
	})

	snap := f.run(t, f.request(0))
	require.Equal(t, Succeeded, snap.Status, snap.Error)
	require.Equal(t, 100, snap.Progress)
	require.Equal(t, 2, snap.Total)
	require.Equal(t, 1, snap.CurrentIndex)
	require.Equal(t, "Chapter 2", snap.CurrentTitle)
	require.Contains(t, progress, 50)

	book, err := f.store.GetBook(context.Background(), snap.BookID)
	require.NoError(t, err)
	require.Equal(t, 2, book.TotalChapters)
	require.Equal(t, 2, book.DoneChapters)
	require.Equal(t, site.BookURL(0), book.TocURL)

	out := strings.Builder{}
	written, err := export.WriteTxt(context.Background(), f.store, snap.BookID, &out)
	require.NoError(t, err)
	require.Equal(t, 2, written)
	require.NotContains(t, out.String(), phrase)
	require.NotContains(t, out.String(), "advertisement")
	require.Contains(t, out.String(), "The dragon woke.")
	require.Contains(t, out.String(), "The king")
	require.Contains(t, out.String(), "fell.")

	require.NotEmpty(t, f.traces)
}

func TestDownloadResumeSkipsDoneChapters(t *testing.T) {
	site := testutil.NewSite(t, dragonKing(
		testutil.SiteChapter{Title: "Chapter 1", Body: "one"},
		testutil.SiteChapter{Title: "Chapter 2", Body: "two", Status: http.StatusServiceUnavailable},
	))
	f := setup(t, site)
	ctx := context.Background()

	first := f.run(t, f.request(0))
	require.Equal(t, Succeeded, first.Status)

	chapters, err := f.store.Chapters(ctx, first.BookID)
	require.NoError(t, err)
	require.Equal(t, bookstore.Done, chapters[0].Status)
	require.Equal(t, bookstore.Failed, chapters[1].Status)
	require.NotEmpty(t, chapters[1].Error)

	book, err := f.store.GetBook(ctx, first.BookID)
	require.NoError(t, err)
	require.Equal(t, 1, book.DoneChapters)

	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 0)))
	require.Equal(t, gateway.DefaultMaxAttempts, site.Hits(site.ChapterPath(0, 1)))

	site.SetChapterStatus(0, 1, 0)
	site.AppendChapter(0, testutil.SiteChapter{Title: "Chapter 3", Body: "three"})

	second := f.run(t, f.request(0))
	require.Equal(t, Succeeded, second.Status)
	require.Equal(t, first.BookID, second.BookID)

	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 0)))
	require.Equal(t, gateway.DefaultMaxAttempts+1, site.Hits(site.ChapterPath(0, 1)))
	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 2)))

	book, err = f.store.GetBook(ctx, first.BookID)
	require.NoError(t, err)
	require.Equal(t, 3, book.TotalChapters)
	require.Equal(t, 3, book.DoneChapters)
}

func TestDownloadRangeMode(t *testing.T) {
	site := testutil.NewSite(t, dragonKing(
		testutil.SiteChapter{Title: "Chapter 1", Body: "one"},
		testutil.SiteChapter{Title: "Chapter 2", Body: "two"},
		testutil.SiteChapter{Title: "Chapter 3", Body: "three"},
	))
	f := setup(t, site)

	req := f.request(0)
	req.Mode = RangeMode(1, 2)
	snap := f.run(t, req)
	require.Equal(t, Succeeded, snap.Status)

	require.Equal(t, 0, site.Hits(site.ChapterPath(0, 0)))
	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 1)))
	require.Equal(t, 0, site.Hits(site.ChapterPath(0, 2)))

	states, err := f.store.ChapterStates(context.Background(), snap.BookID)
	require.NoError(t, err)
	require.Equal(t, []bookstore.ChapterState{
		{IndexNo: 0, Title: "Chapter 1", Status: bookstore.Pending},
		{IndexNo: 1, Title: "Chapter 2", Status: bookstore.Done},
		{IndexNo: 2, Title: "Chapter 3", Status: bookstore.Pending},
	}, states)

	req.Mode = LatestNMode(1)
	snap = f.run(t, req)
	require.Equal(t, Succeeded, snap.Status)
	require.Equal(t, 0, site.Hits(site.ChapterPath(0, 0)))
	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 2)))
}

func TestDownloadFailsOnBrokenPreconditions(t *testing.T) {
	site := testutil.NewSite(t,
		dragonKing(testutil.SiteChapter{Title: "Chapter 1", Body: "one"}),
		testutil.SiteBook{Title: "Empty", Author: "Nobody"},
	)
	f := setup(t, site)

	unknown := f.request(0)
	unknown.SourceID = 42
	snap := f.run(t, unknown)
	require.Equal(t, Failed, snap.Status)
	require.Equal(t, errkind.Rule, snap.ErrorKind)
	require.False(t, snap.CompletedAt.IsZero())

	noDetail := f.request(0)
	noDetail.DetailURL = ""
	snap = f.run(t, noDetail)
	require.Equal(t, Failed, snap.Status)
	require.Equal(t, errkind.Rule, snap.ErrorKind)

	empty := f.request(1)
	snap = f.run(t, empty)
	require.Equal(t, Failed, snap.Status)
	require.Equal(t, errkind.Parse, snap.ErrorKind)

	missing := f.request(0)
	missing.DetailURL = site.BookURL(7)
	snap = f.run(t, missing)
	require.Equal(t, Failed, snap.Status)
	require.Equal(t, errkind.Network, snap.ErrorKind)
}

func TestDownloadCancelledContext(t *testing.T) {
	site := testutil.NewSite(t, dragonKing(testutil.SiteChapter{Title: "Chapter 1", Body: "one"}))
	f := setup(t, site)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewTask(f.request(0))
	f.orch.Run(ctx, task)
	require.Equal(t, Cancelled, task.Status())
	require.Equal(t, 0, site.Hits("/book/0/"))
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	task := NewTask(Request{})

	var seen []Status
	unsubscribe := bus.Subscribe(func(s Snapshot) {
		seen = append(seen, s.Status)
	})
	bus.Publish(task)
	require.NoError(t, task.TransitionTo(Downloading, epoch))
	bus.Publish(task)
	unsubscribe()
	bus.Publish(task)

	require.Equal(t, []Status{Queued, Downloading}, seen)
}

func TestDownloadShrunkTocDropsStaleChapters(t *testing.T) {
	site := testutil.NewSite(t, dragonKing(
		testutil.SiteChapter{Title: "Chapter 1", Body: "one"},
		testutil.SiteChapter{Title: "Chapter 2", Body: "two"},
		testutil.SiteChapter{Title: "Chapter 3", Body: "three"},
	))
	f := setup(t, site)
	ctx := context.Background()

	first := f.run(t, f.request(0))
	require.Equal(t, Succeeded, first.Status)

	maxProgress := 0
	f.bus.Subscribe(func(s Snapshot) {
		maxProgress = max(maxProgress, s.Progress)
	})
	site.TruncateChapters(0, 2)

	second := f.run(t, f.request(0))
	require.Equal(t, Succeeded, second.Status)
	require.Equal(t, 2, second.Total)
	require.Equal(t, 100, maxProgress)

	book, err := f.store.GetBook(ctx, first.BookID)
	require.NoError(t, err)
	require.Equal(t, 2, book.TotalChapters)
	require.Equal(t, 2, book.DoneChapters)

	states, err := f.store.ChapterStates(ctx, first.BookID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, s := range states {
		require.Equal(t, bookstore.Done, s.Status)
	}
}

func TestDownloadFromStoredTocURL(t *testing.T) {
	site := testutil.NewSite(t, dragonKing(
		testutil.SiteChapter{Title: "Chapter 1", Body: "one"},
		testutil.SiteChapter{Title: "Chapter 2", Body: "two"},
	))
	site.CatalogToc = true
	f := setup(t, site)
	ctx := context.Background()

	first := f.run(t, f.request(0))
	require.Equal(t, Succeeded, first.Status, first.Error)
	book, err := f.store.GetBook(ctx, first.BookID)
	require.NoError(t, err)
	catalog := site.BookURL(0) + "catalog/"
	require.Equal(t, catalog, book.TocURL)

	site.AppendChapter(0, testutil.SiteChapter{Title: "Chapter 3", Body: "three"})
	second := f.run(t, Request{
		SourceID: book.SourceID,
		TocURL:   book.TocURL,
		Title:    book.Title,
		Author:   book.Author,
		Mode:     RangeMode(2, 3),
	})
	require.Equal(t, Succeeded, second.Status, second.Error)
	require.Equal(t, first.BookID, second.BookID)
	require.Equal(t, 3, second.Total)
	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 2)))

	require.Equal(t, 2, site.Hits("/book/0/catalog/"))
	require.Equal(t, 0, site.Hits("/book/0/catalog/catalog/"))
	require.Equal(t, 0, site.Hits("/book/0/"))

	book, err = f.store.GetBook(ctx, first.BookID)
	require.NoError(t, err)
	require.Equal(t, catalog, book.TocURL)
}

func TestDownloadCancelResetsChapterInFlight(t *testing.T) {
	site := testutil.NewSite(t, dragonKing(
		testutil.SiteChapter{Title: "Chapter 1", Body: "one"},
		testutil.SiteChapter{Title: "Chapter 2", Hang: true},
		testutil.SiteChapter{Title: "Chapter 3", Body: "three"},
	))
	f := setup(t, site)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	once := sync.Once{}
	f.bus.Subscribe(func(s Snapshot) {
		if s.CurrentTitle == "Chapter 2" {
			once.Do(func() {
				time.AfterFunc(50*time.Millisecond, cancel)
			})
		}
	})

	task := NewTask(f.request(0))
	f.orch.Run(ctx, task)
	snap := task.Snapshot()
	require.Equal(t, Cancelled, snap.Status)

	states, err := f.store.ChapterStates(context.Background(), snap.BookID)
	require.NoError(t, err)
	require.Equal(t, []bookstore.ChapterState{
		{IndexNo: 0, Title: "Chapter 1", Status: bookstore.Done},
		{IndexNo: 1, Title: "Chapter 2", Status: bookstore.Pending},
		{IndexNo: 2, Title: "Chapter 3", Status: bookstore.Pending},
	}, states)
	require.Equal(t, 0, site.Hits(site.ChapterPath(0, 2)))
}

func TestRunLeavesSettledTaskAlone(t *testing.T) {
	site := testutil.NewSite(t, dragonKing(testutil.SiteChapter{Title: "Chapter 1", Body: "one"}))
	f := setup(t, site)

	task := NewTask(f.request(0))
	f.orch.Run(context.Background(), task)
	done := task.Snapshot()
	require.Equal(t, Succeeded, done.Status)

	require.NotPanics(t, func() {
		f.orch.Run(context.Background(), task)
	})
	again := task.Snapshot()
	require.Equal(t, Succeeded, again.Status)
	require.Len(t, again.History, len(done.History))
	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 0)))
}
