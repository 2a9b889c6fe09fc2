package download

import (
	"context"
	"errors"
	"fmt"

	"novelfetch/internal/assert"
	"novelfetch/internal/components/chrono"
	"novelfetch/internal/components/telemetry"
	"novelfetch/lib/bookstore"
	"novelfetch/lib/errkind"
	"novelfetch/lib/extractor"
	"novelfetch/lib/rules"
	"novelfetch/lib/scraper"
	"novelfetch/lib/sourcelock"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("novelfetch.services.download")

var (
	ErrMissingDetailURL = errkind.Wrap(errkind.Rule, errors.New("download request has neither a detail nor a toc url"))
	ErrEmptyToc         = errkind.Wrap(errkind.Parse, errors.New("table of contents is empty"))
)

const (
	report_run           = "orchestrator.run"
	report_chapter       = "orchestrator.fetch-chapter"
	report_chapter_reset = "orchestrator.reset-chapter"
)

type OrchestratorParams struct {
	Registry   *rules.Registry
	Scraper    *scraper.Client
	Repository bookstore.Repository
	Locks      *sourcelock.Queue
	Bus        *EventBus
	Trace      TraceSink
	Clock      chrono.API
	Telemetry  telemetry.API
}

type Orchestrator struct {
	registry *rules.Registry
	scraper  *scraper.Client
	repo     bookstore.Repository
	locks    *sourcelock.Queue
	bus      *EventBus
	trace    TraceSink
	clock    chrono.API
	tel      telemetry.API
}

func NewOrchestrator(params OrchestratorParams) *Orchestrator {
	assert.NotNil("registry", params.Registry)
	assert.NotNil("scraper", params.Scraper)
	assert.NotNil("repository", params.Repository)

	clock := params.Clock
	if clock == nil {
		clock = chrono.StandardImpl{}
	}
	locks := params.Locks
	if locks == nil {
		locks = sourcelock.New()
	}
	return &Orchestrator{
		registry: params.Registry,
		scraper:  params.Scraper,
		repo:     params.Repository,
		locks:    locks,
		bus:      params.Bus,
		trace:    params.Trace,
		clock:    clock,
		tel:      telemetry.NewScopedAPI("download", params.Telemetry),
	}
}

func (o *Orchestrator) tracef(task *Task, format string, args ...any) {
	if o.trace == nil {
		return
	}
	o.trace.Trace(task.ID(), o.clock.Now(), fmt.Sprintf(format, args...))
}

func (o *Orchestrator) transition(task *Task, to Status) {
	task.mustTransition(to, o.clock.Now())
	o.tracef(task, "status %s", to)
	o.bus.Publish(task)
}

// Run drives a queued (or resumed) task until it succeeds, fails, is cancelled
// or is paused. Chapter failures are recorded on the chapter and never fail the
// task. A task in any other status is left untouched.
func (o *Orchestrator) Run(ctx context.Context, task *Task) {
	ctx, span := tracer.Start(ctx, "orchestrator:Run")
	defer span.End()
	span.SetAttributes(attribute.String("task", task.ID()))

	switch status := task.Status(); status {
	case Queued:
		o.transition(task, Downloading)
	case Downloading:
	default:
		o.tracef(task, "not runnable while %s", status)
		return
	}

	err := o.run(ctx, task)
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errkind.Classify(err) == errkind.Cancelled || ctx.Err() != nil || task.cancelRequested.Load() {
		o.tracef(task, "cancelled: %v", err)
		o.transition(task, Cancelled)
		return
	}
	o.tel.ReportWarning(report_run, task.ID(), err)
	o.tracef(task, "failed: %v", err)
	task.fail(err, o.clock.Now())
	o.bus.Publish(task)
}

// interrupted checks for a pause or cancel request at a chapter boundary and
// moves the task accordingly.
func (o *Orchestrator) interrupted(ctx context.Context, task *Task) bool {
	if ctx.Err() != nil || task.cancelRequested.Load() {
		o.transition(task, Cancelled)
		return true
	}
	if task.pauseRequested.Load() {
		o.transition(task, Paused)
		return true
	}
	return false
}

func (o *Orchestrator) run(ctx context.Context, task *Task) error {
	req := task.Snapshot().Request

	if o.interrupted(ctx, task) {
		return nil
	}

	rule, err := o.registry.Get(req.SourceID)
	if err != nil {
		return errkind.Wrap(errkind.Rule, err)
	}
	tocUrl := req.TocURL
	if tocUrl == "" {
		if req.DetailURL == "" {
			return ErrMissingDetailURL
		}
		tocUrl, err = scraper.TocUrl(rule, req.DetailURL)
		if err != nil {
			return errkind.Wrap(errkind.Rule, err)
		}
	}

	o.tracef(task, "fetching toc from %s", tocUrl)
	var toc []extractor.TocEntry
	err = o.locks.Do(ctx, rule.ID, func(ctx context.Context) error {
		var err error
		toc, err = o.scraper.TocAt(ctx, rule, tocUrl)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch toc: %w", err)
	}
	if len(toc) == 0 {
		return ErrEmptyToc
	}
	o.tracef(task, "toc has %d entries", len(toc))

	book, err := o.saveBook(ctx, rule, req, tocUrl, len(toc))
	if err != nil {
		return err
	}
	task.update(func(state *Snapshot) {
		state.BookID = book.ID
		state.Total = len(toc)
	})

	pending, err := o.diff(ctx, task, rule, book.ID, toc)
	if err != nil {
		return err
	}
	lo, hi := req.Mode.Bounds(len(toc))
	o.tracef(task, "%d chapters need fetching, mode %s covers [%d,%d)", len(pending), req.Mode, lo, hi)

	done, err := o.repo.CountDone(ctx, book.ID)
	if err != nil {
		return err
	}
	err = o.repo.SetDoneChapters(ctx, book.ID, done)
	if err != nil {
		return err
	}
	o.publishProgress(task, done, len(toc))

	for _, chapter := range pending {
		if chapter.IndexNo < lo || chapter.IndexNo >= hi {
			continue
		}
		if o.interrupted(ctx, task) {
			return nil
		}

		task.update(func(state *Snapshot) {
			state.CurrentIndex = chapter.IndexNo
			state.CurrentTitle = chapter.Title
		})
		o.bus.Publish(task)

		err := o.fetchChapter(ctx, task, rule, chapter)
		if err != nil {
			return err
		}

		done, err = o.repo.CountDone(ctx, book.ID)
		if err != nil {
			return err
		}
		err = o.repo.SetDoneChapters(ctx, book.ID, done)
		if err != nil {
			return err
		}
		o.publishProgress(task, done, len(toc))
	}

	o.transition(task, Succeeded)
	return nil
}

func (o *Orchestrator) saveBook(ctx context.Context, rule rules.Rule, req Request, tocUrl string, total int) (bookstore.Book, error) {
	book, found, err := o.repo.FindBook(ctx, req.Title, req.Author)
	if err != nil {
		return bookstore.Book{}, err
	}
	if !found {
		book = bookstore.Book{Title: req.Title, Author: req.Author}
	}
	book.SourceID = rule.ID
	book.TocURL = tocUrl
	book.TotalChapters = total
	return o.repo.SaveBook(ctx, book)
}

// diff drops chapters past the end of toc, resets every entry that is not
// already done and returns them in index order.
func (o *Orchestrator) diff(ctx context.Context, task *Task, rule rules.Rule, bookID string, toc []extractor.TocEntry) ([]bookstore.Chapter, error) {
	dropped, err := o.repo.TruncateChapters(ctx, bookID, len(toc))
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		o.tracef(task, "dropped %d chapters no longer in the toc", dropped)
	}

	existing, err := o.repo.ChapterStates(ctx, bookID)
	if err != nil {
		return nil, err
	}
	done := map[int]bool{}
	for _, c := range existing {
		if c.Status == bookstore.Done {
			done[c.IndexNo] = true
		}
	}

	var pending []bookstore.Chapter
	for i, entry := range toc {
		if done[i] {
			continue
		}
		pending = append(pending, bookstore.Chapter{
			BookID:    bookID,
			IndexNo:   i,
			Title:     entry.Title,
			Status:    bookstore.Pending,
			SourceID:  rule.ID,
			SourceURL: entry.URL,
		})
	}
	err = o.repo.ResetChapters(ctx, pending)
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// fetchChapter downloads one chapter and records the outcome on it. Only
// repository failures and cancellation are returned, a cancelled chapter is
// put back to pending.
func (o *Orchestrator) fetchChapter(ctx context.Context, task *Task, rule rules.Rule, chapter bookstore.Chapter) error {
	err := o.repo.MarkChapterDownloading(ctx, chapter.BookID, chapter.IndexNo)
	if err != nil {
		return err
	}

	var content string
	err = o.locks.Do(ctx, rule.ID, func(ctx context.Context) error {
		var err error
		content, err = o.scraper.Chapter(ctx, rule, chapter.SourceURL)
		return err
	})
	if ctx.Err() != nil {
		resetErr := o.repo.ResetChapters(context.WithoutCancel(ctx), []bookstore.Chapter{chapter})
		if resetErr != nil {
			o.tel.ReportWarning(report_chapter_reset, chapter.BookID, chapter.IndexNo, resetErr)
		}
		return errkind.Wrap(errkind.Cancelled, ctx.Err())
	}
	if err != nil {
		o.tel.ReportWarning(report_chapter, rule.ID, chapter.SourceURL, err)
		o.tracef(task, "chapter %d failed: %v", chapter.IndexNo, err)
		return o.repo.MarkChapterFailed(ctx, chapter.BookID, chapter.IndexNo, err.Error())
	}
	o.tracef(task, "chapter %d done", chapter.IndexNo)
	return o.repo.MarkChapterDone(ctx, chapter.BookID, chapter.IndexNo, content)
}

func (o *Orchestrator) publishProgress(task *Task, done, total int) {
	task.update(func(state *Snapshot) {
		if total > 0 {
			state.Progress = done * 100 / total
		}
	})
	o.bus.Publish(task)
}
