// Package prefetch decides which chapters a reading session should download
// ahead of the reader.
package prefetch

import (
	"context"

	"novelfetch/internal/assert"
	"novelfetch/lib/bookstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("novelfetch.services.prefetch")

// Library is the part of the repository the planner reads.
type Library interface {
	GetBook(ctx context.Context, id string) (bookstore.Book, error)
	ChapterStates(ctx context.Context, bookID string) ([]bookstore.ChapterState, error)
}

type Plan struct {
	ShouldQueueWindow bool
	WindowStartIndex  int
	// WindowTakeCount is zero when there is nothing to queue at all.
	WindowTakeCount            int
	ConsecutiveDoneAfterAnchor int
	HasEarlierGap              bool
	// FirstGapIndex is the lowest index of a chapter that is not done, or -1.
	FirstGapIndex int
}

// Empty is the plan for a book without chapters.
var Empty = Plan{FirstGapIndex: -1}

type Planner struct {
	library Library
}

func NewPlanner(library Library) Planner {
	assert.NotNil("library", library)
	return Planner{library: library}
}

// Plan loads the chapter statuses of a book and plans around anchor. Only
// chapters within the book's known table of contents are considered.
func (p Planner) Plan(ctx context.Context, bookID string, anchor, batchSize, lowWatermark int) (Plan, error) {
	ctx, span := tracer.Start(ctx, "prefetch:Plan")
	defer span.End()

	book, err := p.library.GetBook(ctx, bookID)
	if err != nil {
		span.RecordError(err)
		return Plan{}, err
	}
	chapters, err := p.library.ChapterStates(ctx, bookID)
	if err != nil {
		span.RecordError(err)
		return Plan{}, err
	}
	plan := Compute(WithinToc(chapters, book.TotalChapters), anchor, batchSize, lowWatermark)
	span.SetAttributes(
		attribute.Bool("queue", plan.ShouldQueueWindow),
		attribute.Int("start", plan.WindowStartIndex),
		attribute.Int("take", plan.WindowTakeCount),
	)
	return plan, nil
}

// WithinToc keeps the chapters whose index is below total.
func WithinToc(chapters []bookstore.ChapterState, total int) []bookstore.ChapterState {
	out := make([]bookstore.ChapterState, 0, len(chapters))
	for _, c := range chapters {
		if c.IndexNo >= 0 && c.IndexNo < total {
			out = append(out, c)
		}
	}
	return out
}

// Compute plans over chapters ordered by index. Positions in the slice are the
// chapter indexes.
func Compute(chapters []bookstore.ChapterState, anchor, batchSize, lowWatermark int) Plan {
	count := len(chapters)
	if count == 0 {
		return Empty
	}
	batchSize = max(1, batchSize)
	lowWatermark = max(1, lowWatermark)
	anchor = min(max(anchor, 0), count-1)

	consecutive := 0
	for i := anchor; i < count && chapters[i].Status == bookstore.Done; i++ {
		consecutive++
	}

	firstGap := -1
	for _, c := range chapters {
		if c.Status != bookstore.Done {
			if firstGap < 0 || c.IndexNo < firstGap {
				firstGap = c.IndexNo
			}
		}
	}

	return Plan{
		ShouldQueueWindow:          chapters[anchor].Status != bookstore.Done || consecutive < lowWatermark,
		WindowStartIndex:           anchor,
		WindowTakeCount:            min(batchSize, count-anchor),
		ConsecutiveDoneAfterAnchor: consecutive,
		HasEarlierGap:              firstGap >= 0 && firstGap < anchor,
		FirstGapIndex:              firstGap,
	}
}

type Reason string

const (
	ReasonProgress     Reason = "progress"
	ReasonJump         Reason = "jump"
	ReasonForceCurrent Reason = "force-current"
)

// ReaderAutoPrefetchPolicy decides whether the reader actually queues a plan's
// window. A jump or a forced fetch of the current chapter always queues a
// non-empty window.
type ReaderAutoPrefetchPolicy struct{}

func (ReaderAutoPrefetchPolicy) ShouldQueueWindow(plan Plan, reason Reason) bool {
	if plan.WindowTakeCount <= 0 {
		return false
	}
	if reason == ReasonJump || reason == ReasonForceCurrent {
		return true
	}
	return plan.ShouldQueueWindow
}
