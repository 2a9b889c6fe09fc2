package bookstore

import (
	"context"
	"fmt"
	"time"
)

type ChapterStatus int

const (
	Pending ChapterStatus = iota
	Downloading
	Done
	Failed
)

func (s ChapterStatus) String() string {
	switch s {
	case Downloading:
		return "downloading"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

func parseStatus(s string) (ChapterStatus, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "downloading":
		return Downloading, nil
	case "done":
		return Done, nil
	case "failed":
		return Failed, nil
	}
	return Pending, fmt.Errorf("unknown chapter status %q", s)
}

type Book struct {
	ID               string
	Title            string
	Author           string
	SourceID         int
	TocURL           string
	TotalChapters    int
	DoneChapters     int
	ReadChapterIndex int
	ReadChapterTitle string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ReadAt           time.Time
	CoverURL         string
	CoverImage       string
	CoverBlob        []byte
	CoverRule        string
}

type Chapter struct {
	ID      int64
	BookID  string
	IndexNo int
	Title   string
	// Content is only set when Status is Done.
	Content string
	Status  ChapterStatus
	// Error is only set when Status is Failed.
	Error     string
	SourceID  int
	SourceURL string
	UpdatedAt time.Time
}

// ChapterState is the light view of a chapter used for planning, without content.
type ChapterState struct {
	IndexNo int
	Title   string
	Status  ChapterStatus
}

type ReadingState struct {
	BookID            string
	ChapterIndex      int
	PageIndex         int
	AnchorText        string
	LayoutFingerprint string
	UpdatedAt         time.Time
}

type Bookmark struct {
	BookID       string
	ChapterIndex int
	PageIndex    int
	ChapterTitle string
	PreviewText  string
	AnchorText   string
	CreatedAt    time.Time
}

// Repository is the persistence contract of the acquisition pipeline.
type Repository interface {
	FindBook(ctx context.Context, title, author string) (Book, bool, error)
	GetBook(ctx context.Context, id string) (Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	// SaveBook inserts or updates a book. A book without an id is given one.
	SaveBook(ctx context.Context, book Book) (Book, error)
	SetDoneChapters(ctx context.Context, bookID string, done int) error
	UpdateReadProgress(ctx context.Context, bookID string, chapterIndex int, chapterTitle string) error

	Chapters(ctx context.Context, bookID string) ([]Chapter, error)
	ChapterStates(ctx context.Context, bookID string) ([]ChapterState, error)
	// ResetChapters (re)inserts chapters as Pending, keyed by (book id, index no).
	ResetChapters(ctx context.Context, chapters []Chapter) error
	// TruncateChapters deletes the chapters whose index is total or more.
	TruncateChapters(ctx context.Context, bookID string, total int) (int, error)
	MarkChapterDownloading(ctx context.Context, bookID string, indexNo int) error
	MarkChapterDone(ctx context.Context, bookID string, indexNo int, content string) error
	MarkChapterFailed(ctx context.Context, bookID string, indexNo int, message string) error
	CountDone(ctx context.Context, bookID string) (int, error)

	SaveReadingState(ctx context.Context, state ReadingState) error
	GetReadingState(ctx context.Context, bookID string) (ReadingState, bool, error)
	AddBookmark(ctx context.Context, bookmark Bookmark) error
	Bookmarks(ctx context.Context, bookID string) ([]Bookmark, error)
	DeleteBookmark(ctx context.Context, bookID string, chapterIndex, pageIndex int) error

	// Checkpoint merges the write-ahead log into the main database file.
	Checkpoint(ctx context.Context) error
}
