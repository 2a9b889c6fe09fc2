package bookstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"novelfetch/internal/assert"
	"novelfetch/internal/components/chrono"
	"novelfetch/lib/errkind"

	"github.com/google/uuid"
)

//go:embed schema.sql
var Schema string

var ErrBookNotFound = errkind.Wrap(errkind.IO, errors.New("book not found"))

type Store struct {
	db    *sql.DB
	clock chrono.API
}

var _ Repository = Store{}

func NewStore(database *sql.DB, clock chrono.API) Store {
	assert.NotNil("database", database)
	if clock == nil {
		clock = chrono.StandardImpl{}
	}
	return Store{db: database, clock: clock}
}

// Migrate creates the tables if they do not exist yet.
func (s Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return wrapIO(err)
}

func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	if errkind.Classify(err) == errkind.Cancelled {
		return err
	}
	return errkind.Wrap(errkind.IO, err)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

const bookColumns = `id, title, author, source_id, toc_url, total_chapters, done_chapters,
	read_chapter_index, read_chapter_title, created_at, updated_at, read_at,
	cover_url, cover_image, cover_blob, cover_rule`

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (Book, error) {
	var b Book
	var createdAt, updatedAt, readAt int64
	err := row.Scan(
		&b.ID, &b.Title, &b.Author, &b.SourceID, &b.TocURL, &b.TotalChapters, &b.DoneChapters,
		&b.ReadChapterIndex, &b.ReadChapterTitle, &createdAt, &updatedAt, &readAt,
		&b.CoverURL, &b.CoverImage, &b.CoverBlob, &b.CoverRule,
	)
	if err != nil {
		return Book{}, err
	}
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	b.ReadAt = fromMillis(readAt)
	return b, nil
}

func (s Store) FindBook(ctx context.Context, title, author string) (Book, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`select `+bookColumns+` from books where title = ? and author = ?`,
		title, author,
	)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, false, nil
	}
	if err != nil {
		return Book{}, false, wrapIO(err)
	}
	return b, true, nil
}

func (s Store) GetBook(ctx context.Context, id string) (Book, error) {
	row := s.db.QueryRowContext(ctx, `select `+bookColumns+` from books where id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, fmt.Errorf("%s: %w", id, ErrBookNotFound)
	}
	return b, wrapIO(err)
}

func (s Store) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `select `+bookColumns+` from books order by updated_at desc, title`)
	if err != nil {
		return nil, wrapIO(err)
	}
	defer rows.Close()

	var out []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, wrapIO(err)
		}
		out = append(out, b)
	}
	return out, wrapIO(rows.Err())
}

func (s Store) SaveBook(ctx context.Context, book Book) (Book, error) {
	now := s.clock.Now()
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	if book.CreatedAt.IsZero() {
		book.CreatedAt = now
	}
	book.UpdatedAt = now
	if book.DoneChapters > book.TotalChapters {
		book.DoneChapters = book.TotalChapters
	}

	_, err := s.db.ExecContext(
		ctx,
		`insert into books (`+bookColumns+`) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(id) do update set
			title = excluded.title,
			author = excluded.author,
			source_id = excluded.source_id,
			toc_url = excluded.toc_url,
			total_chapters = excluded.total_chapters,
			done_chapters = excluded.done_chapters,
			read_chapter_index = excluded.read_chapter_index,
			read_chapter_title = excluded.read_chapter_title,
			updated_at = excluded.updated_at,
			read_at = excluded.read_at,
			cover_url = excluded.cover_url,
			cover_image = excluded.cover_image,
			cover_blob = excluded.cover_blob,
			cover_rule = excluded.cover_rule`,
		book.ID, book.Title, book.Author, book.SourceID, book.TocURL, book.TotalChapters, book.DoneChapters,
		book.ReadChapterIndex, book.ReadChapterTitle, toMillis(book.CreatedAt), toMillis(book.UpdatedAt), toMillis(book.ReadAt),
		book.CoverURL, book.CoverImage, book.CoverBlob, book.CoverRule,
	)
	if err != nil {
		return Book{}, wrapIO(err)
	}
	return book, nil
}

func (s Store) SetDoneChapters(ctx context.Context, bookID string, done int) error {
	res, err := s.db.ExecContext(
		ctx,
		`update books set done_chapters = min(?, total_chapters), updated_at = ? where id = ?`,
		done, toMillis(s.clock.Now()), bookID,
	)
	return expectRow(res, err, bookID)
}

func (s Store) UpdateReadProgress(ctx context.Context, bookID string, chapterIndex int, chapterTitle string) error {
	now := toMillis(s.clock.Now())
	res, err := s.db.ExecContext(
		ctx,
		`update books set read_chapter_index = ?, read_chapter_title = ?, read_at = ?, updated_at = ? where id = ?`,
		chapterIndex, chapterTitle, now, now, bookID,
	)
	return expectRow(res, err, bookID)
}

func expectRow(res sql.Result, err error, bookID string) error {
	if err != nil {
		return wrapIO(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapIO(err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", bookID, ErrBookNotFound)
	}
	return nil
}

func (s Store) Chapters(ctx context.Context, bookID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select id, book_id, index_no, title, coalesce(content, ''), status, coalesce(error, ''),
			source_id, source_url, updated_at
		from chapters where book_id = ? order by index_no`,
		bookID,
	)
	if err != nil {
		return nil, wrapIO(err)
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		var status string
		var updatedAt int64
		err := rows.Scan(
			&c.ID, &c.BookID, &c.IndexNo, &c.Title, &c.Content, &status, &c.Error,
			&c.SourceID, &c.SourceURL, &updatedAt,
		)
		if err != nil {
			return nil, wrapIO(err)
		}
		c.Status, err = parseStatus(status)
		if err != nil {
			return nil, wrapIO(err)
		}
		c.UpdatedAt = fromMillis(updatedAt)
		out = append(out, c)
	}
	return out, wrapIO(rows.Err())
}

func (s Store) ChapterStates(ctx context.Context, bookID string) ([]ChapterState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select index_no, title, status from chapters where book_id = ? order by index_no`,
		bookID,
	)
	if err != nil {
		return nil, wrapIO(err)
	}
	defer rows.Close()

	var out []ChapterState
	for rows.Next() {
		var c ChapterState
		var status string
		err := rows.Scan(&c.IndexNo, &c.Title, &status)
		if err != nil {
			return nil, wrapIO(err)
		}
		c.Status, err = parseStatus(status)
		if err != nil {
			return nil, wrapIO(err)
		}
		out = append(out, c)
	}
	return out, wrapIO(rows.Err())
}

func (s Store) ResetChapters(ctx context.Context, chapters []Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapIO(err)
	}
	defer tx.Rollback()

	now := toMillis(s.clock.Now())
	for _, c := range chapters {
		_, err := tx.ExecContext(
			ctx,
			`insert into chapters (book_id, index_no, title, content, status, source_id, source_url, error, updated_at)
			values (?, ?, ?, null, 'pending', ?, ?, null, ?)
			on conflict(book_id, index_no) do update set
				title = excluded.title,
				content = null,
				status = 'pending',
				source_id = excluded.source_id,
				source_url = excluded.source_url,
				error = null,
				updated_at = excluded.updated_at`,
			c.BookID, c.IndexNo, c.Title, c.SourceID, c.SourceURL, now,
		)
		if err != nil {
			return wrapIO(err)
		}
	}
	return wrapIO(tx.Commit())
}

// TruncateChapters deletes the chapters at or past total, left over when a
// source shortens its table of contents.
func (s Store) TruncateChapters(ctx context.Context, bookID string, total int) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`delete from chapters where book_id = ? and index_no >= ?`,
		bookID, max(0, total),
	)
	if err != nil {
		return 0, wrapIO(err)
	}
	n, err := res.RowsAffected()
	return int(n), wrapIO(err)
}

func (s Store) setChapter(ctx context.Context, bookID string, indexNo int, status ChapterStatus, content, message sql.NullString) error {
	res, err := s.db.ExecContext(
		ctx,
		`update chapters set status = ?, content = ?, error = ?, updated_at = ? where book_id = ? and index_no = ?`,
		status.String(), content, message, toMillis(s.clock.Now()), bookID, indexNo,
	)
	if err != nil {
		return wrapIO(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapIO(err)
	}
	if n == 0 {
		return errkind.Wrap(errkind.IO, fmt.Errorf("chapter %d of book %s does not exist", indexNo, bookID))
	}
	return nil
}

func (s Store) MarkChapterDownloading(ctx context.Context, bookID string, indexNo int) error {
	return s.setChapter(ctx, bookID, indexNo, Downloading, sql.NullString{}, sql.NullString{})
}

func (s Store) MarkChapterDone(ctx context.Context, bookID string, indexNo int, content string) error {
	return s.setChapter(ctx, bookID, indexNo, Done, sql.NullString{String: content, Valid: true}, sql.NullString{})
}

func (s Store) MarkChapterFailed(ctx context.Context, bookID string, indexNo int, message string) error {
	return s.setChapter(ctx, bookID, indexNo, Failed, sql.NullString{}, sql.NullString{String: message, Valid: true})
}

func (s Store) CountDone(ctx context.Context, bookID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(
		ctx,
		`select count(*) from chapters where book_id = ? and status = 'done'`,
		bookID,
	).Scan(&n)
	return n, wrapIO(err)
}

func (s Store) SaveReadingState(ctx context.Context, state ReadingState) error {
	_, err := s.db.ExecContext(
		ctx,
		`insert into reading_states (book_id, chapter_index, page_index, anchor_text, layout_fingerprint, updated_at)
		values (?, ?, ?, ?, ?, ?)
		on conflict(book_id) do update set
			chapter_index = excluded.chapter_index,
			page_index = excluded.page_index,
			anchor_text = excluded.anchor_text,
			layout_fingerprint = excluded.layout_fingerprint,
			updated_at = excluded.updated_at`,
		state.BookID, state.ChapterIndex, state.PageIndex, state.AnchorText, state.LayoutFingerprint,
		toMillis(s.clock.Now()),
	)
	return wrapIO(err)
}

func (s Store) GetReadingState(ctx context.Context, bookID string) (ReadingState, bool, error) {
	var state ReadingState
	var updatedAt int64
	err := s.db.QueryRowContext(
		ctx,
		`select book_id, chapter_index, page_index, anchor_text, layout_fingerprint, updated_at
		from reading_states where book_id = ?`,
		bookID,
	).Scan(&state.BookID, &state.ChapterIndex, &state.PageIndex, &state.AnchorText, &state.LayoutFingerprint, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReadingState{}, false, nil
	}
	if err != nil {
		return ReadingState{}, false, wrapIO(err)
	}
	state.UpdatedAt = fromMillis(updatedAt)
	return state, true, nil
}

func (s Store) AddBookmark(ctx context.Context, bookmark Bookmark) error {
	_, err := s.db.ExecContext(
		ctx,
		`insert or replace into reading_bookmarks
			(book_id, chapter_index, page_index, chapter_title, preview_text, anchor_text, created_at)
		values (?, ?, ?, ?, ?, ?, ?)`,
		bookmark.BookID, bookmark.ChapterIndex, bookmark.PageIndex, bookmark.ChapterTitle,
		bookmark.PreviewText, bookmark.AnchorText, toMillis(s.clock.Now()),
	)
	return wrapIO(err)
}

func (s Store) Bookmarks(ctx context.Context, bookID string) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select book_id, chapter_index, page_index, chapter_title, preview_text, anchor_text, created_at
		from reading_bookmarks where book_id = ? order by chapter_index, page_index`,
		bookID,
	)
	if err != nil {
		return nil, wrapIO(err)
	}
	defer rows.Close()

	var out []Bookmark
	for rows.Next() {
		var b Bookmark
		var createdAt int64
		err := rows.Scan(&b.BookID, &b.ChapterIndex, &b.PageIndex, &b.ChapterTitle, &b.PreviewText, &b.AnchorText, &createdAt)
		if err != nil {
			return nil, wrapIO(err)
		}
		b.CreatedAt = fromMillis(createdAt)
		out = append(out, b)
	}
	return out, wrapIO(rows.Err())
}

func (s Store) DeleteBookmark(ctx context.Context, bookID string, chapterIndex, pageIndex int) error {
	_, err := s.db.ExecContext(
		ctx,
		`delete from reading_bookmarks where book_id = ? and chapter_index = ? and page_index = ?`,
		bookID, chapterIndex, pageIndex,
	)
	return wrapIO(err)
}

func (s Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return wrapIO(err)
}
