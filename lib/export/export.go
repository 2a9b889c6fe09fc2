// Package export writes downloaded books out as plain text.
package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"novelfetch/lib/bookstore"
	"novelfetch/lib/errkind"
)

// Source is the part of the repository an export reads.
type Source interface {
	GetBook(ctx context.Context, id string) (bookstore.Book, error)
	Chapters(ctx context.Context, bookID string) ([]bookstore.Chapter, error)
}

// WriteTxt writes the book title followed by every done chapter in index
// order. Chapters that are not done are left out. It returns the number of
// chapters written.
func WriteTxt(ctx context.Context, src Source, bookID string, w io.Writer) (int, error) {
	book, err := src.GetBook(ctx, bookID)
	if err != nil {
		return 0, err
	}
	chapters, err := src.Chapters(ctx, bookID)
	if err != nil {
		return 0, err
	}

	out := bufio.NewWriter(w)
	fmt.Fprintf(out, "%s\n", book.Title)
	if book.Author != "" {
		fmt.Fprintf(out, "%s\n", book.Author)
	}

	written := 0
	for _, c := range chapters {
		if c.Status != bookstore.Done {
			continue
		}
		fmt.Fprintf(out, "\n%s\n\n%s\n", c.Title, c.Content)
		written++
	}
	err = out.Flush()
	if err != nil {
		return written, errkind.Wrap(errkind.IO, err)
	}
	return written, nil
}

var unsafeFileChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_",
	"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
)

// FileName is the name a book is exported under.
func FileName(book bookstore.Book) string {
	name := strings.TrimSpace(unsafeFileChars.Replace(book.Title))
	if name == "" {
		name = book.ID
	}
	if book.Author != "" {
		name += " - " + strings.TrimSpace(unsafeFileChars.Replace(book.Author))
	}
	return name + ".txt"
}

// ToDir exports the book into dir and returns the path of the file.
func ToDir(ctx context.Context, src Source, bookID, dir string) (string, error) {
	book, err := src.GetBook(ctx, bookID)
	if err != nil {
		return "", err
	}
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return "", errkind.Wrap(errkind.IO, err)
	}

	path := filepath.Join(dir, FileName(book))
	f, err := os.Create(path)
	if err != nil {
		return "", errkind.Wrap(errkind.IO, err)
	}
	_, err = WriteTxt(ctx, src, bookID, f)
	if err != nil {
		f.Close()
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", errkind.Wrap(errkind.IO, err)
	}
	return path, nil
}
