// Package extractor applies the css selectors of a rule to fetched pages.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"

	"novelfetch/lib/errkind"
	"novelfetch/lib/htmlutil"
	"novelfetch/lib/rules"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("novelfetch.lib.extractor")

var (
	ErrSectionMissing = errkind.Wrap(errkind.Rule, errors.New("rule section not configured"))
	ErrEmptyContent   = errkind.Wrap(errkind.Parse, errors.New("extracted content is empty"))
	ErrNoMatch        = errkind.Wrap(errkind.Parse, errors.New("selector matched nothing"))
)

const (
	UnknownAuthor = "unknown"
	NoChapter     = "/"
)

func parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.Parse, err)
	}
	return doc, nil
}

func textOr(row *goquery.Selection, selector, fallback string) string {
	if selector == "" {
		return fallback
	}
	text := htmlutil.CleanInline(htmlutil.SelectionText(row.Find(selector).First()))
	if text == "" {
		return fallback
	}
	return text
}

type SearchRow struct {
	Title         string
	Author        string
	Category      string
	LatestChapter string
	// URL is the detail page of the book.
	URL string
}

// SearchRows extracts one row per match of the search result selector. Rows
// without a title are dropped.
func SearchRows(ctx context.Context, pageUrl string, body []byte, search *rules.Search) ([]SearchRow, error) {
	_, span := tracer.Start(ctx, "extractor:SearchRows")
	defer span.End()

	if search == nil || search.Result == "" || search.BookName == "" {
		span.SetStatus(codes.Error, "search section missing")
		return nil, ErrSectionMissing
	}
	doc, err := parse(body)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse html")
		return nil, err
	}

	var out []SearchRow
	doc.Find(search.Result).Each(func(_ int, row *goquery.Selection) {
		name := row.Find(search.BookName).First()
		title := htmlutil.CleanInline(htmlutil.SelectionText(name))
		if title == "" {
			return
		}

		detail := htmlutil.Href(name)
		if detail == "" {
			detail = htmlutil.Href(name.Find("a[href]").First())
		}
		if detail == "" {
			detail = htmlutil.Href(name.Closest("a[href]"))
		}
		if detail != "" {
			resolved, err := rules.ResolveURL(pageUrl, detail)
			if err != nil {
				span.RecordError(err)
				detail = ""
			} else {
				detail = resolved
			}
		}

		out = append(out, SearchRow{
			Title:         title,
			Author:        textOr(row, search.Author, UnknownAuthor),
			Category:      textOr(row, search.Category, ""),
			LatestChapter: textOr(row, search.LatestChapter, NoChapter),
			URL:           detail,
		})
	})

	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

// NextPages collects the urls of additional pages linked from the current page
// by the nextPage selector. At most limitPage-1 urls are returned, none equal to
// the current page. Pagination that is disabled or has no selector yields nothing.
func NextPages(ctx context.Context, pageUrl string, body []byte, keyword string, pagination bool, nextPage string, limitPage int) []string {
	_, span := tracer.Start(ctx, "extractor:NextPages")
	defer span.End()

	nextPage = rules.NormalizeSelector(nextPage)
	if !pagination || nextPage == "" {
		return nil
	}
	if limitPage <= 0 {
		limitPage = rules.DefaultLimitPage
	}
	extra := limitPage - 1
	if extra <= 0 {
		return nil
	}

	doc, err := parse(body)
	if err != nil {
		span.RecordError(err)
		return nil
	}

	seen := map[string]bool{pageUrl: true}
	var out []string
	doc.Find(nextPage).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		href := htmlutil.Href(item)
		if href == "" {
			return true
		}
		resolved, err := rules.ResolveURL(pageUrl, rules.SubstituteKeyword(href, keyword))
		if err != nil || seen[resolved] {
			return true
		}
		seen[resolved] = true
		out = append(out, resolved)
		return len(out) < extra
	})

	span.SetAttributes(attribute.Int("pages", len(out)))
	return out
}

type TocEntry struct {
	Title string
	URL   string
}

// Toc extracts the chapter list of a page in storage order, oldest first.
func Toc(ctx context.Context, pageUrl string, body []byte, toc *rules.Toc) ([]TocEntry, error) {
	ctx, span := tracer.Start(ctx, "extractor:Toc")
	defer span.End()

	if toc == nil || toc.Item == "" {
		span.SetStatus(codes.Error, "toc section missing")
		return nil, ErrSectionMissing
	}
	doc, err := parse(body)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse html")
		return nil, err
	}

	anchors := htmlutil.GetAnchors(ctx, pageUrl, doc.Find(toc.Item))
	entries := make([]TocEntry, len(anchors))
	for i, a := range anchors {
		entries[i] = TocEntry{Title: a.Name, URL: a.Href}
	}

	return ArrangeToc(entries, toc.Offset, toc.Desc), nil
}

// ArrangeToc drops the leading offset entries when the offset is within bounds
// and reverses lists published newest first.
func ArrangeToc(entries []TocEntry, offset int, desc bool) []TocEntry {
	if offset > 0 && offset < len(entries) {
		entries = entries[offset:]
	}
	out := slices.Clone(entries)
	if desc {
		slices.Reverse(out)
	}
	return out
}

// ChapterContent extracts the body text of a chapter page.
func ChapterContent(ctx context.Context, body []byte, chapter *rules.Chapter) (string, error) {
	_, span := tracer.Start(ctx, "extractor:ChapterContent")
	defer span.End()

	if chapter == nil || chapter.Content == "" {
		span.SetStatus(codes.Error, "chapter section missing")
		return "", ErrSectionMissing
	}
	doc, err := parse(body)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse html")
		return "", err
	}

	content := doc.Find(chapter.Content).First()
	if content.Length() == 0 {
		span.SetStatus(codes.Error, "content selector matched nothing")
		return "", ErrNoMatch
	}
	if chapter.FilterTag != "" {
		content.Find(chapter.FilterTag).Remove()
	}

	var text string
	if chapter.ParagraphTag != "" {
		var paragraphs []string
		content.Find(chapter.ParagraphTag).Each(func(_ int, p *goquery.Selection) {
			paragraphs = append(paragraphs, htmlutil.SelectionText(p))
		})
		text = strings.Join(paragraphs, "\n")
	} else {
		text = htmlutil.SelectionText(content)
	}

	for _, f := range chapter.Filters() {
		text = strings.ReplaceAll(text, f, "")
	}
	text = tidyLines(text)
	if text == "" {
		span.SetStatus(codes.Error, "empty content")
		return "", ErrEmptyContent
	}
	span.SetAttributes(attribute.Int("length", len(text)))
	return text, nil
}

// tidyLines trims every line and drops the blank ones.
func tidyLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
