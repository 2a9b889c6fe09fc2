package scraper

import (
	"context"
	"net/http"
	"testing"
	"time"

	"novelfetch/lib/extractor"
	"novelfetch/lib/gateway"
	"novelfetch/lib/testutil"

	"github.com/stretchr/testify/require"
)

func newClient(t testing.TB) *Client {
	gw, err := gateway.New(gateway.Options{Backoff: time.Millisecond})
	require.NoError(t, err)
	return New(gw, nil)
}

func TestSearchTocChapter(t *testing.T) {
	site := testutil.NewSite(t, testutil.SiteBook{
		Title:  "Dragon King",
		Author: "Alice",
		Chapters: []testutil.SiteChapter{
			{Title: "Chapter 1", Body: "<p>one</p>"},
			{Title: "Chapter 2", Body: "<p>two</p>"},
		},
	}, testutil.SiteBook{Title: "Sky Sword", Author: "Bob"})
	rule := site.Rule(1)
	client := newClient(t)
	ctx := context.Background()

	rows, err := client.Search(ctx, rule, "dragon", 0)
	require.NoError(t, err)
	require.Equal(t, []extractor.SearchRow{{
		Title:         "Dragon King",
		Author:        "Alice",
		LatestChapter: "Chapter 2",
		URL:           site.BookURL(0),
	}}, rows)

	toc, err := client.Toc(ctx, rule, rows[0].URL)
	require.NoError(t, err)
	require.Equal(t, []extractor.TocEntry{
		{Title: "Chapter 1", URL: site.Server.URL + site.ChapterPath(0, 0)},
		{Title: "Chapter 2", URL: site.Server.URL + site.ChapterPath(0, 1)},
	}, toc)

	text, err := client.Chapter(ctx, rule, toc[1].URL)
	require.NoError(t, err)
	require.Equal(t, "two", text)
}

func TestChapterStatusIsChecked(t *testing.T) {
	site := testutil.NewSite(t, testutil.SiteBook{
		Title:    "Gone",
		Chapters: []testutil.SiteChapter{{Title: "missing", Status: http.StatusNotFound}},
	})
	client := newClient(t)

	_, err := client.Chapter(context.Background(), site.Rule(1), site.Server.URL+site.ChapterPath(0, 0))
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Equal(t, 1, site.Hits(site.ChapterPath(0, 0)))
}

func TestTocUrl(t *testing.T) {
	site := testutil.NewSite(t)
	rule := site.Rule(1)

	out, err := TocUrl(rule, "https://a.example.com/book/3/")
	require.NoError(t, err)
	require.Equal(t, "https://a.example.com/book/3/", out)

	rule.Toc.URL = "all.html"
	out, err = TocUrl(rule, "https://a.example.com/book/3/")
	require.NoError(t, err)
	require.Equal(t, "https://a.example.com/book/3/all.html", out)
}
