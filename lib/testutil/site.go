package testutil

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"novelfetch/lib/rules"
)

type SiteChapter struct {
	Title string
	Body  string
	// Status forces the chapter page to answer with this status code.
	Status int
	// Hang keeps the chapter request open until the client goes away.
	Hang bool
}

type SiteBook struct {
	Title    string
	Author   string
	Chapters []SiteChapter
}

// Site is a fake novel website serving a search page, one table of contents per
// book and chapter pages, in the shape the rule returned by Rule understands.
type Site struct {
	Server *httptest.Server
	// Filter is set as the rule's filterTxt.
	Filter string
	// SearchPageSize splits search results into pages of this many rows, each
	// page linking to pages 2 and up. Zero serves a single page.
	SearchPageSize int
	// CatalogToc moves the table of contents from the book page to
	// /book/{id}/catalog/, which the rule then points at.
	CatalogToc bool

	mutex sync.Mutex
	books []SiteBook
	hits  map[string]int
}

func NewSite(t testing.TB, books ...SiteBook) *Site {
	s := &Site{books: books, hits: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", s.search)
	mux.HandleFunc("GET /book/{book}/{$}", s.toc)
	mux.HandleFunc("GET /book/{book}/catalog/{$}", s.toc)
	mux.HandleFunc("GET /book/{book}/{chapter}", s.chapter)
	s.Server = httptest.NewServer(s.count(mux))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *Site) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		s.hits[r.URL.Path]++
		s.mutex.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Hits is how many requests the path received.
func (s *Site) Hits(path string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.hits[path]
}

// SetChapterStatus changes the forced status of a chapter page.
func (s *Site) SetChapterStatus(book, chapter, status int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.books[book].Chapters[chapter].Status = status
}

// AppendChapter publishes a new chapter at the end of a book.
func (s *Site) AppendChapter(book int, chapter SiteChapter) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.books[book].Chapters = append(s.books[book].Chapters, chapter)
}

// TruncateChapters unpublishes every chapter of a book from index n on.
func (s *Site) TruncateChapters(book, n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.books[book].Chapters = s.books[book].Chapters[:n]
}

func (s *Site) BookURL(book int) string {
	return fmt.Sprintf("%s/book/%d/", s.Server.URL, book)
}

func (s *Site) ChapterPath(book, chapter int) string {
	return fmt.Sprintf("/book/%d/%d.html", book, chapter)
}

func (s *Site) Rule(id int) rules.Rule {
	rule := rules.Rule{
		ID:   id,
		URL:  s.Server.URL,
		Name: fmt.Sprintf("fake-%d", id),
		Search: &rules.Search{
			URL:           "/search?q=%s",
			Method:        "GET",
			Result:        "table.result tr",
			BookName:      "td.name a",
			Author:        "td.author",
			LatestChapter: "td.latest",
			LimitPage:     rules.DefaultLimitPage,
		},
		Toc: &rules.Toc{
			Item: "#list dd a",
		},
		Chapter: &rules.Chapter{
			Content:   "#content",
			FilterTag: "div.ad",
			FilterTxt: s.Filter,
		},
	}
	if s.CatalogToc {
		rule.Toc.URL = "catalog/"
	}
	if s.SearchPageSize > 0 {
		rule.Search.Pagination = true
		rule.Search.NextPage = "div.pages a"
	}
	return rule
}

func (s *Site) search(w http.ResponseWriter, r *http.Request) {
	keyword := strings.ToLower(r.URL.Query().Get("q"))

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var matches []int
	for i, b := range s.books {
		if strings.Contains(strings.ToLower(b.Title), keyword) {
			matches = append(matches, i)
		}
	}

	page, pages := 1, 1
	if s.SearchPageSize > 0 && len(matches) > 0 {
		pages = (len(matches) + s.SearchPageSize - 1) / s.SearchPageSize
		if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p >= 1 && p <= pages {
			page = p
		}
		lo := (page - 1) * s.SearchPageSize
		matches = matches[lo:min(lo+s.SearchPageSize, len(matches))]
	}

	var out strings.Builder
	out.WriteString(`<html><body><table class="result">`)
	for _, i := range matches {
		b := s.books[i]
		latest := ""
		if len(b.Chapters) > 0 {
			latest = b.Chapters[len(b.Chapters)-1].Title
		}
		fmt.Fprintf(
			&out,
			`<tr><td class="name"><a href="/book/%d/">%s</a></td><td class="author">%s</td><td class="latest">%s</td></tr>`,
			i, html.EscapeString(b.Title), html.EscapeString(b.Author), html.EscapeString(latest),
		)
	}
	out.WriteString(`</table>`)
	if pages > 1 {
		out.WriteString(`<div class="pages">`)
		for p := 2; p <= pages; p++ {
			fmt.Fprintf(&out, `<a href="/search?q=%s&amp;page=%d">%d</a>`, url.QueryEscape(keyword), p, p)
		}
		out.WriteString(`</div>`)
	}
	out.WriteString(`</body></html>`)
	w.Write([]byte(out.String()))
}

func (s *Site) lookup(w http.ResponseWriter, r *http.Request) (SiteBook, bool) {
	idx, err := strconv.Atoi(r.PathValue("book"))
	if err != nil || idx < 0 || idx >= len(s.books) {
		http.NotFound(w, r)
		return SiteBook{}, false
	}
	return s.books[idx], true
}

func (s *Site) toc(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	book, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if strings.HasSuffix(r.URL.Path, "/catalog/") != s.CatalogToc {
		fmt.Fprintf(w, `<html><body><h1>%s</h1></body></html>`, html.EscapeString(book.Title))
		return
	}
	var out strings.Builder
	fmt.Fprintf(&out, `<html><body><h1>%s</h1><div id="list"><dl>`, html.EscapeString(book.Title))
	for i, c := range book.Chapters {
		fmt.Fprintf(&out, `<dd><a href="/book/%s/%d.html">%s</a></dd>`, r.PathValue("book"), i, html.EscapeString(c.Title))
	}
	out.WriteString(`</dl></div></body></html>`)
	w.Write([]byte(out.String()))
}

func (s *Site) chapter(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	book, ok := s.lookup(w, r)
	if !ok {
		s.mutex.Unlock()
		return
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(r.PathValue("chapter"), ".html"))
	if err != nil || idx < 0 || idx >= len(book.Chapters) {
		s.mutex.Unlock()
		http.NotFound(w, r)
		return
	}
	c := book.Chapters[idx]
	s.mutex.Unlock()

	if c.Hang {
		<-r.Context().Done()
		return
	}
	if c.Status != 0 {
		w.WriteHeader(c.Status)
		return
	}
	fmt.Fprintf(
		w,
		`<html><body><h1>%s</h1><div id="content"><div class="ad">advertisement</div>%s</div></body></html>`,
		html.EscapeString(c.Title), c.Body,
	)
}
