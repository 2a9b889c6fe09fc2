package rules

import (
	"fmt"
	"net/url"
	"strings"
)

// Rule describes how to scrape one source. A nil section means the source does
// not support that capability. Rules are never mutated after Load returns them.
type Rule struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Comment  string `json:"comment"`
	Type     string `json:"type"`
	Language string `json:"language"`

	Search  *Search  `json:"search"`
	Book    *Book    `json:"book"`
	Toc     *Toc     `json:"toc"`
	Chapter *Chapter `json:"chapter"`
}

type Search struct {
	URL            string `json:"url"`
	Method         string `json:"method"`
	Data           string `json:"data"`
	Cookies        string `json:"cookies"`
	Result         string `json:"result"`
	BookName       string `json:"bookName"`
	Author         string `json:"author"`
	Category       string `json:"category"`
	WordCount      string `json:"wordCount"`
	Status         string `json:"status"`
	LatestChapter  string `json:"latestChapter"`
	LastUpdateTime string `json:"lastUpdateTime"`
	Pagination     bool   `json:"pagination"`
	NextPage       string `json:"nextPage"`
	LimitPage      int    `json:"limitPage"`
}

type Book struct {
	BookName       string `json:"bookName"`
	Author         string `json:"author"`
	Intro          string `json:"intro"`
	Category       string `json:"category"`
	CoverURL       string `json:"coverUrl"`
	LatestChapter  string `json:"latestChapter"`
	LastUpdateTime string `json:"lastUpdateTime"`
	Status         string `json:"status"`
}

type Toc struct {
	URL        string `json:"url"`
	Item       string `json:"item"`
	Offset     int    `json:"offset"`
	Desc       bool   `json:"desc"`
	Pagination bool   `json:"pagination"`
	NextPage   string `json:"nextPage"`
}

type Chapter struct {
	Title              string `json:"title"`
	Content            string `json:"content"`
	ParagraphTagClosed bool   `json:"paragraphTagClosed"`
	ParagraphTag       string `json:"paragraphTag"`
	FilterTxt          string `json:"filterTxt"`
	FilterTag          string `json:"filterTag"`
	Pagination         bool   `json:"pagination"`
	NextPage           string `json:"nextPage"`
}

const (
	DefaultMethod    = "GET"
	DefaultLimitPage = 3
)

// NormalizeSelector turns a blank selector into "", which every consumer
// treats as "not configured".
func NormalizeSelector(selector string) string {
	return strings.TrimSpace(selector)
}

// SubstituteKeyword replaces every %s in template with the percent-encoded keyword.
func SubstituteKeyword(template, keyword string) string {
	return strings.ReplaceAll(template, "%s", url.QueryEscape(keyword))
}

// Filters splits the ||-delimited literal text filters, dropping empty entries.
func (c *Chapter) Filters() []string {
	if c == nil || c.FilterTxt == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(c.FilterTxt, "||") {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (r Rule) Searchable() bool {
	return r.Search != nil &&
		r.Search.URL != "" &&
		r.Search.Result != "" &&
		r.Search.BookName != ""
}

func (r Rule) HasToc() bool {
	return r.Toc != nil && r.Toc.Item != ""
}

func (r Rule) HasChapter() bool {
	return r.Chapter != nil && r.Chapter.Content != ""
}

// SearchRequest is the concrete request a search for a keyword resolves to.
type SearchRequest struct {
	Method  string
	URL     string
	Body    string
	Cookies string
}

// SearchRequestFor builds the first-page search request for keyword.
func (r Rule) SearchRequestFor(keyword string) (SearchRequest, error) {
	if !r.Searchable() {
		return SearchRequest{}, fmt.Errorf("rule %d: %w", r.ID, ErrNotSearchable)
	}
	target, err := ResolveURL(r.URL, SubstituteKeyword(r.Search.URL, keyword))
	if err != nil {
		return SearchRequest{}, fmt.Errorf("rule %d: search url: %w", r.ID, err)
	}
	req := SearchRequest{
		Method:  r.Search.Method,
		URL:     target,
		Cookies: r.Search.Cookies,
	}
	if req.Method == "POST" {
		req.Body = SubstituteKeyword(r.Search.Data, keyword)
	}
	return req, nil
}

// ResolveURL resolves ref against base. An empty ref resolves to base.
func ResolveURL(base, ref string) (string, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if base == "" {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func (r *Rule) normalize() {
	r.URL = strings.TrimSpace(r.URL)
	r.Name = strings.TrimSpace(r.Name)

	if s := r.Search; s != nil {
		s.URL = strings.TrimSpace(s.URL)
		s.Method = strings.ToUpper(strings.TrimSpace(s.Method))
		if s.Method == "" {
			s.Method = DefaultMethod
		}
		s.Result = NormalizeSelector(s.Result)
		s.BookName = NormalizeSelector(s.BookName)
		s.Author = NormalizeSelector(s.Author)
		s.Category = NormalizeSelector(s.Category)
		s.WordCount = NormalizeSelector(s.WordCount)
		s.Status = NormalizeSelector(s.Status)
		s.LatestChapter = NormalizeSelector(s.LatestChapter)
		s.LastUpdateTime = NormalizeSelector(s.LastUpdateTime)
		s.NextPage = NormalizeSelector(s.NextPage)
		if s.LimitPage <= 0 {
			s.LimitPage = DefaultLimitPage
		}
	}
	if b := r.Book; b != nil {
		b.BookName = NormalizeSelector(b.BookName)
		b.Author = NormalizeSelector(b.Author)
		b.Intro = NormalizeSelector(b.Intro)
		b.Category = NormalizeSelector(b.Category)
		b.CoverURL = NormalizeSelector(b.CoverURL)
		b.LatestChapter = NormalizeSelector(b.LatestChapter)
		b.LastUpdateTime = NormalizeSelector(b.LastUpdateTime)
		b.Status = NormalizeSelector(b.Status)
	}
	if t := r.Toc; t != nil {
		t.URL = strings.TrimSpace(t.URL)
		t.Item = NormalizeSelector(t.Item)
		t.NextPage = NormalizeSelector(t.NextPage)
		if t.Offset < 0 {
			t.Offset = 0
		}
	}
	if c := r.Chapter; c != nil {
		c.Title = NormalizeSelector(c.Title)
		c.Content = NormalizeSelector(c.Content)
		c.ParagraphTag = NormalizeSelector(c.ParagraphTag)
		c.FilterTag = NormalizeSelector(c.FilterTag)
		c.NextPage = NormalizeSelector(c.NextPage)
	}
}

func (r Rule) validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidRule, r.ID)
	}
	if r.URL == "" {
		return fmt.Errorf("%w: rule %d has no url", ErrInvalidRule, r.ID)
	}
	parsed, err := url.Parse(r.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: rule %d has an invalid url %q", ErrInvalidRule, r.ID, r.URL)
	}
	return nil
}
