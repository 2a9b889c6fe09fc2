// Package scraper combines the gateway and the extractor into the three scraping
// methods a rule supports: search, table of contents and chapter.
//
// each scraping method has this structure:
// 1. make assertions on input validity (the rule section exists).
// 2. transform input into an HTTP request (method, headers, body).
// 3. make request.
// 4. make assertions on response validity (expected status).
// 5. transform the response into output using the rule's goquery selectors.
//
// follow-up pages (pagination) go through the same steps, a broken follow-up page
// is reported and skipped rather than failing the whole method.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"novelfetch/internal/components/telemetry"
	"novelfetch/lib/errkind"
	"novelfetch/lib/extractor"
	"novelfetch/lib/gateway"
	"novelfetch/lib/rules"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("novelfetch.lib.scraper")

var ErrUnexpectedStatus = errkind.Wrap(errkind.Network, errors.New("unexpected response status"))

const (
	report_search_page  = "scraper.search-page"
	report_toc_page     = "scraper.toc-page"
	report_chapter_page = "scraper.chapter-page"
)

type Client struct {
	gw  *gateway.Gateway
	tel telemetry.API
}

func New(gw *gateway.Gateway, tel telemetry.API) *Client {
	return &Client{gw: gw, tel: telemetry.NewScopedAPI("scraper", tel)}
}

// Gateway exposes the underlying gateway for callers that fetch outside of rules.
func (c *Client) Gateway() *gateway.Gateway {
	return c.gw
}

func (c *Client) fetch(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	res, err := c.gw.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("%s: %w: %d", req.URL, ErrUnexpectedStatus, res.StatusCode)
	}
	return res, nil
}

// Search fetches the search page for keyword, plus any paginated follow-up pages,
// and extracts the result rows. timeout bounds each request, zero uses the gateway default.
func (c *Client) Search(ctx context.Context, rule rules.Rule, keyword string, timeout time.Duration) ([]extractor.SearchRow, error) {
	ctx, span := tracer.Start(ctx, "scraper:Search")
	defer span.End()
	span.SetAttributes(attribute.Int("source", rule.ID))

	searchReq, err := rule.SearchRequestFor(keyword)
	if err != nil {
		span.SetStatus(codes.Error, "rule not searchable")
		return nil, err
	}
	res, err := c.fetch(ctx, gateway.Request{
		Method:  searchReq.Method,
		URL:     searchReq.URL,
		Body:    searchReq.Body,
		Cookies: searchReq.Cookies,
		Profile: gateway.ProfileSearch,
		Timeout: timeout,
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch")
		return nil, err
	}
	rows, err := extractor.SearchRows(ctx, res.URL, res.Body, rule.Search)
	if err != nil {
		span.SetStatus(codes.Error, "failed to extract")
		return nil, err
	}

	next := extractor.NextPages(ctx, res.URL, res.Body, keyword, rule.Search.Pagination, rule.Search.NextPage, rule.Search.LimitPage)
	for _, page := range next {
		if ctx.Err() != nil {
			return rows, nil
		}
		pageRes, err := c.fetch(ctx, gateway.Request{
			Method:  "GET",
			URL:     page,
			Cookies: searchReq.Cookies,
			Profile: gateway.ProfileSearch,
			Timeout: timeout,
		})
		if err != nil {
			c.tel.ReportWarning(report_search_page, rule.ID, page, err)
			continue
		}
		pageRows, err := extractor.SearchRows(ctx, pageRes.URL, pageRes.Body, rule.Search)
		if err != nil {
			c.tel.ReportWarning(report_search_page, rule.ID, page, err)
			continue
		}
		rows = append(rows, pageRows...)
	}

	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

// TocUrl is where the chapter list of a book lives. Rules that keep it on a
// separate page give its location relative to the detail page.
func TocUrl(rule rules.Rule, detailUrl string) (string, error) {
	if rule.Toc == nil || rule.Toc.URL == "" {
		return detailUrl, nil
	}
	return rules.ResolveURL(detailUrl, rule.Toc.URL)
}

// Toc fetches and extracts the table of contents of the book at detailUrl.
func (c *Client) Toc(ctx context.Context, rule rules.Rule, detailUrl string) ([]extractor.TocEntry, error) {
	tocUrl, err := TocUrl(rule, detailUrl)
	if err != nil {
		return nil, errkind.Wrap(errkind.Rule, err)
	}
	return c.TocAt(ctx, rule, tocUrl)
}

// TocAt fetches and extracts a table of contents from its own url, in storage
// order. Offset and ordering are applied to the list assembled from every page.
func (c *Client) TocAt(ctx context.Context, rule rules.Rule, tocUrl string) ([]extractor.TocEntry, error) {
	ctx, span := tracer.Start(ctx, "scraper:Toc")
	defer span.End()

	if !rule.HasToc() {
		span.SetStatus(codes.Error, "rule has no toc")
		return nil, fmt.Errorf("rule %d: %w", rule.ID, extractor.ErrSectionMissing)
	}

	raw := &rules.Toc{Item: rule.Toc.Item}
	res, err := c.fetch(ctx, gateway.Request{Method: "GET", URL: tocUrl})
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch")
		return nil, err
	}
	entries, err := extractor.Toc(ctx, res.URL, res.Body, raw)
	if err != nil {
		span.SetStatus(codes.Error, "failed to extract")
		return nil, err
	}

	next := extractor.NextPages(ctx, res.URL, res.Body, "", rule.Toc.Pagination, rule.Toc.NextPage, rules.DefaultLimitPage)
	for _, page := range next {
		pageRes, err := c.fetch(ctx, gateway.Request{Method: "GET", URL: page})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			c.tel.ReportWarning(report_toc_page, rule.ID, page, err)
			continue
		}
		pageEntries, err := extractor.Toc(ctx, pageRes.URL, pageRes.Body, raw)
		if err != nil {
			c.tel.ReportWarning(report_toc_page, rule.ID, page, err)
			continue
		}
		entries = append(entries, pageEntries...)
	}

	entries = extractor.ArrangeToc(entries, rule.Toc.Offset, rule.Toc.Desc)
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

// Chapter fetches a chapter page and extracts its text. Chapters split over
// several pages are joined with a newline.
func (c *Client) Chapter(ctx context.Context, rule rules.Rule, chapterUrl string) (string, error) {
	ctx, span := tracer.Start(ctx, "scraper:Chapter")
	defer span.End()

	if !rule.HasChapter() {
		span.SetStatus(codes.Error, "rule has no chapter section")
		return "", fmt.Errorf("rule %d: %w", rule.ID, extractor.ErrSectionMissing)
	}
	res, err := c.fetch(ctx, gateway.Request{Method: "GET", URL: chapterUrl})
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch")
		return "", err
	}
	text, err := extractor.ChapterContent(ctx, res.Body, rule.Chapter)
	if err != nil {
		span.SetStatus(codes.Error, "failed to extract")
		return "", err
	}

	next := extractor.NextPages(ctx, res.URL, res.Body, "", rule.Chapter.Pagination, rule.Chapter.NextPage, rules.DefaultLimitPage)
	for _, page := range next {
		pageRes, err := c.fetch(ctx, gateway.Request{Method: "GET", URL: page})
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			c.tel.ReportWarning(report_chapter_page, rule.ID, page, err)
			continue
		}
		pageText, err := extractor.ChapterContent(ctx, pageRes.Body, rule.Chapter)
		if err != nil {
			c.tel.ReportWarning(report_chapter_page, rule.ID, page, err)
			continue
		}
		text += "\n" + pageText
	}
	return text, nil
}
