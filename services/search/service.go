package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"novelfetch/internal/assert"
	"novelfetch/internal/components/chrono"
	"novelfetch/internal/components/telemetry"
	"novelfetch/lib/extractor"
	"novelfetch/lib/rules"
	"novelfetch/lib/scraper"
	"novelfetch/lib/sourcelock"
	"novelfetch/lib/textutil"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("novelfetch.services.search")

var ErrEmptyKeyword = errors.New("search keyword is empty")

const (
	DefaultConcurrency   = 5
	DefaultSourceTimeout = 12 * time.Second
	SourceCap            = 50
	MergedCap            = 100
)

const (
	report_source_search = "search.source"
	report_merged_count  = "search.merged"
)

type Result struct {
	Title         string
	Author        string
	Category      string
	SourceID      int
	SourceName    string
	URL           string
	LatestChapter string
	FoundAt       time.Time
	// Score is the similarity of the title to the keyword, only set by SearchAll.
	Score float64
}

// Key is the identity of a result for deduplication.
func (r Result) Key() string {
	return textutil.DedupKey(r.Title, r.Author)
}

type Options struct {
	Concurrency   int
	SourceTimeout time.Duration
	// CacheSize is the number of (source, keyword) results kept, zero disables the cache.
	CacheSize int
	CacheTTL  time.Duration
}

type Service struct {
	registry *rules.Registry
	scraper  *scraper.Client
	locks    *sourcelock.Queue
	clock    chrono.API
	tel      telemetry.API
	cache    *expirable.LRU[string, []Result]
	opts     Options
}

func NewService(
	registry *rules.Registry,
	client *scraper.Client,
	locks *sourcelock.Queue,
	clock chrono.API,
	tel telemetry.API,
	opts Options,
) *Service {
	assert.NotNil("registry", registry)
	assert.NotNil("scraper", client)
	assert.NotNil("locks", locks)

	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if clock == nil {
		clock = chrono.StandardImpl{}
	}
	var cache *expirable.LRU[string, []Result]
	if opts.CacheSize > 0 {
		cache = expirable.NewLRU[string, []Result](opts.CacheSize, nil, opts.CacheTTL)
	}
	return &Service{
		registry: registry,
		scraper:  client,
		locks:    locks,
		clock:    clock,
		tel:      telemetry.NewScopedAPI("search", tel),
		cache:    cache,
		opts:     opts,
	}
}

// Dedup keeps the first result of every title|author pair, compared case
// insensitively, and stops at limit results.
func Dedup(results []Result, limit int) []Result {
	seen := map[string]bool{}
	out := make([]Result, 0, min(len(results), limit))
	for _, r := range results {
		if len(out) >= limit {
			break
		}
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func cacheKey(sourceID int, keyword string) string {
	return strconv.Itoa(sourceID) + "|" + keyword
}

// Search queries a single source.
func (s *Service) Search(ctx context.Context, sourceID int, keyword string) ([]Result, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, ErrEmptyKeyword
	}
	rule, err := s.registry.Get(sourceID)
	if err != nil {
		return nil, err
	}
	if !rule.Searchable() {
		return nil, fmt.Errorf("source %d: %w", sourceID, rules.ErrNotSearchable)
	}
	return s.searchSource(ctx, rule, keyword, 0)
}

func (s *Service) searchSource(ctx context.Context, rule rules.Rule, keyword string, timeout time.Duration) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "search:source")
	defer span.End()
	span.SetAttributes(attribute.Int("source", rule.ID))

	key := cacheKey(rule.ID, keyword)
	if s.cache != nil {
		if cached, hit := s.cache.Get(key); hit {
			span.AddEvent("CACHE HIT")
			return slices.Clone(cached), nil
		}
	}

	var rows []extractor.SearchRow
	err := s.locks.Do(ctx, rule.ID, func(ctx context.Context) error {
		var err error
		rows, err = s.scraper.Search(ctx, rule, keyword, timeout)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, Result{
			Title:         row.Title,
			Author:        row.Author,
			Category:      row.Category,
			SourceID:      rule.ID,
			SourceName:    rule.Name,
			URL:           row.URL,
			LatestChapter: row.LatestChapter,
			FoundAt:       now,
		})
	}
	results = Dedup(results, SourceCap)

	if s.cache != nil {
		s.cache.Add(key, slices.Clone(results))
	}
	return results, nil
}

// SearchAll fans the keyword out to every searchable source. A source that fails
// or exceeds its timeout contributes no results, it never fails the search.
func (s *Service) SearchAll(ctx context.Context, keyword string) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "search:all")
	defer span.End()

	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, ErrEmptyKeyword
	}

	sources := s.registry.Searchable()
	perSource := make([][]Result, len(sources))
	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	wg := sync.WaitGroup{}

	for i, rule := range sources {
		err := sem.Acquire(ctx, 1)
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			sourceCtx, cancel := context.WithTimeout(ctx, s.opts.SourceTimeout)
			defer cancel()

			results, err := s.searchSource(sourceCtx, rule, keyword, s.opts.SourceTimeout)
			if err != nil {
				s.tel.ReportWarning(report_source_search, rule.ID, rule.Name, err)
				return
			}
			perSource[i] = results
		}()
	}
	wg.Wait()

	var merged []Result
	for _, results := range perSource {
		merged = append(merged, results...)
	}
	for i := range merged {
		merged[i].Score = textutil.Similarity(merged[i].Title, keyword)
	}
	slices.SortStableFunc(merged, func(a, b Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	merged = Dedup(merged, MergedCap)

	s.tel.ReportCount(report_merged_count, int64(len(merged)))
	span.SetAttributes(attribute.Int("results", len(merged)), attribute.Int("sources", len(sources)))
	return merged, nil
}
