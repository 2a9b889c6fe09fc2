// Package health probes whether rule sources are reachable.
package health

import (
	"context"
	"sync"
	"time"

	"novelfetch/internal/assert"
	"novelfetch/internal/components/chrono"
	"novelfetch/internal/components/telemetry"
	"novelfetch/lib/gateway"
	"novelfetch/lib/rules"
	"novelfetch/lib/sourcelock"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("novelfetch.services.health")

const (
	DefaultConcurrency = 8
	DefaultTimeout     = 6 * time.Second
)

const report_unreachable = "probe.unreachable"

type Result struct {
	SourceID   int
	Name       string
	URL        string
	Reachable  bool
	StatusCode int
	Latency    time.Duration
	Err        error
}

type Options struct {
	Concurrency int
	Timeout     time.Duration
}

type Service struct {
	gw    *gateway.Gateway
	locks *sourcelock.Queue
	clock chrono.API
	tel   telemetry.API
	opts  Options
}

func NewService(gw *gateway.Gateway, locks *sourcelock.Queue, clock chrono.API, tel telemetry.API, opts Options) Service {
	assert.NotNil("gateway", gw)
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if clock == nil {
		clock = chrono.StandardImpl{}
	}
	if locks == nil {
		locks = sourcelock.New()
	}
	return Service{
		gw:    gw,
		locks: locks,
		clock: clock,
		tel:   telemetry.NewScopedAPI("health", tel),
		opts:  opts,
	}
}

// Probe fetches the base url of every rule. Results are in the order of
// sources, a source that cannot be reached is reported on its result.
func (s Service) Probe(ctx context.Context, sources []rules.Rule) []Result {
	ctx, span := tracer.Start(ctx, "health:Probe")
	defer span.End()

	results := make([]Result, len(sources))
	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	wg := sync.WaitGroup{}

	for i, rule := range sources {
		results[i] = Result{SourceID: rule.ID, Name: rule.Name, URL: rule.URL}

		err := sem.Acquire(ctx, 1)
		if err != nil {
			results[i].Err = err
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			s.probe(ctx, rule, &results[i])
		}()
	}
	wg.Wait()

	reachable := 0
	for _, r := range results {
		if r.Reachable {
			reachable++
		}
	}
	span.SetAttributes(attribute.Int("sources", len(sources)), attribute.Int("reachable", reachable))
	return results
}

func (s Service) probe(ctx context.Context, rule rules.Rule, result *Result) {
	err := s.locks.Do(ctx, rule.ID, func(ctx context.Context) error {
		start := s.clock.Now()
		res, err := s.gw.Do(ctx, gateway.Request{
			Method:  "GET",
			URL:     rule.URL,
			Timeout: s.opts.Timeout,
		})
		result.Latency = s.clock.Now().Sub(start)
		if err != nil {
			return err
		}
		result.StatusCode = res.StatusCode
		result.Reachable = res.OK()
		return nil
	})
	if err != nil {
		result.Err = err
	}
	if !result.Reachable {
		s.tel.ReportWarning(report_unreachable, rule.ID, rule.URL, result.StatusCode, err)
	}
}
