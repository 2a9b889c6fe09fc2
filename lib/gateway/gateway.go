package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"novelfetch/internal/components/telemetry"
	"novelfetch/lib/errkind"
	"novelfetch/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("novelfetch.lib.gateway")

const (
	DefaultTimeout     = 15 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoff     = 300 * time.Millisecond
)

const report_retry = "gateway.retry"

// Profile selects the identity header set sent with a request.
type Profile int

const (
	ProfileDefault Profile = iota
	// ProfileSearch is a lighter header set, some sources reject the full
	// browser identity on their search endpoints.
	ProfileSearch
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

func (p Profile) headers() map[string]string {
	if p == ProfileSearch {
		return map[string]string{
			"User-Agent": userAgent,
			"Accept":     "*/*",
		}
	}
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
		"Cache-Control":   "no-cache",
		"Connection":      "keep-alive",
	}
}

// ProxyConfig is a forward HTTP proxy.
type ProxyConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

func (p ProxyConfig) URL() string {
	if !p.Enabled || p.Host == "" || p.Port <= 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

type Options struct {
	Proxy ProxyConfig
	// Timeout is the per-attempt timeout used when a request does not set its own.
	Timeout     time.Duration
	MaxAttempts int
	// Backoff is the wait before the second attempt, doubled for every attempt after.
	Backoff          time.Duration
	CloudflareBypass bool
	// Transport replaces the underlying round tripper, mostly for tests.
	Transport http.RoundTripper
	Telemetry telemetry.API
	// Dump receives every HTTP exchange when set.
	Dump restyutil.Output
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
}

// Gateway performs requests against sources with a fixed identity and retries
// transient failures. It is safe for concurrent use.
type Gateway struct {
	http  *resty.Client
	opts  Options
	tel   telemetry.API
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a gateway from an explicit configuration value. Proxy settings are
// captured here, callers that let the user change them build a new gateway.
func New(opts Options) (*Gateway, error) {
	opts.applyDefaults()
	tel := telemetry.NewScopedAPI("gateway", opts.Telemetry)

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if opts.Transport != nil {
		client.SetTransport(opts.Transport)
	}
	if proxy := opts.Proxy.URL(); proxy != "" {
		client.SetProxy(proxy)
	}
	if opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	telemetry.InstrumentResty(client, tel)
	restyutil.Dump(client, opts.Dump)

	return &Gateway{
		http:  client,
		opts:  opts,
		tel:   tel,
		sleep: sleepContext,
	}, nil
}

type Request struct {
	Method  string
	URL     string
	Body    string
	Cookies string
	Profile Profile
	// Timeout overrides the gateway's per-attempt timeout.
	Timeout time.Duration
}

type Response struct {
	StatusCode int
	// URL is the final url after redirects, relative links on the page resolve against it.
	URL  string
	Body []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get is Do for a plain GET.
func (g *Gateway) Get(ctx context.Context, url string, profile Profile) (*Response, error) {
	return g.Do(ctx, Request{Method: http.MethodGet, URL: url, Profile: profile})
}

// Do executes req, retrying transport errors and 5xx responses with exponential
// backoff. Any other response, 4xx included, is returned as is for the caller to
// classify. When every attempt fails, the last transport error is returned, or
// for a persistent 5xx the final response with a nil error.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gateway:Do")
	defer span.End()
	span.SetAttributes(attribute.String("url", req.URL))

	var lastErr error
	var lastRes *Response
	for attempt := 0; attempt < g.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := g.opts.Backoff * (1 << uint(attempt-1))
			g.tel.ReportDebug(report_retry, req.URL, attempt+1, wait.String())
			err := g.sleep(ctx, wait)
			if err != nil {
				return nil, errkind.Wrap(errkind.Cancelled, err)
			}
		}

		res, err := g.attempt(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "cancelled")
				return nil, errkind.Wrap(errkind.Cancelled, err)
			}
			lastErr, lastRes = err, nil
			continue
		}
		if res.StatusCode >= 500 {
			lastErr, lastRes = nil, res
			continue
		}
		return res, nil
	}

	if lastRes != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", lastRes.StatusCode))
		return lastRes, nil
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "request failed")
	return nil, errkind.Wrap(errkind.Network, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := g.http.R().
		SetContext(ctx).
		SetHeaders(req.Profile.headers())
	if req.Cookies != "" {
		r.SetHeader("Cookie", req.Cookies)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodPost {
		r.SetHeader("Content-Type", "application/x-www-form-urlencoded")
		r.SetBody(req.Body)
	}

	res, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, err
	}

	finalUrl := req.URL
	if res.RawResponse != nil && res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
		finalUrl = res.RawResponse.Request.URL.String()
	}
	return &Response{
		StatusCode: res.StatusCode(),
		URL:        finalUrl,
		Body:       res.Body(),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
