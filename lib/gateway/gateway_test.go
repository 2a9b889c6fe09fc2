package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"novelfetch/lib/errkind"

	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func newTestGateway(t testing.TB, opts Options) (*Gateway, *recordedSleeps) {
	g, err := New(opts)
	require.NoError(t, err)
	sleeps := &recordedSleeps{}
	g.sleep = sleeps.sleep
	return g, sleeps
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	g, sleeps := newTestGateway(t, Options{})
	res, err := g.Get(context.Background(), server.URL, ProfileDefault)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "ok", string(res.Body))
	require.EqualValues(t, 3, attempts.Load())
	require.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond}, sleeps.waits)
}

func TestPersistentServerErrorReturnsFinalResponse(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	g, _ := newTestGateway(t, Options{})
	res, err := g.Get(context.Background(), server.URL, ProfileDefault)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	require.False(t, res.OK())
	require.EqualValues(t, 3, attempts.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	g, sleeps := newTestGateway(t, Options{})
	res, err := g.Get(context.Background(), server.URL, ProfileDefault)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.EqualValues(t, 1, attempts.Load())
	require.Empty(t, sleeps.waits)
}

var errConnectionReset = errors.New("connection reset by peer")

type failingTransport struct {
	calls atomic.Int32
}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errConnectionReset
}

func TestPersistentTransportErrorSurfaces(t *testing.T) {
	transport := &failingTransport{}
	g, _ := newTestGateway(t, Options{Transport: transport})

	_, err := g.Get(context.Background(), "http://source.invalid/book", ProfileDefault)
	require.ErrorIs(t, err, errConnectionReset)
	require.Equal(t, errkind.Network, errkind.Classify(err))
	require.EqualValues(t, 3, transport.calls.Load())
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	transport := &failingTransport{}
	g, err := New(Options{Transport: transport, Backoff: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = g.Get(ctx, "http://source.invalid/book", ProfileDefault)
	require.Error(t, err)
	require.Equal(t, errkind.Cancelled, errkind.Classify(err))
	require.EqualValues(t, 1, transport.calls.Load())
}

func TestProfilesAndPostBody(t *testing.T) {
	var gotAgent, gotLanguage, gotCookie, gotBody, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		gotLanguage = r.Header.Get("Accept-Language")
		gotCookie = r.Header.Get("Cookie")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	g, _ := newTestGateway(t, Options{})
	_, err := g.Do(context.Background(), Request{
		Method:  "post",
		URL:     server.URL,
		Body:    "searchkey=abc",
		Cookies: "session=1",
		Profile: ProfileSearch,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotAgent, "Mozilla/5.0"))
	require.Equal(t, "", gotLanguage)
	require.Equal(t, "session=1", gotCookie)
	require.Equal(t, "searchkey=abc", gotBody)
	require.Equal(t, "application/x-www-form-urlencoded", gotType)

	_, err = g.Get(context.Background(), server.URL, ProfileDefault)
	require.NoError(t, err)
	require.NotEmpty(t, gotLanguage)
}

func TestResponseUrlFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/index.html", http.StatusFound)
	})
	mux.HandleFunc("/new/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("moved"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	g, _ := newTestGateway(t, Options{})
	res, err := g.Get(context.Background(), server.URL+"/old", ProfileDefault)
	require.NoError(t, err)
	require.Equal(t, server.URL+"/new/index.html", res.URL)
}

func TestProxyURL(t *testing.T) {
	require.Equal(t, "", ProxyConfig{}.URL())
	require.Equal(t, "", ProxyConfig{Enabled: true, Host: "127.0.0.1"}.URL())
	require.Equal(t, "http://127.0.0.1:7890", ProxyConfig{Enabled: true, Host: "127.0.0.1", Port: 7890}.URL())
}
