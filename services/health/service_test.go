package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"novelfetch/lib/errkind"
	"novelfetch/lib/gateway"
	"novelfetch/lib/rules"

	"github.com/stretchr/testify/require"
)

func server(t *testing.T, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe(t *testing.T) {
	up := server(t, http.StatusOK)
	missing := server(t, http.StatusNotFound)
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	gw, err := gateway.New(gateway.Options{Backoff: time.Millisecond})
	require.NoError(t, err)
	svc := NewService(gw, nil, nil, nil, Options{Concurrency: 2, Timeout: time.Second})

	results := svc.Probe(context.Background(), []rules.Rule{
		{ID: 1, Name: "up", URL: up.URL},
		{ID: 2, Name: "missing", URL: missing.URL},
		{ID: 3, Name: "down", URL: downURL},
	})
	require.Len(t, results, 3)

	require.Equal(t, 1, results[0].SourceID)
	require.True(t, results[0].Reachable)
	require.Equal(t, http.StatusOK, results[0].StatusCode)
	require.NoError(t, results[0].Err)

	require.False(t, results[1].Reachable)
	require.Equal(t, http.StatusNotFound, results[1].StatusCode)
	require.NoError(t, results[1].Err)

	require.Equal(t, "down", results[2].Name)
	require.False(t, results[2].Reachable)
	require.Error(t, results[2].Err)
	require.Equal(t, errkind.Network, errkind.Classify(results[2].Err))
}

func TestProbeCancelled(t *testing.T) {
	up := server(t, http.StatusOK)
	gw, err := gateway.New(gateway.Options{})
	require.NoError(t, err)
	svc := NewService(gw, nil, nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := svc.Probe(ctx, []rules.Rule{{ID: 1, URL: up.URL}})
	require.Len(t, results, 1)
	require.False(t, results[0].Reachable)
	require.Error(t, results[0].Err)
}
