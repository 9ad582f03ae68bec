package robots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAllowAllWhenNotRespecting(t *testing.T) {
	t.Parallel()

	policy := New(false, Config{UserAgent: "test-agent"}, zap.NewNop())
	require.True(t, policy.Allowed(context.Background(), "https://example.com/whatever"))
}

func TestEnforcerHonoursDisallow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	e := NewEnforcer(Config{UserAgent: "test-agent"}, zap.NewNop())
	require.True(t, e.Allowed(ctx, srv.URL+"/allowed"))
	require.False(t, e.Allowed(ctx, srv.URL+"/blocked"))
	require.True(t, e.Disallowed(ctx, srv.URL+"/blocked/deeper?x=1"))
	require.EqualValues(t, 1, hits.Load(), "robots.txt should be cached per host")
}

func TestEnforcerCacheExpires(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprintln(w, "User-agent: *\nAllow: /")
	}))
	t.Cleanup(srv.Close)

	now := time.Unix(1000, 0)
	e := NewEnforcer(Config{UserAgent: "test-agent", CacheTTL: time.Minute}, zap.NewNop())
	e.now = func() time.Time { return now }

	ctx := context.Background()
	require.True(t, e.Allowed(ctx, srv.URL+"/a"))
	require.True(t, e.Allowed(ctx, srv.URL+"/b"))
	now = now.Add(2 * time.Minute)
	require.True(t, e.Allowed(ctx, srv.URL+"/c"))
	require.EqualValues(t, 2, hits.Load())
}

func TestEnforcerFailsOpen(t *testing.T) {
	t.Parallel()

	e := NewEnforcer(Config{Transport: failingTransport{err: errors.New("connection refused")}}, zap.NewNop())
	require.True(t, e.Allowed(context.Background(), "http://unreachable.test/page"))
}

func TestEnforcerIgnoresNonHTTP(t *testing.T) {
	t.Parallel()

	e := NewEnforcer(Config{Transport: failingTransport{err: errors.New("should not be called")}}, zap.NewNop())
	require.True(t, e.Allowed(context.Background(), "file:///etc/hosts"))
	require.False(t, e.Allowed(context.Background(), "http://%zz"))
}

func TestRetryTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	rt := &retryTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("tls: handshake timeout")
		}),
		backoff: []time.Duration{time.Millisecond, time.Millisecond},
		logger:  zap.NewNop(),
	}
	req := httptest.NewRequest(http.MethodGet, "https://slow.test/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	require.EqualValues(t, 3, calls.Load())
}

func TestRetryTransportPassesHardErrors(t *testing.T) {
	t.Parallel()

	rt := &retryTransport{
		base:    failingTransport{err: errors.New("no such host")},
		backoff: []time.Duration{time.Millisecond},
		logger:  zap.NewNop(),
	}
	req := httptest.NewRequest(http.MethodGet, "https://gone.test/robots.txt", nil)
	_, err := rt.RoundTrip(req)
	require.ErrorContains(t, err, "no such host")
}

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, f.err }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
