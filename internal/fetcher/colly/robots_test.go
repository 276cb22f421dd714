package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchRobotsReadsSiteFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private"))
	}))
	t.Cleanup(srv.Close)

	body, err := New(Config{}).FetchRobots(context.Background(), srv.URL+"/docs/page?x=1")
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nDisallow: /private", body)
}

func TestFetchRobotsMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	body, err := New(Config{}).FetchRobots(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestFetchRobotsFallsBackAfterTimeouts(t *testing.T) {
	t.Parallel()

	rt := &stubRoundTripper{err: context.DeadlineExceeded}
	f := New(Config{Transport: rt})
	f.robotsBackoff = []time.Duration{0, 0, 0}

	body, err := f.FetchRobots(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, AllowAllRobots, body)
	require.Equal(t, 4, rt.count())
}

func TestFetchRobotsSurfacesHardErrors(t *testing.T) {
	t.Parallel()

	rt := &stubRoundTripper{err: errors.New("connection refused")}
	f := New(Config{Transport: rt})

	_, err := f.FetchRobots(context.Background(), "https://example.com/a")
	require.Error(t, err)
	require.Equal(t, 1, rt.count())

	_, err = f.FetchRobots(context.Background(), "not a url")
	require.Error(t, err)
}

type stubRoundTripper struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, s.err
}

func (s *stubRoundTripper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
