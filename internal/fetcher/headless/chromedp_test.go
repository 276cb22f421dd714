package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

var _ crawler.Fetcher = (*Fetcher)(nil)

func TestNewChromedpValidatesParallelism(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NotNil(t, f.tabs)
	require.Equal(t, EngineName, f.Name())
	require.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)

	unbounded, err := NewChromedp(Config{})
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	require.Nil(t, unbounded.tabs)
}

func TestFetchCancelledWhileWaitingForSlot(t *testing.T) {
	t.Parallel()

	f := &Fetcher{tabs: semaphore.NewWeighted(1), cfg: Config{NavigationTimeout: time.Second}}
	require.NoError(t, f.tabs.Acquire(context.Background(), 1))

	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("scrape timeout")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(cause)
	}()
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, cause)
}

func TestHTTPHeadersFlattensDevtoolsValues(t *testing.T) {
	t.Parallel()

	got := httpHeaders(network.Headers{
		"Set-Cookie":   "a=1\nb=2",
		"X-Request-ID": "abc",
		"X-List":       []any{"x", 2},
		"X-Number":     42,
	})
	require.Equal(t, []string{"a=1", "b=2"}, got.Values("Set-Cookie"))
	require.Equal(t, "abc", got.Get("X-Request-ID"))
	require.Equal(t, []string{"x", "2"}, got.Values("X-List"))
	require.Equal(t, "42", got.Get("X-Number"))
}

func TestFirstNonEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b", firstNonEmpty("", "b", "c"))
	require.Empty(t, firstNonEmpty("", ""))
}
