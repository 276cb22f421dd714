package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterLeaseCountRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newManualClock()
	l := NewLimiter(newTestStore(t, clock), clock)

	require.NoError(t, l.Lease(ctx, "team-a", "j1", time.Minute))
	require.NoError(t, l.Lease(ctx, "team-a", "j2", time.Minute))
	require.NoError(t, l.Lease(ctx, "team-b", "j3", time.Minute))

	n, err := l.CountActive(ctx, "team-a")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, l.Release(ctx, "team-a", "j1"))
	require.NoError(t, l.Release(ctx, "team-a", "j1"), "release is idempotent")
	n, err = l.CountActive(ctx, "team-a")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestLimiterExpiredLeasesDropOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newManualClock()
	st := newTestStore(t, clock)
	l := NewLimiter(st, clock)

	require.NoError(t, l.Lease(ctx, "team", "short", time.Second))
	require.NoError(t, l.Lease(ctx, "team", "long", time.Hour))

	clock.Advance(time.Second)
	n, err := l.CountActive(ctx, "team")
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "a lease expiring exactly now is no longer active")

	total, err := st.ZCount(ctx, tenantActiveKey("team"), -1e18, 1e18)
	require.NoError(t, err)
	require.EqualValues(t, 2, total, "expired lease is still stored until swept")

	swept, err := l.SweepExpired(ctx, "team")
	require.NoError(t, err)
	require.EqualValues(t, 1, swept)
}

func TestLimiterCrawlLeasesAreSeparate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newManualClock()
	l := NewLimiter(newTestStore(t, clock), clock)

	require.NoError(t, l.LeaseCrawl(ctx, "crawl-1", "j1", time.Minute))
	n, err := l.CountCrawlActive(ctx, "crawl-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = l.CountActive(ctx, "crawl-1")
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(2 * time.Minute)
	swept, err := l.SweepCrawlExpired(ctx, "crawl-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, swept)
	require.NoError(t, l.ReleaseCrawl(ctx, "crawl-1", "j1"))
}
