package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestSchedulerCollectors(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(admissionsTotal.WithLabelValues("queued"))
	ObserveAdmission("queued")
	ObserveAdmission("queued")
	require.InDelta(t, before+2, testutil.ToFloat64(admissionsTotal.WithLabelValues("queued")), 0.001)

	beforeOrphans := testutil.ToFloat64(orphansPurgedTotal)
	ObserveOrphanPurged()
	require.InDelta(t, beforeOrphans+1, testutil.ToFloat64(orphansPurgedTotal), 0.001)

	beforeFinished := testutil.ToFloat64(crawlsFinishedTotal.WithLabelValues("crawl", "cancelled"))
	ObserveCrawlFinished("crawl", "cancelled")
	require.InDelta(t, beforeFinished+1, testutil.ToFloat64(crawlsFinishedTotal.WithLabelValues("crawl", "cancelled")), 0.001)

	ObserveDequeueAttempts(3)
	require.Positive(t, testutil.CollectAndCount(promotionAttempts))
}

func TestObservePageCountsBytes(t *testing.T) {
	Init()
	before := testutil.ToFloat64(bytesTotal.WithLabelValues("bytes.example.com"))
	ObservePage("https://bytes.example.com/a", "success", 512)
	ObservePage("https://bytes.example.com/b", "failed", 0)
	require.InDelta(t, before+512, testutil.ToFloat64(bytesTotal.WithLabelValues("bytes.example.com")), 0.001)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
