package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapegate/internal/concurrency"
	"github.com/JakeFAU/scrapegate/internal/crawl"
	"github.com/JakeFAU/scrapegate/internal/crawler"
)

type fakeCrawls struct {
	mu        sync.Mutex
	kickoffs  []crawl.KickoffRequest
	batches   []crawl.BatchRequest
	scrapes   []crawl.ScrapeRequest
	cancelled []string
	docs      []crawler.Document
	err       error
}

func (f *fakeCrawls) Kickoff(_ context.Context, req crawl.KickoffRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.kickoffs = append(f.kickoffs, req)
	return "crawl-1", nil
}

func (f *fakeCrawls) StartBatch(_ context.Context, req crawl.BatchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.batches = append(f.batches, req)
	return "batch-1", nil
}

func (f *fakeCrawls) Scrape(_ context.Context, req crawl.ScrapeRequest) (string, concurrency.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", "", f.err
	}
	f.scrapes = append(f.scrapes, req)
	return "job-1", concurrency.AdmissionQueued, nil
}

func (f *fakeCrawls) Status(_ context.Context, id string) (crawl.Status, error) {
	if id != "crawl-1" {
		return crawl.Status{}, crawler.ErrCrawlNotFound
	}
	return crawl.Status{
		ID:     id,
		Kind:   crawler.CrawlKindCrawl,
		TeamID: "team",
		State:  "scraping",
		Counts: crawler.GroupCounts{Total: 3, Completed: 2},
	}, nil
}

func (f *fakeCrawls) Documents(_ context.Context, _ string, offset, limit int64) ([]crawler.Document, error) {
	if offset >= int64(len(f.docs)) {
		return nil, nil
	}
	end := min(offset+limit, int64(len(f.docs)))
	return f.docs[offset:end], nil
}

func (f *fakeCrawls) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "crawl-1" {
		return fmt.Errorf("cancel crawl %s: %w", id, crawler.ErrCrawlNotFound)
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeTeams struct{}

func (fakeTeams) ActiveCount(context.Context, string) (int64, error) { return 2, nil }
func (fakeTeams) QueuedCount(context.Context, string) (int64, error) { return 5, nil }
func (fakeTeams) OngoingCrawls(_ context.Context, team string) ([]string, error) {
	if team == "quiet" {
		return nil, nil
	}
	return []string{"crawl-1"}, nil
}
func (fakeTeams) TenantLimit(string) int { return 4 }

func newTestServer(opts Options) (*Server, *fakeCrawls) {
	crawls := &fakeCrawls{docs: []crawler.Document{
		{URL: "https://example.com/a", StatusCode: 200},
		{URL: "https://example.com/b", StatusCode: 200},
	}}
	return NewServer(crawls, fakeTeams{}, opts, nil), crawls
}

func do(t *testing.T, s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartCrawlPassesRequestThrough(t *testing.T) {
	t.Parallel()

	s, crawls := newTestServer(Options{})
	rec := do(t, s, http.MethodPost, "/v1/crawl",
		`{"url":"https://example.com","crawler_options":{"limit":5,"max_depth":2},"max_concurrency":2}`,
		map[string]string{teamHeader: "team"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "crawl-1", decode(t, rec)["id"])
	require.Len(t, crawls.kickoffs, 1)
	got := crawls.kickoffs[0]
	require.Equal(t, "team", got.TeamID)
	require.Equal(t, 5, got.CrawlerOptions.Limit)
	require.NotNil(t, got.MaxConcurrency)
	require.Equal(t, 2, *got.MaxConcurrency)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStartCrawlRejectsBadJSON(t *testing.T) {
	t.Parallel()

	s, crawls := newTestServer(Options{})
	rec := do(t, s, http.MethodPost, "/v1/crawl", `{"url":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","surprise":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
	require.Empty(t, crawls.kickoffs)
}

func TestStartCrawlMapsValidationErrors(t *testing.T) {
	t.Parallel()

	s, crawls := newTestServer(Options{})
	crawls.err = fmt.Errorf("%w: team id is required", crawl.ErrInvalidRequest)
	rec := do(t, s, http.MethodPost, "/v1/crawl", `{"url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "team id is required")

	crawls.err = errors.New("redis down")
	rec = do(t, s, http.MethodPost, "/v1/batch/scrape", `{"team_id":"t","urls":["https://example.com"]}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStartBatchAndScrape(t *testing.T) {
	t.Parallel()

	s, crawls := newTestServer(Options{})
	rec := do(t, s, http.MethodPost, "/v1/batch/scrape",
		`{"team_id":"body-team","urls":["https://example.com/1","https://example.com/2"]}`,
		map[string]string{teamHeader: "header-team"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "batch-1", decode(t, rec)["id"])
	require.Equal(t, "body-team", crawls.batches[0].TeamID, "body wins over header")
	require.Len(t, crawls.batches[0].URLs, 2)

	rec = do(t, s, http.MethodPost, "/v1/scrape",
		`{"url":"https://example.com/1","scrape_options":{"use_headless":true}}`,
		map[string]string{teamHeader: "team"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "job-1", body["id"])
	require.Equal(t, "queued", body["admission"])
	require.True(t, crawls.scrapes[0].ScrapeOptions.UseHeadless)
}

func TestCrawlStatusPagesDocuments(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Options{})
	rec := do(t, s, http.MethodGet, "/v1/crawl/crawl-1?limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "scraping", body["status"])
	require.Len(t, body["documents"], 1)
	require.EqualValues(t, 1, body["next_offset"])
	counts := body["counts"].(map[string]any)
	require.EqualValues(t, 3, counts["total"])

	rec = do(t, s, http.MethodGet, "/v1/crawl/crawl-1?offset=1&limit=10", "", nil)
	body = decode(t, rec)
	require.Len(t, body["documents"], 1)
	require.NotContains(t, body, "next_offset")

	rec = do(t, s, http.MethodGet, "/v1/crawl/crawl-1?offset=9", "", nil)
	require.Equal(t, []any{}, decode(t, rec)["documents"])

	rec = do(t, s, http.MethodGet, "/v1/crawl/crawl-1?limit=0", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/crawl/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelCrawl(t *testing.T) {
	t.Parallel()

	s, crawls := newTestServer(Options{})
	rec := do(t, s, http.MethodDelete, "/v1/crawl/crawl-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"crawl-1"}, crawls.cancelled)

	rec = do(t, s, http.MethodDelete, "/v1/crawl/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTeamEndpoints(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Options{})
	rec := do(t, s, http.MethodGet, "/v1/team/acme/concurrency", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "acme", body["team_id"])
	require.EqualValues(t, 4, body["limit"])
	require.EqualValues(t, 2, body["active"])
	require.EqualValues(t, 5, body["queued"])

	rec = do(t, s, http.MethodGet, "/v1/team/acme/crawls", "", nil)
	require.Equal(t, []any{"crawl-1"}, decode(t, rec)["crawls"])
	rec = do(t, s, http.MethodGet, "/v1/team/quiet/crawls", "", nil)
	require.Equal(t, []any{}, decode(t, rec)["crawls"])
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Options{AuthEnabled: true, APIKey: "secret"})
	rec := do(t, s, http.MethodGet, "/v1/team/acme/crawls", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/team/acme/crawls", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/team/acme/crawls", "", map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Options{Ready: func(context.Context) error { return errors.New("redis unreachable") }})
	rec := do(t, s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis unreachable")

	do(t, s, http.MethodGet, "/healthz", "", nil)
	rec = do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "# HELP"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Options{})
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
