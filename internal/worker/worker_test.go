package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapegate/internal/abort"
	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/hash/sha256"
	"github.com/JakeFAU/scrapegate/internal/queue/memory"
	blobmemory "github.com/JakeFAU/scrapegate/internal/storage/memory"
)

const articleHTML = `<html><body>
<a href="/a">A</a><a href="b?x=1">B</a><a href="/a">again</a>
<a href="javascript:void(0)">js</a><a href="">empty</a>
<p>` + "lots of article text " + `</p></body></html>`

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeEngine struct {
	name  string
	mu    sync.Mutex
	calls int
	fetch func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error)
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.fetch(ctx, req)
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func serving(status int, body string) func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(body), Duration: 15 * time.Millisecond}, nil
	}
}

func blocking(ctx context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	<-ctx.Done()
	return crawler.FetchResponse{}, ctx.Err()
}

type fakeLifecycle struct {
	mu        sync.Mutex
	cancelled bool
	delay     time.Duration
	children  []string
	robots    map[string]string
	done      []crawler.Outcome
	doneCtxOK bool
}

func (f *fakeLifecycle) IsCancelled(context.Context, crawler.Job) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled, nil
}

func (f *fakeLifecycle) CrawlDelay(context.Context, crawler.Job) (time.Duration, error) {
	return f.delay, nil
}

func (f *fakeLifecycle) EnqueueChildren(_ context.Context, _ crawler.Job, links []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children = append(f.children, links...)
	return len(links), nil
}

func (f *fakeLifecycle) SaveRobots(_ context.Context, crawlID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.robots == nil {
		f.robots = make(map[string]string)
	}
	f.robots[crawlID] = body
	return nil
}

func (f *fakeLifecycle) JobDone(ctx context.Context, _ crawler.Job, out crawler.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, out)
	f.doneCtxOK = ctx.Err() == nil
	return nil
}

func (f *fakeLifecycle) outcomes() []crawler.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.Outcome(nil), f.done...)
}

type fakeRobots struct{ body string }

func (r fakeRobots) FetchRobots(context.Context, string) (string, error) { return r.body, nil }

type fakeLimiter struct {
	mu       sync.Mutex
	waited   []string
	statuses []int
}

func (l *fakeLimiter) Wait(_ context.Context, rawURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waited = append(l.waited, rawURL)
	return nil
}

func (l *fakeLimiter) ReportStatus(_ string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

type workerFixture struct {
	life    *fakeLifecycle
	limiter *fakeLimiter
	blobs   *blobmemory.BlobStore
	queue   *memory.Queue
}

func newWorker(t *testing.T, cfg Config, engines ...crawler.Fetcher) (*Worker, *workerFixture) {
	t.Helper()
	f := &workerFixture{
		life:    &fakeLifecycle{},
		limiter: &fakeLimiter{},
		blobs:   blobmemory.NewBlobStore(),
		queue:   memory.NewQueue(4),
	}
	w := New(
		f.queue,
		f.life,
		engines,
		fakeRobots{body: "User-agent: *\nDisallow: /private\n"},
		f.limiter,
		f.blobs,
		sha256.New(),
		fixedClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
		cfg,
		nil,
	)
	return w, f
}

func crawlJob() crawler.Job {
	return crawler.Job{
		ID:       "job-1",
		TenantID: "team",
		Kind:     crawler.JobKindScrape,
		URL:      "https://example.com/docs/",
		CrawlID:  "crawl-1",
	}
}

func TestProcessCompletesAndDiscoversLinks(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{BlobPrefix: "/docs/"}, engine)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.NoError(t, out.Err)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/docs/b?x=1"}, out.Links)
	require.Equal(t, out.Links, f.life.children)

	doc := out.Document
	require.NotNil(t, doc)
	require.Equal(t, "fetch", doc.Engine)
	require.Equal(t, 200, doc.StatusCode)
	require.Len(t, doc.ContentHash, 64)
	require.Equal(t, "memory://docs/crawl-1/job-1.html", doc.BlobURI)
	require.Equal(t, int64(15), doc.DurationMs)

	body, contentType, ok := f.blobs.Get("docs/crawl-1/job-1.html")
	require.True(t, ok)
	require.Equal(t, articleHTML, string(body))
	require.Equal(t, "text/html; charset=utf-8", contentType)

	require.Equal(t, []string{"https://example.com/docs/"}, f.limiter.waited)
	require.Equal(t, []int{200}, f.limiter.statuses)
	outs := f.life.outcomes()
	require.Len(t, outs, 1)
	require.Equal(t, crawler.JobStatusCompleted, outs[0].Status)
	require.True(t, f.life.doneCtxOK)
}

func TestProcessFallsThroughFailingEngine(t *testing.T) {
	t.Parallel()

	broken := &fakeEngine{name: "fetch", fetch: func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, errors.New("connection reset")
	}}
	chrome := &fakeEngine{name: "chrome", fetch: serving(200, articleHTML)}
	w, _ := newWorker(t, Config{}, broken, chrome)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.Equal(t, "chrome", out.Document.Engine)
	require.Equal(t, 1, broken.callCount())
}

func TestProcessRendersClientSideShell(t *testing.T) {
	t.Parallel()

	shell := &fakeEngine{name: "fetch", fetch: serving(200, `<html><div id="root"></div><script src="/app.js"></script></html>`)}
	chrome := &fakeEngine{name: "chrome", fetch: serving(200, articleHTML)}
	w, _ := newWorker(t, Config{}, shell, chrome)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.Equal(t, "chrome", out.Document.Engine)
}

func TestProcessKeepsShellWhenRendererFails(t *testing.T) {
	t.Parallel()

	shell := &fakeEngine{name: "fetch", fetch: serving(200, `<div id="app"></div>`)}
	chrome := &fakeEngine{name: "chrome", fetch: func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, errors.New("browser crashed")
	}}
	w, _ := newWorker(t, Config{}, shell, chrome)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.Equal(t, "fetch", out.Document.Engine)
}

func TestProcessEngineTimeoutMovesToNextEngine(t *testing.T) {
	t.Parallel()

	slow := &fakeEngine{name: "fetch", fetch: blocking}
	chrome := &fakeEngine{name: "chrome", fetch: serving(200, articleHTML)}
	w, _ := newWorker(t, Config{EngineTimeout: 20 * time.Millisecond, ScrapeTimeout: 5 * time.Second}, slow, chrome)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.Equal(t, "chrome", out.Document.Engine)
}

func TestProcessScrapeTimeoutCancelsJob(t *testing.T) {
	t.Parallel()

	slow := &fakeEngine{name: "fetch", fetch: blocking}
	chrome := &fakeEngine{name: "chrome", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{EngineTimeout: 5 * time.Second, ScrapeTimeout: 30 * time.Millisecond}, slow, chrome)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusCancelled, out.Status)
	tier, ok := abort.TierOf(out.Err)
	require.True(t, ok)
	require.Equal(t, abort.TierScrape, tier)
	require.Zero(t, chrome.callCount())
	require.Len(t, f.life.outcomes(), 1)
	require.True(t, f.life.doneCtxOK, "job done runs on a live context")
}

func TestProcessCrawlDelayIsAbortable(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{ScrapeTimeout: 30 * time.Millisecond}, engine)
	f.life.delay = time.Hour

	start := time.Now()
	out := w.Process(context.Background(), crawlJob())
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, crawler.JobStatusCancelled, out.Status)
	require.Zero(t, engine.callCount())
}

func TestProcessExternalCancellation(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{}, engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := w.Process(ctx, crawlJob())
	require.Equal(t, crawler.JobStatusCancelled, out.Status)
	tier, ok := abort.TierOf(out.Err)
	require.True(t, ok)
	require.Equal(t, abort.TierExternal, tier)
	require.Zero(t, engine.callCount())
	require.True(t, f.life.doneCtxOK)
}

func TestProcessSkipsCancelledCrawl(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{}, engine)
	f.life.cancelled = true

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusCancelled, out.Status)
	require.ErrorIs(t, out.Err, ErrCrawlCancelled)
	require.Zero(t, engine.callCount())
}

func TestProcessKickoffSavesRobots(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{}, engine)

	job := crawlJob()
	job.Kind = crawler.JobKindKickoff
	out := w.Process(context.Background(), job)
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.Contains(t, f.life.robots["crawl-1"], "Disallow: /private")
}

func TestProcessErrorStatusFails(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(404, "not here")}
	w, f := newWorker(t, Config{}, engine)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusFailed, out.Status)
	require.ErrorContains(t, out.Err, "http status 404")
	require.NotNil(t, out.Document)
	require.Empty(t, f.life.children)
	require.Equal(t, []int{404}, f.limiter.statuses)
}

func TestProcessAllEnginesFail(t *testing.T) {
	t.Parallel()

	a := &fakeEngine{name: "fetch", fetch: func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, errors.New("dns")
	}}
	w, _ := newWorker(t, Config{}, a)

	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusFailed, out.Status)
	require.ErrorContains(t, out.Err, "all engines failed")
	require.ErrorContains(t, out.Err, "fetch: dns")
}

func TestProcessWithoutEngines(t *testing.T) {
	t.Parallel()

	w, f := newWorker(t, Config{})
	out := w.Process(context.Background(), crawlJob())
	require.Equal(t, crawler.JobStatusFailed, out.Status)
	require.ErrorIs(t, out.Err, ErrNoEngines)
	require.Len(t, f.life.outcomes(), 1)
}

func TestProcessZeroDataRetentionSkipsBlob(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{}, engine)

	job := crawlJob()
	job.ZeroDataRetention = true
	out := w.Process(context.Background(), job)
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.Empty(t, out.Document.BlobURI)
	require.NotEmpty(t, out.Document.ContentHash)
	require.Empty(t, f.blobs.Paths())
}

func TestProcessHeadlessJobsPreferBrowser(t *testing.T) {
	t.Parallel()

	plain := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	var gotWait time.Duration
	var gotHeader string
	chrome := &fakeEngine{name: "chrome", fetch: func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		gotWait = req.WaitFor
		gotHeader = req.Headers.Get("X-Test")
		return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(articleHTML)}, nil
	}}
	w, _ := newWorker(t, Config{}, plain, chrome)

	job := crawlJob()
	job.CrawlID = ""
	job.ScrapeOptions = crawler.ScrapeOptions{UseHeadless: true, WaitForMs: 250, Headers: map[string]string{"x-test": "yes"}}
	out := w.Process(context.Background(), job)
	require.Equal(t, crawler.JobStatusCompleted, out.Status)
	require.Equal(t, "chrome", out.Document.Engine)
	require.Zero(t, plain.callCount())
	require.Equal(t, 250*time.Millisecond, gotWait)
	require.Equal(t, "yes", gotHeader)
	require.True(t, strings.HasPrefix(out.Document.BlobURI, "memory://scrape/"))
}

func TestRunDrainsQueueAndReleasesJobs(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fetch", fetch: serving(200, articleHTML)}
	w, f := newWorker(t, Config{}, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.queue.Enqueue(ctx, crawlJob()))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(f.life.outcomes()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.queue.Enqueue(ctx, crawlJob()) == nil
	}, time.Second, 5*time.Millisecond, "job id is released after processing")

	f.queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestExtractLinksHonoursBaseTag(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><base href="https://cdn.example.com/root/"></head>
<body><a href="page">p</a><a href="mailto:x@example.com">m</a></body></html>`)
	links := extractLinks("https://example.com/", body)
	require.Equal(t, []string{"https://cdn.example.com/root/page", "mailto:x@example.com"}, links)
}
