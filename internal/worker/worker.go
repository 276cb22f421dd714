// Package worker executes scrape jobs taken from the run queue. Each job runs
// under an abort.Manager that merges the caller's context with the scrape
// deadline, and each engine attempt adds its own engine-tier deadline.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/abort"
	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/metrics"
)

const tracerName = "github.com/JakeFAU/scrapegate/internal/worker"

// ErrNoEngines is reported when a worker has no fetch engine configured.
var ErrNoEngines = errors.New("no fetch engines configured")

// ErrCrawlCancelled marks jobs skipped because their crawl was cancelled.
var ErrCrawlCancelled = errors.New("crawl cancelled")

// Queue is the run queue a worker consumes.
type Queue interface {
	Dequeue(ctx context.Context) (crawler.Job, error)
	Done(jobID string)
}

// Lifecycle is the crawl surface a worker reports to.
type Lifecycle interface {
	IsCancelled(ctx context.Context, job crawler.Job) (bool, error)
	CrawlDelay(ctx context.Context, job crawler.Job) (time.Duration, error)
	EnqueueChildren(ctx context.Context, parent crawler.Job, links []string) (int, error)
	SaveRobots(ctx context.Context, crawlID, body string) error
	JobDone(ctx context.Context, job crawler.Job, out crawler.Outcome) error
}

// RobotsFetcher downloads a site's robots.txt.
type RobotsFetcher interface {
	FetchRobots(ctx context.Context, pageURL string) (string, error)
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
	ReportStatus(rawURL string, status int)
}

// Config controls Worker behavior.
type Config struct {
	// ScrapeTimeout bounds a whole job when neither the job nor its scrape
	// options carry one.
	ScrapeTimeout time.Duration
	// EngineTimeout bounds a single engine attempt.
	EngineTimeout time.Duration
	// DoneTimeout bounds the job-done hook, which runs detached from the
	// job's own cancellation.
	DoneTimeout time.Duration
	// HeadlessEngine names the engine tried first for jobs that ask for a
	// browser.
	HeadlessEngine string
	// RenderThreshold is the body size below which a script-heavy page is
	// re-fetched with the next engine.
	RenderThreshold int
	ContentType     string
	BlobPrefix      string
}

func (c Config) withDefaults() Config {
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = time.Minute
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = 30 * time.Second
	}
	if c.DoneTimeout <= 0 {
		c.DoneTimeout = 30 * time.Second
	}
	if c.HeadlessEngine == "" {
		c.HeadlessEngine = "chrome"
	}
	if c.RenderThreshold <= 0 {
		c.RenderThreshold = 2048
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Worker consumes run-queue jobs and executes the fetch pipeline.
type Worker struct {
	queue     Queue
	lifecycle Lifecycle
	engines   []crawler.Fetcher
	robots    RobotsFetcher
	limiter   RateLimiter
	blobStore crawler.BlobStore
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. engines are tried in order; robots, limiter and
// blobStore may be nil.
func New(
	queue Queue,
	lifecycle Lifecycle,
	engines []crawler.Fetcher,
	robots RobotsFetcher,
	limiter RateLimiter,
	blobStore crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		lifecycle: lifecycle,
		engines:   engines,
		robots:    robots,
		limiter:   limiter,
		blobStore: blobStore,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("worker stopping", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.String("team_id", job.TenantID))
		w.Process(ctx, job)
		w.queue.Done(job.ID)
	}
}

// Process runs one job to completion and reports the outcome to the
// lifecycle. The returned outcome is the one reported.
func (w *Worker) Process(ctx context.Context, job crawler.Job) (out crawler.Outcome) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.crawl_id", job.CrawlID),
		attribute.String("job.team_id", job.TenantID),
	))
	defer func() {
		span.SetAttributes(attribute.String("job.status", string(out.Status)))
		if out.Status == crawler.JobStatusFailed && out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	scrape, stopScrape := abort.WithTimeout(context.Background(), w.scrapeTimeout(job), abort.TierScrape, func() error {
		return fmt.Errorf("scrape of %s timed out", job.URL)
	})
	defer stopScrape()
	mgr := abort.New(
		abort.FromContext(ctx, abort.TierExternal, func() error { return context.Cause(ctx) }),
		scrape,
	)
	defer mgr.Dispose()

	defer func() {
		doneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DoneTimeout)
		defer cancel()
		if err := w.lifecycle.JobDone(doneCtx, job, out); err != nil {
			w.logger.Error("job done hook failed",
				zap.String("job_id", job.ID),
				zap.String("crawl_id", job.CrawlID),
				zap.Error(err),
			)
		}
	}()

	doc, links, err := w.scrape(mgr, job)
	out = w.outcome(job, doc, links, err)
	return out
}

func (w *Worker) outcome(job crawler.Job, doc *crawler.Document, links []string, err error) crawler.Outcome {
	switch {
	case err == nil:
		return crawler.Outcome{Status: crawler.JobStatusCompleted, Document: doc, Links: links}
	case abort.IsAbort(err), errors.Is(err, ErrCrawlCancelled):
		tier, _ := abort.TierOf(err)
		w.logger.Info("job cancelled",
			zap.String("job_id", job.ID),
			zap.String("crawl_id", job.CrawlID),
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		return crawler.Outcome{Status: crawler.JobStatusCancelled, Err: err}
	default:
		w.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("crawl_id", job.CrawlID),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		return crawler.Outcome{Status: crawler.JobStatusFailed, Document: doc, Err: err}
	}
}

func (w *Worker) scrape(mgr *abort.Manager, job crawler.Job) (*crawler.Document, []string, error) {
	if len(w.engines) == 0 {
		return nil, nil, ErrNoEngines
	}
	signal := mgr.Signal()

	cancelled, err := w.lifecycle.IsCancelled(signal, job)
	if err != nil {
		return nil, nil, w.abortOr(mgr, fmt.Errorf("check cancellation: %w", err))
	}
	if cancelled {
		return nil, nil, ErrCrawlCancelled
	}

	if err := w.waitCrawlDelay(mgr, job); err != nil {
		return nil, nil, err
	}
	if job.Kind == crawler.JobKindKickoff {
		w.saveRobots(signal, job)
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(signal, job.URL); err != nil {
			return nil, nil, w.abortOr(mgr, err)
		}
	}

	resp, err := w.fetch(mgr, job)
	if err != nil {
		return nil, nil, err
	}
	if w.limiter != nil {
		w.limiter.ReportStatus(job.URL, resp.StatusCode)
	}

	doc, err := w.persist(signal, job, resp)
	if err != nil {
		return nil, nil, w.abortOr(mgr, err)
	}
	metrics.ObservePage(resp.URL, fmt.Sprintf("%d", resp.StatusCode), len(resp.Body))
	if resp.StatusCode >= http.StatusBadRequest {
		return doc, nil, fmt.Errorf("fetch %s: http status %d", job.URL, resp.StatusCode)
	}

	links := extractLinks(resp.URL, resp.Body)
	if job.InCrawl() && len(links) > 0 {
		n, err := w.lifecycle.EnqueueChildren(signal, job, links)
		if err != nil {
			w.logger.Warn("enqueue children failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			w.logger.Debug("children admitted",
				zap.String("job_id", job.ID),
				zap.Int("found", len(links)),
				zap.Int("admitted", n),
			)
		}
	}
	return doc, links, nil
}

// abortOr prefers the tier-tagged abort reason when the manager has fired,
// since downstream errors are usually just context.Canceled.
func (w *Worker) abortOr(mgr *abort.Manager, err error) error {
	if aerr := mgr.ThrowIfAborted(); aerr != nil {
		return aerr
	}
	return err
}

func (w *Worker) waitCrawlDelay(mgr *abort.Manager, job crawler.Job) error {
	delay, err := w.lifecycle.CrawlDelay(mgr.Signal(), job)
	if err != nil {
		return w.abortOr(mgr, fmt.Errorf("crawl delay: %w", err))
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-mgr.Signal().Done():
		return mgr.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) saveRobots(ctx context.Context, job crawler.Job) {
	if w.robots == nil {
		return
	}
	body, err := w.robots.FetchRobots(ctx, job.URL)
	if err != nil {
		w.logger.Warn("robots fetch failed", zap.String("crawl_id", job.CrawlID), zap.Error(err))
		return
	}
	if err := w.lifecycle.SaveRobots(ctx, job.CrawlID, body); err != nil {
		w.logger.Warn("robots save failed", zap.String("crawl_id", job.CrawlID), zap.Error(err))
	}
}

// fetch walks the engine waterfall. An engine that errors or hits its own
// deadline hands over to the next; a response that looks client-rendered is
// kept as a fallback while the next engine tries.
func (w *Worker) fetch(mgr *abort.Manager, job crawler.Job) (crawler.FetchResponse, error) {
	request := crawler.FetchRequest{
		JobID:   job.ID,
		URL:     job.URL,
		Headers: toHeader(job.ScrapeOptions.Headers),
		WaitFor: time.Duration(job.ScrapeOptions.WaitForMs) * time.Millisecond,
	}

	var (
		fallback *crawler.FetchResponse
		errs     []error
	)
	engines := w.engineOrder(job)
	for i, engine := range engines {
		if err := mgr.ThrowIfAborted(); err != nil {
			return crawler.FetchResponse{}, err
		}
		resp, err := w.attempt(mgr, engine, request)
		if err != nil {
			if tier, ok := abort.TierOf(err); ok && tier != abort.TierEngine {
				return crawler.FetchResponse{}, err
			}
			remaining, _ := mgr.ScrapeTimeout()
			w.logger.Info("engine failed",
				zap.String("job_id", job.ID),
				zap.String("engine", engine.Name()),
				zap.Duration("scrape_remaining", remaining),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", engine.Name(), err))
			continue
		}
		last := i == len(engines)-1
		if !last && needsRender(resp.StatusCode, resp.Body, w.cfg.RenderThreshold) {
			w.logger.Debug("response needs rendering",
				zap.String("job_id", job.ID),
				zap.String("engine", engine.Name()),
			)
			fallback = &resp
			continue
		}
		return resp, nil
	}
	if fallback != nil {
		return *fallback, nil
	}
	return crawler.FetchResponse{}, fmt.Errorf("all engines failed: %w", errors.Join(errs...))
}

func (w *Worker) attempt(mgr *abort.Manager, engine crawler.Fetcher, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	timeout := w.cfg.EngineTimeout
	src, stop := abort.WithTimeout(context.Background(), timeout, abort.TierEngine, func() error {
		return fmt.Errorf("engine %s timed out after %s", engine.Name(), timeout)
	})
	defer stop()
	child := mgr.Child(src)
	defer child.Dispose()

	resp, err := engine.Fetch(child.Signal(), request)
	if err != nil {
		if aerr := child.ThrowIfAborted(); aerr != nil {
			return crawler.FetchResponse{}, aerr
		}
		return crawler.FetchResponse{}, err
	}
	if resp.Engine == "" {
		resp.Engine = engine.Name()
	}
	if resp.URL == "" {
		resp.URL = request.URL
	}
	return resp, nil
}

// engineOrder moves the headless engine to the front for jobs that ask for a
// browser.
func (w *Worker) engineOrder(job crawler.Job) []crawler.Fetcher {
	if !job.ScrapeOptions.UseHeadless {
		return w.engines
	}
	ordered := make([]crawler.Fetcher, 0, len(w.engines))
	for _, e := range w.engines {
		if e.Name() == w.cfg.HeadlessEngine {
			ordered = append(ordered, e)
		}
	}
	for _, e := range w.engines {
		if e.Name() != w.cfg.HeadlessEngine {
			ordered = append(ordered, e)
		}
	}
	return ordered
}

func (w *Worker) persist(ctx context.Context, job crawler.Job, resp crawler.FetchResponse) (*crawler.Document, error) {
	doc := &crawler.Document{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Engine:     resp.Engine,
		FetchedAt:  w.clock.Now(),
		DurationMs: resp.Duration.Milliseconds(),
		Bytes:      len(resp.Body),
	}
	if w.hasher != nil {
		hash, err := w.hasher.Hash(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("hash body: %w", err)
		}
		doc.ContentHash = hash
	}
	if w.blobStore == nil || job.ZeroDataRetention {
		return doc, nil
	}
	uri, err := w.blobStore.PutObject(ctx, w.blobPath(job), w.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	doc.BlobURI = uri
	return doc, nil
}

func (w *Worker) blobPath(job crawler.Job) string {
	group := job.CrawlID
	if group == "" {
		group = "scrape"
	}
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", group, job.ID)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, group, job.ID)
}

func (w *Worker) scrapeTimeout(job crawler.Job) time.Duration {
	if d := job.ScrapeOptions.Timeout(); d > 0 {
		return d
	}
	if job.Timeout > 0 {
		return job.Timeout
	}
	return w.cfg.ScrapeTimeout
}

// extractLinks returns every anchor href resolved against pageURL, in
// document order without duplicates.
func extractLinks(pageURL string, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		abs := u.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

func toHeader(in map[string]string) http.Header {
	if len(in) == 0 {
		return nil
	}
	h := make(http.Header, len(in))
	for k, v := range in {
		h.Set(k, v)
	}
	return h
}
