package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/concurrency"
	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/metrics"
)

// ErrInvalidRequest wraps kickoff validation failures.
var ErrInvalidRequest = errors.New("invalid crawl request")

// Admitter is the scheduler surface the lifecycle drives.
type Admitter interface {
	Admit(ctx context.Context, job crawler.Job) (concurrency.Admission, error)
	JobDone(ctx context.Context, job crawler.Job) error
}

// Config holds lifecycle defaults.
type Config struct {
	DefaultMaxDepth int
	DefaultLimit    int
	// JobTimeout applies when a request carries no scrape timeout.
	JobTimeout time.Duration
	// QueueTimeout bounds how long a child may wait in the backlog; zero
	// means the backlog default.
	QueueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxDepth <= 0 {
		c.DefaultMaxDepth = 10
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10000
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

// KickoffRequest starts a discovery crawl from URL.
type KickoffRequest struct {
	TeamID            string
	URL               string
	CrawlerOptions    crawler.CrawlerOptions
	ScrapeOptions     crawler.ScrapeOptions
	MaxConcurrency    *int
	Webhook           *crawler.WebhookConfig
	ZeroDataRetention bool
	Priority          int
}

// BatchRequest scrapes a fixed list of URLs as one job-group.
type BatchRequest struct {
	TeamID            string
	URLs              []string
	ScrapeOptions     crawler.ScrapeOptions
	MaxConcurrency    *int
	Webhook           *crawler.WebhookConfig
	ZeroDataRetention bool
	Priority          int
}

// Status is a point-in-time view of a job-group.
type Status struct {
	ID        string              `json:"id"`
	Kind      crawler.CrawlKind   `json:"kind"`
	TeamID    string              `json:"team_id"`
	OriginURL string              `json:"origin_url,omitempty"`
	State     string              `json:"status"`
	Counts    crawler.GroupCounts `json:"counts"`
	Cancelled bool                `json:"cancelled"`
	Finished  bool                `json:"finished"`
	CreatedAt time.Time           `json:"created_at"`
}

// Lifecycle coordinates crawl state transitions.
type Lifecycle struct {
	crawls   *Store
	tracker  crawler.GroupTracker
	sched    Admitter
	webhooks crawler.WebhookSender
	joblog   crawler.JobLogger
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Lifecycle. webhooks and joblog may be nil.
func New(
	crawls *Store,
	tracker crawler.GroupTracker,
	sched Admitter,
	webhooks crawler.WebhookSender,
	joblog crawler.JobLogger,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		crawls:   crawls,
		tracker:  tracker,
		sched:    sched,
		webhooks: webhooks,
		joblog:   joblog,
		ids:      ids,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("crawl"),
	}
}

// Kickoff persists a new crawl, indexes it as ongoing and admits its kickoff
// job. It returns the crawl id.
func (l *Lifecycle) Kickoff(ctx context.Context, req KickoffRequest) (string, error) {
	if strings.TrimSpace(req.TeamID) == "" {
		return "", fmt.Errorf("%w: team id is required", ErrInvalidRequest)
	}
	origin, err := validateURL(req.URL)
	if err != nil {
		return "", err
	}
	opts := req.CrawlerOptions
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = l.cfg.DefaultMaxDepth
	}
	if opts.Limit <= 0 {
		opts.Limit = l.cfg.DefaultLimit
	}

	id, err := l.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate crawl id: %w", err)
	}
	sc := crawler.StoredCrawl{
		ID:                id,
		Kind:              crawler.CrawlKindCrawl,
		OriginURL:         origin,
		CrawlerOptions:    opts,
		ScrapeOptions:     req.ScrapeOptions,
		MaxConcurrency:    req.MaxConcurrency,
		CreatedAt:         l.clock.Now(),
		ZeroDataRetention: req.ZeroDataRetention,
		TeamID:            req.TeamID,
		Webhook:           req.Webhook,
	}
	if err := l.register(ctx, sc); err != nil {
		return "", err
	}
	if _, err := l.crawls.MarkVisited(ctx, id, origin); err != nil {
		return "", err
	}

	kick, err := l.newJob(sc, origin, crawler.JobKindKickoff, req.Priority)
	if err != nil {
		return "", err
	}
	if err := l.tracker.AddJobs(ctx, id, kick.ID); err != nil {
		return "", fmt.Errorf("register kickoff job: %w", err)
	}
	l.emit(sc, "started", true, nil, "")

	admission, err := l.sched.Admit(ctx, kick)
	if err != nil {
		// The crawl is already indexed; its kickoff must count as done for
		// the crawl to finish.
		if doneErr := l.JobDone(ctx, kick, crawler.Outcome{Status: crawler.JobStatusFailed, Err: err}); doneErr != nil {
			l.logger.Error("record failed kickoff admission", zap.String("crawl_id", id), zap.Error(doneErr))
		}
		return "", fmt.Errorf("admit kickoff job: %w", err)
	}
	l.logger.Info("crawl started",
		zap.String("crawl_id", id),
		zap.String("team_id", req.TeamID),
		zap.String("url", origin),
		zap.String("admission", string(admission)),
	)
	return id, nil
}

// StartBatch creates a batch job-group and admits one scrape per URL.
func (l *Lifecycle) StartBatch(ctx context.Context, req BatchRequest) (string, error) {
	if strings.TrimSpace(req.TeamID) == "" {
		return "", fmt.Errorf("%w: team id is required", ErrInvalidRequest)
	}
	if len(req.URLs) == 0 {
		return "", fmt.Errorf("%w: at least one url is required", ErrInvalidRequest)
	}
	urls := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		u, err := validateURL(raw)
		if err != nil {
			return "", err
		}
		urls = append(urls, u)
	}

	id, err := l.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	sc := crawler.StoredCrawl{
		ID:                id,
		Kind:              crawler.CrawlKindBatch,
		OriginURL:         urls[0],
		ScrapeOptions:     req.ScrapeOptions,
		MaxConcurrency:    req.MaxConcurrency,
		CreatedAt:         l.clock.Now(),
		ZeroDataRetention: req.ZeroDataRetention,
		TeamID:            req.TeamID,
		Webhook:           req.Webhook,
	}
	if err := l.register(ctx, sc); err != nil {
		return "", err
	}

	jobs := make([]crawler.Job, 0, len(urls))
	jobIDs := make([]string, 0, len(urls))
	for _, u := range urls {
		j, err := l.newJob(sc, u, crawler.JobKindScrape, req.Priority)
		if err != nil {
			return "", err
		}
		jobs = append(jobs, j)
		jobIDs = append(jobIDs, j.ID)
	}
	// Register every child before admitting any so an early finisher cannot
	// observe an empty group.
	if err := l.tracker.AddJobs(ctx, id, jobIDs...); err != nil {
		return "", fmt.Errorf("register batch jobs: %w", err)
	}
	l.emit(sc, "started", true, nil, "")
	l.admitAll(ctx, sc, jobs)
	return id, nil
}

// ScrapeRequest is a single standalone scrape outside any job-group.
type ScrapeRequest struct {
	TeamID            string
	URL               string
	ScrapeOptions     crawler.ScrapeOptions
	ZeroDataRetention bool
	Priority          int
}

// Scrape admits one standalone job and reports whether it leased a slot or
// waits in the team backlog.
func (l *Lifecycle) Scrape(ctx context.Context, req ScrapeRequest) (string, concurrency.Admission, error) {
	if strings.TrimSpace(req.TeamID) == "" {
		return "", "", fmt.Errorf("%w: team id is required", ErrInvalidRequest)
	}
	target, err := validateURL(req.URL)
	if err != nil {
		return "", "", err
	}
	job, err := l.newJob(crawler.StoredCrawl{
		TeamID:            req.TeamID,
		ScrapeOptions:     req.ScrapeOptions,
		ZeroDataRetention: req.ZeroDataRetention,
	}, target, crawler.JobKindScrape, req.Priority)
	if err != nil {
		return "", "", err
	}
	admission, err := l.sched.Admit(ctx, job)
	if err != nil {
		return "", "", fmt.Errorf("admit scrape: %w", err)
	}
	return job.ID, admission, nil
}

func (l *Lifecycle) register(ctx context.Context, sc crawler.StoredCrawl) error {
	if err := l.crawls.SaveCrawl(ctx, sc); err != nil {
		return err
	}
	if err := l.crawls.MarkCrawlActive(ctx, sc); err != nil {
		return err
	}
	return nil
}

func (l *Lifecycle) newJob(sc crawler.StoredCrawl, target string, kind crawler.JobKind, priority int) (crawler.Job, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	timeout := sc.ScrapeOptions.Timeout()
	if timeout <= 0 {
		timeout = l.cfg.JobTimeout
	}
	return crawler.Job{
		ID:                id,
		TenantID:          sc.TeamID,
		Kind:              kind,
		URL:               target,
		CrawlID:           sc.ID,
		Priority:          priority,
		ScrapeOptions:     sc.ScrapeOptions,
		Timeout:           timeout,
		QueueTimeout:      l.cfg.QueueTimeout,
		ZeroDataRetention: sc.ZeroDataRetention,
		CreatedAt:         l.clock.Now(),
	}, nil
}

// admitAll admits jobs, recording any job that could not be admitted as
// failed so the group can still finish.
func (l *Lifecycle) admitAll(ctx context.Context, sc crawler.StoredCrawl, jobs []crawler.Job) {
	for _, j := range jobs {
		if _, err := l.sched.Admit(ctx, j); err != nil {
			l.logger.Error("admit child job",
				zap.String("crawl_id", sc.ID),
				zap.String("job_id", j.ID),
				zap.Error(err),
			)
			if err := l.JobDone(ctx, j, crawler.Outcome{Status: crawler.JobStatusFailed, Err: err}); err != nil {
				l.logger.Error("record failed admission", zap.String("job_id", j.ID), zap.Error(err))
			}
		}
	}
}

// EnqueueChildren filters links discovered by parent, drops already-visited
// URLs, caps them at the crawl's remaining limit and admits the rest. It
// returns the number of children admitted.
func (l *Lifecycle) EnqueueChildren(ctx context.Context, parent crawler.Job, links []string) (int, error) {
	if !parent.InCrawl() || len(links) == 0 {
		return 0, nil
	}
	sc, err := l.crawls.GetCrawl(ctx, parent.CrawlID)
	if err != nil {
		return 0, fmt.Errorf("load crawl for discovery: %w", err)
	}
	if sc.Cancelled || sc.Kind != crawler.CrawlKindCrawl {
		return 0, nil
	}
	counts, err := l.tracker.GroupCounts(ctx, sc.ID)
	if err != nil {
		return 0, err
	}
	remaining := int64(sc.CrawlerOptions.Limit) - counts.Total
	if remaining <= 0 {
		return 0, nil
	}

	filtered, err := FilterLinks(l.filterInput(sc, parent.URL, links))
	if err != nil {
		return 0, err
	}
	if len(filtered.DenialReasons) > 0 {
		l.logger.Debug("links denied",
			zap.String("crawl_id", sc.ID),
			zap.Int("denied", len(filtered.DenialReasons)),
		)
	}

	var jobs []crawler.Job
	for _, link := range filtered.Links {
		if int64(len(jobs)) >= remaining {
			break
		}
		fresh, err := l.crawls.MarkVisited(ctx, sc.ID, link)
		if err != nil {
			return 0, err
		}
		if !fresh {
			continue
		}
		j, err := l.newJob(sc, link, crawler.JobKindScrape, parent.Priority)
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, j)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if err := l.tracker.AddJobs(ctx, sc.ID, ids...); err != nil {
		return 0, fmt.Errorf("register child jobs: %w", err)
	}
	l.admitAll(ctx, sc, jobs)
	return len(jobs), nil
}

func (l *Lifecycle) filterInput(sc crawler.StoredCrawl, base string, links []string) FilterInput {
	opts := sc.CrawlerOptions
	maxDepth := opts.MaxDepth
	if u, err := url.Parse(sc.OriginURL); err == nil {
		maxDepth += urlDepth(u.EscapedPath())
	}
	return FilterInput{
		Links:                     links,
		MaxDepth:                  maxDepth,
		BaseURL:                   base,
		InitialURL:                sc.OriginURL,
		RegexOnFullURL:            opts.RegexOnFullURL,
		Excludes:                  opts.Excludes,
		Includes:                  opts.Includes,
		AllowBackwardCrawling:     opts.AllowBackwardCrawling,
		IgnoreRobotsTxt:           opts.IgnoreRobotsTxt,
		RobotsTxt:                 sc.RobotsTxt,
		AllowExternalContentLinks: opts.AllowExternalLinks,
		AllowSubdomains:           opts.AllowSubdomains,
	}
}

// SaveRobots stores the robots.txt body fetched by the kickoff job.
func (l *Lifecycle) SaveRobots(ctx context.Context, crawlID, body string) error {
	_, err := l.crawls.Update(ctx, crawlID, func(sc *crawler.StoredCrawl) {
		sc.RobotsTxt = body
	})
	return err
}

// CrawlDelay returns how long a job should wait before fetching: the larger
// of the crawl's configured delay and the robots.txt Crawl-delay for our
// agent. Kickoff jobs and standalone scrapes never wait.
func (l *Lifecycle) CrawlDelay(ctx context.Context, job crawler.Job) (time.Duration, error) {
	if !job.InCrawl() || job.Kind == crawler.JobKindKickoff {
		return 0, nil
	}
	sc, err := l.crawls.GetCrawl(ctx, job.CrawlID)
	if err != nil {
		return 0, err
	}
	delay := time.Duration(sc.CrawlerOptions.Delay * float64(time.Second))
	if !sc.CrawlerOptions.IgnoreRobotsTxt {
		if d := robotsCrawlDelay(sc.RobotsTxt); d > delay {
			delay = d
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}

// IsCancelled reports whether the job's crawl was cancelled.
func (l *Lifecycle) IsCancelled(ctx context.Context, job crawler.Job) (bool, error) {
	if !job.InCrawl() {
		return false, nil
	}
	return l.crawls.IsCrawlCancelled(ctx, job.CrawlID)
}

// JobDone is the completion hook for every job. The scheduler release runs
// first; crawl bookkeeping follows and may trigger Finish.
func (l *Lifecycle) JobDone(ctx context.Context, job crawler.Job, out crawler.Outcome) error {
	status := out.Status
	if status == "" {
		status = crawler.JobStatusFailed
	}
	metrics.ObserveJob(string(status))

	var errs []error
	if err := l.sched.JobDone(ctx, job); err != nil {
		l.logger.Error("scheduler job done",
			zap.String("job_id", job.ID),
			zap.String("team_id", job.TenantID),
			zap.Error(err),
		)
		errs = append(errs, err)
	}
	if !job.InCrawl() {
		return errors.Join(errs...)
	}

	if err := l.tracker.MarkJobDone(ctx, job.CrawlID, job.ID, status); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if status == crawler.JobStatusCompleted && out.Document != nil {
		if err := l.recordDocument(ctx, job, *out.Document); err != nil {
			errs = append(errs, err)
		}
	}

	remaining, err := l.tracker.GroupHasAnyRemainingJob(ctx, job.CrawlID, job.TenantID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if !remaining {
		if err := l.Finish(ctx, job.CrawlID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Lifecycle) recordDocument(ctx context.Context, job crawler.Job, doc crawler.Document) error {
	sc, err := l.crawls.GetCrawl(ctx, job.CrawlID)
	if err != nil {
		return err
	}
	if !sc.ZeroDataRetention {
		if err := l.crawls.AddDocument(ctx, sc.ID, doc); err != nil {
			return err
		}
	}
	l.emit(sc, "page", true, doc, "")
	return nil
}

// Documents returns a page of the crawl's scraped documents.
func (l *Lifecycle) Documents(ctx context.Context, crawlID string, offset, limit int64) ([]crawler.Document, error) {
	if _, err := l.crawls.GetCrawl(ctx, crawlID); err != nil {
		return nil, err
	}
	return l.crawls.Documents(ctx, crawlID, offset, limit)
}

// Finish marks the crawl finished, writes the job log record and fires the
// completion webhook. A missing crawl record is an error. Concurrent
// finishers are collapsed into one by the finish marker.
func (l *Lifecycle) Finish(ctx context.Context, crawlID string) error {
	sc, err := l.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		l.logger.Error("finish crawl", zap.String("crawl_id", crawlID), zap.Error(err))
		return fmt.Errorf("finish crawl %s: %w", crawlID, err)
	}
	first, err := l.crawls.MarkCrawlFinished(ctx, sc)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	counts, err := l.tracker.GroupCounts(ctx, crawlID)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	success := !sc.Cancelled
	outcome, message := "completed", ""
	if !success {
		outcome, message = "cancelled", "crawl was cancelled"
	}
	metrics.ObserveCrawlFinished(string(sc.Kind), outcome)

	var errs []error
	if l.joblog != nil {
		rec := crawler.JobLogRecord{
			JobID:             sc.ID,
			TeamID:            sc.TeamID,
			Mode:              sc.Kind,
			URL:               sc.OriginURL,
			Success:           success,
			Message:           message,
			NumDocs:           counts.Completed,
			DocsFailed:        counts.Failed,
			TimeTaken:         now.Sub(sc.CreatedAt),
			Cost:              counts.Completed,
			CrawlerOptions:    sc.CrawlerOptions,
			ScrapeOptions:     sc.ScrapeOptions,
			ZeroDataRetention: sc.ZeroDataRetention,
			CreatedAt:         now,
		}
		if err := l.joblog.LogJob(ctx, rec); err != nil {
			l.logger.Error("write job log", zap.String("crawl_id", crawlID), zap.Error(err))
			errs = append(errs, fmt.Errorf("log crawl %s: %w", crawlID, err))
		}
	}

	suffix := "completed"
	if !success {
		suffix = "failed"
	}
	if sc.Webhook.Wants(suffix) && l.webhooks != nil {
		if err := l.webhooks.Send(ctx, l.event(sc, suffix, success, counts, message)); err != nil {
			l.logger.Warn("completion webhook", zap.String("crawl_id", crawlID), zap.Error(err))
		}
	}
	l.logger.Info("crawl finished",
		zap.String("crawl_id", crawlID),
		zap.String("team_id", sc.TeamID),
		zap.String("outcome", outcome),
		zap.Int64("completed", counts.Completed),
		zap.Int64("failed", counts.Failed),
	)
	return errors.Join(errs...)
}

// Cancel flags the crawl; children observe it before fetching.
func (l *Lifecycle) Cancel(ctx context.Context, crawlID string) error {
	if err := l.crawls.MarkCancelled(ctx, crawlID); err != nil {
		return fmt.Errorf("cancel crawl %s: %w", crawlID, err)
	}
	l.logger.Info("crawl cancelled", zap.String("crawl_id", crawlID))
	return nil
}

// Status returns the crawl's current counts and flags.
func (l *Lifecycle) Status(ctx context.Context, crawlID string) (Status, error) {
	sc, err := l.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		return Status{}, err
	}
	counts, err := l.tracker.GroupCounts(ctx, crawlID)
	if err != nil {
		return Status{}, err
	}
	finished, err := l.crawls.IsFinished(ctx, crawlID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ID:        sc.ID,
		Kind:      sc.Kind,
		TeamID:    sc.TeamID,
		OriginURL: sc.OriginURL,
		Counts:    counts,
		Cancelled: sc.Cancelled,
		Finished:  finished,
		CreatedAt: sc.CreatedAt,
	}
	switch {
	case sc.Cancelled:
		st.State = "cancelled"
	case finished:
		st.State = "completed"
	default:
		st.State = "scraping"
	}
	return st, nil
}

func (l *Lifecycle) event(sc crawler.StoredCrawl, suffix string, success bool, data any, errMsg string) crawler.WebhookEvent {
	evt := crawler.WebhookEvent{
		Type:      string(sc.Kind) + "." + suffix,
		ID:        sc.ID,
		TeamID:    sc.TeamID,
		Success:   success,
		Data:      data,
		Error:     errMsg,
		Timestamp: l.clock.Now(),
		Webhook:   sc.Webhook,
	}
	if sc.Webhook != nil {
		evt.Metadata = sc.Webhook.Metadata
	}
	return evt
}

// emit fires a webhook without waiting for delivery.
func (l *Lifecycle) emit(sc crawler.StoredCrawl, suffix string, success bool, data any, errMsg string) {
	if l.webhooks == nil || !sc.Webhook.Wants(suffix) {
		return
	}
	l.webhooks.Emit(l.event(sc, suffix, success, data, errMsg))
}

func validateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidRequest, raw)
	}
	return u.String(), nil
}
