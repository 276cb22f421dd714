// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// JobKind distinguishes the crawl entry job from ordinary page scrapes.
type JobKind string

// Job kinds carried on the queue payload.
const (
	JobKindScrape  JobKind = "scrape"
	JobKindKickoff JobKind = "kickoff"
)

// JobStatus is the terminal outcome of one scrape job.
type JobStatus string

// Job status values reported to the job-done hook.
const (
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// CrawlKind distinguishes discovery crawls from fixed URL batches.
type CrawlKind string

// Job-group kinds.
const (
	CrawlKindCrawl CrawlKind = "crawl"
	CrawlKindBatch CrawlKind = "batch_scrape"
)

// ScrapeOptions are applied to every scrape a job performs.
type ScrapeOptions struct {
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutMs   int               `json:"timeout_ms,omitempty"`
	WaitForMs   int               `json:"wait_for_ms,omitempty"`
	UseHeadless bool              `json:"use_headless,omitempty"`
	Formats     []string          `json:"formats,omitempty"`
}

// Timeout returns the configured whole-scrape deadline or zero when unset.
func (o ScrapeOptions) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// CrawlerOptions govern link discovery for a crawl.
type CrawlerOptions struct {
	MaxDepth              int      `json:"max_depth"`
	Limit                 int      `json:"limit"`
	Includes              []string `json:"includes,omitempty"`
	Excludes              []string `json:"excludes,omitempty"`
	AllowBackwardCrawling bool     `json:"allow_backward_crawling"`
	AllowExternalLinks    bool     `json:"allow_external_links"`
	AllowSubdomains       bool     `json:"allow_subdomains"`
	IgnoreRobotsTxt       bool     `json:"ignore_robots_txt"`
	RegexOnFullURL        bool     `json:"regex_on_full_url"`
	// Delay is the number of seconds between child job starts.
	Delay float64 `json:"delay,omitempty"`
}

// WebhookConfig describes where crawl events should be delivered.
type WebhookConfig struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	Events   []string          `json:"events,omitempty"`
}

// Wants reports whether the webhook subscribed to the event suffix
// ("started", "page", "completed", "failed"). No filter means all events.
func (w *WebhookConfig) Wants(suffix string) bool {
	if w == nil {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == suffix {
			return true
		}
	}
	return false
}

// StoredCrawl is the persisted record of one crawl or batch job-group.
type StoredCrawl struct {
	ID                string         `json:"id"`
	Kind              CrawlKind      `json:"kind"`
	OriginURL         string         `json:"origin_url"`
	CrawlerOptions    CrawlerOptions `json:"crawler_options"`
	ScrapeOptions     ScrapeOptions  `json:"scrape_options"`
	MaxConcurrency    *int           `json:"max_concurrency,omitempty"`
	Cancelled         bool           `json:"cancelled"`
	CreatedAt         time.Time      `json:"created_at"`
	ZeroDataRetention bool           `json:"zero_data_retention"`
	TeamID            string         `json:"team_id"`
	Webhook           *WebhookConfig `json:"webhook,omitempty"`
	RobotsTxt         string         `json:"robots_txt,omitempty"`
}

// Job is the serialized descriptor carried through admission, the backlog and
// execution. CrawlID is empty for standalone scrapes.
type Job struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"team_id"`
	Kind              JobKind       `json:"kind"`
	URL               string        `json:"url"`
	CrawlID           string        `json:"crawl_id,omitempty"`
	Priority          int           `json:"priority"`
	Listenable        bool          `json:"listenable"`
	ScrapeOptions     ScrapeOptions `json:"scrape_options"`
	Timeout           time.Duration `json:"timeout"`
	QueueTimeout      time.Duration `json:"queue_timeout,omitempty"`
	ZeroDataRetention bool          `json:"zero_data_retention,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// InCrawl reports whether the job belongs to a job-group.
func (j Job) InCrawl() bool {
	return j.CrawlID != ""
}

// Document is the persisted result of a successful scrape.
type Document struct {
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code"`
	ContentHash string    `json:"content_hash"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	Engine      string    `json:"engine"`
	FetchedAt   time.Time `json:"fetched_at"`
	DurationMs  int64     `json:"duration_ms"`
	Bytes       int       `json:"bytes"`
}

// Outcome is what a worker reports to the job-done hook.
type Outcome struct {
	Status   JobStatus
	Document *Document
	Links    []string
	Err      error
}

// GroupCounts summarises a job-group's children.
type GroupCounts struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Pending returns the number of children without a recorded outcome.
func (c GroupCounts) Pending() int64 {
	p := c.Total - c.Completed - c.Failed - c.Cancelled
	if p < 0 {
		return 0
	}
	return p
}

// JobLogRecord is the append-only summary written when a crawl finishes.
type JobLogRecord struct {
	JobID             string         `json:"job_id"`
	TeamID            string         `json:"team_id"`
	Mode              CrawlKind      `json:"mode"`
	URL               string         `json:"url"`
	Success           bool           `json:"success"`
	Message           string         `json:"message"`
	NumDocs           int64          `json:"num_docs"`
	DocsFailed        int64          `json:"docs_failed"`
	TimeTaken         time.Duration  `json:"time_taken"`
	Cost              int64          `json:"cost"`
	CrawlerOptions    CrawlerOptions `json:"crawler_options"`
	ScrapeOptions     ScrapeOptions  `json:"scrape_options"`
	ZeroDataRetention bool           `json:"zero_data_retention"`
	CreatedAt         time.Time      `json:"created_at"`
}

// WebhookEvent is one crawl lifecycle notification.
type WebhookEvent struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	TeamID    string         `json:"team_id"`
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// Webhook is the destination; it is not serialized into the payload.
	Webhook *WebhookConfig `json:"-"`
}

// FetchRequest captures everything an engine needs to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
	WaitFor time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Engine     string
}
