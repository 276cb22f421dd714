// Package metrics exposes Prometheus collectors for the scheduler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	admissionsTotal            *prometheus.CounterVec
	promotionsTotal            *prometheus.CounterVec
	promotionAttempts          prometheus.Histogram
	orphansPurgedTotal         prometheus.Counter
	crawlsFinishedTotal        *prometheus.CounterVec
	webhookEventsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_pages_total",
				Help: "Total number of pages scraped, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_jobs_total",
				Help: "Total number of scrape jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapegate_active_workers",
				Help: "Number of workers currently executing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapegate_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_admissions_total",
				Help: "Admission decisions, labeled by result (leased or queued).",
			},
			[]string{"result"},
		)

		promotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_promotions_total",
				Help: "Job-done promotion cycles, labeled by result.",
			},
			[]string{"result"},
		)

		promotionAttempts = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrapegate_dequeue_attempts",
				Help:    "Number of scan attempts a dequeue needed before returning.",
				Buckets: []float64{1, 2, 3, 5, 10, 15, 25, 50, 100},
			},
		)

		orphansPurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapegate_queue_orphans_purged_total",
				Help: "Queue memberships removed because their payload had expired.",
			},
		)

		crawlsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_crawls_finished_total",
				Help: "Finished job-groups, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		webhookEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_webhook_events_total",
				Help: "Webhook events handed to sinks, labeled by type and result.",
			},
			[]string{"type", "result"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the page counters.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveAdmission records whether an admitted job was leased or queued.
func ObserveAdmission(result string) {
	Init()
	admissionsTotal.WithLabelValues(result).Inc()
}

// ObservePromotion records the result of one job-done promotion cycle.
func ObservePromotion(result string) {
	Init()
	promotionsTotal.WithLabelValues(result).Inc()
}

// ObserveDequeueAttempts records how many scan attempts one dequeue used.
func ObserveDequeueAttempts(attempts int) {
	Init()
	promotionAttempts.Observe(float64(attempts))
}

// ObserveOrphanPurged counts one purged queue orphan.
func ObserveOrphanPurged() {
	Init()
	orphansPurgedTotal.Inc()
}

// ObserveCrawlFinished counts one finished crawl or batch.
func ObserveCrawlFinished(kind, outcome string) {
	Init()
	crawlsFinishedTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveWebhookEvent counts one webhook event hand-off.
func ObserveWebhookEvent(eventType, result string) {
	Init()
	webhookEventsTotal.WithLabelValues(eventType, result).Inc()
}
