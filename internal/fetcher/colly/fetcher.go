// Package collyfetcher implements the plain HTTP "fetch" engine using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// EngineName identifies this engine in documents and metrics.
const EngineName = "fetch"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Transport overrides the pooled HTTP transport; tests inject stubs here.
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each fetch
// runs on a clone of base so callbacks never leak between jobs.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	base          *colly.Collector
	robotsBackoff []time.Duration
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	base := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	// Crawl-level robots rules are applied by the link filter.
	base.IgnoreRobotsTxt = true
	// Error statuses are still scrape results; the worker records them.
	base.ParseHTTPErrorResponse = true
	base.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		base:          base,
		robotsBackoff: defaultRobotsBackoff,
	}
}

// Name implements crawler.Fetcher.
func (*Fetcher) Name() string { return EngineName }

// Fetch executes a single HTTP GET. Request headers travel with the visit.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	c := f.base.Clone()
	c.WithTransport(f.transport)
	v := &visit{start: time.Now()}
	c.OnResponse(v.onResponse)
	c.OnError(v.onError)

	hdr := request.Headers.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	done := make(chan error, 1)
	go func() {
		done <- c.Request(http.MethodGet, request.URL, nil, nil, hdr)
	}()
	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", context.Cause(ctx))
	case err := <-done:
		return v.result(err)
	}
}

// visit collects the outcome of one collector run.
type visit struct {
	start time.Time
	resp  crawler.FetchResponse
	err   error
}

func (v *visit) onResponse(r *colly.Response) {
	v.resp = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
		Engine:     EngineName,
	}
}

func (v *visit) onError(_ *colly.Response, err error) {
	v.err = err
}

func (v *visit) result(visitErr error) (crawler.FetchResponse, error) {
	switch {
	case visitErr != nil:
		return crawler.FetchResponse{}, fmt.Errorf("colly visit failed: %w", visitErr)
	case v.err != nil:
		return crawler.FetchResponse{}, fmt.Errorf("colly response failed: %w", v.err)
	}
	return v.resp, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
