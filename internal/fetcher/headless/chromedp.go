// Package headless implements the "chrome" engine: pages are rendered in
// headless Chrome via chromedp and the resulting DOM is returned.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// EngineName identifies this engine in documents and metrics.
const EngineName = "chrome"

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettle            = 500 * time.Millisecond
)

// Config controls the headless engine.
type Config struct {
	// MaxParallel bounds concurrently open tabs; zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements crawler.Fetcher with chromedp.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted // nil when unbounded
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp prepares a browser allocator. Chrome is started lazily on the
// first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Name implements crawler.Fetcher.
func (*Fetcher) Name() string { return EngineName }

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the outer HTML of the document
// together with the status and headers of its main response. Cancelling ctx
// closes the tab.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for chrome slot: %w", context.Cause(ctx))
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	settle := request.WaitFor
	if settle <= 0 {
		settle = defaultSettle
	}
	var html, finalURL string
	start := time.Now()
	resp, err := chromedp.RunResponse(tabCtx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("chrome fetch canceled: %w", context.Cause(ctx))
		}
		return crawler.FetchResponse{}, fmt.Errorf("chromedp run: %w", err)
	}

	out := crawler.FetchResponse{
		URL:        firstNonEmpty(finalURL, request.URL),
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte(html),
		Duration:   time.Since(start),
		Engine:     EngineName,
	}
	if resp != nil {
		if resp.Status > 0 {
			out.StatusCode = int(resp.Status)
		}
		out.Headers = httpHeaders(resp.Headers)
		out.URL = firstNonEmpty(resp.URL, out.URL)
	}
	return out, nil
}

// prepareTab enables the network domain and applies the agent and any extra
// request headers before navigation.
func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		extra := make(network.Headers, len(headers))
		for key, values := range headers {
			if len(values) > 0 {
				extra[key] = strings.Join(values, ", ")
			}
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// httpHeaders converts devtools headers, which may carry non-string values.
func httpHeaders(in network.Headers) http.Header {
	out := make(http.Header, len(in))
	for key, value := range in {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				out.Add(key, line)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
