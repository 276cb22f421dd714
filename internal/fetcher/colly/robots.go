package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AllowAllRobots is returned when robots.txt cannot be reached after retries.
const AllowAllRobots = "User-agent: *\nAllow: /"

const maxRobotsBytes = 512 << 10

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// FetchRobots downloads robots.txt for the site that pageURL belongs to.
// A missing file yields an empty body. Transient network failures are retried
// with backoff; when every attempt times out the crawl proceeds as if
// everything were allowed.
func (f *Fetcher) FetchRobots(ctx context.Context, pageURL string) (string, error) {
	target, err := robotsURL(pageURL)
	if err != nil {
		return "", err
	}
	client := &http.Client{Transport: f.transport, Timeout: f.cfg.Timeout}

	attempts := len(f.robotsBackoff) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		body, err := f.getRobots(ctx, client, target)
		if err == nil {
			return body, nil
		}
		if !isTransientNetError(err) {
			return "", err
		}
		if attempt == attempts-1 {
			break
		}
		if err := sleepWithContext(ctx, f.robotsBackoff[attempt]); err != nil {
			return "", err
		}
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("fetch robots.txt: %w", context.Cause(ctx))
	}
	return AllowAllRobots, nil
}

func (f *Fetcher) getRobots(ctx context.Context, client *http.Client, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build robots request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return "", fmt.Errorf("read robots.txt: %w", err)
	}
	return string(body), nil
}

func robotsURL(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("robots url for %q: invalid page url", pageURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String(), nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", context.Cause(ctx))
	case <-timer.C:
		return nil
	}
}

func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
