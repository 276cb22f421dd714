// Package ratelimit spaces requests to the same host so concurrent scrape
// jobs stay polite.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrapegate/internal/metrics"
)

const minBackoffRPS = 0.1

// Config holds per-host limits. A non-positive RPS disables limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until rawURL's host may be fetched again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// ReportStatus slows a host down after it answers 429 Too Many Requests by
// halving its rate.
func (l *Limiter) ReportStatus(rawURL string, status int) {
	if status != http.StatusTooManyRequests || l.defaultRate == rate.Inf {
		return
	}
	b := l.bucket(hostOf(rawURL))
	next := b.Limit() / 2
	if next < minBackoffRPS {
		next = minBackoffRPS
	}
	b.SetLimit(next)
}

// Rate returns the current rate for rawURL's host.
func (l *Limiter) Rate(rawURL string) rate.Limit {
	return l.bucket(hostOf(rawURL)).Limit()
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[host]
	if !ok {
		b = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = b
	}
	return b
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
