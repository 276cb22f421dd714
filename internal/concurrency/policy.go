package concurrency

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// DelayForcesSerial reports whether a crawl's inter-request delay pins its
// effective concurrency to one, whatever MaxConcurrency says.
func DelayForcesSerial(crawl crawler.StoredCrawl) bool {
	return crawl.CrawlerOptions.Delay > 0
}

// EffectiveCeiling returns the crawl-level concurrency ceiling. ok is false
// when the crawl is bounded only by its tenant.
func EffectiveCeiling(crawl crawler.StoredCrawl) (limit int, ok bool) {
	if DelayForcesSerial(crawl) {
		return 1, true
	}
	if crawl.MaxConcurrency != nil && *crawl.MaxConcurrency > 0 {
		return *crawl.MaxConcurrency, true
	}
	return 0, false
}

// CrawlPolicy decides whether a crawl-scoped job may start now.
type CrawlPolicy struct {
	crawls  crawler.CrawlStore
	limiter *Limiter
}

// NewCrawlPolicy constructs a CrawlPolicy. A nil crawl store makes every
// crawl unconstrained.
func NewCrawlPolicy(crawls crawler.CrawlStore, limiter *Limiter) *CrawlPolicy {
	return &CrawlPolicy{crawls: crawls, limiter: limiter}
}

// Ceiling resolves the crawl record and applies EffectiveCeiling. A crawl
// that no longer exists is unconstrained.
func (p *CrawlPolicy) Ceiling(ctx context.Context, crawlID string) (int, bool, error) {
	if crawlID == "" || p.crawls == nil {
		return 0, false, nil
	}
	crawl, err := p.crawls.GetCrawl(ctx, crawlID)
	if errors.Is(err, crawler.ErrCrawlNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get crawl %s: %w", crawlID, err)
	}
	limit, ok := EffectiveCeiling(crawl)
	return limit, ok, nil
}

// Admit reports whether one more job of crawlID fits under its ceiling.
func (p *CrawlPolicy) Admit(ctx context.Context, crawlID string) (bool, error) {
	return p.NewScan().Admit(ctx, crawlID)
}

// NewScan returns a decision cache for one backlog scan so each crawl is
// resolved at most once.
func (p *CrawlPolicy) NewScan() *Scan {
	return &Scan{policy: p, entries: make(map[string]scanEntry)}
}

// Scan caches per-crawl decisions. It is not safe for concurrent use.
type Scan struct {
	policy  *CrawlPolicy
	entries map[string]scanEntry
}

type scanEntry struct {
	admit bool
}

// Admit reports whether a job of crawlID is admissible. Jobs outside a crawl
// always are.
func (s *Scan) Admit(ctx context.Context, crawlID string) (bool, error) {
	if crawlID == "" {
		return true, nil
	}
	if e, ok := s.entries[crawlID]; ok {
		return e.admit, nil
	}
	limit, constrained, err := s.policy.Ceiling(ctx, crawlID)
	if err != nil {
		return false, err
	}
	admit := true
	if constrained {
		active, err := s.policy.limiter.CountCrawlActive(ctx, crawlID)
		if err != nil {
			return false, err
		}
		admit = active < int64(limit)
	}
	s.entries[crawlID] = scanEntry{admit: admit}
	return admit, nil
}
