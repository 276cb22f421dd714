package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/store"
)

// Limiter is the active-lease ledger. A lease is a sorted-set member scored
// by its expiry, so a single range count answers "how many are running" and
// leases from crashed workers fall out of the count on their own.
type Limiter struct {
	store store.OrderedStore
	clock crawler.Clock
}

// NewLimiter constructs a Limiter.
func NewLimiter(st store.OrderedStore, clock crawler.Clock) *Limiter {
	return &Limiter{store: st, clock: clock}
}

// CountActive returns the number of unexpired leases held by tenant.
func (l *Limiter) CountActive(ctx context.Context, tenant string) (int64, error) {
	return l.count(ctx, tenantActiveKey(tenant))
}

// Lease records jobID as running for tenant until now+ttl.
func (l *Limiter) Lease(ctx context.Context, tenant, jobID string, ttl time.Duration) error {
	return l.lease(ctx, tenantActiveKey(tenant), jobID, ttl)
}

// Release drops the tenant lease for jobID. Releasing an unknown job is a no-op.
func (l *Limiter) Release(ctx context.Context, tenant, jobID string) error {
	return l.release(ctx, tenantActiveKey(tenant), jobID)
}

// SweepExpired deletes tenant leases whose expiry has passed.
func (l *Limiter) SweepExpired(ctx context.Context, tenant string) (int64, error) {
	return l.sweep(ctx, tenantActiveKey(tenant))
}

// CountCrawlActive returns the number of unexpired leases held by a crawl.
func (l *Limiter) CountCrawlActive(ctx context.Context, crawlID string) (int64, error) {
	return l.count(ctx, crawlActiveKey(crawlID))
}

// LeaseCrawl records jobID as running under crawlID until now+ttl.
func (l *Limiter) LeaseCrawl(ctx context.Context, crawlID, jobID string, ttl time.Duration) error {
	return l.lease(ctx, crawlActiveKey(crawlID), jobID, ttl)
}

// ReleaseCrawl drops the crawl lease for jobID.
func (l *Limiter) ReleaseCrawl(ctx context.Context, crawlID, jobID string) error {
	return l.release(ctx, crawlActiveKey(crawlID), jobID)
}

// SweepCrawlExpired deletes crawl leases whose expiry has passed.
func (l *Limiter) SweepCrawlExpired(ctx context.Context, crawlID string) (int64, error) {
	return l.sweep(ctx, crawlActiveKey(crawlID))
}

func (l *Limiter) count(ctx context.Context, key string) (int64, error) {
	n, err := l.store.ZCount(ctx, key, store.After(l.clock.Now()), store.MaxScore)
	if err != nil {
		return 0, fmt.Errorf("count leases %s: %w", key, err)
	}
	return n, nil
}

func (l *Limiter) lease(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if err := l.store.ZAdd(ctx, key, jobID, store.Score(l.clock.Now().Add(ttl))); err != nil {
		return fmt.Errorf("add lease %s: %w", key, err)
	}
	return nil
}

func (l *Limiter) release(ctx context.Context, key, jobID string) error {
	if _, err := l.store.ZRem(ctx, key, jobID); err != nil {
		return fmt.Errorf("remove lease %s: %w", key, err)
	}
	return nil
}

func (l *Limiter) sweep(ctx context.Context, key string) (int64, error) {
	n, err := l.store.ZRemRangeByScore(ctx, key, store.MinScore, store.Score(l.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("sweep leases %s: %w", key, err)
	}
	return n, nil
}
