package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/metrics"
	"github.com/JakeFAU/scrapegate/internal/store"
)

// ErrInvalidJob is returned by Admit for jobs without an id or tenant.
var ErrInvalidJob = errors.New("job requires id and team id")

// cleanupTimeout bounds lease releases and requeues that must finish even
// when the caller's context has already ended.
const cleanupTimeout = 5 * time.Second

// Admission is the result of Admit.
type Admission string

// Admission results.
const (
	AdmissionLeased Admission = "leased"
	AdmissionQueued Admission = "queued"
)

// TenantLimits maps tenants to their concurrency ceiling.
type TenantLimits struct {
	Default   int
	Overrides map[string]int
}

// Limit returns the ceiling for tenant, never less than one.
func (t TenantLimits) Limit(tenant string) int {
	limit := t.Default
	if v, ok := t.Overrides[tenant]; ok {
		limit = v
	}
	if limit < 1 {
		return 1
	}
	return limit
}

// Config tunes the Scheduler.
type Config struct {
	// LeaseTTL is the minimum lease lifetime; jobs with a longer Timeout
	// lease for that long instead.
	LeaseTTL time.Duration
	Queue    QueueConfig
}

// Scheduler is the admission facade: Admit for new work, JobDone for
// completions and read-only status queries.
type Scheduler struct {
	limiter   *Limiter
	queue     *Queue
	policy    *CrawlPolicy
	crawls    crawler.CrawlStore
	submitter crawler.Submitter
	limits    TenantLimits
	cfg       Config
	logger    *zap.Logger
}

// NewScheduler wires a Scheduler over st.
func NewScheduler(
	st store.OrderedStore,
	crawls crawler.CrawlStore,
	submitter crawler.Submitter,
	limits TenantLimits,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	limiter := NewLimiter(st, clock)
	policy := NewCrawlPolicy(crawls, limiter)
	return &Scheduler{
		limiter:   limiter,
		queue:     NewQueue(st, clock, policy, cfg.Queue, logger),
		policy:    policy,
		crawls:    crawls,
		submitter: submitter,
		limits:    limits,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
	}
}

// Limiter exposes the lease ledger.
func (s *Scheduler) Limiter() *Limiter { return s.limiter }

// Queue exposes the backlog.
func (s *Scheduler) Queue() *Queue { return s.queue }

// SetSubmitter replaces the execution layer. It must be called before the
// scheduler is shared between goroutines.
func (s *Scheduler) SetSubmitter(sub crawler.Submitter) { s.submitter = sub }

// Admit leases and submits job when both its tenant and its crawl have room,
// and parks it in the backlog otherwise.
func (s *Scheduler) Admit(ctx context.Context, job crawler.Job) (Admission, error) {
	if job.ID == "" || job.TenantID == "" {
		return "", ErrInvalidJob
	}
	if _, err := s.limiter.SweepExpired(ctx, job.TenantID); err != nil {
		return "", err
	}
	active, err := s.limiter.CountActive(ctx, job.TenantID)
	if err != nil {
		return "", err
	}
	crawlOK, err := s.crawlHasRoom(ctx, job.CrawlID)
	if err != nil {
		return "", err
	}

	if active < int64(s.limits.Limit(job.TenantID)) && crawlOK {
		err := s.start(ctx, job)
		if err == nil {
			metrics.ObserveAdmission(string(AdmissionLeased))
			return AdmissionLeased, nil
		}
		if !errors.Is(err, crawler.ErrSubmitterFull) {
			return "", err
		}
		s.logger.Warn("execution queue full; parking job in backlog",
			zap.String("team_id", job.TenantID),
			zap.String("job_id", job.ID),
		)
	}

	if err := s.queue.Enqueue(ctx, job, job.QueueTimeout); err != nil {
		return "", err
	}
	metrics.ObserveAdmission(string(AdmissionQueued))
	s.logger.Debug("job queued",
		zap.String("team_id", job.TenantID),
		zap.String("job_id", job.ID),
		zap.String("crawl_id", job.CrawlID),
		zap.Int64("active", active),
	)
	return AdmissionQueued, nil
}

func (s *Scheduler) crawlHasRoom(ctx context.Context, crawlID string) (bool, error) {
	if crawlID == "" {
		return true, nil
	}
	if _, err := s.limiter.SweepCrawlExpired(ctx, crawlID); err != nil {
		return false, err
	}
	return s.policy.Admit(ctx, crawlID)
}

// start leases job and hands it to the execution layer. An already-known job
// keeps its lease; any other submission failure releases it.
func (s *Scheduler) start(ctx context.Context, job crawler.Job) error {
	if err := s.lease(ctx, job); err != nil {
		return err
	}
	if s.submitter == nil {
		return nil
	}
	err := s.submitter.PromoteOrSubmit(ctx, job)
	if err == nil {
		return nil
	}
	if errors.Is(err, crawler.ErrJobExists) {
		s.logger.Warn("job already exists downstream",
			zap.String("team_id", job.TenantID),
			zap.String("job_id", job.ID),
		)
		return nil
	}
	s.release(ctx, job)
	return fmt.Errorf("submit job %s: %w", job.ID, err)
}

func (s *Scheduler) lease(ctx context.Context, job crawler.Job) error {
	ttl := max(job.Timeout, s.cfg.LeaseTTL)
	if err := s.limiter.Lease(ctx, job.TenantID, job.ID, ttl); err != nil {
		return err
	}
	if job.CrawlID == "" {
		return nil
	}
	_, constrained, err := s.policy.Ceiling(ctx, job.CrawlID)
	if err != nil {
		s.release(ctx, job)
		return err
	}
	if !constrained {
		return nil
	}
	if err := s.limiter.LeaseCrawl(ctx, job.CrawlID, job.ID, ttl); err != nil {
		s.release(ctx, job)
		return err
	}
	return nil
}

// release drops both leases, logging failures. It runs detached from ctx's
// cancellation so an expired caller does not leak the lease.
func (s *Scheduler) release(ctx context.Context, job crawler.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.limiter.Release(ctx, job.TenantID, job.ID); err != nil {
		s.logger.Warn("release lease failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.CrawlID == "" {
		return
	}
	if err := s.limiter.ReleaseCrawl(ctx, job.CrawlID, job.ID); err != nil {
		s.logger.Warn("release crawl lease failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// JobDone is the completion hook: it releases job's leases, sweeps expired
// entries and tries to backfill exactly one slot from the backlog.
func (s *Scheduler) JobDone(ctx context.Context, job crawler.Job) error {
	if err := s.limiter.Release(ctx, job.TenantID, job.ID); err != nil {
		return err
	}
	if job.CrawlID != "" {
		if err := s.limiter.ReleaseCrawl(ctx, job.CrawlID, job.ID); err != nil {
			return err
		}
		if _, err := s.limiter.SweepCrawlExpired(ctx, job.CrawlID); err != nil {
			return err
		}
	}
	if _, err := s.limiter.SweepExpired(ctx, job.TenantID); err != nil {
		return err
	}
	if _, err := s.queue.SweepExpired(ctx, job.TenantID); err != nil {
		return err
	}
	_, err := s.promoteNext(ctx, job.TenantID)
	return err
}

// promoteNext runs one dequeue-and-start cycle and reports whether a job was
// started.
func (s *Scheduler) promoteNext(ctx context.Context, tenant string) (bool, error) {
	active, err := s.limiter.CountActive(ctx, tenant)
	if err != nil {
		return false, err
	}
	if active >= int64(s.limits.Limit(tenant)) {
		metrics.ObservePromotion("at_capacity")
		return false, nil
	}

	next, err := s.queue.DequeueNext(ctx, tenant)
	if errors.Is(err, ErrPromotionBailout) {
		metrics.ObservePromotion("bailout")
		s.logger.Error("promotion abandoned; backlog left for the next completion",
			zap.String("team_id", tenant),
			zap.Error(err),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if next == nil {
		metrics.ObservePromotion("none")
		return false, nil
	}

	if err := s.start(ctx, *next); err != nil {
		// The job was claimed out of the backlog, so it must go back even if
		// ctx is done.
		reCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		reErr := s.queue.Enqueue(reCtx, *next, next.QueueTimeout)
		cancel()
		if reErr != nil {
			s.logger.Error("requeue after failed promotion",
				zap.String("job_id", next.ID),
				zap.Error(reErr),
			)
		}
		if errors.Is(err, crawler.ErrSubmitterFull) && reErr == nil {
			metrics.ObservePromotion("full")
			s.logger.Debug("execution queue full; promotion deferred",
				zap.String("team_id", tenant),
				zap.String("job_id", next.ID),
			)
			return false, nil
		}
		metrics.ObservePromotion("failed")
		return false, err
	}
	metrics.ObservePromotion("promoted")
	s.logger.Debug("job promoted",
		zap.String("team_id", tenant),
		zap.String("job_id", next.ID),
		zap.String("crawl_id", next.CrawlID),
	)
	return true, nil
}

// Requeue returns a leased job that never ran to its tenant's backlog,
// dropping its leases first. Shutdown uses it for jobs still waiting in the
// execution queue.
func (s *Scheduler) Requeue(ctx context.Context, job crawler.Job) error {
	s.release(ctx, job)
	if err := s.queue.Enqueue(ctx, job, job.QueueTimeout); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// Reconcile walks every tenant with backlog work and promotes while the
// tenant has capacity. It restores liveness after leases expire without a
// completion hook (for example when a worker process dies).
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	tenants, err := s.queue.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, tenant := range tenants {
		if _, err := s.limiter.SweepExpired(ctx, tenant); err != nil {
			return promoted, err
		}
		if _, err := s.queue.SweepExpired(ctx, tenant); err != nil {
			return promoted, err
		}
		for {
			ok, err := s.promoteNext(ctx, tenant)
			if err != nil {
				return promoted, err
			}
			if !ok {
				break
			}
			promoted++
		}
		if _, err := s.queue.Forget(ctx, tenant); err != nil {
			return promoted, err
		}
	}
	return promoted, nil
}

// ActiveCount returns tenant's running jobs.
func (s *Scheduler) ActiveCount(ctx context.Context, tenant string) (int64, error) {
	return s.limiter.CountActive(ctx, tenant)
}

// QueuedCount returns tenant's backlog size.
func (s *Scheduler) QueuedCount(ctx context.Context, tenant string) (int64, error) {
	return s.queue.SizeActive(ctx, tenant)
}

// OngoingCrawls lists tenant's active crawl ids.
func (s *Scheduler) OngoingCrawls(ctx context.Context, tenant string) ([]string, error) {
	if s.crawls == nil {
		return nil, nil
	}
	ids, err := s.crawls.OngoingCrawls(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("ongoing crawls: %w", err)
	}
	return ids, nil
}

// TenantLimit returns the configured ceiling for tenant.
func (s *Scheduler) TenantLimit(tenant string) int {
	return s.limits.Limit(tenant)
}
