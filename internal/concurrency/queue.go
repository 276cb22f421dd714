package concurrency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/metrics"
	"github.com/JakeFAU/scrapegate/internal/store"
)

// ErrPromotionBailout is returned by DequeueNext when every attempt lost its
// candidates to other workers. The backlog is left untouched.
var ErrPromotionBailout = errors.New("promotion retry limit exceeded")

// QueueConfig tunes the backlog scan and its retry loop.
type QueueConfig struct {
	// PageSize bounds one membership range read.
	PageSize int64
	// RetryJitterMax caps the random sleep between attempts.
	RetryJitterMax time.Duration
	// WarnAttempts is the attempt after which retries log at warn level.
	WarnAttempts int
	// BailAttempts is the total number of attempts before giving up.
	BailAttempts int
	// UnboundedTTL is the slot lifetime used when Enqueue gets ttl <= 0.
	UnboundedTTL time.Duration
}

// DefaultQueueConfig returns the production defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PageSize:       100,
		RetryJitterMax: 300 * time.Millisecond,
		WarnAttempts:   15,
		BailAttempts:   100,
		UnboundedTTL:   48 * time.Hour,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	def := DefaultQueueConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.RetryJitterMax <= 0 {
		c.RetryJitterMax = def.RetryJitterMax
	}
	if c.WarnAttempts <= 0 {
		c.WarnAttempts = def.WarnAttempts
	}
	if c.BailAttempts <= 0 {
		c.BailAttempts = def.BailAttempts
	}
	if c.UnboundedTTL <= 0 {
		c.UnboundedTTL = def.UnboundedTTL
	}
	return c
}

// Queue is the per-tenant backlog. Membership (job id scored by slot expiry)
// and payload (the JSON job) are stored under separate keys with the same
// lifetime so membership can be scanned without reading payloads.
type Queue struct {
	store  store.OrderedStore
	clock  crawler.Clock
	policy *CrawlPolicy
	cfg    QueueConfig
	logger *zap.Logger
}

// NewQueue constructs a Queue.
func NewQueue(st store.OrderedStore, clock crawler.Clock, policy *CrawlPolicy, cfg QueueConfig, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:  st,
		clock:  clock,
		policy: policy,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("queue"),
	}
}

// Enqueue parks job in its tenant's backlog for ttl (ttl <= 0 means the
// configured unbounded lifetime).
func (q *Queue) Enqueue(ctx context.Context, job crawler.Job, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = q.cfg.UnboundedTTL
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	// Payload goes first: a membership without payload is purged as an orphan.
	if err := q.store.Set(ctx, payloadKey(job.ID), payload, ttl); err != nil {
		return fmt.Errorf("store job payload: %w", err)
	}
	key := queueKey(job.TenantID)
	if err := q.store.ZAdd(ctx, key, job.ID, store.Score(q.clock.Now().Add(ttl))); err != nil {
		return fmt.Errorf("add queue member: %w", err)
	}
	if _, err := q.store.SAdd(ctx, QueuesWithWorkKey, key); err != nil {
		return fmt.Errorf("register tenant queue: %w", err)
	}
	return nil
}

// SizeActive returns the number of unexpired backlog slots for tenant.
func (q *Queue) SizeActive(ctx context.Context, tenant string) (int64, error) {
	n, err := q.store.ZCount(ctx, queueKey(tenant), store.After(q.clock.Now()), store.MaxScore)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// SweepExpired drops backlog slots whose lifetime has passed.
func (q *Queue) SweepExpired(ctx context.Context, tenant string) (int64, error) {
	n, err := q.store.ZRemRangeByScore(ctx, queueKey(tenant), store.MinScore, store.Score(q.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("sweep queue: %w", err)
	}
	return n, nil
}

// Tenants lists tenants registered as having backlog work.
func (q *Queue) Tenants(ctx context.Context) ([]string, error) {
	keys, err := q.store.SMembers(ctx, QueuesWithWorkKey)
	if err != nil {
		return nil, fmt.Errorf("list tenant queues: %w", err)
	}
	tenants := make([]string, 0, len(keys))
	for _, key := range keys {
		if tenant, ok := tenantFromQueueKey(key); ok {
			tenants = append(tenants, tenant)
		}
	}
	return tenants, nil
}

// Forget unregisters tenant from the queues-with-work set when its backlog is
// empty. It reports whether the tenant was removed.
func (q *Queue) Forget(ctx context.Context, tenant string) (bool, error) {
	size, err := q.SizeActive(ctx, tenant)
	if err != nil || size > 0 {
		return false, err
	}
	n, err := q.store.SRem(ctx, QueuesWithWorkKey, queueKey(tenant))
	if err != nil {
		return false, fmt.Errorf("unregister tenant queue: %w", err)
	}
	return n > 0, nil
}

// DequeueNext claims one admissible job from tenant's backlog. It returns
// (nil, nil) when nothing is promotable right now.
//
// Candidates are found by scanning membership pages, then claimed one by one
// with a conditional removal; losing every claim to another worker triggers
// a jittered retry up to BailAttempts.
func (q *Queue) DequeueNext(ctx context.Context, tenant string) (*crawler.Job, error) {
	for attempt := 1; ; attempt++ {
		job, contended, err := q.tryDequeue(ctx, tenant)
		if err != nil {
			return nil, err
		}
		if !contended {
			metrics.ObserveDequeueAttempts(attempt)
			return job, nil
		}
		if attempt >= q.cfg.BailAttempts {
			metrics.ObserveDequeueAttempts(attempt)
			q.logger.Error("giving up on promotion",
				zap.String("team_id", tenant),
				zap.Int("attempt", attempt),
			)
			return nil, ErrPromotionBailout
		}
		if attempt > q.cfg.WarnAttempts {
			q.logger.Warn("lost every promotion race, retrying",
				zap.String("team_id", tenant),
				zap.Int("attempt", attempt),
			)
		} else {
			q.logger.Info("lost every promotion race, retrying",
				zap.String("team_id", tenant),
				zap.Int("attempt", attempt),
			)
		}
		if err := q.backoff(ctx); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) backoff(ctx context.Context) error {
	d := time.Duration(rand.Int64N(int64(q.cfg.RetryJitterMax) + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("dequeue backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// tryDequeue runs one scan-and-claim pass. contended is true when admissible
// candidates existed but every claim was lost.
func (q *Queue) tryDequeue(ctx context.Context, tenant string) (job *crawler.Job, contended bool, err error) {
	candidates, err := q.scan(ctx, tenant)
	if err != nil {
		return nil, false, err
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	key := queueKey(tenant)
	for i := range candidates {
		removed, err := q.store.ZRem(ctx, key, candidates[i].ID)
		if err != nil {
			return nil, false, fmt.Errorf("claim queue member: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.store.Del(ctx, payloadKey(candidates[i].ID)); err != nil {
			q.logger.Warn("delete claimed payload failed",
				zap.String("job_id", candidates[i].ID),
				zap.Error(err),
			)
		}
		return &candidates[i], false, nil
	}
	return nil, true, nil
}

// scan pages through membership until it finds at least one admissible
// candidate or runs out of members. Orphans are purged along the way.
func (q *Queue) scan(ctx context.Context, tenant string) ([]crawler.Job, error) {
	key := queueKey(tenant)
	now := q.clock.Now()
	var decide *Scan
	if q.policy != nil {
		decide = q.policy.NewScan()
	}

	var candidates []crawler.Job
	var offset int64
	for {
		members, err := q.store.ZRangeByScore(ctx, key, store.After(now), store.MaxScore, offset, q.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		purged := 0
		for _, id := range members {
			job, ok, err := q.payload(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				// A member that could not be removed still occupies its slot
				// in the range and must be paged past.
				if q.purgeOrphan(ctx, key, id, tenant) {
					purged++
				}
				continue
			}
			admit := true
			if decide != nil {
				if admit, err = decide.Admit(ctx, job.CrawlID); err != nil {
					return nil, err
				}
			}
			if admit {
				candidates = append(candidates, job)
			}
		}
		if len(candidates) > 0 || int64(len(members)) < q.cfg.PageSize {
			return candidates, nil
		}
		offset += int64(len(members) - purged)
	}
}

func (q *Queue) payload(ctx context.Context, jobID string) (crawler.Job, bool, error) {
	raw, err := q.store.Get(ctx, payloadKey(jobID))
	if errors.Is(err, store.ErrNotFound) {
		return crawler.Job{}, false, nil
	}
	if err != nil {
		return crawler.Job{}, false, fmt.Errorf("load job payload: %w", err)
	}
	var job crawler.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		// An unreadable payload can never run; treat it like a missing one.
		q.logger.Error("corrupt job payload", zap.String("job_id", jobID), zap.Error(err))
		return crawler.Job{}, false, nil
	}
	return job, true, nil
}

// purgeOrphan drops a member without payload and reports whether it is gone
// from the membership set.
func (q *Queue) purgeOrphan(ctx context.Context, key, jobID, tenant string) bool {
	removed, err := q.store.ZRem(ctx, key, jobID)
	if err != nil {
		q.logger.Warn("purge orphaned queue member failed",
			zap.String("team_id", tenant),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return false
	}
	if err := q.store.Del(ctx, payloadKey(jobID)); err != nil {
		q.logger.Debug("delete orphan payload failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if removed > 0 {
		metrics.ObserveOrphanPurged()
		q.logger.Debug("purged orphaned queue member",
			zap.String("team_id", tenant),
			zap.String("job_id", jobID),
		)
	}
	return true
}
