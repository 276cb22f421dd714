package crawl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/store"
)

func groupJobsKey(id string) string { return "crawl:" + id + ":jobs" }
func groupDoneKey(id string) string { return "crawl:" + id + ":jobs_done" }
func groupStatusKey(id string, status crawler.JobStatus) string {
	return "crawl:" + id + ":jobs_" + string(status)
}

// Tracker records which children of a job-group were registered and which
// have reported an outcome.
type Tracker struct {
	st  store.OrderedStore
	ttl time.Duration
}

// NewTracker constructs a Tracker. ttl <= 0 selects DefaultRecordTTL.
func NewTracker(st store.OrderedStore, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &Tracker{st: st, ttl: ttl}
}

// AddJobs registers children of groupID.
func (t *Tracker) AddJobs(ctx context.Context, groupID string, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	key := groupJobsKey(groupID)
	if _, err := t.st.SAdd(ctx, key, jobIDs...); err != nil {
		return fmt.Errorf("add group jobs: %w", err)
	}
	if err := t.st.Expire(ctx, key, t.ttl); err != nil {
		return fmt.Errorf("expire group jobs: %w", err)
	}
	return nil
}

// MarkJobDone records jobID's outcome once; repeated reports are ignored.
func (t *Tracker) MarkJobDone(ctx context.Context, groupID, jobID string, status crawler.JobStatus) error {
	key := groupDoneKey(groupID)
	n, err := t.st.SAdd(ctx, key, jobID)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := t.st.Expire(ctx, key, t.ttl); err != nil {
		return fmt.Errorf("expire done set: %w", err)
	}
	counter := groupStatusKey(groupID, status)
	if _, err := t.st.IncrBy(ctx, counter, 1); err != nil {
		return fmt.Errorf("count job outcome: %w", err)
	}
	if err := t.st.Expire(ctx, counter, t.ttl); err != nil {
		return fmt.Errorf("expire outcome counter: %w", err)
	}
	return nil
}

// GroupHasAnyRemainingJob reports whether any registered child has not yet
// reported an outcome.
func (t *Tracker) GroupHasAnyRemainingJob(ctx context.Context, groupID, _ string) (bool, error) {
	total, err := t.st.SCard(ctx, groupJobsKey(groupID))
	if err != nil {
		return false, fmt.Errorf("count group jobs: %w", err)
	}
	done, err := t.st.SCard(ctx, groupDoneKey(groupID))
	if err != nil {
		return false, fmt.Errorf("count finished jobs: %w", err)
	}
	return total > done, nil
}

// GroupCounts summarises the group's children.
func (t *Tracker) GroupCounts(ctx context.Context, groupID string) (crawler.GroupCounts, error) {
	total, err := t.st.SCard(ctx, groupJobsKey(groupID))
	if err != nil {
		return crawler.GroupCounts{}, fmt.Errorf("count group jobs: %w", err)
	}
	counts := crawler.GroupCounts{Total: total}
	for status, dst := range map[crawler.JobStatus]*int64{
		crawler.JobStatusCompleted: &counts.Completed,
		crawler.JobStatusFailed:    &counts.Failed,
		crawler.JobStatusCancelled: &counts.Cancelled,
	} {
		if *dst, err = t.counter(ctx, groupStatusKey(groupID, status)); err != nil {
			return crawler.GroupCounts{}, err
		}
	}
	return counts, nil
}

func (t *Tracker) counter(ctx context.Context, key string) (int64, error) {
	raw, err := t.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}
