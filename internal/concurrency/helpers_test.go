package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/store"
	"github.com/JakeFAU/scrapegate/internal/store/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCrawls struct {
	mu     sync.Mutex
	crawls map[string]crawler.StoredCrawl
	gets   int
}

func newFakeCrawls(crawls ...crawler.StoredCrawl) *fakeCrawls {
	f := &fakeCrawls{crawls: make(map[string]crawler.StoredCrawl)}
	for _, c := range crawls {
		f.crawls[c.ID] = c
	}
	return f
}

func (f *fakeCrawls) GetCrawl(_ context.Context, id string) (crawler.StoredCrawl, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	c, ok := f.crawls[id]
	if !ok {
		return crawler.StoredCrawl{}, crawler.ErrCrawlNotFound
	}
	return c, nil
}

func (f *fakeCrawls) SaveCrawl(_ context.Context, c crawler.StoredCrawl) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawls[c.ID] = c
	return nil
}

func (f *fakeCrawls) MarkCrawlActive(context.Context, crawler.StoredCrawl) error { return nil }

func (f *fakeCrawls) IsCrawlCancelled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crawls[id].Cancelled, nil
}

func (f *fakeCrawls) OngoingCrawls(_ context.Context, teamID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, c := range f.crawls {
		if c.TeamID == teamID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeCrawls) MarkCrawlFinished(context.Context, crawler.StoredCrawl) (bool, error) {
	return true, nil
}

func (f *fakeCrawls) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []crawler.Job
	errs map[string]error
}

func (r *recordingSubmitter) PromoteOrSubmit(_ context.Context, job crawler.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[job.ID]; err != nil {
		return err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingSubmitter) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.ID)
	}
	return out
}

// losingStore reports every queue claim as lost to another worker.
type losingStore struct {
	store.OrderedStore
	mu     sync.Mutex
	claims int
}

func (s *losingStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(key) > len(queuePrefix) && key[:len(queuePrefix)] == queuePrefix {
		s.mu.Lock()
		s.claims++
		s.mu.Unlock()
		return 0, nil
	}
	return s.OrderedStore.ZRem(ctx, key, members...)
}

// stuckStore fails every ZRem that names one of its members.
type stuckStore struct {
	store.OrderedStore
	stuck map[string]bool
}

func (s *stuckStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	for _, m := range members {
		if s.stuck[m] {
			return 0, errors.New("store unavailable")
		}
	}
	return s.OrderedStore.ZRem(ctx, key, members...)
}

func newTestStore(t *testing.T, clock *manualClock) *memory.Store {
	t.Helper()
	st := memory.New(memory.WithClock(clock))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func intPtr(v int) *int { return &v }

func fastQueueConfig() QueueConfig {
	return QueueConfig{PageSize: 2, RetryJitterMax: time.Millisecond, WarnAttempts: 2, BailAttempts: 5}
}
