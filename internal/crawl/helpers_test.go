package crawl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/concurrency"
	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/store/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
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

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

type fakeWebhooks struct {
	mu     sync.Mutex
	sent   []crawler.WebhookEvent
	emited []crawler.WebhookEvent
}

func (f *fakeWebhooks) Send(_ context.Context, evt crawler.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, evt)
	return nil
}

func (f *fakeWebhooks) Emit(evt crawler.WebhookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emited = append(f.emited, evt)
}

func (f *fakeWebhooks) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.emited {
		out = append(out, e.Type)
	}
	for _, e := range f.sent {
		out = append(out, e.Type)
	}
	return out
}

type fakeJobLog struct {
	mu      sync.Mutex
	records []crawler.JobLogRecord
}

func (f *fakeJobLog) LogJob(_ context.Context, rec crawler.JobLogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []crawler.Job
}

func (r *recordingSubmitter) PromoteOrSubmit(_ context.Context, job crawler.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingSubmitter) submitted() []crawler.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.Job(nil), r.jobs...)
}

type lifecycleFixture struct {
	clock     *manualClock
	crawls    *Store
	tracker   *Tracker
	sched     *concurrency.Scheduler
	submitter *recordingSubmitter
	webhooks  *fakeWebhooks
	joblog    *fakeJobLog
	life      *Lifecycle
}

func newLifecycleFixture(t *testing.T, teamLimit int) *lifecycleFixture {
	t.Helper()
	clock := newManualClock()
	st := memory.New(memory.WithClock(clock))
	t.Cleanup(func() { _ = st.Close() })

	f := &lifecycleFixture{
		clock:     clock,
		crawls:    NewStore(st, 0),
		tracker:   NewTracker(st, 0),
		submitter: &recordingSubmitter{},
		webhooks:  &fakeWebhooks{},
		joblog:    &fakeJobLog{},
	}
	f.sched = concurrency.NewScheduler(
		st,
		f.crawls,
		f.submitter,
		concurrency.TenantLimits{Default: teamLimit},
		clock,
		concurrency.Config{LeaseTTL: time.Minute},
		zap.NewNop(),
	)
	f.life = New(
		f.crawls,
		f.tracker,
		f.sched,
		f.webhooks,
		f.joblog,
		&seqIDs{},
		clock,
		Config{DefaultMaxDepth: 5, DefaultLimit: 50, JobTimeout: 30 * time.Second},
		zap.NewNop(),
	)
	return f
}

func completed(url string) crawler.Outcome {
	return crawler.Outcome{
		Status:   crawler.JobStatusCompleted,
		Document: &crawler.Document{URL: url, StatusCode: 200},
	}
}

// failingAdmitter rejects every admission and otherwise defers to the
// wrapped scheduler.
type failingAdmitter struct {
	*concurrency.Scheduler
	err error
}

func (f failingAdmitter) Admit(context.Context, crawler.Job) (concurrency.Admission, error) {
	return "", f.err
}
