package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

var _ crawler.WebhookSender = (*Hub)(nil)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent("crawl.page"))
	hub.Emit(sampleEvent("crawl.page"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent("crawl.started"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan crawler.WebhookEvent), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent("crawl.page"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.dropped.Load())
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(crawler.WebhookEvent{Type: "crawl.page"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())

	require.ErrorIs(t, hub.Send(context.Background(), crawler.WebhookEvent{ID: "x"}), ErrInvalidEvent)
}

func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent("crawl.page"))
	hub.Emit(sampleEvent("crawl.page"))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 2)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent("crawl.page"))
	require.Len(t, sink.Batches(), 1, "events after close are ignored")
}

func TestHubSendWaitsForEverySink(t *testing.T) {
	t.Parallel()

	ok := newStubSink()
	bad := newStubSink()
	bad.err = errors.New("unreachable")
	hub := NewHub(Config{}, ok, bad)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	err := hub.Send(context.Background(), sampleEvent("crawl.completed"))
	require.ErrorContains(t, err, "unreachable")
	require.Len(t, ok.Batches(), 1)
	require.Equal(t, "crawl.completed", ok.Batches()[0][0].Type)
}

func sampleEvent(typ string) crawler.WebhookEvent {
	return crawler.WebhookEvent{
		Type:      typ,
		ID:        "crawl-1",
		TeamID:    "team",
		Success:   true,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]crawler.WebhookEvent
	closed  bool
	err     error
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []crawler.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]crawler.WebhookEvent(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]crawler.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]crawler.WebhookEvent(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
