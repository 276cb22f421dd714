// Package memory provides the in-process execution queue that leased jobs are
// handed to.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// ErrDuplicate is returned when a job with the same id is queued or running.
var ErrDuplicate = errors.New("job already in flight")

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// ErrFull is returned when every buffer slot is taken and no worker is idle.
var ErrFull = errors.New("queue full")

// Queue is a bounded in-memory queue with context-aware operations. A job id
// stays reserved from Enqueue until Done.
type Queue struct {
	ch   chan crawler.Job
	done chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:       make(chan crawler.Job, capacity),
		done:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// Enqueue pushes a job into the queue without waiting for room; a full
// queue reports ErrFull.
func (q *Queue) Enqueue(ctx context.Context, job crawler.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.inFlight[job.ID]; ok {
		return fmt.Errorf("enqueue %s: %w", job.ID, ErrDuplicate)
	}
	// The send never blocks, so holding the lock keeps Drain from missing it.
	select {
	case q.ch <- job:
		q.inFlight[job.ID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", job.ID, ErrFull)
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Job, error) {
	select {
	case <-ctx.Done():
		return crawler.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.Job{}, ErrClosed
	case job := <-q.ch:
		return job, nil
	}
}

// Done releases the job id so it may be enqueued again.
func (q *Queue) Done(jobID string) {
	q.mu.Lock()
	delete(q.inFlight, jobID)
	q.mu.Unlock()
}

// Len returns the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue for shutdown. Buffered jobs stay put until Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}

// Drain closes the queue and returns the jobs no worker picked up, releasing
// their ids.
func (q *Queue) Drain() []crawler.Job {
	q.Close()
	var jobs []crawler.Job
	for {
		select {
		case job := <-q.ch:
			q.Done(job.ID)
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
}
