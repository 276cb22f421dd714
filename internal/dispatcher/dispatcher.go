// Package dispatcher connects the scheduler's submissions to the execution
// queue and fans queue work out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/queue/memory"
)

// Queue is the execution queue the dispatcher feeds.
type Queue interface {
	Enqueue(ctx context.Context, job crawler.Job) error
}

// Runner is a long-lived consumer such as a worker.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher implements crawler.Submitter over an execution queue.
type Dispatcher struct {
	queue  Queue
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(queue Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		logger: logger.Named("dispatcher"),
	}
}

// PromoteOrSubmit hands a leased job to the queue. A job that is already
// queued or running reports crawler.ErrJobExists; a full queue reports
// crawler.ErrSubmitterFull.
func (d *Dispatcher) PromoteOrSubmit(ctx context.Context, job crawler.Job) error {
	err := d.queue.Enqueue(ctx, job)
	switch {
	case err == nil:
		d.logger.Debug("job submitted", zap.String("job_id", job.ID), zap.String("team_id", job.TenantID))
		return nil
	case errors.Is(err, memory.ErrDuplicate):
		return fmt.Errorf("submit %s: %w", job.ID, crawler.ErrJobExists)
	case errors.Is(err, memory.ErrFull):
		return fmt.Errorf("submit %s: %w", job.ID, crawler.ErrSubmitterFull)
	default:
		return fmt.Errorf("queue enqueue: %w", err)
	}
}

// Run starts every runner and blocks until the context finishes and all of
// them have returned.
func (d *Dispatcher) Run(ctx context.Context, runners ...Runner) {
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(runners)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}
