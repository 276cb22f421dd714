// Package server builds the scrapegate application from configuration and
// runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/api"
	"github.com/JakeFAU/scrapegate/internal/clock/system"
	"github.com/JakeFAU/scrapegate/internal/concurrency"
	"github.com/JakeFAU/scrapegate/internal/config"
	"github.com/JakeFAU/scrapegate/internal/crawl"
	"github.com/JakeFAU/scrapegate/internal/crawler"
	"github.com/JakeFAU/scrapegate/internal/dispatcher"
	"github.com/JakeFAU/scrapegate/internal/logging"
	"github.com/JakeFAU/scrapegate/internal/metrics"
	queuememory "github.com/JakeFAU/scrapegate/internal/queue/memory"
	"github.com/JakeFAU/scrapegate/internal/store"
	"github.com/JakeFAU/scrapegate/internal/telemetry"
	"github.com/JakeFAU/scrapegate/internal/webhook"
	"github.com/JakeFAU/scrapegate/internal/worker"
)

const requeueTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.OrderedStore
	scheduler *concurrency.Scheduler
	lifecycle *crawl.Lifecycle
	dispatch  *dispatcher.Dispatcher
	queue     *queuememory.Queue
	workers   []dispatcher.Runner
	hub       *webhook.Hub
	apiServer *api.Server

	// closers run in reverse order on shutdown.
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Build creates the application's dependencies. A logger is built from cfg
// when none is supplied.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("redis", cfg.UsesRedis()),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("workers", cfg.Worker.Count),
	)

	ok := false
	defer func() {
		if !ok {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			app.closeAll(closeCtx)
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.onClose("tracer provider", tp.Shutdown)

	if app.store, err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	jobLog, err := setupJobLog(ctx, app)
	if err != nil {
		return nil, err
	}
	sinks, err := setupWebhookSinks(ctx, app)
	if err != nil {
		return nil, err
	}
	app.hub = webhook.NewHub(webhook.Config{
		BufferSize:     cfg.Webhook.BufferSize,
		MaxBatchEvents: cfg.Webhook.MaxBatchEvents,
		MaxBatchWait:   cfg.Webhook.MaxBatchWait,
		SinkTimeout:    cfg.Webhook.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger,
	}, sinks...)
	app.onClose("webhook hub", app.hub.Close)

	clock := system.New()
	crawls := crawl.NewStore(app.store, cfg.Crawl.RecordTTL)
	tracker := crawl.NewTracker(app.store, cfg.Crawl.RecordTTL)

	app.queue = queuememory.NewQueue(cfg.Worker.RunQueueDepth)
	app.dispatch = dispatcher.New(app.queue, logger)
	app.scheduler = concurrency.NewScheduler(
		app.store,
		crawls,
		app.dispatch,
		concurrency.TenantLimits{
			Default:   cfg.Concurrency.DefaultTeamLimit,
			Overrides: cfg.Concurrency.TeamLimits,
		},
		clock,
		concurrency.Config{
			LeaseTTL: cfg.Concurrency.LeaseTTL,
			Queue: concurrency.QueueConfig{
				PageSize:       cfg.Concurrency.QueuePageSize,
				RetryJitterMax: cfg.Concurrency.QueueRetryJitterMax,
				WarnAttempts:   cfg.Concurrency.QueueWarnAttempts,
				BailAttempts:   cfg.Concurrency.QueueBailAttempts,
			},
		},
		logger,
	)
	app.lifecycle = crawl.New(
		crawls,
		tracker,
		app.scheduler,
		app.hub,
		jobLog,
		newIDs(),
		clock,
		crawl.Config{
			DefaultMaxDepth: cfg.Crawl.DefaultMaxDepth,
			DefaultLimit:    cfg.Crawl.DefaultLimit,
			JobTimeout:      cfg.Scrape.Timeout,
			QueueTimeout:    cfg.Crawl.QueueTimeout,
		},
		logger,
	)

	if err := setupWorkers(app, blobs, clock); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(app.lifecycle, app.scheduler, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Ready:       app.ready,
	}, logger)

	ok = true
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) ready(ctx context.Context) error {
	_, err := a.store.Get(ctx, "scrapegate:readyz")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

// Run starts workers, the reconcile loop and the HTTP server, and blocks
// until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx, a.workers...)
	}()
	go a.reconcileLoop(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// reconcileLoop periodically restores liveness: expired leases are swept and
// backlog entries promoted for every team with work.
func (a *App) reconcileLoop(ctx context.Context) {
	interval := a.cfg.Concurrency.ReconcileInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := a.scheduler.Reconcile(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("reconcile failed", zap.Error(err))
				continue
			}
			if promoted > 0 {
				a.logger.Info("reconcile promoted jobs", zap.Int("promoted", promoted))
			}
		}
	}
}

// Close returns jobs no worker picked up to the backlog and then releases
// every dependency in reverse build order.
func (a *App) Close(ctx context.Context) {
	a.requeueBuffered(ctx)
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// requeueBuffered drains the execution queue so leased but unstarted jobs
// survive shutdown in the backlog instead of lingering as pending work.
func (a *App) requeueBuffered(ctx context.Context) {
	if a.queue == nil {
		return
	}
	jobs := a.queue.Drain()
	if len(jobs) == 0 || a.scheduler == nil {
		return
	}
	// The shutdown deadline may already have passed waiting for workers.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	requeued := 0
	for _, job := range jobs {
		if err := a.scheduler.Requeue(ctx, job); err != nil {
			a.logger.Error("requeue buffered job failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		requeued++
	}
	a.logger.Info("buffered jobs returned to backlog", zap.Int("requeued", requeued), zap.Int("buffered", len(jobs)))
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// Lifecycle exposes the crawl lifecycle, mainly for tests and embedding.
func (a *App) Lifecycle() *crawl.Lifecycle {
	return a.lifecycle
}

// Scheduler exposes the admission scheduler.
func (a *App) Scheduler() *concurrency.Scheduler {
	return a.scheduler
}

var _ crawler.Submitter = (*dispatcher.Dispatcher)(nil)

var _ worker.Lifecycle = (*crawl.Lifecycle)(nil)
