package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/config"
	"github.com/JakeFAU/scrapegate/internal/crawler"
	collyfetcher "github.com/JakeFAU/scrapegate/internal/fetcher/colly"
	"github.com/JakeFAU/scrapegate/internal/fetcher/headless"
	"github.com/JakeFAU/scrapegate/internal/hash/sha256"
	"github.com/JakeFAU/scrapegate/internal/id/uuid"
	"github.com/JakeFAU/scrapegate/internal/joblog"
	"github.com/JakeFAU/scrapegate/internal/policy/ratelimit"
	kafkapub "github.com/JakeFAU/scrapegate/internal/publisher/kafka"
	pubsubpub "github.com/JakeFAU/scrapegate/internal/publisher/pubsub"
	"github.com/JakeFAU/scrapegate/internal/storage/gcs"
	storagememory "github.com/JakeFAU/scrapegate/internal/storage/memory"
	"github.com/JakeFAU/scrapegate/internal/storage/postgres"
	"github.com/JakeFAU/scrapegate/internal/store"
	storememory "github.com/JakeFAU/scrapegate/internal/store/memory"
	storeredis "github.com/JakeFAU/scrapegate/internal/store/redis"
	"github.com/JakeFAU/scrapegate/internal/webhook"
	"github.com/JakeFAU/scrapegate/internal/worker"
)

const webhookClientTimeout = 15 * time.Second

func setupStore(ctx context.Context, app *App) (store.OrderedStore, error) {
	if !app.cfg.UsesRedis() {
		app.logger.Warn("redis not configured; using in-process store")
		st := storememory.New()
		app.onClose("store", func(context.Context) error { return st.Close() })
		return st, nil
	}
	st, err := storeredis.New(ctx, storeredis.Config{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis store init failed: %w", err)
	}
	app.onClose("store", func(context.Context) error { return st.Close() })
	app.logger.Info("redis store connected", zap.String("addr", app.cfg.Redis.Addr))
	return st, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Storage
	if cfg.Backend != config.StorageGCS {
		return storagememory.NewBlobStore(), nil
	}
	// Object keys already carry cfg.Prefix from the worker.
	blobs, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Bucket})
	if err != nil {
		return nil, fmt.Errorf("gcs storage init failed: %w", err)
	}
	app.onClose("gcs", func(context.Context) error { return blobs.Close() })
	app.logger.Info("gcs storage enabled", zap.String("bucket", cfg.Bucket))
	return blobs, nil
}

func setupJobLog(ctx context.Context, app *App) (crawler.JobLogger, error) {
	loggers := joblog.Multi{joblog.New(app.logger)}
	cfg := app.cfg.Database
	if cfg.DSN == "" {
		return loggers, nil
	}
	pg, err := postgres.NewJobLogStore(ctx, postgres.JobLogStoreConfig{
		DSN:             cfg.DSN,
		Table:           cfg.JobLogTable,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("job log store init failed: %w", err)
	}
	app.onClose("postgres", func(context.Context) error {
		pg.Close()
		return nil
	})
	app.logger.Info("postgres job log enabled", zap.String("table", cfg.JobLogTable))
	return append(loggers, pg), nil
}

func setupWebhookSinks(ctx context.Context, app *App) ([]webhook.Sink, error) {
	cfg := app.cfg.Webhook
	sinks := []webhook.Sink{webhook.NewLogSink(app.logger)}
	if cfg.HTTPEnabled {
		client := &http.Client{Timeout: webhookClientTimeout}
		sinks = append(sinks, webhook.NewHTTPSink(client, app.cfg.Scrape.UserAgent))
	}
	// Sinks are closed by the hub, so publisher closers travel with them.
	if cfg.PubSub.ProjectID != "" {
		pub, closer, err := pubsubpub.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinks = append(sinks, webhook.NewPublisherSink(pub, cfg.PubSub.Topic, closer))
		app.logger.Info("pubsub webhook sink enabled", zap.String("topic", cfg.PubSub.Topic))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := kafkapub.New(kafkapub.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		sinks = append(sinks, webhook.NewPublisherSink(pub, cfg.Kafka.Topic, pub.Close))
		app.logger.Info("kafka webhook sink enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}
	return sinks, nil
}

func setupEngines(app *App) ([]crawler.Fetcher, *collyfetcher.Fetcher, error) {
	cfg := app.cfg.Scrape
	fetch := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.EngineTimeout,
	})
	engines := []crawler.Fetcher{fetch}
	if !cfg.Headless.Enabled {
		return engines, fetch, nil
	}
	chrome, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("headless engine init failed: %w", err)
	}
	app.onClose("headless", func(context.Context) error {
		chrome.Close()
		return nil
	})
	app.logger.Info("headless engine enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	return append(engines, chrome), fetch, nil
}

func setupWorkers(app *App, blobs crawler.BlobStore, clock crawler.Clock) error {
	engines, robots, err := setupEngines(app)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   app.cfg.Scrape.RateLimit.RPS,
		DefaultBurst: app.cfg.Scrape.RateLimit.Burst,
	})
	hasher := sha256.New()
	wcfg := worker.Config{
		ScrapeTimeout:   app.cfg.Scrape.Timeout,
		EngineTimeout:   app.cfg.Scrape.EngineTimeout,
		HeadlessEngine:  headless.EngineName,
		RenderThreshold: app.cfg.Scrape.Headless.RenderThreshold,
		ContentType:     app.cfg.Storage.ContentType,
		BlobPrefix:      app.cfg.Storage.Prefix,
	}
	for i := 0; i < app.cfg.Worker.Count; i++ {
		w := worker.New(
			app.queue,
			app.lifecycle,
			engines,
			robots,
			limiter,
			blobs,
			hasher,
			clock,
			wcfg,
			app.logger.With(zap.Int("worker", i)),
		)
		app.workers = append(app.workers, w)
	}
	return nil
}

func newIDs() crawler.IDGenerator {
	return uuid.New()
}
