// Package config loads and validates scrapegate configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCRAPEGATE_REDIS_ADDR.
const EnvPrefix = "SCRAPEGATE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Scrape      ScrapeConfig      `mapstructure:"scrape"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RedisConfig points at the shared store. An empty Addr selects the
// in-process store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ConcurrencyConfig sizes team admission and the backlog scan.
type ConcurrencyConfig struct {
	DefaultTeamLimit    int            `mapstructure:"default_team_limit"`
	TeamLimits          map[string]int `mapstructure:"team_limits"`
	LeaseTTL            time.Duration  `mapstructure:"lease_ttl"`
	QueuePageSize       int64          `mapstructure:"queue_page_size"`
	QueueRetryJitterMax time.Duration  `mapstructure:"queue_retry_jitter_max"`
	QueueWarnAttempts   int            `mapstructure:"queue_warn_attempts"`
	QueueBailAttempts   int            `mapstructure:"queue_bail_attempts"`
	ReconcileInterval   time.Duration  `mapstructure:"reconcile_interval"`
}

// CrawlConfig holds crawl defaults and record retention.
type CrawlConfig struct {
	DefaultMaxDepth int           `mapstructure:"default_max_depth"`
	DefaultLimit    int           `mapstructure:"default_limit"`
	RecordTTL       time.Duration `mapstructure:"record_ttl"`
	QueueTimeout    time.Duration `mapstructure:"queue_timeout"`
}

// WorkerConfig sizes the execution pool.
type WorkerConfig struct {
	Count         int `mapstructure:"count"`
	RunQueueDepth int `mapstructure:"run_queue_depth"`
}

// ScrapeConfig governs a single scrape.
type ScrapeConfig struct {
	Timeout       time.Duration   `mapstructure:"timeout"`
	EngineTimeout time.Duration   `mapstructure:"engine_timeout"`
	UserAgent     string          `mapstructure:"user_agent"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
	Headless      HeadlessConfig  `mapstructure:"headless"`
}

// RateLimitConfig is the per-host token bucket. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the browser engine.
type HeadlessConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	RenderThreshold int           `mapstructure:"render_threshold"`
}

// WebhookConfig configures event delivery and its optional broker sinks.
type WebhookConfig struct {
	BufferSize     int           `mapstructure:"buffer"`
	MaxBatchEvents int           `mapstructure:"batch"`
	MaxBatchWait   time.Duration `mapstructure:"batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	HTTPEnabled    bool          `mapstructure:"http_enabled"`
	PubSub         PubSubConfig  `mapstructure:"pubsub"`
	Kafka          KafkaConfig   `mapstructure:"kafka"`
}

// PubSubConfig enables the Pub/Sub sink when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// KafkaConfig enables the Kafka sink when brokers are listed.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// DatabaseConfig enables the Postgres job log when DSN is set.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	JobLogTable     string        `mapstructure:"job_log_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects where scraped documents are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// TelemetryConfig controls trace sampling.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageGCS    = "gcs"
)

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("concurrency.default_team_limit", 10)
	v.SetDefault("concurrency.lease_ttl", "2m")
	v.SetDefault("concurrency.queue_page_size", 100)
	v.SetDefault("concurrency.queue_retry_jitter_max", "300ms")
	v.SetDefault("concurrency.queue_warn_attempts", 15)
	v.SetDefault("concurrency.queue_bail_attempts", 100)
	v.SetDefault("concurrency.reconcile_interval", "5s")
	v.SetDefault("crawl.default_max_depth", 10)
	v.SetDefault("crawl.default_limit", 10000)
	v.SetDefault("crawl.record_ttl", "24h")
	v.SetDefault("crawl.queue_timeout", "0s")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.run_queue_depth", 64)
	v.SetDefault("scrape.timeout", "60s")
	v.SetDefault("scrape.engine_timeout", "30s")
	v.SetDefault("scrape.user_agent", "scrapegate/0.1")
	v.SetDefault("scrape.rate_limit.rps", 2.0)
	v.SetDefault("scrape.rate_limit.burst", 2)
	v.SetDefault("scrape.headless.enabled", false)
	v.SetDefault("scrape.headless.max_parallel", 2)
	v.SetDefault("scrape.headless.nav_timeout", "25s")
	v.SetDefault("scrape.headless.render_threshold", 2048)
	v.SetDefault("webhook.buffer", 4096)
	v.SetDefault("webhook.batch", 100)
	v.SetDefault("webhook.batch_wait", "250ms")
	v.SetDefault("webhook.sink_timeout", "10s")
	v.SetDefault("webhook.http_enabled", true)
	v.SetDefault("webhook.kafka.topic", "scrapegate-events")
	v.SetDefault("database.job_log_table", "job_logs")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("telemetry.service_name", "scrapegate")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits. Every problem is
// reported, not just the first.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Concurrency.DefaultTeamLimit > 0, "concurrency.default_team_limit must be > 0")
	for team, limit := range c.Concurrency.TeamLimits {
		check(limit > 0, fmt.Sprintf("concurrency.team_limits.%s must be > 0", team))
	}
	check(c.Concurrency.LeaseTTL > 0, "concurrency.lease_ttl must be > 0")
	check(c.Concurrency.QueueBailAttempts > 0, "concurrency.queue_bail_attempts must be > 0")
	check(c.Concurrency.QueueWarnAttempts <= c.Concurrency.QueueBailAttempts,
		"concurrency.queue_warn_attempts must not exceed queue_bail_attempts")
	check(c.Worker.Count > 0, "worker.count must be > 0")
	check(c.Worker.RunQueueDepth >= 0, "worker.run_queue_depth must be >= 0")
	check(c.Scrape.Timeout > 0, "scrape.timeout must be > 0")
	check(c.Scrape.EngineTimeout > 0, "scrape.engine_timeout must be > 0")
	check(!c.Scrape.Headless.Enabled || c.Scrape.Headless.MaxParallel > 0,
		"scrape.headless.max_parallel must be > 0 when headless is enabled")
	check((c.Webhook.PubSub.ProjectID == "") == (c.Webhook.PubSub.Topic == ""),
		"webhook.pubsub.project_id and webhook.pubsub.topic must be set together")
	check(len(c.Webhook.Kafka.Brokers) == 0 || c.Webhook.Kafka.Topic != "",
		"webhook.kafka.topic must be set when brokers are configured")
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1,
		"telemetry.sample_ratio must be within [0, 1]")
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageGCS:
		check(c.Storage.Bucket != "", "storage.bucket must be set for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, gcs", c.Storage.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// UsesRedis reports whether the shared Redis store is configured.
func (c Config) UsesRedis() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
