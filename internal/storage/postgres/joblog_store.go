// Package postgres persists crawl job-log records in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

const defaultTable = "job_logs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobLogStoreConfig controls the Postgres connection pool.
type JobLogStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JobLogStore implements crawler.JobLogger on a Postgres table.
type JobLogStore struct {
	pool  execCloser
	table string
}

// NewJobLogStore connects a pool using cfg.
func NewJobLogStore(ctx context.Context, cfg JobLogStoreConfig) (*JobLogStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobLogStore{pool: pool, table: table}, nil
}

// NewJobLogStoreWithPool builds a store over an existing pool.
func NewJobLogStoreWithPool(pool execCloser, table string) (*JobLogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobLogStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the pool.
func (s *JobLogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LogJob inserts rec. Zero-data-retention crawls keep their counters but
// drop the URL and options.
func (s *JobLogStore) LogJob(ctx context.Context, rec crawler.JobLogRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job log store is not configured")
	}
	if rec.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	url := rec.URL
	crawlerOpts, scrapeOpts := []byte(`{}`), []byte(`{}`)
	if rec.ZeroDataRetention {
		url = ""
	} else {
		var err error
		if crawlerOpts, err = json.Marshal(rec.CrawlerOptions); err != nil {
			return fmt.Errorf("marshal crawler options: %w", err)
		}
		if scrapeOpts, err = json.Marshal(rec.ScrapeOptions); err != nil {
			return fmt.Errorf("marshal scrape options: %w", err)
		}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	team_id,
	mode,
	url,
	success,
	message,
	num_docs,
	docs_failed,
	time_taken_ms,
	cost,
	crawler_options,
	scrape_options,
	zero_data_retention,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.table)

	args := []any{
		rec.JobID,
		rec.TeamID,
		string(rec.Mode),
		url,
		rec.Success,
		rec.Message,
		rec.NumDocs,
		rec.DocsFailed,
		rec.TimeTaken.Milliseconds(),
		rec.Cost,
		crawlerOpts,
		scrapeOpts,
		rec.ZeroDataRetention,
		rec.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}
