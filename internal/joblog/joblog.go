// Package joblog records crawl completion summaries.
package joblog

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// Logger writes job-log records as structured log lines.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing to logger.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("joblog")}
}

// LogJob implements crawler.JobLogger.
func (l *Logger) LogJob(_ context.Context, rec crawler.JobLogRecord) error {
	url := rec.URL
	if rec.ZeroDataRetention {
		url = ""
	}
	l.logger.Info("job log",
		zap.String("crawl_id", rec.JobID),
		zap.String("team_id", rec.TeamID),
		zap.String("mode", string(rec.Mode)),
		zap.String("url", url),
		zap.Bool("success", rec.Success),
		zap.String("message", rec.Message),
		zap.Int64("num_docs", rec.NumDocs),
		zap.Int64("docs_failed", rec.DocsFailed),
		zap.Duration("time_taken", rec.TimeTaken),
		zap.Int64("cost", rec.Cost),
	)
	return nil
}

// Multi writes every record to each logger and joins the failures.
type Multi []crawler.JobLogger

// LogJob implements crawler.JobLogger.
func (m Multi) LogJob(ctx context.Context, rec crawler.JobLogRecord) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.LogJob(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
