package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

var _ crawler.JobLogger = (*JobLogStore)(nil)

func sampleRecord() crawler.JobLogRecord {
	now := time.Unix(1700000000, 0).UTC()
	return crawler.JobLogRecord{
		JobID:          "crawl-1",
		TeamID:         "team",
		Mode:           crawler.CrawlKindCrawl,
		URL:            "https://example.com",
		Success:        true,
		NumDocs:        12,
		DocsFailed:     1,
		TimeTaken:      3 * time.Second,
		Cost:           12,
		CrawlerOptions: crawler.CrawlerOptions{MaxDepth: 2, Limit: 20},
		CreatedAt:      now,
	}
}

func TestLogJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobLogStoreWithPool(mock, "")
	require.NoError(t, err)

	rec := sampleRecord()
	mock.ExpectExec("INSERT INTO job_logs").
		WithArgs(
			rec.JobID,
			rec.TeamID,
			"crawl",
			rec.URL,
			true,
			"",
			int64(12),
			int64(1),
			int64(3000),
			int64(12),
			[]byte(`{"max_depth":2,"limit":20,"allow_backward_crawling":false,"allow_external_links":false,"allow_subdomains":false,"ignore_robots_txt":false,"regex_on_full_url":false}`),
			[]byte(`{}`),
			false,
			rec.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.LogJob(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogJobRedactsZeroDataRetention(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobLogStoreWithPool(mock, "crawl_logs")
	require.NoError(t, err)

	rec := sampleRecord()
	rec.ZeroDataRetention = true
	mock.ExpectExec("INSERT INTO crawl_logs").
		WithArgs(
			rec.JobID, rec.TeamID, "crawl", "", true, "",
			int64(12), int64(1), int64(3000), int64(12),
			[]byte(`{}`), []byte(`{}`), true, rec.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.LogJob(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogJobSurfacesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobLogStoreWithPool(mock, "job_logs")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO job_logs").WillReturnError(errors.New("relation does not exist"))
	err = store.LogJob(context.Background(), sampleRecord())
	require.ErrorContains(t, err, "insert job log")

	require.Error(t, store.LogJob(context.Background(), crawler.JobLogRecord{}))
}

func TestJobLogStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJobLogStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobLogStoreWithPool(mock, "job_logs; DROP TABLE x")
	require.Error(t, err)

	_, err = NewJobLogStore(context.Background(), JobLogStoreConfig{})
	require.ErrorContains(t, err, "database.dsn")
}
