package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Worker.Count = 2
	cfg.Concurrency.DefaultTeamLimit = 1
	return cfg
}

func TestBuildInMemoryServesAPI(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	require.Len(t, app.workers, 2)

	h := app.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	for _, want := range []string{"leased", "queued"} {
		body := `{"team_id":"team-a","url":"https://example.com/"}`
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrape", strings.NewReader(body)))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp["id"])
		require.Equal(t, want, resp["admission"])
	}
	require.Equal(t, 1, app.queue.Len())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/team/team-a/concurrency", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var conc struct {
		Limit  int   `json:"limit"`
		Active int64 `json:"active"`
		Queued int64 `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conc))
	require.Equal(t, 1, conc.Limit)
	require.EqualValues(t, 1, conc.Active)
	require.EqualValues(t, 1, conc.Queued)
}

func TestCloseReturnsBufferedJobsToBacklog(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Concurrency.DefaultTeamLimit = 2
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	h := app.Handler()
	for range 2 {
		body := `{"team_id":"team-a","url":"https://example.com/"}`
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrape", strings.NewReader(body)))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	require.Equal(t, 2, app.queue.Len())

	ctx := context.Background()
	app.requeueBuffered(ctx)

	require.Zero(t, app.queue.Len())
	active, err := app.scheduler.ActiveCount(ctx, "team-a")
	require.NoError(t, err)
	require.Zero(t, active)
	queued, err := app.scheduler.QueuedCount(ctx, "team-a")
	require.NoError(t, err)
	require.EqualValues(t, 2, queued)
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Build(ctx, cfg, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis store init failed")
}

func TestWebhookSinksFollowConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Webhook.HTTPEnabled = false
	app := &App{cfg: cfg, logger: zap.NewNop()}
	sinks, err := setupWebhookSinks(context.Background(), app)
	require.NoError(t, err)
	require.Len(t, sinks, 1)

	cfg.Webhook.HTTPEnabled = true
	cfg.Webhook.Kafka.Brokers = []string{"127.0.0.1:9092"}
	app = &App{cfg: cfg, logger: zap.NewNop()}
	sinks, err = setupWebhookSinks(context.Background(), app)
	require.NoError(t, err)
	require.Len(t, sinks, 3)
	for _, s := range sinks {
		require.NoError(t, s.Close(context.Background()))
	}
}

func TestJobLogWithoutDatabaseLogsOnly(t *testing.T) {
	t.Parallel()

	app := &App{cfg: testConfig(t), logger: zap.NewNop()}
	jl, err := setupJobLog(context.Background(), app)
	require.NoError(t, err)
	require.NotNil(t, jl)
	require.Empty(t, app.closers)
}

func TestReconcileLoopStopsWithContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Concurrency.ReconcileInterval = 10 * time.Millisecond
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.reconcileLoop(ctx)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcile loop did not stop")
	}
}
