package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/config"
	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Frontier.Backend = backend
	cfg.Frontier.StateDir = t.TempDir()
	cfg.Frontier.MinHostDelay = 0
	cfg.Scheduler.CoreInterval = 10 * time.Millisecond
	cfg.Scheduler.RemoteInterval = 10 * time.Millisecond
	cfg.Scheduler.RemoteLoaderInterval = time.Hour
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func postJSON(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildServesAdminAPI(t *testing.T) {
	t.Parallel()

	a, err := BuildWithLogger(context.Background(), testConfig(t, "memory"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		a.closeInfrastructure()
	})

	rec := postJSON(t, a.Handler(), "/v1/urls", `{"url":"http://example.test/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/frontier", nil)
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats["core"])
}

func TestBoltStateSurvivesRestart(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "bolt")
	ctx := context.Background()

	first, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	rec := postJSON(t, first.Handler(), "/v1/urls", `{"url":"http://kept.test/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, first.Close(ctx))
	first.closeInfrastructure()

	second, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = second.Close(ctx)
		second.closeInfrastructure()
	})
	require.Equal(t, 1, second.Queues().CoreCrawlJobSize())
	hash, err := crawler.HashURL("http://kept.test/")
	require.NoError(t, err)
	where, ok := second.Queues().URLExists(ctx, hash)
	require.True(t, ok)
	require.Equal(t, "core", where)
}

func TestBuildRejectsBadCustomProfile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")
	cfg.Profiles.Custom = []config.ProfileConfig{{Handle: "bad", DepthLimit: -1}}
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestRespectsRobotsWhenAnyProfileAsks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")
	cfg.Crawler.RespectRobots = false
	require.False(t, respectsRobots(cfg))

	cfg.Profiles.Custom = []config.ProfileConfig{{Handle: "polite", RespectRobots: true}}
	require.True(t, respectsRobots(cfg))

	cfg.Crawler.RespectRobots = true
	cfg.Profiles.Custom = nil
	require.True(t, respectsRobots(cfg))
}

func TestRunCrawlsLocalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	page := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(page, []byte("<html>hi</html>"), 0o600))

	cfg := testConfig(t, "memory")
	a, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	rawURL := "file://" + filepath.ToSlash(page)
	rec := postJSON(t, a.Handler(), "/v1/urls", `{"url":"`+rawURL+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	hash, err := crawler.HashURL(rawURL)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, found := a.Queues().URLExists(context.Background(), hash)
		return !found && a.Queues().CoreCrawlJobSize() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, a.Queues().ErrorLog().Size(context.Background()))

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "TASK_DONE")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
}
