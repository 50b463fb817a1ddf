package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liverec/backend/config"
	"github.com/liverec/backend/pkg/storage"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Server:   config.ServerConfig{Port: "0", ReadTimeout: 5, WriteTimeout: 5},
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(dir, "db", "app.db")},
		VideoStorage: config.StorageConfig{
			Backend:  storage.BackendLocal,
			LocalDir: filepath.Join(dir, "videos"),
			S3:       storage.S3Config{KeyPrefix: "recordings", Multipart: storage.DefaultMultipartConfig()},
		},
		CoverStorage: config.StorageConfig{
			Backend:  storage.BackendLocal,
			LocalDir: filepath.Join(dir, "covers"),
			MaxBytes: storage.MiB,
		},
		RecordingEngine: config.RecordingEngineConfig{BaseDir: t.TempDir()},
		Worker:          config.WorkerConfig{Concurrency: 1, MaxAttempts: 3},
		Cleanup: config.CleanupConfig{
			DefaultRetentionDays: 60,
			InternalToken:        "tok",
			Schedule:             "@hourly",
			ScheduleHost:         config.ScheduleHostServer,
		},
	}
	return cfg
}

func TestAppWithSQLite(t *testing.T) {
	a, err := New(context.Background(), sqliteConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.Pool)
	assert.NotNil(t, a.SQLite)
	assert.Nil(t, a.Redis)
	assert.NotNil(t, a.Covers)
	assert.NotNil(t, a.WorkerPool())
	sched, err := a.CleanupScheduler(config.ScheduleHostServer)
	require.NoError(t, err)
	assert.NotNil(t, sched)

	r := a.Router()
	do := func(method, path, body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/webhooks/recording-engine/live-start",
		`{"id":"x","data":{"platform":"bigo","channel":"nobody","live_info":{}}}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/internal/cleanup/recordings", `{}`, "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/internal/cleanup/recordings", `{"dry_run":true}`, "tok").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/nope", "", "").Code)
}

func TestAppWithoutSchedule(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Cleanup.Schedule = ""
	cfg.RecordingEngine.BaseDir = ""
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	sched, err := a.CleanupScheduler(config.ScheduleHostServer)
	require.NoError(t, err)
	assert.Nil(t, sched)
}

func TestCleanupScheduleRunsInConfiguredHostOnly(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Cleanup.ScheduleHost = config.ScheduleHostWorker
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	sched, err := a.CleanupScheduler(config.ScheduleHostServer)
	require.NoError(t, err)
	assert.Nil(t, sched)

	sched, err = a.CleanupScheduler(config.ScheduleHostWorker)
	require.NoError(t, err)
	require.NotNil(t, sched)
	sched.Start()
	sched.Stop(context.Background())
}
