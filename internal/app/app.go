// Package app wires configuration into the stores, queue and services shared by the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/liverec/backend/config"
	"github.com/liverec/backend/internal/cleanup"
	"github.com/liverec/backend/internal/middleware"
	"github.com/liverec/backend/internal/recordings"
	"github.com/liverec/backend/internal/worker"
	"github.com/liverec/backend/pkg/database"
	"github.com/liverec/backend/pkg/notify"
	"github.com/liverec/backend/pkg/queue"
	"github.com/liverec/backend/pkg/redis"
	"github.com/liverec/backend/pkg/response"
	"github.com/liverec/backend/pkg/storage"
)

// App holds the long-lived dependencies of one process.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Pool      *pgxpool.Pool
	SQLite    *sql.DB
	Redis     *redis.Client
	Queue     *queue.Queue
	Repo      recordings.Repository
	Videos    storage.ObjectStore
	Covers    storage.ObjectStore
	Lifecycle *recordings.Lifecycle
	Sweeper   *cleanup.Sweeper
}

// New connects to the database (running migrations), Redis when configured, and both object stores.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	var store queue.Store
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := database.OpenSQLite(ctx, cfg.Database.SQLitePath, a.Logger)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.SQLite = db
		if err := database.MigrateSQLite(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = queue.NewSQLiteStore(db)
		a.Repo = recordings.NewSQLiteRepository(db)
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), a.Logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.Pool = pool
		if err := database.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = queue.NewPostgresStore(pool)
		a.Repo = recordings.NewPostgresRepository(pool)
	}
	a.Queue = queue.NewQueue(store, a.Logger)

	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, a.Logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
	}

	var err error
	if a.Videos, err = newObjectStore(ctx, cfg.VideoStorage, a.Logger.Named("videos")); err != nil {
		return fmt.Errorf("video storage: %w", err)
	}
	if a.Covers, err = newObjectStore(ctx, cfg.CoverStorage, a.Logger.Named("covers")); err != nil {
		a.Logger.Warn("cover storage disabled, posters will not be stored", zap.Error(err))
	}

	guard, err := recordings.NewPathGuard(cfg.RecordingEngine.BaseDir, cfg.RecordingEngine.ContainerPrefix)
	if err != nil {
		a.Logger.Warn("recording engine base dir unusable, transmux webhooks will be rejected", zap.Error(err))
		guard = nil
	}
	opts := []recordings.Option{recordings.WithCoverMaxBytes(cfg.CoverStorage.MaxBytes)}
	if cfg.RecordingEngine.Thumbnails {
		opts = append(opts, recordings.WithFrameGrabber(recordings.NewThumbnailer(cfg.RecordingEngine.FFmpegPath)))
	}
	if d := notify.NewDiscord(cfg.RecordingEngine.ErrorWebhookURL, nil); d != nil {
		opts = append(opts, recordings.WithNotifier(d))
	}
	a.Lifecycle = recordings.NewLifecycle(a.Repo, a.Queue, a.Covers, guard, a.Logger, opts...)

	var sweepOpts []cleanup.SweeperOption
	if a.Redis != nil {
		sweepOpts = append(sweepOpts, cleanup.WithLocker(redis.NewLocker(a.Redis.Client)))
	}
	a.Sweeper = cleanup.NewSweeper(a.Repo, a.Videos, a.Covers, a.Logger, sweepOpts...)
	return nil
}

func newObjectStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case storage.BackendLocal:
		st, err := storage.NewLocal(cfg.LocalDir, cfg.S3.KeyPrefix, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case storage.BackendS3:
		st, err := storage.NewS3(ctx, cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// WorkerPool builds the upload worker pool from the worker settings.
func (a *App) WorkerPool() *worker.Pool {
	w := a.Config.Worker
	return worker.NewPool(w.Concurrency, a.Repo, a.Lifecycle, a.Videos, a.Queue, worker.Config{
		MaxAttempts:  w.MaxAttempts,
		PollInterval: w.PollInterval,
		LeaseTimeout: w.LeaseTimeout,
	}, a.Logger.Named("worker"))
}

// CleanupScheduler returns the periodic sweep for the given process, or nil when no schedule is configured
// or another process hosts it.
func (a *App) CleanupScheduler(host string) (*cleanup.Scheduler, error) {
	c := a.Config.Cleanup
	if c.Schedule == "" || c.ScheduleHost != host {
		return nil, nil
	}
	return cleanup.NewScheduler(c.Schedule, a.Sweeper, cleanup.Options{
		OlderThanDays: c.DefaultRetentionDays,
		Limit:         c.ScheduleLimit,
	}, a.Logger.Named("cleanup"))
}

// Router mounts the webhook, cleanup and health routes.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(a.Logger, "/health"))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ping(ctx); err != nil {
			response.ServiceUnavailable(c, err.Error())
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	var dedup recordings.Deduper
	if a.Redis != nil {
		dedup = recordings.NewRedisDeduper(a.Redis.Client, a.Config.Webhook.DedupTTL)
	}
	webhooks := recordings.NewWebhookHandler(a.Lifecycle, dedup, a.Logger.Named("webhook"))
	webhooks.Register(router.Group("/webhooks/recording-engine"))

	cleanupHandler := cleanup.NewHandler(a.Sweeper, a.Config.Cleanup.DefaultRetentionDays, a.Logger.Named("cleanup"))
	internal := router.Group("/internal", middleware.InternalToken(a.Config.Cleanup.InternalToken))
	internal.POST("/cleanup/recordings", cleanupHandler.Run)

	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found: "+c.Request.Method+" "+c.Request.URL.Path)
	})
	return router
}

// Server wraps the router in an http.Server using the configured timeouts.
func (a *App) Server() *http.Server {
	return &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      a.Router(),
		ReadTimeout:  time.Duration(a.Config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(a.Config.Server.WriteTimeout) * time.Second,
	}
}

// Ping checks the database and, when configured, Redis.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		errs = append(errs, a.Pool.Ping(ctx))
	}
	if a.SQLite != nil {
		errs = append(errs, a.SQLite.PingContext(ctx))
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Ping(ctx).Err())
	}
	return errors.Join(errs...)
}

// Close releases every connection New opened.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.SQLite != nil {
		_ = a.SQLite.Close()
	}
}
