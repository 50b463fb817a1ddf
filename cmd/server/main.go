// Package main runs the recording webhook HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/liverec/backend/config"
	"github.com/liverec/backend/internal/app"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	srv := a.Server()

	// Background worker (recording upload) when running as a single process
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var wg sync.WaitGroup
	if cfg.Worker.Embedded {
		pool := a.WorkerPool()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(workerCtx)
		}()
		logger.Info("embedded worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	}

	sched, err := a.CleanupScheduler(config.ScheduleHostServer)
	if err != nil {
		logger.Fatal("cleanup scheduler", zap.Error(err))
	}
	if sched != nil {
		sched.Start()
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	workerCancel()
	wg.Wait()
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
