// Package main runs the background upload worker (recording files to object storage) and, when
// CLEANUP_SCHEDULE_HOST=worker, the cron cleanup sweep.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

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

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	sched, err := a.CleanupScheduler(config.ScheduleHostWorker)
	if err != nil {
		logger.Fatal("cleanup scheduler", zap.Error(err))
	}
	if sched != nil {
		sched.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Jobs in flight finish their bookkeeping before Run returns.
	a.WorkerPool().Run(ctx)

	if sched != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		sched.Stop(stopCtx)
		cancel()
	}
	logger.Info("worker stopped")
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
