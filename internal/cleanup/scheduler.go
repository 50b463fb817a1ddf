package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the sweep on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	opts    Options
	timeout time.Duration
	logger  *zap.Logger
}

// NewScheduler parses the cron expression (standard five-field cron or a descriptor such as "@daily").
func NewScheduler(spec string, sweeper *Sweeper, opts Options, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		opts:    opts,
		timeout: lockTTL,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.sweeper.Run(ctx, s.opts)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Info("scheduled cleanup skipped, another sweep is running")
	case err != nil:
		s.logger.Error("scheduled cleanup failed", zap.Error(err))
	default:
		s.logger.Info("scheduled cleanup finished", zap.Int("deleted", res.Deleted), zap.Int("updated_db", res.UpdatedDB))
	}
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cleanup scheduler started", zap.Int("older_than_days", s.opts.OlderThanDays), zap.Int("limit", s.opts.Limit))
}

// Stop stops scheduling and waits for a running sweep up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
