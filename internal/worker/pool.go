package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liverec/backend/internal/recordings"
	"github.com/liverec/backend/pkg/queue"
	"github.com/liverec/backend/pkg/storage"
)

// Pool runs several processors against one queue plus a reaper for expired leases.
type Pool struct {
	processors []*RecordingProcessor
	queue      *queue.Queue
	cfg        Config
	logger     *zap.Logger
}

// NewPool creates concurrency processors with distinct worker ids.
func NewPool(concurrency int, repo recordings.Repository, lifecycle *recordings.Lifecycle, videos storage.ObjectStore, q *queue.Queue, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	cfg = cfg.withDefaults()
	prefix := workerPrefix()
	p := &Pool{queue: q, cfg: cfg, logger: logger}
	for i := 0; i < concurrency; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		p.processors = append(p.processors, NewRecordingProcessor(id, repo, lifecycle, videos, q, cfg, logger))
	}
	return p
}

func workerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Run blocks until ctx is cancelled and every processor has finished its current job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, proc := range p.processors {
		wg.Add(1)
		go func(proc *RecordingProcessor) {
			defer wg.Done()
			proc.Run(ctx)
		}(proc)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()
	p.logger.Info("worker pool started", zap.Int("concurrency", len(p.processors)))
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

// reap requeues jobs whose worker stopped refreshing the lease.
func (p *Pool) reap(ctx context.Context) {
	interval := p.cfg.LeaseTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.queue.ReclaimStale(ctx, p.cfg.LeaseTimeout, p.cfg.MaxAttempts); err != nil && ctx.Err() == nil {
				p.logger.Warn("reclaim stale jobs failed", zap.Error(err))
			}
		}
	}
}
