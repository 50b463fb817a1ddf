package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liverec/backend/internal/models"
	"github.com/liverec/backend/internal/recordings"
	"github.com/liverec/backend/pkg/queue"
	"github.com/liverec/backend/pkg/storage"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultLeaseTimeout = 30 * time.Minute
	bookkeepingTimeout  = 30 * time.Second
)

// permanentError marks a job failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

func permanent(err error) error { return &permanentError{err: err} }

// Config tunes a RecordingProcessor.
type Config struct {
	MaxAttempts  int
	PollInterval time.Duration
	LeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = queue.DefaultMaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	return c
}

// RecordingProcessor processes recording upload jobs: local file to object storage, then mark the recording ready.
type RecordingProcessor struct {
	id        string
	repo      recordings.Repository
	lifecycle *recordings.Lifecycle
	videos    storage.ObjectStore
	queue     *queue.Queue
	cfg       Config
	logger    *zap.Logger
}

// NewRecordingProcessor creates a recording upload processor identified by workerID.
func NewRecordingProcessor(workerID string, repo recordings.Repository, lifecycle *recordings.Lifecycle, videos storage.ObjectStore, q *queue.Queue, cfg Config, logger *zap.Logger) *RecordingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingProcessor{
		id:        workerID,
		repo:      repo,
		lifecycle: lifecycle,
		videos:    videos,
		queue:     q,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("worker_id", workerID)),
	}
}

// Process executes one recording upload job. Errors that cannot succeed on retry report Retryable() == false.
func (p *RecordingProcessor) Process(ctx context.Context, job *models.Job) error {
	if job.Type != queue.JobTypeRecordingUpload {
		return permanent(fmt.Errorf("unknown job type: %s", job.Type))
	}
	var payload queue.RecordingUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return permanent(fmt.Errorf("unmarshal payload: %w", err))
	}
	if payload.RecordingID == uuid.Nil || payload.LocalPath == "" {
		return permanent(errors.New("payload missing recording_id or local_path"))
	}

	rec, err := p.repo.GetByID(ctx, payload.RecordingID)
	if err != nil {
		return fmt.Errorf("load recording: %w", err)
	}
	if rec == nil {
		return permanent(fmt.Errorf("recording not found: %s", payload.RecordingID))
	}
	switch rec.Status {
	case models.RecordingStatusReady, models.RecordingStatusExpiredDeleted:
		p.logger.Info("recording already uploaded",
			zap.String("recording_id", rec.ID.String()),
			zap.String("status", string(rec.Status)),
		)
		return nil
	}

	key := p.videos.Key(storage.VideoObjectName(rec.ID, payload.LocalPath))
	res, err := p.videos.Upload(ctx, storage.UploadRequest{
		LocalPath:   payload.LocalPath,
		Key:         key,
		ContentType: storage.ContentTypeFor(payload.LocalPath),
		DurationSec: rec.DurationSec,
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	// The object is stored; record it even if shutdown has begun.
	if err := p.lifecycle.CompleteUpload(context.WithoutCancel(ctx), rec.ID, res); err != nil {
		if errors.Is(err, recordings.ErrStatusConflict) {
			return permanent(err)
		}
		return err
	}
	return nil
}

// RunOnce claims and processes at most one job. It reports whether a job was claimed.
func (p *RecordingProcessor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNext(ctx, queue.JobTypeRecordingUpload, p.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	log := p.logger.With(zap.String("job_id", job.ID.String()), zap.Int("attempts", job.Attempts))
	log.Info("processing job")

	jobCtx, cancel := context.WithCancel(ctx)
	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, job.ID, func() {
			leaseLost.Store(true)
			cancel()
		})
	}()

	start := time.Now()
	procErr := p.Process(jobCtx, job)
	cancel()
	<-hbDone

	if leaseLost.Load() {
		log.Warn("job lease lost, leaving bookkeeping to the new owner", zap.NamedError("process_error", procErr))
		return true, nil
	}

	// Bookkeeping must land even when shutdown cancelled ctx mid-job.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer bcancel()

	if procErr == nil {
		if err := p.queue.MarkDone(bctx, job.ID, p.id); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("job reclaimed before completion was recorded")
				return true, nil
			}
			return true, fmt.Errorf("mark done: %w", err)
		}
		log.Info("job done", zap.Duration("took", time.Since(start)))
		return true, nil
	}

	log.Warn("job failed", zap.Error(procErr))
	status, err := p.queue.MarkFailed(bctx, job.ID, p.id, procErr, p.cfg.MaxAttempts)
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn("job reclaimed before the failure was recorded")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("mark failed: %w", err)
	}
	if status == models.JobStatusDead {
		p.failRecording(bctx, job, log)
	}
	return true, nil
}

func (p *RecordingProcessor) failRecording(ctx context.Context, job *models.Job, log *zap.Logger) {
	var payload queue.RecordingUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.RecordingID == uuid.Nil {
		return
	}
	if err := p.lifecycle.FailUpload(ctx, payload.RecordingID); err != nil {
		log.Warn("recording not marked failed", zap.String("recording_id", payload.RecordingID.String()), zap.Error(err))
	}
}

// heartbeat refreshes the job lease every third of the lease timeout until ctx ends.
func (p *RecordingProcessor) heartbeat(ctx context.Context, id uuid.UUID, onLost func()) {
	t := time.NewTicker(p.cfg.LeaseTimeout / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.queue.Touch(ctx, id, p.id)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost):
				p.logger.Warn("job lease lost", zap.String("job_id", id.String()))
				onLost()
				return
			case ctx.Err() != nil:
				return
			default:
				p.logger.Warn("lease refresh failed", zap.String("job_id", id.String()), zap.Error(err))
			}
		}
	}
}

// Run loops RunOnce until ctx is cancelled, sleeping PollInterval when idle.
func (p *RecordingProcessor) Run(ctx context.Context) {
	p.logger.Info("recording worker started")
	for {
		if ctx.Err() != nil {
			p.logger.Info("recording worker stopping")
			return
		}
		claimed, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("worker iteration failed", zap.Error(err))
		}
		if claimed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			p.logger.Info("recording worker stopping")
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}
