package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liverec/backend/internal/models"
)

// JobTypeRecordingUpload moves a finished recording file into object storage.
const JobTypeRecordingUpload = "RecordingUpload"

// DefaultMaxAttempts is how many failures a job survives before it is dead-lettered.
const DefaultMaxAttempts = 5

var (
	// ErrJobNotFound is returned when the job row does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when the caller no longer holds the running job.
	ErrLeaseLost = errors.New("job lease lost")
)

// RecordingUploadPayload is the payload for recording upload jobs.
type RecordingUploadPayload struct {
	RecordingID uuid.UUID `json:"recording_id"`
	LocalPath   string    `json:"local_path"`
}

// FailUpdate is the post-failure state computed by Queue.MarkFailed.
type FailUpdate struct {
	PrevAttempts int
	Attempts     int
	Status       models.JobStatus
	RunAt        time.Time
	Error        string
	Now          time.Time
}

// Store persists jobs. Implementations must make Claim atomic across processes.
type Store interface {
	Insert(ctx context.Context, job *models.Job) error
	Claim(ctx context.Context, jobType, workerID string, now time.Time) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Complete(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error
	Fail(ctx context.Context, id uuid.UUID, workerID string, u FailUpdate) error
	Touch(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error
	ReclaimStale(ctx context.Context, cutoff, now time.Time, maxAttempts int) (int64, error)
}

// Queue is the durable job queue: enqueue, atomic claim, completion and failure bookkeeping.
type Queue struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue over the given store.
func NewQueue(store Store, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{store: store, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a queued job due now. Duplicate enqueues produce duplicate jobs.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte) (uuid.UUID, error) {
	now := q.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Type:      jobType,
		Payload:   payload,
		RunAt:     now,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("insert job: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID.String()), zap.String("type", jobType))
	return job.ID, nil
}

// EnqueueRecordingUpload enqueues a recording upload job.
func (q *Queue) EnqueueRecordingUpload(ctx context.Context, payload RecordingUploadPayload) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal payload: %w", err)
	}
	id, err := q.Enqueue(ctx, JobTypeRecordingUpload, body)
	if err != nil {
		return uuid.Nil, err
	}
	q.logger.Info("enqueued recording upload job",
		zap.String("job_id", id.String()),
		zap.String("recording_id", payload.RecordingID.String()),
	)
	return id, nil
}

// ClaimNext hands the oldest due job of jobType to workerID, or returns nil when none is due.
func (q *Queue) ClaimNext(ctx context.Context, jobType, workerID string) (*models.Job, error) {
	job, err := q.store.Claim(ctx, jobType, workerID, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return q.store.Get(ctx, id)
}

// MarkDone finishes a job held by workerID and releases its lock. It returns ErrLeaseLost when the job is no
// longer running under workerID.
func (q *Queue) MarkDone(ctx context.Context, id uuid.UUID, workerID string) error {
	if err := q.store.Complete(ctx, id, workerID, q.now().UTC()); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// MarkFailed records a failed run. The job is requeued with Backoff(attempts) while attempts stay below
// maxAttempts and the cause is retryable; otherwise it is dead and never retried automatically. Only the
// current lease holder may record the failure.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, workerID string, cause error, maxAttempts int) (models.JobStatus, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return "", ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning || job.LockedBy == nil || *job.LockedBy != workerID {
		return "", fmt.Errorf("fail job: %w", ErrLeaseLost)
	}

	now := q.now().UTC()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	u := FailUpdate{
		PrevAttempts: job.Attempts,
		Attempts:     job.Attempts + 1,
		Error:        msg,
		Now:          now,
		RunAt:        job.RunAt,
	}
	switch {
	case u.Attempts >= maxAttempts:
		u.Status = models.JobStatusDead
	case !IsRetryable(cause):
		u.Status = models.JobStatusDead
	default:
		u.Status = models.JobStatusQueued
		u.RunAt = now.Add(Backoff(u.Attempts))
	}

	if err := q.store.Fail(ctx, id, workerID, u); err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}

	if u.Status == models.JobStatusDead {
		q.logger.Error("job dead-lettered",
			zap.String("job_id", id.String()),
			zap.Int("attempts", u.Attempts),
			zap.String("error", msg),
		)
	} else {
		q.logger.Warn("job rescheduled",
			zap.String("job_id", id.String()),
			zap.Int("attempts", u.Attempts),
			zap.Time("run_at", u.RunAt),
			zap.String("error", msg),
		)
	}
	return u.Status, nil
}

// Touch refreshes the lease on a running job held by workerID.
func (q *Queue) Touch(ctx context.Context, id uuid.UUID, workerID string) error {
	return q.store.Touch(ctx, id, workerID, q.now().UTC())
}

// ReclaimStale returns running jobs whose lease is older than leaseTimeout to the queue. The lost lease counts
// as an attempt, so a job that keeps killing its worker still ends up dead.
func (q *Queue) ReclaimStale(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (int64, error) {
	now := q.now().UTC()
	n, err := q.store.ReclaimStale(ctx, now.Add(-leaseTimeout), now, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("reclaimed stale jobs", zap.Int64("count", n), zap.Duration("lease_timeout", leaseTimeout))
	}
	return n, nil
}

// IsRetryable reports whether err should be retried. Errors that do not say otherwise are retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
