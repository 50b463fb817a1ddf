package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liverec/backend/internal/models"
)

const jobColumns = `id, type, payload, run_at, attempts, locked_at, locked_by, status, error, created_at, updated_at`

// PostgresStore keeps jobs in PostgreSQL and claims with FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a job store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert adds a job row.
func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	const q = `INSERT INTO jobs (id, type, payload, run_at, attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q, job.ID, job.Type, job.Payload, job.RunAt, job.Attempts, string(job.Status), job.CreatedAt, job.UpdatedAt)
	return err
}

// Claim locks the oldest due queued job without waiting on rows other claimers hold.
func (s *PostgresStore) Claim(ctx context.Context, jobType, workerID string, now time.Time) (*models.Job, error) {
	const q = `UPDATE jobs
		SET status = 'running', locked_at = $3, locked_by = $2, updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE type = $1 AND status = 'queued' AND run_at <= $3
			ORDER BY run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, q, jobType, workerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job by id, or nil if it does not exist.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a job done and clears its lock while workerID still holds it.
func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	const q = `UPDATE jobs SET status = 'done', locked_at = NULL, locked_by = NULL, updated_at = $3
		WHERE id = $1 AND status = 'running' AND locked_by = $2`
	tag, err := s.pool.Exec(ctx, q, id, workerID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLost(ctx, id)
	}
	return nil
}

func (s *PostgresStore) missingOrLost(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrLeaseLost
}

// Fail applies u while workerID still holds the job and nobody has recorded a failure since the caller read it.
func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, workerID string, u FailUpdate) error {
	const q = `UPDATE jobs
		SET attempts = $2, status = $3, run_at = $4, error = $5, locked_at = NULL, locked_by = NULL, updated_at = $6
		WHERE id = $1 AND attempts = $7 AND status = 'running' AND locked_by = $8`
	tag, err := s.pool.Exec(ctx, q, id, u.Attempts, string(u.Status), u.RunAt, u.Error, u.Now, u.PrevAttempts, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Touch refreshes locked_at while workerID still holds the job.
func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	const q = `UPDATE jobs SET locked_at = $3, updated_at = $3 WHERE id = $1 AND locked_by = $2 AND status = 'running'`
	tag, err := s.pool.Exec(ctx, q, id, workerID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReclaimStale requeues (or buries) running jobs locked before cutoff.
func (s *PostgresStore) ReclaimStale(ctx context.Context, cutoff, now time.Time, maxAttempts int) (int64, error) {
	const q = `UPDATE jobs
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'queued' END,
			run_at = $2,
			error = 'lease expired',
			locked_at = NULL,
			locked_by = NULL,
			updated_at = $2
		WHERE status = 'running' AND locked_at < $1`
	tag, err := s.pool.Exec(ctx, q, cutoff, now, maxAttempts)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPostgresJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var status string
	if err := row.Scan(&job.ID, &job.Type, &job.Payload, &job.RunAt, &job.Attempts, &job.LockedAt, &job.LockedBy,
		&status, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}
