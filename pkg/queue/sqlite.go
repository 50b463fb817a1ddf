package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liverec/backend/internal/models"
	"github.com/liverec/backend/pkg/database"
)

// SQLiteStore keeps jobs in an embedded SQLite database. The database serializes writers, so the
// single-statement claim below cannot hand one row to two callers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a job store backed by db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert adds a job row.
func (s *SQLiteStore) Insert(ctx context.Context, job *models.Job) error {
	const q = `INSERT INTO jobs (id, type, payload, run_at, attempts, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, job.ID.String(), job.Type, job.Payload, database.FormatTime(job.RunAt),
		job.Attempts, string(job.Status), database.FormatTime(job.CreatedAt), database.FormatTime(job.UpdatedAt))
	return err
}

// Claim marks the oldest due queued job as running for workerID.
func (s *SQLiteStore) Claim(ctx context.Context, jobType, workerID string, now time.Time) (*models.Job, error) {
	const q = `UPDATE jobs
		SET status = 'running', locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE type = ? AND status = 'queued' AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns
	ts := database.FormatTime(now)
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, q, ts, workerID, ts, jobType, ts))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job by id, or nil if it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, q, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a job done and clears its lock while workerID still holds it.
func (s *SQLiteStore) Complete(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	const q = `UPDATE jobs SET status = 'done', locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ?`
	res, err := s.db.ExecContext(ctx, q, database.FormatTime(now), id.String(), workerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.missingOrLost(ctx, id)
}

func (s *SQLiteStore) missingOrLost(ctx context.Context, id uuid.UUID) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id.String()).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return ErrLeaseLost
}

// Fail applies u while workerID still holds the job and nobody has recorded a failure since the caller read it.
func (s *SQLiteStore) Fail(ctx context.Context, id uuid.UUID, workerID string, u FailUpdate) error {
	const q = `UPDATE jobs
		SET attempts = ?, status = ?, run_at = ?, error = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND attempts = ? AND status = 'running' AND locked_by = ?`
	res, err := s.db.ExecContext(ctx, q, u.Attempts, string(u.Status), database.FormatTime(u.RunAt), u.Error,
		database.FormatTime(u.Now), id.String(), u.PrevAttempts, workerID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrLeaseLost)
}

// Touch refreshes locked_at while workerID still holds the job.
func (s *SQLiteStore) Touch(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	const q = `UPDATE jobs SET locked_at = ?, updated_at = ? WHERE id = ? AND locked_by = ? AND status = 'running'`
	ts := database.FormatTime(now)
	res, err := s.db.ExecContext(ctx, q, ts, ts, id.String(), workerID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrLeaseLost)
}

// ReclaimStale requeues (or buries) running jobs locked before cutoff.
func (s *SQLiteStore) ReclaimStale(ctx context.Context, cutoff, now time.Time, maxAttempts int) (int64, error) {
	const q = `UPDATE jobs
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= ? THEN 'dead' ELSE 'queued' END,
			run_at = ?,
			error = 'lease expired',
			locked_at = NULL,
			locked_by = NULL,
			updated_at = ?
		WHERE status = 'running' AND locked_at < ?`
	ts := database.FormatTime(now)
	res, err := s.db.ExecContext(ctx, q, maxAttempts, ts, ts, database.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func scanSQLiteJob(row *sql.Row) (*models.Job, error) {
	var (
		job                        models.Job
		id, status                 string
		runAt, createdAt, updated  string
		lockedAt, lockedBy, errMsg sql.NullString
	)
	if err := row.Scan(&id, &job.Type, &job.Payload, &runAt, &job.Attempts, &lockedAt, &lockedBy,
		&status, &errMsg, &createdAt, &updated); err != nil {
		return nil, err
	}
	var err error
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if job.RunAt, err = database.ParseTime(runAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	if job.LockedAt, err = database.ParseNullTime(lockedAt); err != nil {
		return nil, err
	}
	if lockedBy.Valid {
		job.LockedBy = &lockedBy.String
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}
