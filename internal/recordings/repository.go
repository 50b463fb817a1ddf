package recordings

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liverec/backend/internal/models"
)

// Repository persists recordings and reads live accounts.
type Repository interface {
	FindLiveAccount(ctx context.Context, platform, accountID string) (*models.LiveAccount, error)
	FindByAccountStatus(ctx context.Context, platform, accountID string, status models.RecordingStatus) (*models.Recording, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	Create(ctx context.Context, rec *models.Recording) error
	MarkWaitingUpload(ctx context.Context, id uuid.UUID, tempPath string, durationSec *int, endedAt time.Time) error
	MarkUploading(ctx context.Context, id uuid.UUID) error
	MarkReady(ctx context.Context, id uuid.UUID, res models.UploadResult) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	SetPoster(ctx context.Context, id uuid.UUID, key string) error
	ListExpiredReady(ctx context.Context, cutoff time.Time, limit int) ([]models.Recording, error)
	MarkExpiredDeleted(ctx context.Context, id uuid.UUID) error
}

const recordingColumns = `r.id, r.live_account_id, r.recording_key, r.title, r.started_at, r.ended_at, r.duration_sec,
	r.size_bytes, r.storage_path, r.storage_temp_path, r.status, r.poster_storage_path, r.created_at, r.updated_at`

// PostgresRepository handles recording persistence in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a recordings repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// FindLiveAccount returns the live account for (platform, account_id), or nil if none.
func (r *PostgresRepository) FindLiveAccount(ctx context.Context, platform, accountID string) (*models.LiveAccount, error) {
	const q = `SELECT id, platform, account_id, canonical_url, status, created_at, updated_at
		FROM live_accounts WHERE LOWER(platform) = $1 AND account_id = $2`
	var a models.LiveAccount
	err := r.pool.QueryRow(ctx, q, platform, accountID).
		Scan(&a.ID, &a.Platform, &a.AccountID, &a.CanonicalURL, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByAccountStatus returns the newest recording of the account in status, or nil if none.
func (r *PostgresRepository) FindByAccountStatus(ctx context.Context, platform, accountID string, status models.RecordingStatus) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + `
		FROM recordings r JOIN live_accounts a ON a.id = r.live_account_id
		WHERE LOWER(a.platform) = $1 AND a.account_id = $2 AND r.status = $3
		ORDER BY r.started_at DESC LIMIT 1`
	return r.one(ctx, q, platform, accountID, string(status))
}

// GetByID returns a recording by ID, or nil if none.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings r WHERE r.id = $1`
	return r.one(ctx, q, id)
}

// Create inserts a recording. rec.ID and rec.StartedAt must be set.
func (r *PostgresRepository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (id, live_account_id, recording_key, title, started_at, status, poster_storage_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, rec.ID, rec.LiveAccountID, rec.RecordingKey, rec.Title, rec.StartedAt,
		string(rec.Status), rec.PosterStoragePath).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// MarkWaitingUpload records the transmuxed file of a live recording.
func (r *PostgresRepository) MarkWaitingUpload(ctx context.Context, id uuid.UUID, tempPath string, durationSec *int, endedAt time.Time) error {
	const q = `UPDATE recordings
		SET status = 'waiting_upload', storage_temp_path = $2, duration_sec = $3, ended_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'live_recording'`
	return r.exec(ctx, q, id, tempPath, durationSec, endedAt)
}

// MarkUploading moves a waiting recording to uploading.
func (r *PostgresRepository) MarkUploading(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = 'uploading', updated_at = NOW() WHERE id = $1 AND status = 'waiting_upload'`
	return r.exec(ctx, q, id)
}

// MarkReady stores the upload result.
func (r *PostgresRepository) MarkReady(ctx context.Context, id uuid.UUID, res models.UploadResult) error {
	const q = `UPDATE recordings
		SET status = 'ready', storage_path = $2, size_bytes = $3, duration_sec = $4, updated_at = NOW()
		WHERE id = $1 AND status <> 'expired_deleted'`
	return r.exec(ctx, q, id, res.RemoteKey, res.SizeBytes, res.DurationSec)
}

// MarkFailed parks a recording whose upload gave up.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('ready', 'expired_deleted')`
	return r.exec(ctx, q, id)
}

// SetPoster records a poster for a recording that has none.
func (r *PostgresRepository) SetPoster(ctx context.Context, id uuid.UUID, key string) error {
	const q = `UPDATE recordings SET poster_storage_path = $2, updated_at = NOW()
		WHERE id = $1 AND poster_storage_path IS NULL AND status <> 'expired_deleted'`
	return r.exec(ctx, q, id, key)
}

// ListExpiredReady returns ready recordings started before cutoff that still have a stored video, oldest first.
func (r *PostgresRepository) ListExpiredReady(ctx context.Context, cutoff time.Time, limit int) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings r
		WHERE r.status = 'ready' AND r.started_at < $1 AND r.storage_path IS NOT NULL
		ORDER BY r.started_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanPostgresRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// MarkExpiredDeleted marks a ready recording whose objects were removed.
func (r *PostgresRepository) MarkExpiredDeleted(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = 'expired_deleted', updated_at = NOW() WHERE id = $1 AND status = 'ready'`
	return r.exec(ctx, q, id)
}

func (r *PostgresRepository) one(ctx context.Context, q string, args ...any) (*models.Recording, error) {
	rec, err := scanPostgresRecording(r.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) exec(ctx context.Context, q string, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func scanPostgresRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	var status string
	if err := row.Scan(&rec.ID, &rec.LiveAccountID, &rec.RecordingKey, &rec.Title, &rec.StartedAt, &rec.EndedAt,
		&rec.DurationSec, &rec.SizeBytes, &rec.StoragePath, &rec.StorageTempPath, &status, &rec.PosterStoragePath,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = models.RecordingStatus(status)
	return &rec, nil
}
