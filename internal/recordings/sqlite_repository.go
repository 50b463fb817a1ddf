package recordings

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/liverec/backend/internal/models"
	"github.com/liverec/backend/pkg/database"
)

// SQLiteRepository handles recording persistence in an embedded SQLite database.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a recordings repository backed by db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) FindLiveAccount(ctx context.Context, platform, accountID string) (*models.LiveAccount, error) {
	const q = `SELECT id, platform, account_id, canonical_url, status, created_at, updated_at
		FROM live_accounts WHERE LOWER(platform) = ? AND account_id = ?`
	var a models.LiveAccount
	var id, createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx, q, platform, accountID).
		Scan(&id, &a.Platform, &a.AccountID, &a.CanonicalURL, &a.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *SQLiteRepository) FindByAccountStatus(ctx context.Context, platform, accountID string, status models.RecordingStatus) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + `
		FROM recordings r JOIN live_accounts a ON a.id = r.live_account_id
		WHERE LOWER(a.platform) = ? AND a.account_id = ? AND r.status = ?
		ORDER BY r.started_at DESC LIMIT 1`
	return r.one(ctx, q, platform, accountID, string(status))
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings r WHERE r.id = ?`
	return r.one(ctx, q, id.String())
}

func (r *SQLiteRepository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (id, live_account_id, recording_key, title, started_at, status, poster_storage_path,
		created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, q, rec.ID.String(), rec.LiveAccountID.String(), rec.RecordingKey, rec.Title,
		database.FormatTime(rec.StartedAt), string(rec.Status), rec.PosterStoragePath,
		database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return err
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	return nil
}

func (r *SQLiteRepository) MarkWaitingUpload(ctx context.Context, id uuid.UUID, tempPath string, durationSec *int, endedAt time.Time) error {
	const q = `UPDATE recordings
		SET status = 'waiting_upload', storage_temp_path = ?, duration_sec = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND status = 'live_recording'`
	return r.exec(ctx, q, tempPath, durationSec, database.FormatTime(endedAt), r.stamp(), id.String())
}

func (r *SQLiteRepository) MarkUploading(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = 'uploading', updated_at = ? WHERE id = ? AND status = 'waiting_upload'`
	return r.exec(ctx, q, r.stamp(), id.String())
}

func (r *SQLiteRepository) MarkReady(ctx context.Context, id uuid.UUID, res models.UploadResult) error {
	const q = `UPDATE recordings
		SET status = 'ready', storage_path = ?, size_bytes = ?, duration_sec = ?, updated_at = ?
		WHERE id = ? AND status <> 'expired_deleted'`
	return r.exec(ctx, q, res.RemoteKey, res.SizeBytes, res.DurationSec, r.stamp(), id.String())
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = 'failed', updated_at = ?
		WHERE id = ? AND status NOT IN ('ready', 'expired_deleted')`
	return r.exec(ctx, q, r.stamp(), id.String())
}

func (r *SQLiteRepository) SetPoster(ctx context.Context, id uuid.UUID, key string) error {
	const q = `UPDATE recordings SET poster_storage_path = ?, updated_at = ?
		WHERE id = ? AND poster_storage_path IS NULL AND status <> 'expired_deleted'`
	return r.exec(ctx, q, key, r.stamp(), id.String())
}

func (r *SQLiteRepository) ListExpiredReady(ctx context.Context, cutoff time.Time, limit int) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings r
		WHERE r.status = 'ready' AND r.started_at < ? AND r.storage_path IS NOT NULL
		ORDER BY r.started_at ASC`
	args := []any{database.FormatTime(cutoff)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanSQLiteRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

func (r *SQLiteRepository) MarkExpiredDeleted(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = 'expired_deleted', updated_at = ? WHERE id = ? AND status = 'ready'`
	return r.exec(ctx, q, r.stamp(), id.String())
}

func (r *SQLiteRepository) stamp() string {
	return database.FormatTime(r.now())
}

func (r *SQLiteRepository) one(ctx context.Context, q string, args ...any) (*models.Recording, error) {
	rec, err := scanSQLiteRecording(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteRepository) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecording(row rowScanner) (*models.Recording, error) {
	var (
		rec                          models.Recording
		id, accountID, status        string
		startedAt, createdAt, update string
		endedAt                      sql.NullString
		duration, size               sql.NullInt64
	)
	if err := row.Scan(&id, &accountID, &rec.RecordingKey, &rec.Title, &startedAt, &endedAt, &duration, &size,
		&rec.StoragePath, &rec.StorageTempPath, &status, &rec.PosterStoragePath, &createdAt, &update); err != nil {
		return nil, err
	}

	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if rec.LiveAccountID, err = uuid.Parse(accountID); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = database.ParseTime(startedAt); err != nil {
		return nil, err
	}
	if rec.EndedAt, err = database.ParseNullTime(endedAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = database.ParseTime(update); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationSec = &d
	}
	if size.Valid {
		rec.SizeBytes = &size.Int64
	}
	rec.Status = models.RecordingStatus(status)
	return &rec, nil
}
