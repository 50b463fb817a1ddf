package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liverec/backend/internal/models"
	"github.com/liverec/backend/pkg/redis"
	"github.com/liverec/backend/pkg/storage"
)

const (
	// DefaultRetentionDays applies when a caller does not say how old is expired.
	DefaultRetentionDays = 60
	// sampleSize caps every id list in a Result.
	sampleSize = 20

	lockKey = "lock:cleanup:recordings"
	lockTTL = 30 * time.Minute
)

// ErrSweepInProgress means another process holds the sweep lock.
var ErrSweepInProgress = errors.New("cleanup sweep already running")

// Store is the slice of the recordings repository the sweep needs.
type Store interface {
	ListExpiredReady(ctx context.Context, cutoff time.Time, limit int) ([]models.Recording, error)
	MarkExpiredDeleted(ctx context.Context, id uuid.UUID) error
}

// Options selects what a sweep removes.
type Options struct {
	OlderThanDays int
	Limit         int
	DryRun        bool
}

// Result counts what a sweep did. Id lists hold at most 20 entries each.
type Result struct {
	Scanned                  int         `json:"scanned"`
	Deleted                  int         `json:"deleted"`
	SkippedVideoDeleteFailed int         `json:"skipped_video_delete_failed"`
	CoverDeleteFailed        int         `json:"cover_delete_failed"`
	UpdatedDB                int         `json:"updated_db"`
	DryRun                   bool        `json:"dry_run"`
	OlderThanDays            int         `json:"older_than_days"`
	CandidateIDs             []uuid.UUID `json:"candidate_ids"`
	DeletedIDs               []uuid.UUID `json:"deleted_ids"`
	SkippedIDs               []uuid.UUID `json:"skipped_ids"`
	CoverFailedIDs           []uuid.UUID `json:"cover_failed_ids"`
}

func sample(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	if len(ids) >= sampleSize {
		return ids
	}
	return append(ids, id)
}

// Sweeper deletes stored objects of recordings past retention and marks them expired_deleted.
type Sweeper struct {
	store  Store
	videos storage.ObjectStore
	covers storage.ObjectStore
	locker *redis.Locker
	now    func() time.Time
	logger *zap.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithLocker makes concurrent sweeps across processes fail fast with ErrSweepInProgress.
func WithLocker(l *redis.Locker) SweeperOption {
	return func(s *Sweeper) { s.locker = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper. covers may be nil when posters are not stored.
func NewSweeper(store Store, videos, covers storage.ObjectStore, logger *zap.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{store: store, videos: videos, covers: covers, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one sweep. A failure on one recording is counted and logged; it never stops the batch.
func (s *Sweeper) Run(ctx context.Context, opts Options) (*Result, error) {
	if s.locker != nil {
		lease, err := s.locker.TryAcquire(ctx, lockKey, lockTTL)
		if err != nil {
			return nil, err
		}
		if lease == nil {
			return nil, ErrSweepInProgress
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("cleanup lock release failed", zap.Error(err))
			}
		}()
	}

	days := max(opts.OlderThanDays, 0)
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	limit := max(opts.Limit, 0)

	recs, err := s.store.ListExpiredReady(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired recordings: %w", err)
	}

	res := &Result{
		Scanned:        len(recs),
		DryRun:         opts.DryRun,
		OlderThanDays:  days,
		CandidateIDs:   []uuid.UUID{},
		DeletedIDs:     []uuid.UUID{},
		SkippedIDs:     []uuid.UUID{},
		CoverFailedIDs: []uuid.UUID{},
	}
	for _, rec := range recs {
		if rec.StoragePath == nil {
			continue
		}
		res.CandidateIDs = sample(res.CandidateIDs, rec.ID)
		if opts.DryRun {
			continue
		}
		s.expire(ctx, rec, res)
	}

	s.logger.Info("cleanup sweep completed",
		zap.Int("scanned", res.Scanned),
		zap.Int("deleted", res.Deleted),
		zap.Int("skipped_video_delete_failed", res.SkippedVideoDeleteFailed),
		zap.Int("cover_delete_failed", res.CoverDeleteFailed),
		zap.Int("updated_db", res.UpdatedDB),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("older_than_days", days),
	)
	return res, nil
}

func (s *Sweeper) expire(ctx context.Context, rec models.Recording, res *Result) {
	log := s.logger.With(zap.String("recording_id", rec.ID.String()))

	if err := s.videos.Delete(ctx, *rec.StoragePath); err != nil {
		if !storage.IsNotFound(err) {
			log.Error("video delete failed, skipping", zap.String("storage_path", *rec.StoragePath), zap.Error(err))
			res.SkippedVideoDeleteFailed++
			res.SkippedIDs = sample(res.SkippedIDs, rec.ID)
			return
		}
		log.Warn("video already missing", zap.String("storage_path", *rec.StoragePath))
	}
	res.Deleted++
	res.DeletedIDs = sample(res.DeletedIDs, rec.ID)

	if rec.PosterStoragePath != nil && s.covers != nil {
		if err := s.covers.Delete(ctx, *rec.PosterStoragePath); err != nil && !storage.IsNotFound(err) {
			log.Error("cover delete failed", zap.String("poster_storage_path", *rec.PosterStoragePath), zap.Error(err))
			res.CoverDeleteFailed++
			res.CoverFailedIDs = sample(res.CoverFailedIDs, rec.ID)
		}
	}

	if err := s.store.MarkExpiredDeleted(ctx, rec.ID); err != nil {
		log.Error("mark expired_deleted failed", zap.Error(err))
		return
	}
	res.UpdatedDB++
}
