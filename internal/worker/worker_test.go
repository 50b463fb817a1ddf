package worker

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liverec/backend/internal/models"
	"github.com/liverec/backend/internal/recordings"
	"github.com/liverec/backend/internal/testsupport"
	"github.com/liverec/backend/pkg/queue"
	"github.com/liverec/backend/pkg/storage"
)

// scriptedStore wraps a real store and lets a test intercept uploads.
type scriptedStore struct {
	storage.ObjectStore
	mu     sync.Mutex
	calls  int
	onCall func(ctx context.Context, call int) error
}

func (s *scriptedStore) Upload(ctx context.Context, req storage.UploadRequest) (models.UploadResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if s.onCall != nil {
		if err := s.onCall(ctx, call); err != nil {
			return models.UploadResult{}, err
		}
	}
	return s.ObjectStore.Upload(ctx, req)
}

type harness struct {
	db        *sql.DB
	repo      *recordings.SQLiteRepository
	lifecycle *recordings.Lifecycle
	queue     *queue.Queue
	videos    *scriptedStore
	videoRoot string
	base      string
	clock     *testsupport.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:        testsupport.MustOpenSQLite(t),
		videoRoot: t.TempDir(),
		base:      t.TempDir(),
		clock:     testsupport.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.repo = recordings.NewSQLiteRepository(h.db)
	h.queue = queue.NewQueue(queue.NewSQLiteStore(h.db), nil, queue.WithClock(h.clock.Now))
	local, err := storage.NewLocal(h.videoRoot, "recordings", nil)
	require.NoError(t, err)
	h.videos = &scriptedStore{ObjectStore: local}
	guard, err := recordings.NewPathGuard(h.base, "")
	require.NoError(t, err)
	h.lifecycle = recordings.NewLifecycle(h.repo, h.queue, nil, guard, nil,
		recordings.WithClock(h.clock.Now),
		recordings.WithProbe(func(string) (int, error) { return 61, nil }),
	)
	testsupport.SeedLiveAccount(t, h.db, "tiktok", "chan")
	return h
}

// waitingRecording runs a session up to waiting_upload and returns its id.
func (h *harness) waitingRecording(t *testing.T, name string, data []byte) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	_, err := h.lifecycle.LiveStart(ctx, recordings.LiveStartEvent{Platform: "tiktok", Channel: "chan"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.base, name), data, 0o644))
	id, err := h.lifecycle.TransmuxFinish(ctx, recordings.TransmuxEvent{Platform: "tiktok", Channel: "chan", Output: name})
	require.NoError(t, err)
	return id
}

func (h *harness) processor(cfg Config) *RecordingProcessor {
	return NewRecordingProcessor("test-worker", h.repo, h.lifecycle, h.videos, h.queue, cfg, nil)
}

func (h *harness) recording(t *testing.T, id uuid.UUID) *models.Recording {
	t.Helper()
	rec, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (h *harness) onlyJob(t *testing.T) *models.Job {
	t.Helper()
	var id string
	require.NoError(t, h.db.QueryRow(`SELECT id FROM jobs`).Scan(&id))
	job, err := h.queue.Get(context.Background(), uuid.MustParse(id))
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestRunOnceUploadsRecording(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.waitingRecording(t, "v.mp4", []byte("movie bytes"))

	claimed, err := h.processor(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	rec := h.recording(t, id)
	assert.Equal(t, models.RecordingStatusReady, rec.Status)
	require.NotNil(t, rec.StoragePath)
	assert.Equal(t, "recordings/recording-"+id.String()+"_origin.mp4", *rec.StoragePath)
	require.NotNil(t, rec.SizeBytes)
	assert.EqualValues(t, len("movie bytes"), *rec.SizeBytes)
	require.NotNil(t, rec.DurationSec)
	assert.Equal(t, 61, *rec.DurationSec)

	got, err := os.ReadFile(filepath.Join(h.videoRoot, "recordings", "recording-"+id.String()+"_origin.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "movie bytes", string(got))

	job := h.onlyJob(t)
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Nil(t, job.LockedBy)

	claimed, err = h.processor(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunOnceRetriesWithBackoffThenDies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.videos.onCall = func(context.Context, int) error { return errors.New("connection reset by peer") }
	id := h.waitingRecording(t, "v.mp4", []byte("x"))
	p := h.processor(Config{MaxAttempts: 3})

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := p.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, claimed)

		job := h.onlyJob(t)
		assert.Equal(t, models.JobStatusQueued, job.Status)
		assert.Equal(t, attempt, job.Attempts)
		assert.True(t, job.RunAt.Equal(h.clock.Now().Add(queue.Backoff(attempt))))
		assert.Equal(t, models.RecordingStatusWaitingUpload, h.recording(t, id).Status)

		claimed, err = p.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, claimed, "job must wait out its backoff")
		h.clock.Advance(queue.Backoff(attempt))
	}

	claimed, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	job := h.onlyJob(t)
	assert.Equal(t, models.JobStatusDead, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "connection reset")
	assert.Equal(t, models.RecordingStatusFailed, h.recording(t, id).Status)
	assert.Equal(t, 3, h.videos.calls)
}

func TestRunOnceRecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.videos.onCall = func(_ context.Context, call int) error {
		if call == 1 {
			return errors.New("503 slow down")
		}
		return nil
	}
	id := h.waitingRecording(t, "v.mp4", []byte("x"))
	p := h.processor(Config{})

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	h.clock.Advance(queue.Backoff(1))
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.RecordingStatusReady, h.recording(t, id).Status)
	job := h.onlyJob(t)
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRunOncePermanentFailureDiesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.waitingRecording(t, "v.mp4", []byte("x"))
	require.NoError(t, os.Remove(filepath.Join(h.base, "v.mp4")))

	claimed, err := h.processor(Config{MaxAttempts: 5}).RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	job := h.onlyJob(t)
	assert.Equal(t, models.JobStatusDead, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.RecordingStatusFailed, h.recording(t, id).Status)
}

func TestProcessSkipsReadyRecording(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.waitingRecording(t, "v.mp4", []byte("x"))
	require.NoError(t, h.lifecycle.CompleteUpload(ctx, id, models.UploadResult{RemoteKey: "already", SizeBytes: 1}))

	_, err := h.processor(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.videos.calls)
	assert.Equal(t, models.JobStatusDone, h.onlyJob(t).Status)
	assert.Equal(t, "already", *h.recording(t, id).StoragePath)
}

func TestProcessRejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	p := h.processor(Config{})

	err := p.Process(context.Background(), &models.Job{Type: queue.JobTypeRecordingUpload, Payload: []byte("{")})
	require.Error(t, err)
	assert.False(t, queue.IsRetryable(err))

	err = p.Process(context.Background(), &models.Job{Type: queue.JobTypeRecordingUpload,
		Payload: []byte(`{"recording_id":"` + uuid.NewString() + `","local_path":"/x.mp4"}`)})
	require.Error(t, err)
	assert.False(t, queue.IsRetryable(err))

	err = p.Process(context.Background(), &models.Job{Type: "Other"})
	assert.False(t, queue.IsRetryable(err))
}

func TestRunOnceStopsWhenLeaseIsLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.videos.onCall = func(ctx context.Context, _ int) error {
		if _, err := h.db.Exec(`UPDATE jobs SET locked_by = 'someone-else'`); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("heartbeat never noticed the lost lease")
		}
	}
	id := h.waitingRecording(t, "v.mp4", []byte("x"))

	claimed, err := h.processor(Config{LeaseTimeout: 30 * time.Millisecond}).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	job := h.onlyJob(t)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 0, job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "someone-else", *job.LockedBy)
	assert.Equal(t, models.RecordingStatusWaitingUpload, h.recording(t, id).Status)
}

func TestRunOnceLeavesReclaimedJobToNewHolder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.videos.onCall = func(ctx context.Context, _ int) error {
		h.clock.Advance(time.Hour)
		if _, err := h.queue.ReclaimStale(ctx, 30*time.Minute, 5); err != nil {
			return err
		}
		job, err := h.queue.ClaimNext(ctx, queue.JobTypeRecordingUpload, "other-worker")
		if err != nil {
			return err
		}
		if job == nil {
			return errors.New("reclaimed job was not claimable")
		}
		return errors.New("upload timeout")
	}
	h.waitingRecording(t, "v.mp4", []byte("x"))

	claimed, err := h.processor(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	job := h.onlyJob(t)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "other-worker", *job.LockedBy)
}

func TestRunOnceFinishesBookkeepingAfterShutdown(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.videos.onCall = func(context.Context, int) error {
		cancel()
		return nil
	}
	id := h.waitingRecording(t, "v.mp4", []byte("x"))

	claimed, err := h.processor(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.RecordingStatusReady, h.recording(t, id).Status)
	assert.Equal(t, models.JobStatusDone, h.onlyJob(t).Status)
}

func TestPoolDrainsQueue(t *testing.T) {
	h := newHarness(t)
	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		ids = append(ids, h.waitingRecording(t, uuid.NewString()+".mp4", []byte("x")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(2, h.repo, h.lifecycle, h.videos, h.queue, Config{PollInterval: 10 * time.Millisecond}, nil)
	require.Len(t, pool.processors, 2)
	assert.NotEqual(t, pool.processors[0].id, pool.processors[1].id)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			rec, err := h.repo.GetByID(context.Background(), id)
			if err != nil || rec == nil || rec.Status != models.RecordingStatusReady {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
